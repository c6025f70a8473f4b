package models

import (
	"fmt"
	"time"
)

// LyricsNotFound is stored when every lyric strategy came up empty.
const LyricsNotFound = "Lyrics not found."

// Song is a library entry produced by media acquisition.
type Song struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	ArtistID        *int64     `json:"artist_id,omitempty"`
	Artist          string     `json:"artist,omitempty"`
	SourceURL       *string    `json:"source_url,omitempty"`
	FilePath        *string    `json:"file_path,omitempty"`
	CoverPath       *string    `json:"cover_path,omitempty"`
	ArchiveURI      *string    `json:"archive_uri,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
	Lyrics          *string    `json:"lyrics,omitempty"`
	LyricsSynced    bool       `json:"lyrics_synced"`
	LyricsSource    *string    `json:"lyrics_source,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	LastAccessedAt  *time.Time `json:"last_accessed_at,omitempty"`
}

// SongSubjectPrefix prefixes SongSubject.
const SongSubjectPrefix = "song:"

// SongSubject is the job subject used for work targeting a song.
func SongSubject(id int64) string {
	return fmt.Sprintf("%s%d", SongSubjectPrefix, id)
}
