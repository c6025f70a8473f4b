package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"lyricqueue/internal/models"
)

const songColumns = `s.id, s.title, s.artist_id, a.name, s.source_url, s.file_path, s.cover_path, s.archive_uri,
	s.duration_seconds, s.lyrics, s.lyrics_synced, s.lyrics_source, s.created_at, s.updated_at, s.last_accessed_at`

const songFrom = ` FROM songs s LEFT JOIN artists a ON a.id = s.artist_id`

// SongLookup lists the identities an acquire job may know a song by.
// They are tried in field order.
type SongLookup struct {
	ID        *int64
	SourceURL string
	FilePath  string
}

// UpsertArtist returns the id for name, creating the artist if needed.
func (s *Store) UpsertArtist(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Unknown Artist"
	}
	if _, err := s.exec(ctx, `
		INSERT INTO artists (name, created_at) VALUES (?, ?) ON CONFLICT (name) DO NOTHING
	`, name, s.now()); err != nil {
		return 0, fmt.Errorf("insert artist: %w", err)
	}
	var id int64
	if err := s.queryRow(ctx, `SELECT id FROM artists WHERE name = ?`, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("select artist: %w", err)
	}
	return id, nil
}

// GetSong fetches a song with its artist name.
func (s *Store) GetSong(ctx context.Context, id int64) (models.Song, error) {
	song, err := scanSong(s.queryRow(ctx, `SELECT `+songColumns+songFrom+` WHERE s.id = ?`, id))
	if err != nil {
		return models.Song{}, fmt.Errorf("get song %d: %w", id, err)
	}
	return song, nil
}

// FindSong resolves a song by id, then source URL, then file path.
func (s *Store) FindSong(ctx context.Context, l SongLookup) (models.Song, bool, error) {
	type probe struct {
		where string
		arg   any
	}
	var probes []probe
	if l.ID != nil && *l.ID > 0 {
		probes = append(probes, probe{"s.id = ?", *l.ID})
	}
	if l.SourceURL != "" {
		probes = append(probes, probe{"s.source_url = ?", l.SourceURL})
	}
	if l.FilePath != "" {
		probes = append(probes, probe{"s.file_path = ?", l.FilePath})
	}
	for _, p := range probes {
		song, err := scanSong(s.queryRow(ctx, `SELECT `+songColumns+songFrom+` WHERE `+p.where+` ORDER BY s.id LIMIT 1`, p.arg))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return models.Song{}, false, fmt.Errorf("find song: %w", err)
		}
		return song, true, nil
	}
	return models.Song{}, false, nil
}

// SaveSong inserts a new song (ID == 0) or updates its media columns.
// Lyrics columns are left alone on update.
func (s *Store) SaveSong(ctx context.Context, song models.Song) (models.Song, error) {
	now := s.now()
	if song.ID == 0 {
		err := s.queryRow(ctx, `
			INSERT INTO songs (title, artist_id, source_url, file_path, cover_path, archive_uri, duration_seconds,
				lyrics, lyrics_synced, lyrics_source, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`, song.Title, nullInt(song.ArtistID), nullString(song.SourceURL), nullString(song.FilePath),
			nullString(song.CoverPath), nullString(song.ArchiveURI), song.DurationSeconds,
			nullString(song.Lyrics), song.LyricsSynced, nullString(song.LyricsSource), now, now).Scan(&song.ID)
		if err != nil {
			return models.Song{}, fmt.Errorf("insert song: %w", err)
		}
		return s.GetSong(ctx, song.ID)
	}

	res, err := s.exec(ctx, `
		UPDATE songs
		SET title = ?, artist_id = ?, source_url = ?, file_path = ?, cover_path = ?, archive_uri = ?,
			duration_seconds = ?, updated_at = ?
		WHERE id = ?
	`, song.Title, nullInt(song.ArtistID), nullString(song.SourceURL), nullString(song.FilePath),
		nullString(song.CoverPath), nullString(song.ArchiveURI), song.DurationSeconds, now, song.ID)
	if err != nil {
		return models.Song{}, fmt.Errorf("update song: %w", err)
	}
	if ok, err := affected(res); err != nil {
		return models.Song{}, err
	} else if !ok {
		return models.Song{}, fmt.Errorf("update song %d: %w", song.ID, ErrNotFound)
	}
	return s.GetSong(ctx, song.ID)
}

// ListSongs returns songs newest first.
func (s *Store) ListSongs(ctx context.Context, limit int) ([]models.Song, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.query(ctx, `SELECT `+songColumns+songFrom+` ORDER BY s.id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list songs: %w", err)
	}
	return collectSongs(rows)
}

// UpdateLyrics stores lyrics text and whether it is time-synchronized.
func (s *Store) UpdateLyrics(ctx context.Context, id int64, lyrics string, synced bool, source string) error {
	_, err := s.exec(ctx, `
		UPDATE songs SET lyrics = ?, lyrics_synced = ?, lyrics_source = ?, updated_at = ? WHERE id = ?
	`, lyrics, synced, nullString(emptyToNil(source)), s.now(), id)
	if err != nil {
		return fmt.Errorf("update lyrics: %w", err)
	}
	return nil
}

// ClearLyrics drops stored lyrics so a manual retry starts from nothing.
func (s *Store) ClearLyrics(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `
		UPDATE songs SET lyrics = NULL, lyrics_synced = ?, lyrics_source = NULL, updated_at = ? WHERE id = ?
	`, false, s.now(), id)
	if err != nil {
		return fmt.Errorf("clear lyrics: %w", err)
	}
	return nil
}

// MarkLyricsSynced flags existing lyrics as synchronized without rewriting them.
func (s *Store) MarkLyricsSynced(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE songs SET lyrics_synced = ?, updated_at = ? WHERE id = ?`, true, s.now(), id)
	if err != nil {
		return fmt.Errorf("mark lyrics synced: %w", err)
	}
	return nil
}

// TouchSong records that a song was read by a client.
func (s *Store) TouchSong(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE songs SET last_accessed_at = ? WHERE id = ?`, s.now(), id)
	if err != nil {
		return fmt.Errorf("touch song: %w", err)
	}
	return nil
}

// ClearSongFile drops the file reference from every song pointing at path
// and returns their ids.
func (s *Store) ClearSongFile(ctx context.Context, path string) ([]int64, error) {
	rows, err := s.query(ctx, `
		UPDATE songs SET file_path = NULL, updated_at = ? WHERE file_path = ? RETURNING id
	`, s.now(), path)
	if err != nil {
		return nil, fmt.Errorf("clear song file: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan song id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LegacyLyricsCandidates returns songs holding unsynchronized lyrics text
// that may need regeneration. Songs that already have a job under
// keyPrefix+id, or an active lyrics job, are left out before the limit
// applies so finished backfills never crowd out the rest.
func (s *Store) LegacyLyricsCandidates(ctx context.Context, keyPrefix string, limit int) ([]models.Song, error) {
	args := []any{false, models.LyricsNotFound, keyPrefix, models.TypeGenerateText, models.SongSubjectPrefix}
	args = append(args, stringArgs(models.ActiveStatuses)...)
	args = append(args, limit)
	rows, err := s.query(ctx, `
		SELECT `+songColumns+songFrom+`
		WHERE s.lyrics_synced = ? AND s.lyrics IS NOT NULL AND TRIM(s.lyrics) <> '' AND s.lyrics <> ?
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j WHERE j.idempotency_key = CAST(? AS TEXT) || CAST(s.id AS TEXT)
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.type = ? AND j.subject = CAST(? AS TEXT) || CAST(s.id AS TEXT)
			  AND j.status IN (`+placeholders(len(models.ActiveStatuses))+`)
		  )
		ORDER BY s.id ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list legacy lyrics: %w", err)
	}
	return collectSongs(rows)
}

func collectSongs(rows *sql.Rows) ([]models.Song, error) {
	defer rows.Close()
	var songs []models.Song
	for rows.Next() {
		song, err := scanSong(rows)
		if err != nil {
			return nil, err
		}
		songs = append(songs, song)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate songs: %w", err)
	}
	return songs, nil
}

func scanSong(row rowScanner) (models.Song, error) {
	var song models.Song
	var artistID sql.NullInt64
	var artist, sourceURL, filePath, coverPath, archive, lyrics, src sql.NullString
	var lastAccessed sql.NullTime
	err := row.Scan(&song.ID, &song.Title, &artistID, &artist, &sourceURL, &filePath, &coverPath, &archive,
		&song.DurationSeconds, &lyrics, &song.LyricsSynced, &src, &song.CreatedAt, &song.UpdatedAt, &lastAccessed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Song{}, ErrNotFound
	}
	if err != nil {
		return models.Song{}, fmt.Errorf("scan song: %w", err)
	}
	if artistID.Valid {
		song.ArtistID = &artistID.Int64
	}
	song.Artist = artist.String
	song.SourceURL = stringPtr(sourceURL)
	song.FilePath = stringPtr(filePath)
	song.CoverPath = stringPtr(coverPath)
	song.ArchiveURI = stringPtr(archive)
	song.Lyrics = stringPtr(lyrics)
	song.LyricsSource = stringPtr(src)
	song.LastAccessedAt = timePtr(lastAccessed)
	song.CreatedAt = song.CreatedAt.UTC()
	song.UpdatedAt = song.UpdatedAt.UTC()
	return song, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
