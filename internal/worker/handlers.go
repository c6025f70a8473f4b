package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lyricqueue/internal/events"
	"lyricqueue/internal/idempotency"
	"lyricqueue/internal/lyrics"
	"lyricqueue/internal/media"
	"lyricqueue/internal/models"
	"lyricqueue/internal/store"
)

// Lyric outcome statuses reported in generate_text results.
const (
	LyricsFound          = "found"
	LyricsFoundUnsynced  = "found_unsynced"
	LyricsKeptExisting   = "kept_existing_synced"
	LyricsStatusNotFound = "not_found"
)

// LyricsSource produces lyrics for a track.
type LyricsSource interface {
	Generate(ctx context.Context, track lyrics.Track) (lyrics.Found, error)
}

// CoverSource stores artwork for a song.
type CoverSource interface {
	Fetch(ctx context.Context, imageURL, name string) (media.Cover, error)
}

// VersionProber reports the installed downloader version.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// Handlers holds the collaborators the job handlers need.
type Handlers struct {
	Store    *store.Store
	Resolver *idempotency.Resolver
	Events   events.Publisher
	Log      *slog.Logger
	Acquirer media.Acquirer
	Covers   CoverSource
	Archive  media.Uploader
	Lyrics   LyricsSource
	YTDLP    VersionProber
}

// Register binds every handler to p.
func (h *Handlers) Register(p *Processor) {
	p.RegisterHandler(models.TypeAcquireMedia, h.Acquire)
	p.RegisterHandler(models.TypeGenerateText, h.Generate)
	p.RegisterHandler(models.TypeMaintenanceYTDLP, h.Maintenance)
}

// AcquireResult is the acquire_media result document.
type AcquireResult struct {
	SongID      int64  `json:"song_id"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	FilePath    string `json:"file_path"`
	CoverPath   string `json:"cover_path,omitempty"`
	ArchiveURI  string `json:"archive_uri,omitempty"`
	LyricsJobID string `json:"lyrics_job_id,omitempty"`
}

// Acquire downloads audio, records the song and chains lyric generation.
func (h *Handlers) Acquire(ctx context.Context, exec *Execution) (any, error) {
	p, ok := exec.Payload.(models.AcquireMediaPayload)
	if !ok {
		return nil, fmt.Errorf("acquire: unexpected payload %T", exec.Payload)
	}
	log := h.Log.With("job_id", exec.Job.ID)
	exec.Progress(ctx, 5)

	song, found, err := h.Store.FindSong(ctx, store.SongLookup{ID: p.SongID, SourceURL: p.URL})
	if err != nil {
		return nil, err
	}

	m, err := h.Acquirer.Acquire(ctx, p.URL)
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", p.URL, err)
	}
	exec.Progress(ctx, 60)

	if !found {
		song, _, err = h.Store.FindSong(ctx, store.SongLookup{FilePath: m.FilePath})
		if err != nil {
			return nil, err
		}
	}

	artistID, err := h.Store.UpsertArtist(ctx, m.Artist)
	if err != nil {
		return nil, err
	}
	if m.Title != "" {
		song.Title = m.Title
	} else if song.Title == "" {
		song.Title = p.URL
	}
	song.ArtistID = &artistID
	song.SourceURL = &p.URL
	song.FilePath = &m.FilePath
	if m.DurationSeconds > 0 {
		song.DurationSeconds = m.DurationSeconds
	}
	song, err = h.Store.SaveSong(ctx, song)
	if err != nil {
		return nil, err
	}
	exec.Progress(ctx, 75)

	// Artwork and archive are best-effort; audio is already usable.
	dirty := false
	if m.CoverURL != "" && h.Covers != nil {
		cover, err := h.Covers.Fetch(ctx, m.CoverURL, fmt.Sprintf("song_%d", song.ID))
		if err != nil {
			log.Warn("cover fetch failed", "song_id", song.ID, "err", err)
		}
		if cover.Path != "" {
			song.CoverPath = &cover.Path
			dirty = true
		}
	}
	if h.Archive != nil {
		uri, err := h.Archive.UploadFile(ctx, media.ArchiveKey("audio", m.FilePath), m.FilePath, media.AudioContentType(m.FilePath))
		if err != nil {
			log.Warn("audio archive failed", "song_id", song.ID, "err", err)
		} else {
			song.ArchiveURI = &uri
			dirty = true
		}
	}
	if dirty {
		if song, err = h.Store.SaveSong(ctx, song); err != nil {
			return nil, err
		}
	}
	exec.Progress(ctx, 90)

	h.emitSong(ctx, models.EventIngestCompleted, song.ID, exec.Job.ID, "")

	res := AcquireResult{
		SongID:   song.ID,
		Title:    song.Title,
		Artist:   song.Artist,
		FilePath: m.FilePath,
	}
	if song.CoverPath != nil {
		res.CoverPath = *song.CoverPath
	}
	if song.ArchiveURI != nil {
		res.ArchiveURI = *song.ArchiveURI
	}

	if hasValidSyncedLyrics(song) {
		log.Info("song already has synced lyrics; not chaining", "song_id", song.ID)
		return res, nil
	}
	chained, err := h.Resolver.ChainLyrics(ctx, song.ID)
	if err != nil {
		return nil, err
	}
	res.LyricsJobID = chained.Job.ID
	return res, nil
}

// GenerateResult is the generate_text result document.
type GenerateResult struct {
	SongID  int64  `json:"song_id"`
	Status  string `json:"status"`
	Source  string `json:"source,omitempty"`
	Synced  bool   `json:"synced"`
	IsValid bool   `json:"is_valid"`
}

// Generate finds lyrics for a song and stores them.
func (h *Handlers) Generate(ctx context.Context, exec *Execution) (any, error) {
	p, ok := exec.Payload.(models.GenerateTextPayload)
	if !ok {
		return nil, fmt.Errorf("generate: unexpected payload %T", exec.Payload)
	}
	song, err := h.Store.GetSong(ctx, p.SongID)
	if err != nil {
		return nil, err
	}
	exec.Progress(ctx, 10)

	track := lyrics.Track{
		Title:           song.Title,
		Artist:          song.Artist,
		DurationSeconds: song.DurationSeconds,
	}
	if song.FilePath != nil {
		track.AudioPath = *song.FilePath
	}

	found, err := h.Lyrics.Generate(ctx, track)
	existingSynced := hasValidSyncedLyrics(song)
	res := GenerateResult{SongID: song.ID}

	switch {
	case errors.Is(err, lyrics.ErrNotFound):
		if existingSynced {
			res.Status, res.Synced, res.IsValid = LyricsKeptExisting, true, true
			break
		}
		if err := h.Store.UpdateLyrics(ctx, song.ID, models.LyricsNotFound, false, ""); err != nil {
			return nil, err
		}
		res.Status = LyricsStatusNotFound
	case err != nil:
		return nil, err
	case !found.Synced && existingSynced:
		// Never replace synced text with plain text.
		res.Status, res.Synced, res.IsValid = LyricsKeptExisting, true, true
	default:
		if err := h.Store.UpdateLyrics(ctx, song.ID, found.Text, found.Synced, found.Source); err != nil {
			return nil, err
		}
		res.Source = found.Source
		res.Synced = found.Synced
		res.IsValid = found.Synced && lyrics.Validate(found.Text)
		res.Status = LyricsFound
		if !found.Synced {
			res.Status = LyricsFoundUnsynced
		}
	}
	exec.Progress(ctx, 90)

	h.emitSong(ctx, models.EventLyricsUpdated, song.ID, exec.Job.ID, res.Status)
	return res, nil
}

// MaintenanceResult is the maintenance job result document.
type MaintenanceResult struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Detail  string `json:"detail"`
}

// Maintenance reports the downloader version. In-place self-update is not
// performed; newer versions ship with the deployment.
func (h *Handlers) Maintenance(ctx context.Context, exec *Execution) (any, error) {
	if _, ok := exec.Payload.(models.MaintenancePayload); !ok {
		return nil, fmt.Errorf("maintenance: unexpected payload %T", exec.Payload)
	}
	res := MaintenanceResult{
		Status: "unsupported",
		Detail: "yt-dlp self-update is not supported; upgrade the deployment to get a newer yt-dlp",
	}
	if h.YTDLP != nil {
		v, err := h.YTDLP.Version(ctx)
		if err != nil {
			h.Log.Warn("yt-dlp version probe failed", "err", err)
		}
		res.Version = v
	}
	return res, nil
}

func (h *Handlers) emitSong(ctx context.Context, event string, songID int64, jobID, detail string) {
	events.Emit(ctx, h.Events, h.Log, models.Envelope{
		Event: event,
		Data:  models.SongEvent{SongID: songID, JobID: jobID, Detail: detail},
		TS:    timeNowUTC(),
	})
}

func hasValidSyncedLyrics(song models.Song) bool {
	return song.LyricsSynced && song.Lyrics != nil && lyrics.Validate(*song.Lyrics)
}
