package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"lyricqueue/internal/events"
	"lyricqueue/internal/models"
	"lyricqueue/internal/store"
	"lyricqueue/internal/telemetry"
)

// Resolver turns domain requests into keyed EnqueueOrGet calls. Every
// producer, API and worker chaining alike, goes through it.
type Resolver struct {
	store      *store.Store
	events     events.Publisher
	log        *slog.Logger
	maxRetries int
	now        func() time.Time
}

// NewResolver builds a resolver. pub may be nil.
func NewResolver(st *store.Store, pub events.Publisher, log *slog.Logger, maxRetries int) *Resolver {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Resolver{store: st, events: pub, log: log, maxRetries: maxRetries, now: time.Now}
}

// Resolution is the job a request mapped to and how it got there.
type Resolution struct {
	Job     models.Job
	Outcome store.EnqueueOutcome
}

// Ingest enqueues media acquisition for a locator. Rehydrate allows a
// finished or failed job for the same locator to be reset and run again.
func (r *Resolver) Ingest(ctx context.Context, rawURL string, songID *int64, rehydrate bool) (Resolution, error) {
	p := models.AcquireMediaPayload{URL: rawURL, SongID: songID, Rehydrate: rehydrate}
	subject := ""
	if songID != nil {
		subject = models.SongSubject(*songID)
	}
	return r.resolve(ctx, p, IngestKey(rawURL), subject, rehydrate)
}

// ChainLyrics enqueues the lyric job that follows a successful acquisition.
// It never requeues, so re-running the acquisition cannot duplicate it.
func (r *Resolver) ChainLyrics(ctx context.Context, songID int64) (Resolution, error) {
	p := models.GenerateTextPayload{SongID: songID, Reason: "ingest"}
	return r.resolve(ctx, p, LyricsKey(songID), models.SongSubject(songID), false)
}

// BackfillLyrics enqueues regeneration for lyrics stored before synced
// text was required.
func (r *Resolver) BackfillLyrics(ctx context.Context, songID int64) (Resolution, error) {
	p := models.GenerateTextPayload{SongID: songID, Reason: "legacy_migrate"}
	return r.resolve(ctx, p, LegacyLyricsKey(songID), models.SongSubject(songID), false)
}

// RetryLyrics clears the song's stored lyrics and enqueues a manual retry
// under a per-second key.
func (r *Resolver) RetryLyrics(ctx context.Context, songID int64) (Resolution, error) {
	if err := r.store.ClearLyrics(ctx, songID); err != nil {
		return Resolution{}, err
	}
	p := models.GenerateTextPayload{SongID: songID, Reason: "manual_retry"}
	return r.resolve(ctx, p, RetryLyricsKey(songID, r.now()), models.SongSubject(songID), false)
}

// UpdateYTDLP enqueues the singleton downloader maintenance job, resetting
// it when a previous run has finished.
func (r *Resolver) UpdateYTDLP(ctx context.Context) (Resolution, error) {
	p := models.MaintenancePayload{Task: models.MaintenanceTaskYTDLP}
	return r.resolve(ctx, p, MaintenanceYTDLPKey, "", true)
}

func (r *Resolver) resolve(ctx context.Context, p models.Payload, key, subject string, allowRequeue bool) (Resolution, error) {
	raw, err := models.EncodePayload(p)
	if err != nil {
		return Resolution{}, err
	}
	job, outcome, err := r.store.EnqueueOrGet(ctx, store.EnqueueParams{
		Type:         p.JobType(),
		Key:          key,
		Subject:      subject,
		Payload:      raw,
		MaxRetries:   r.maxRetries,
		AllowRequeue: allowRequeue,
	})
	if err != nil {
		return Resolution{}, fmt.Errorf("resolve %s: %w", key, err)
	}

	telemetry.JobsEnqueued.WithLabelValues(job.Type, string(outcome)).Inc()
	if outcome != store.OutcomeExisting {
		r.log.Info("job enqueued", "job_id", job.ID, "type", job.Type, "key", key, "outcome", outcome)
		events.Emit(ctx, r.events, r.log, models.NewJobEnvelope(job))
	}
	return Resolution{Job: job, Outcome: outcome}, nil
}
