package worker

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"lyricqueue/internal/config"
	"lyricqueue/internal/events"
	"lyricqueue/internal/idempotency"
	"lyricqueue/internal/lyrics"
	"lyricqueue/internal/media"
	"lyricqueue/internal/models"
	"lyricqueue/internal/store"
	"lyricqueue/internal/telemetry"
)

func timeNowUTC() time.Time { return time.Now().UTC() }

// Sweeper runs the periodic maintenance passes that keep the queue and the
// cache consistent.
type Sweeper struct {
	cfg      config.Config
	store    *store.Store
	resolver *idempotency.Resolver
	events   events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg config.Config, st *store.Store, r *idempotency.Resolver, pub events.Publisher, log *slog.Logger) *Sweeper {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Sweeper{cfg: cfg, store: st, resolver: r, events: pub, log: log.With("component", "sweeper"), now: time.Now}
}

// Startup runs the passes that must complete before the processor claims
// its first job.
func (s *Sweeper) Startup(ctx context.Context) error {
	if _, err := s.Reclaim(ctx); err != nil {
		return err
	}
	if _, err := s.BackfillLegacy(ctx); err != nil {
		return err
	}
	if _, err := s.ExpireCache(ctx); err != nil {
		s.log.Warn("cache expiry failed", "err", err)
	}
	return nil
}

// Run drives the periodic passes until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	reclaim := time.NewTicker(orDefault(s.cfg.ReclaimInterval, 15*time.Second))
	defer reclaim.Stop()
	legacy := time.NewTicker(orDefault(s.cfg.LegacyInterval, time.Minute))
	defer legacy.Stop()
	cache := time.NewTicker(orDefault(s.cfg.CacheSweepInterval, 10*time.Minute))
	defer cache.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			if _, err := s.Reclaim(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("reclaim failed", "err", err)
			}
		case <-legacy.C:
			if _, err := s.BackfillLegacy(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("legacy backfill failed", "err", err)
			}
		case <-cache.C:
			if _, err := s.ExpireCache(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("cache expiry failed", "err", err)
			}
		}
	}
}

// Reclaim returns stale processing jobs to pending and refreshes the
// per-status gauge.
func (s *Sweeper) Reclaim(ctx context.Context) (int, error) {
	ids, err := s.store.ReclaimStale(ctx, s.cfg.LeaseGrace)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		telemetry.JobsReclaimed.Inc()
		s.log.Warn("reclaimed stale job", "job_id", id)
		if job, err := s.store.GetJob(ctx, id); err == nil {
			events.Emit(ctx, s.events, s.log, models.NewJobEnvelope(job))
		}
	}
	if counts, err := s.store.CountByStatus(ctx); err == nil {
		telemetry.SetStatusCounts(counts, models.AllStatuses)
	}
	return len(ids), nil
}

// BackfillStats summarizes one legacy backfill pass.
type BackfillStats struct {
	Marked   int
	Enqueued int
	Skipped  int
}

// BackfillLegacy upgrades songs whose lyrics predate synced-only storage.
// Text that already validates is flagged synced in place; anything else
// gets a regeneration job. It is a no-op outside strict mode.
func (s *Sweeper) BackfillLegacy(ctx context.Context) (BackfillStats, error) {
	var stats BackfillStats
	if !s.cfg.StrictLRC {
		return stats, nil
	}
	batch := s.cfg.LegacyBatchSize
	if batch <= 0 {
		batch = 25
	}
	songs, err := s.store.LegacyLyricsCandidates(ctx, idempotency.LegacyLyricsKeyPrefix, batch)
	if err != nil {
		return stats, err
	}

	for _, song := range songs {
		active, err := s.store.HasActiveJob(ctx, models.TypeGenerateText, models.SongSubject(song.ID))
		if err != nil {
			return stats, err
		}
		if active {
			stats.Skipped++
			telemetry.LegacyBackfill.WithLabelValues("skipped").Inc()
			continue
		}
		if song.Lyrics != nil && lyrics.Validate(*song.Lyrics) {
			if err := s.store.MarkLyricsSynced(ctx, song.ID); err != nil {
				return stats, err
			}
			stats.Marked++
			telemetry.LegacyBackfill.WithLabelValues("marked").Inc()
			continue
		}
		res, err := s.resolver.BackfillLyrics(ctx, song.ID)
		if err != nil {
			return stats, err
		}
		if res.Outcome != store.OutcomeCreated {
			stats.Skipped++
			telemetry.LegacyBackfill.WithLabelValues("skipped").Inc()
			continue
		}
		stats.Enqueued++
		telemetry.LegacyBackfill.WithLabelValues("enqueued").Inc()
	}
	if len(songs) > 0 {
		s.log.Info("legacy backfill pass", "marked", stats.Marked, "enqueued", stats.Enqueued, "skipped", stats.Skipped)
	}
	return stats, nil
}

// ExpireCache deletes cached audio older than CacheTTL and detaches it from
// the songs that referenced it.
func (s *Sweeper) ExpireCache(ctx context.Context) (int, error) {
	dir := s.cfg.MediaDir
	if dir == "" {
		return 0, nil
	}
	cutoff := s.now().Add(-orDefault(s.cfg.CacheTTL, time.Hour))

	var expired []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !media.IsAudioFile(path) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			expired = append(expired, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, path := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warn("remove cached audio failed", "path", path, "err", err)
			continue
		}
		removed++
		telemetry.CacheFilesExpired.Inc()

		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		ids, err := s.store.ClearSongFile(ctx, abs)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			events.Emit(ctx, s.events, s.log, models.Envelope{
				Event: models.EventCacheExpired,
				Data:  models.SongEvent{SongID: id, Detail: filepath.Base(abs)},
				TS:    timeNowUTC(),
			})
		}
	}
	if removed > 0 {
		s.log.Info("expired cached audio", "files", removed)
	}
	return removed, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
