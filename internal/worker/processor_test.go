package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lyricqueue/internal/config"
	"lyricqueue/internal/idempotency"
	"lyricqueue/internal/logging"
	"lyricqueue/internal/lyrics"
	"lyricqueue/internal/media"
	"lyricqueue/internal/models"
	"lyricqueue/internal/store"
)

const testLRC = "[00:01.00] one\n[00:02.00] two\n[00:03.00] three\n[00:04.00] four\n[00:05.00] five"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, env models.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
	return nil
}

func (p *recordingPublisher) named(event string) []models.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.Envelope
	for _, e := range p.envs {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	cfg      config.Config
	store    *store.Store
	clock    *testClock
	pub      *recordingPublisher
	resolver *idempotency.Resolver
	proc     *Processor
}

func testConfig() config.Config {
	return config.Config{
		LeaseDuration:     5 * time.Minute,
		HeartbeatInterval: time.Minute,
		LeaseGrace:        90 * time.Second,
		IdleSleep:         10 * time.Millisecond,
		MaxRetries:        3,
		BackoffBase:       30 * time.Second,
		BackoffMultiplier: 4,
		LegacyBatchSize:   25,
		CacheTTL:          time.Hour,
		StrictLRC:         true,
	}
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "worker.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	pub := &recordingPublisher{}
	log := logging.Discard()
	resolver := idempotency.NewResolver(st, pub, log, cfg.MaxRetries)
	proc := NewProcessor(cfg, st, pub, log, "worker-test")
	proc.now = clock.Now
	return &harness{cfg: cfg, store: st, clock: clock, pub: pub, resolver: resolver, proc: proc}
}

func (h *harness) runOnce(t *testing.T) bool {
	t.Helper()
	worked, err := h.proc.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	return worked
}

func (h *harness) job(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}

func (h *harness) enqueueRaw(t *testing.T, jobType, key, payload string) models.Job {
	t.Helper()
	job, _, err := h.store.EnqueueOrGet(context.Background(), store.EnqueueParams{
		Type:       jobType,
		Key:        key,
		Payload:    json.RawMessage(payload),
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return job
}

type fileAcquirer struct {
	dir   string
	calls int
}

func (a *fileAcquirer) Acquire(_ context.Context, u string) (media.Media, error) {
	a.calls++
	path := filepath.Join(a.dir, "abc.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		return media.Media{}, err
	}
	return media.Media{FilePath: path, Title: "Track", Artist: "Band", DurationSeconds: 180, SourceURL: u}, nil
}

type stubLyrics struct {
	found lyrics.Found
	err   error
}

func (s stubLyrics) Generate(context.Context, lyrics.Track) (lyrics.Found, error) {
	return s.found, s.err
}

func (h *harness) handlers(acq media.Acquirer, src LyricsSource) *Handlers {
	hs := &Handlers{
		Store:    h.store,
		Resolver: h.resolver,
		Events:   h.pub,
		Log:      logging.Discard(),
		Acquirer: acq,
		Lyrics:   src,
	}
	hs.Register(h.proc)
	return hs
}

// forceReclaim ages the clock until the sweeper pass takes the job back.
func (h *harness) forceReclaim(ctx context.Context, id string) error {
	for i := 0; i < 20; i++ {
		h.clock.Advance(10 * time.Minute)
		ids, err := h.store.ReclaimStale(ctx, h.cfg.LeaseGrace)
		if err != nil {
			return err
		}
		for _, got := range ids {
			if got == id {
				return nil
			}
		}
	}
	return errors.New("job was never reclaimed")
}

func countJobs(t *testing.T, st *store.Store, jobType string) int {
	t.Helper()
	jobs, err := st.ListJobs(context.Background(), store.ListFilter{Limit: 100})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	n := 0
	for _, j := range jobs {
		if j.Type == jobType {
			n++
		}
	}
	return n
}

func TestRunOnceIdle(t *testing.T) {
	h := newHarness(t, testConfig())
	if h.runOnce(t) {
		t.Fatalf("expected no work")
	}
}

func TestAcquireChainsExactlyOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	acq := &fileAcquirer{dir: t.TempDir()}
	h.handlers(acq, stubLyrics{found: lyrics.Found{Text: testLRC, Synced: true, Source: "lrclib"}})
	ctx := context.Background()

	ingest, err := h.resolver.Ingest(ctx, "https://www.youtube.com/watch?v=abc", nil, false)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	again, _ := h.resolver.Ingest(ctx, "https://youtube.com/watch?v=abc&list=x", nil, false)
	if again.Job.ID != ingest.Job.ID {
		t.Fatalf("duplicate ingest job")
	}
	h.clock.Advance(time.Second)

	if !h.runOnce(t) {
		t.Fatalf("expected acquire to run")
	}
	acquired := h.job(t, ingest.Job.ID)
	if acquired.Status != models.StatusCompleted || acquired.Progress != 100 {
		t.Fatalf("acquire job = %s/%d", acquired.Status, acquired.Progress)
	}
	var res AcquireResult
	if err := json.Unmarshal(acquired.Result, &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if res.SongID == 0 || res.LyricsJobID == "" || res.Artist != "Band" {
		t.Fatalf("unexpected acquire result %+v", res)
	}
	if countJobs(t, h.store, models.TypeGenerateText) != 1 {
		t.Fatalf("expected one generate job")
	}

	// Re-running the acquisition must reuse the chained job.
	songID := res.SongID
	if _, err := h.resolver.Ingest(ctx, "https://youtube.com/watch?v=abc", &songID, true); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if !h.runOnce(t) {
		t.Fatalf("expected rehydrate to run")
	}
	var res2 AcquireResult
	_ = json.Unmarshal(h.job(t, ingest.Job.ID).Result, &res2)
	if res2.SongID != songID || res2.LyricsJobID != res.LyricsJobID {
		t.Fatalf("rehydrate result %+v, want song %d lyrics job %s", res2, songID, res.LyricsJobID)
	}
	if countJobs(t, h.store, models.TypeGenerateText) != 1 {
		t.Fatalf("re-run produced a duplicate generate job")
	}
	if acq.calls != 2 {
		t.Fatalf("acquirer calls = %d", acq.calls)
	}

	// Generate runs next and stores synced lyrics.
	if !h.runOnce(t) {
		t.Fatalf("expected generate to run")
	}
	song, err := h.store.GetSong(ctx, songID)
	if err != nil {
		t.Fatalf("get song: %v", err)
	}
	if !song.LyricsSynced || song.Lyrics == nil || *song.Lyrics != testLRC {
		t.Fatalf("lyrics not stored: %+v", song)
	}
	if len(h.pub.named(models.EventIngestCompleted)) != 2 || len(h.pub.named(models.EventLyricsUpdated)) != 1 {
		t.Fatalf("unexpected song events %+v", h.pub.envs)
	}

	// A later rehydrate of a song with synced lyrics does not chain at all.
	if _, err := h.resolver.Ingest(ctx, "https://youtube.com/watch?v=abc", &songID, true); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	h.runOnce(t)
	var res3 AcquireResult
	_ = json.Unmarshal(h.job(t, ingest.Job.ID).Result, &res3)
	if res3.LyricsJobID != "" {
		t.Fatalf("chained despite synced lyrics: %+v", res3)
	}
}

func TestFailuresBackOffThenFail(t *testing.T) {
	h := newHarness(t, testConfig())
	h.proc.RegisterHandler(models.TypeGenerateText, func(context.Context, *Execution) (any, error) {
		return nil, errors.New("upstream unavailable")
	})
	job := h.enqueueRaw(t, models.TypeGenerateText, "lyrics_1", `{"song_id":1}`)

	for i, delay := range []time.Duration{30 * time.Second, 2 * time.Minute} {
		claimedAt := h.clock.Now()
		if !h.runOnce(t) {
			t.Fatalf("attempt %d did not run", i+1)
		}
		got := h.job(t, job.ID)
		if got.Status != models.StatusRetrying || got.RetryCount != i+1 {
			t.Fatalf("attempt %d: status=%s retry_count=%d", i+1, got.Status, got.RetryCount)
		}
		if !got.AvailableAt.Equal(claimedAt.Add(delay)) {
			t.Fatalf("attempt %d: available_at=%s want %s", i+1, got.AvailableAt, claimedAt.Add(delay))
		}
		if got.LastError == nil || *got.LastError != "upstream unavailable" {
			t.Fatalf("last_error = %v", got.LastError)
		}
		if got.WorkerID != nil || got.LeasedUntil != nil {
			t.Fatalf("lease not cleared on retry")
		}

		h.clock.Advance(delay - time.Second)
		if h.runOnce(t) {
			t.Fatalf("job claimed before backoff elapsed")
		}
		h.clock.Advance(time.Second)
	}

	if !h.runOnce(t) {
		t.Fatalf("final attempt did not run")
	}
	got := h.job(t, job.ID)
	if got.Status != models.StatusFailed || got.RetryCount != 3 || got.CompletedAt == nil {
		t.Fatalf("expected failed with 3 retries, got %s/%d", got.Status, got.RetryCount)
	}
	h.clock.Advance(time.Hour)
	if h.runOnce(t) {
		t.Fatalf("failed job claimed again")
	}
}

func TestUnknownTypeAndPanicsAreHandlerFailures(t *testing.T) {
	h := newHarness(t, testConfig())
	h.proc.RegisterHandler(models.TypeGenerateText, func(context.Context, *Execution) (any, error) {
		panic("boom")
	})
	mystery := h.enqueueRaw(t, "mystery", "k1", `{}`)
	h.clock.Advance(time.Second)
	panicky := h.enqueueRaw(t, models.TypeGenerateText, "k2", `{"song_id":5}`)

	h.runOnce(t)
	h.runOnce(t)

	got := h.job(t, mystery.ID)
	if got.Status != models.StatusRetrying || got.LastError == nil || !strings.Contains(*got.LastError, "unknown job type") {
		t.Fatalf("unknown type: status=%s err=%v", got.Status, got.LastError)
	}
	got = h.job(t, panicky.ID)
	if got.Status != models.StatusRetrying || got.LastError == nil || !strings.Contains(*got.LastError, "panic") {
		t.Fatalf("panic: status=%s err=%v", got.Status, got.LastError)
	}
}

func TestFinalizeDiscardedAfterReclaim(t *testing.T) {
	h := newHarness(t, testConfig())
	job := h.enqueueRaw(t, models.TypeGenerateText, "lyrics_9", `{"song_id":9}`)

	h.proc.RegisterHandler(models.TypeGenerateText, func(ctx context.Context, exec *Execution) (any, error) {
		// Another process decides this worker is dead.
		if err := h.forceReclaim(ctx, exec.Job.ID); err != nil {
			return nil, err
		}
		return map[string]string{"status": "found"}, nil
	})

	h.runOnce(t)
	got := h.job(t, job.ID)
	if got.Status != models.StatusPending || got.Result != nil || got.RetryCount != 0 {
		t.Fatalf("finalize should be discarded, got status=%s result=%s retry=%d", got.Status, got.Result, got.RetryCount)
	}
}

func TestHeartbeatLossCancelsHandler(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	job := h.enqueueRaw(t, models.TypeGenerateText, "lyrics_3", `{"song_id":3}`)

	cancelled := make(chan struct{})
	h.proc.RegisterHandler(models.TypeGenerateText, func(ctx context.Context, exec *Execution) (any, error) {
		if err := h.forceReclaim(ctx, exec.Job.ID); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			close(cancelled)
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return nil, errors.New("heartbeat never noticed the lost lease")
		}
	})

	h.runOnce(t)
	select {
	case <-cancelled:
	default:
		t.Fatalf("handler was not cancelled")
	}
	got := h.job(t, job.ID)
	if got.Status != models.StatusPending || got.RetryCount != 0 {
		t.Fatalf("lease loss must not count as failure, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestHeartbeatExtendsLease(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	h := newHarness(t, cfg)
	job := h.enqueueRaw(t, models.TypeGenerateText, "lyrics_4", `{"song_id":4}`)

	h.proc.RegisterHandler(models.TypeGenerateText, func(ctx context.Context, _ *Execution) (any, error) {
		start := h.job(t, job.ID).LeasedUntil
		h.clock.Advance(time.Minute)
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if cur := h.job(t, job.ID).LeasedUntil; cur != nil && cur.After(*start) {
				return nil, nil
			}
			time.Sleep(5 * time.Millisecond)
		}
		return nil, errors.New("lease was never renewed")
	})

	h.runOnce(t)
	if got := h.job(t, job.ID); got.Status != models.StatusCompleted {
		t.Fatalf("status = %s last_error=%v", got.Status, got.LastError)
	}
}

func TestProgressIsPublished(t *testing.T) {
	h := newHarness(t, testConfig())
	job := h.enqueueRaw(t, models.TypeGenerateText, "lyrics_5", `{"song_id":5}`)
	h.proc.RegisterHandler(models.TypeGenerateText, func(ctx context.Context, exec *Execution) (any, error) {
		exec.Progress(ctx, 40)
		exec.Progress(ctx, 140)
		return nil, nil
	})
	h.runOnce(t)

	var progress []int
	for _, env := range h.pub.named(models.EventJobUpdated) {
		ev := env.Data.(models.JobEvent)
		if ev.JobID == job.ID {
			progress = append(progress, ev.Progress)
		}
	}
	// claim, 40, clamped 100, completed
	if len(progress) != 4 || progress[1] != 40 || progress[2] != 100 {
		t.Fatalf("progress events = %v", progress)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.proc.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestResolveWorkerID(t *testing.T) {
	if got := ResolveWorkerID("pinned", "host", 7); got != "pinned" {
		t.Fatalf("configured id ignored: %q", got)
	}
	a := ResolveWorkerID("", "host", 100)
	b := ResolveWorkerID("", "host", 101)
	if a == b {
		t.Fatalf("executors on one host share id %q", a)
	}
	if got := ResolveWorkerID("", "", 5); got != "worker-5" {
		t.Fatalf("no hostname: %q", got)
	}
}

func TestSiblingOnSameHostKeepsOwnership(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx := context.Background()
	job := h.enqueueRaw(t, models.TypeGenerateText, "lyrics_3", `{"song_id":3}`)

	stale := ResolveWorkerID("", "box", 100)
	sibling := ResolveWorkerID("", "box", 200)
	if _, ok, err := h.store.Claim(ctx, stale, h.cfg.LeaseDuration); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if err := h.forceReclaim(ctx, job.ID); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if _, ok, err := h.store.Claim(ctx, sibling, h.cfg.LeaseDuration); err != nil || !ok {
		t.Fatalf("reclaim by sibling: ok=%v err=%v", ok, err)
	}

	if owned, _ := h.store.IsOwned(ctx, job.ID, stale); owned {
		t.Fatalf("stale executor still owns the job")
	}
	if ok, err := h.store.Complete(ctx, job.ID, stale, json.RawMessage(`{}`)); err != nil || ok {
		t.Fatalf("stale executor finalized: ok=%v err=%v", ok, err)
	}
	if got := h.job(t, job.ID); got.Status != models.StatusProcessing || got.WorkerID == nil || *got.WorkerID != sibling {
		t.Fatalf("sibling lost the job: %+v", got)
	}
}
