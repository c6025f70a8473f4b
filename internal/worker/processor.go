// Package worker claims jobs from the store and runs them under a lease.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lyricqueue/internal/config"
	"lyricqueue/internal/events"
	"lyricqueue/internal/models"
	"lyricqueue/internal/store"
	"lyricqueue/internal/telemetry"
)

// heartbeatJoinTimeout bounds how long finalize waits for the heartbeat
// goroutine to exit.
const heartbeatJoinTimeout = 5 * time.Second

// Execution is one claimed job as seen by its handler.
type Execution struct {
	Job     models.Job
	Payload models.Payload

	progress func(ctx context.Context, pct int)
}

// Progress records a completion percentage for the job.
func (e *Execution) Progress(ctx context.Context, pct int) {
	if e.progress != nil {
		e.progress(ctx, pct)
	}
}

// ResolveWorkerID returns configured when set. Otherwise it derives an ID
// from hostname and pid so executors sharing a host never share ownership.
func ResolveWorkerID(configured, hostname string, pid int) string {
	if configured != "" {
		return configured
	}
	if hostname == "" {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%d", hostname, pid)
}

// Handler executes a job for a given type and returns its result document.
type Handler func(ctx context.Context, exec *Execution) (any, error)

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	store    *store.Store
	events   events.Publisher
	log      *slog.Logger
	policy   RetryPolicy
	handlers map[string]Handler
	workerID string
	now      func() time.Time
}

// NewProcessor creates a processor claiming jobs as workerID.
func NewProcessor(cfg config.Config, st *store.Store, pub events.Publisher, log *slog.Logger, workerID string) *Processor {
	if pub == nil {
		pub = events.Discard{}
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 2 * time.Second
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		events:   pub,
		log:      log.With("worker_id", workerID),
		policy:   RetryPolicy{Base: cfg.BackoffBase, Multiplier: cfg.BackoffMultiplier, Max: cfg.BackoffMax},
		handlers: make(map[string]Handler),
		workerID: workerID,
		now:      time.Now,
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("worker loop started")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error("claim failed", "err", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.IdleSleep):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job
// was claimed.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, ok, err := p.store.Claim(ctx, p.workerID, p.cfg.LeaseDuration)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	telemetry.JobsClaimed.WithLabelValues(job.Type).Inc()
	telemetry.InFlight.Inc()
	defer telemetry.InFlight.Dec()

	log := p.log.With("job_id", job.ID, "type", job.Type)
	log.Info("job claimed", "retry_count", job.RetryCount)
	p.emit(ctx, job)

	p.execute(ctx, job, log)
	return true, nil
}

func (p *Processor) execute(ctx context.Context, job models.Job, log *slog.Logger) {
	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	hb := p.startHeartbeat(jobCtx, cancelJob, job.ID, log)
	start := time.Now()
	result, herr := p.dispatch(jobCtx, job)
	lost := hb.stop()
	telemetry.JobDuration.WithLabelValues(job.Type).Observe(time.Since(start).Seconds())

	if ctx.Err() != nil && herr != nil && errors.Is(herr, context.Canceled) {
		// Shutting down mid-job; the lease expires and reclaim picks it up.
		log.Warn("job interrupted by shutdown")
		return
	}

	// Finalize writes must land even if shutdown starts now.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if lost {
		p.leaseLost(log, "heartbeat")
		return
	}
	owned, err := p.store.IsOwned(fctx, job.ID, p.workerID)
	if err != nil {
		log.Error("ownership check failed; leaving job for reclaim", "err", err)
		return
	}
	if !owned {
		p.leaseLost(log, "ownership check")
		return
	}

	if herr == nil {
		p.complete(fctx, job, result, log)
		return
	}
	p.fail(fctx, job, herr, log)
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	payload, err := models.DecodePayload(job)
	if err != nil {
		return nil, err
	}
	handler, ok := p.handlers[job.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for type %q", job.Type)
	}
	exec := &Execution{
		Job:     job,
		Payload: payload,
		progress: func(ctx context.Context, pct int) {
			p.progress(ctx, job, pct)
		},
	}
	return handler(ctx, exec)
}

func (p *Processor) progress(ctx context.Context, job models.Job, pct int) {
	ok, err := p.store.UpdateProgress(ctx, job.ID, p.workerID, pct)
	if err != nil {
		p.log.Warn("progress update failed", "job_id", job.ID, "err", err)
		return
	}
	if !ok {
		return
	}
	job.Progress = clampProgress(pct)
	job.Status = models.StatusProcessing
	p.emit(ctx, job)
}

func (p *Processor) complete(ctx context.Context, job models.Job, result any, log *slog.Logger) {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			p.fail(ctx, job, fmt.Errorf("encode result: %w", err), log)
			return
		}
		raw = b
	}
	ok, err := p.store.Complete(ctx, job.ID, p.workerID, raw)
	if err != nil {
		log.Error("complete failed", "err", err)
		return
	}
	if !ok {
		p.leaseLost(log, "complete")
		return
	}
	telemetry.JobsCompleted.WithLabelValues(job.Type).Inc()
	log.Info("job completed")
	p.emitLatest(ctx, job.ID)
}

func (p *Processor) fail(ctx context.Context, job models.Job, cause error, log *slog.Logger) {
	n := job.RetryCount + 1
	msg := cause.Error()

	if p.policy.Exhausted(n, job.MaxRetries) {
		ok, err := p.store.Fail(ctx, job.ID, p.workerID, n, msg)
		if err != nil {
			log.Error("fail write failed", "err", err)
			return
		}
		if !ok {
			p.leaseLost(log, "fail")
			return
		}
		telemetry.JobsFailed.WithLabelValues(job.Type).Inc()
		log.Error("job failed", "retry_count", n, "err", msg)
		p.emitLatest(ctx, job.ID)
		return
	}

	delay := p.policy.Backoff(n)
	ok, err := p.store.Retry(ctx, job.ID, p.workerID, n, msg, p.now().Add(delay))
	if err != nil {
		log.Error("retry write failed", "err", err)
		return
	}
	if !ok {
		p.leaseLost(log, "retry")
		return
	}
	telemetry.JobsRetried.WithLabelValues(job.Type).Inc()
	log.Warn("job scheduled for retry", "retry_count", n, "backoff", delay, "err", msg)
	p.emitLatest(ctx, job.ID)
}

func (p *Processor) leaseLost(log *slog.Logger, stage string) {
	telemetry.LeaseLost.Inc()
	log.Warn("lease lost; discarding result", "stage", stage)
}

func (p *Processor) emit(ctx context.Context, job models.Job) {
	events.Emit(ctx, p.events, p.log, models.NewJobEnvelope(job))
}

func (p *Processor) emitLatest(ctx context.Context, id string) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		p.log.Warn("reload job for event failed", "job_id", id, "err", err)
		return
	}
	p.emit(ctx, job)
}

type heartbeat struct {
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	lost   bool
}

// startHeartbeat renews the lease every HeartbeatInterval until stopped. The
// first renewal that finds the lease gone marks it lost and cancels the
// handler through cancelJob.
func (p *Processor) startHeartbeat(ctx context.Context, cancelJob context.CancelFunc, jobID string, log *slog.Logger) *heartbeat {
	hctx, cancel := context.WithCancel(ctx)
	hb := &heartbeat{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(hb.done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
			}
			ok, err := p.store.Heartbeat(hctx, jobID, p.workerID, p.cfg.LeaseDuration)
			if err != nil {
				if hctx.Err() != nil {
					return
				}
				telemetry.HeartbeatErrors.Inc()
				log.Warn("heartbeat failed", "err", err)
				continue
			}
			if !ok {
				hb.mu.Lock()
				hb.lost = true
				hb.mu.Unlock()
				log.Warn("lease lost during execution")
				cancelJob()
				return
			}
		}
	}()
	return hb
}

// stop ends the heartbeat and reports whether the lease was lost.
func (h *heartbeat) stop() bool {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(heartbeatJoinTimeout):
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lost
}

func clampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
