package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lyricqueue/internal/models"
)

const jobColumns = `id, type, status, idempotency_key, subject, payload, result, progress, retry_count, max_retries,
	last_error, worker_id, leased_until, available_at, created_at, started_at, completed_at, updated_at`

// EnqueueOutcome tells the caller how EnqueueOrGet satisfied the request.
type EnqueueOutcome string

const (
	OutcomeCreated  EnqueueOutcome = "created"
	OutcomeExisting EnqueueOutcome = "existing"
	OutcomeRequeued EnqueueOutcome = "requeued"
)

// EnqueueParams collects inputs required to enqueue a job.
type EnqueueParams struct {
	Type         string
	Key          string
	Subject      string
	Payload      json.RawMessage
	MaxRetries   int
	AvailableAt  time.Time
	AllowRequeue bool
}

// EnqueueOrGet returns the job owning p.Key, creating it when absent.
// In-flight jobs are always returned untouched. Any other existing job is
// returned as-is unless AllowRequeue is set, in which case the row is reset
// in place to pending so the key keeps a single identity.
func (s *Store) EnqueueOrGet(ctx context.Context, p EnqueueParams) (models.Job, EnqueueOutcome, error) {
	if p.Type == "" || p.Key == "" {
		return models.Job{}, "", errors.New("enqueue: type and key are required")
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}

	existing, found, err := s.FindByKey(ctx, p.Key)
	if err != nil {
		return models.Job{}, "", err
	}
	if found {
		if existing.Status == models.StatusPending || existing.Status == models.StatusProcessing || !p.AllowRequeue {
			return existing, OutcomeExisting, nil
		}
		return s.requeue(ctx, existing, p)
	}

	now := s.now()
	availableAt := now
	if !p.AvailableAt.IsZero() {
		availableAt = p.AvailableAt.UTC()
	}
	id := uuid.New().String()

	res, err := s.exec(ctx, `
		INSERT INTO jobs (id, type, status, idempotency_key, subject, payload, progress, retry_count, max_retries, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, id, p.Type, models.StatusPending, p.Key, nullString(emptyToNil(p.Subject)), string(p.Payload), p.MaxRetries, availableAt, now, now)
	if err != nil {
		return models.Job{}, "", fmt.Errorf("insert job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Lost a race with a concurrent insert under the same key.
		winner, found, err := s.FindByKey(ctx, p.Key)
		if err != nil {
			return models.Job{}, "", err
		}
		if !found {
			return models.Job{}, "", errors.New("idempotency conflict but no existing job found")
		}
		return winner, OutcomeExisting, nil
	}

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, "", err
	}
	return job, OutcomeCreated, nil
}

func (s *Store) requeue(ctx context.Context, existing models.Job, p EnqueueParams) (models.Job, EnqueueOutcome, error) {
	now := s.now()
	availableAt := now
	if !p.AvailableAt.IsZero() {
		availableAt = p.AvailableAt.UTC()
	}
	subject := nullString(existing.Subject)
	if p.Subject != "" {
		subject = nullString(&p.Subject)
	}

	res, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, subject = ?, payload = ?, result = NULL, progress = 0, retry_count = 0, max_retries = ?,
			last_error = NULL, worker_id = NULL, leased_until = NULL, started_at = NULL, completed_at = NULL,
			available_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, models.StatusPending, subject, string(p.Payload), p.MaxRetries, availableAt, now,
		existing.ID, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return models.Job{}, "", fmt.Errorf("requeue job: %w", err)
	}
	outcome := OutcomeRequeued
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Someone else requeued or claimed it first.
		outcome = OutcomeExisting
	}
	job, err := s.GetJob(ctx, existing.ID)
	if err != nil {
		return models.Job{}, "", err
	}
	return job, outcome, nil
}

// FindByKey returns the job mapped to an idempotency key if present.
func (s *Store) FindByKey(ctx context.Context, key string) (models.Job, bool, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key = ?`, key))
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	job, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err != nil {
		return models.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// Claim atomically marks the oldest eligible job as processing for workerID
// and returns it. ok is false when no job is eligible.
func (s *Store) Claim(ctx context.Context, workerID string, lease time.Duration) (models.Job, bool, error) {
	now := s.now()
	lock := ""
	if s.dialect == DialectPostgres {
		lock = "FOR UPDATE SKIP LOCKED"
	}
	var id string
	err := s.queryRow(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = ?, leased_until = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN (?, ?) AND available_at <= ? AND retry_count < max_retries
			ORDER BY created_at ASC
			LIMIT 1
			`+lock+`
		)
		RETURNING id
	`, models.StatusProcessing, workerID, now.Add(lease), now, now,
		models.StatusPending, models.StatusRetrying, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("claim job: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// ListFilter selects jobs for the query surface.
type ListFilter struct {
	Statuses    []string
	Limit       int
	NewestFirst bool
}

// ListJobs returns jobs matching f. Oldest first by creation unless
// NewestFirst, which orders by last update.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := stringArgs(f.Statuses)
	if len(f.Statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(f.Statuses)) + `)`
	}
	if f.NewestFirst {
		q += ` ORDER BY updated_at DESC`
	} else {
		q += ` ORDER BY created_at ASC`
	}
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListActive returns pending, processing and retrying jobs, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]models.Job, error) {
	return s.ListJobs(ctx, ListFilter{Statuses: models.ActiveStatuses})
}

// ListHistory returns the most recently finished jobs.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.ListJobs(ctx, ListFilter{Statuses: models.HistoryStatuses, Limit: limit, NewestFirst: true})
}

// HasActiveJob reports whether a job of jobType for subject is still in flight.
func (s *Store) HasActiveJob(ctx context.Context, jobType, subject string) (bool, error) {
	args := append([]any{jobType, subject}, stringArgs(models.ActiveStatuses)...)
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE type = ? AND subject = ? AND status IN (`+placeholders(len(models.ActiveStatuses))+`)
	`, args...).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count active jobs: %w", err)
	}
	return n > 0, nil
}

// CountByStatus returns the number of jobs per status.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan job count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}

// UpdateProgress records advisory progress while workerID owns the job.
func (s *Store) UpdateProgress(ctx context.Context, id, workerID string, progress int) (bool, error) {
	progress = max(0, min(100, progress))
	res, err := s.exec(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = ? AND worker_id = ?
	`, progress, s.now(), id, models.StatusProcessing, workerID)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return affected(res)
}

// Complete finalizes an owned job as completed and releases its lease.
func (s *Store) Complete(ctx context.Context, id, workerID string, result json.RawMessage) (bool, error) {
	now := s.now()
	var resultText sql.NullString
	if len(result) > 0 {
		resultText = sql.NullString{String: string(result), Valid: true}
	}
	res, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, progress = 100, last_error = NULL, completed_at = ?, updated_at = ?,
			worker_id = NULL, leased_until = NULL
		WHERE id = ? AND status = ? AND worker_id = ?
	`, models.StatusCompleted, resultText, now, now, id, models.StatusProcessing, workerID)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return affected(res)
}

// Retry records a failed attempt and schedules the job for availableAt.
func (s *Store) Retry(ctx context.Context, id, workerID string, retryCount int, lastError string, availableAt time.Time) (bool, error) {
	res, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, retry_count = ?, last_error = ?, available_at = ?, updated_at = ?,
			worker_id = NULL, leased_until = NULL
		WHERE id = ? AND status = ? AND worker_id = ?
	`, models.StatusRetrying, retryCount, lastError, availableAt.UTC(), s.now(), id, models.StatusProcessing, workerID)
	if err != nil {
		return false, fmt.Errorf("retry job: %w", err)
	}
	return affected(res)
}

// Fail finalizes an owned job as failed once its retry budget is spent.
func (s *Store) Fail(ctx context.Context, id, workerID string, retryCount int, lastError string) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx, `
		UPDATE jobs
		SET status = ?, retry_count = ?, last_error = ?, completed_at = ?, updated_at = ?,
			worker_id = NULL, leased_until = NULL
		WHERE id = ? AND status = ? AND worker_id = ?
	`, models.StatusFailed, retryCount, lastError, now, now, id, models.StatusProcessing, workerID)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return affected(res)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var subject, result, lastErr, workerID sql.NullString
	var payload string
	var leasedUntil, startedAt, completedAt sql.NullTime
	err := row.Scan(&job.ID, &job.Type, &job.Status, &job.IdempotencyKey, &subject, &payload, &result,
		&job.Progress, &job.RetryCount, &job.MaxRetries, &lastErr, &workerID, &leasedUntil,
		&job.AvailableAt, &job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	job.Payload = json.RawMessage(payload)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	job.Subject = stringPtr(subject)
	job.LastError = stringPtr(lastErr)
	job.WorkerID = stringPtr(workerID)
	job.LeasedUntil = timePtr(leasedUntil)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	job.AvailableAt = job.AvailableAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}
