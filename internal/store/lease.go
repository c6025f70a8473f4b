package store

import (
	"context"
	"fmt"
	"time"

	"lyricqueue/internal/models"
)

// Heartbeat extends the lease on id while workerID still owns it. It
// returns false once the job was reclaimed or finalized elsewhere.
func (s *Store) Heartbeat(ctx context.Context, id, workerID string, lease time.Duration) (bool, error) {
	now := s.now()
	res, err := s.exec(ctx, `
		UPDATE jobs SET leased_until = ?, updated_at = ?
		WHERE id = ? AND worker_id = ? AND status = ?
	`, now.Add(lease), now, id, workerID, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return affected(res)
}

// IsOwned reports whether workerID holds an unexpired lease on id.
func (s *Store) IsOwned(ctx context.Context, id, workerID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE id = ? AND worker_id = ? AND status = ? AND leased_until > ?
	`, id, workerID, models.StatusProcessing, s.now()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check ownership: %w", err)
	}
	return n > 0, nil
}

// ReclaimStale returns processing jobs whose lease and last update are both
// older than grace to pending, and reports their ids.
func (s *Store) ReclaimStale(ctx context.Context, grace time.Duration) ([]string, error) {
	now := s.now()
	cutoff := now.Add(-grace)
	rows, err := s.query(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = NULL, leased_until = NULL, updated_at = ?
		WHERE status = ? AND (leased_until IS NULL OR leased_until < ?) AND updated_at < ?
		RETURNING id
	`, models.StatusPending, now, models.StatusProcessing, cutoff, cutoff)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
