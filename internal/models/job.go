package models

import (
	"encoding/json"
	"time"
)

// Job lifecycle states persisted in the jobs table.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusRetrying   = "retrying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ActiveStatuses are the states a caller can still wait on.
var ActiveStatuses = []string{StatusPending, StatusProcessing, StatusRetrying}

// HistoryStatuses are the terminal states.
var HistoryStatuses = []string{StatusCompleted, StatusFailed}

// AllStatuses lists every job state.
var AllStatuses = []string{StatusPending, StatusProcessing, StatusRetrying, StatusCompleted, StatusFailed}

// IsTerminal reports whether status is completed or failed.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job represents a unit of background work persisted in the store.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
	Subject        *string         `json:"subject,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	Progress       int             `json:"progress"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	LastError      *string         `json:"last_error,omitempty"`
	WorkerID       *string         `json:"worker_id,omitempty"`
	LeasedUntil    *time.Time      `json:"leased_until,omitempty"`
	AvailableAt    time.Time       `json:"available_at"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Summary is the compact view returned to enqueue callers.
type Summary struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Type   string `json:"type"`
}

func (j Job) Summary() Summary {
	return Summary{ID: j.ID, Status: j.Status, Type: j.Type}
}
