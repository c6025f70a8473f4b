package models

import "time"

// Event names carried in Envelope.Event.
const (
	EventJobUpdated      = "job_updated"
	EventCacheExpired    = "cache_expired"
	EventIngestCompleted = "ingest_completed"
	EventLyricsUpdated   = "lyrics_updated"
)

// Envelope is the wire shape of every published event.
type Envelope struct {
	Event string    `json:"event"`
	Data  any       `json:"data"`
	TS    time.Time `json:"ts"`
}

// JobEvent reports a job state change to observers.
type JobEvent struct {
	JobID     string  `json:"job_id"`
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	LastError *string `json:"last_error,omitempty"`
}

// SongEvent reports a library change tied to one song.
type SongEvent struct {
	SongID int64  `json:"song_id"`
	JobID  string `json:"job_id,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// NewJobEnvelope wraps the current state of job as a job_updated event.
func NewJobEnvelope(job Job) Envelope {
	return Envelope{
		Event: EventJobUpdated,
		Data: JobEvent{
			JobID:     job.ID,
			Type:      job.Type,
			Status:    job.Status,
			Progress:  job.Progress,
			LastError: job.LastError,
		},
		TS: time.Now().UTC(),
	}
}
