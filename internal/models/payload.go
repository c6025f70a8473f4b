package models

import (
	"encoding/json"
	"fmt"
)

// Job types. The set is closed: DecodePayload rejects anything else.
const (
	TypeAcquireMedia     = "acquire_media"
	TypeGenerateText     = "generate_text"
	TypeMaintenanceYTDLP = "maintenance_update_ytdlp"
	MaintenanceTaskYTDLP = "update_ytdlp"
)

// Payload is implemented by every typed job payload.
type Payload interface {
	JobType() string
}

// AcquireMediaPayload asks the worker to fetch audio for a source URL.
type AcquireMediaPayload struct {
	URL       string `json:"url"`
	SongID    *int64 `json:"song_id,omitempty"`
	Rehydrate bool   `json:"rehydrate,omitempty"`
}

func (AcquireMediaPayload) JobType() string { return TypeAcquireMedia }

// GenerateTextPayload asks the worker to find synchronized lyrics for a song.
type GenerateTextPayload struct {
	SongID int64  `json:"song_id"`
	Reason string `json:"reason,omitempty"`
}

func (GenerateTextPayload) JobType() string { return TypeGenerateText }

// MaintenancePayload names a maintenance task.
type MaintenancePayload struct {
	Task string `json:"task"`
}

func (MaintenancePayload) JobType() string { return TypeMaintenanceYTDLP }

// DecodePayload turns a stored job into its typed payload.
func DecodePayload(job Job) (Payload, error) {
	raw := job.Payload
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch job.Type {
	case TypeAcquireMedia:
		var p AcquireMediaPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", job.Type, err)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("decode %s payload: url is required", job.Type)
		}
		return p, nil
	case TypeGenerateText:
		var p GenerateTextPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", job.Type, err)
		}
		if p.SongID <= 0 {
			return nil, fmt.Errorf("decode %s payload: song_id is required", job.Type)
		}
		return p, nil
	case TypeMaintenanceYTDLP:
		var p MaintenancePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", job.Type, err)
		}
		if p.Task == "" {
			p.Task = MaintenanceTaskYTDLP
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown job type %q", job.Type)
	}
}

// EncodePayload marshals a typed payload for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.JobType(), err)
	}
	return raw, nil
}
