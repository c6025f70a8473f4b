package lyrics

import (
	"context"
	"errors"
)

// ErrNotFound means a source has no lyrics for the track.
var ErrNotFound = errors.New("lyrics not found")

// Track identifies the song being searched for.
type Track struct {
	Title           string
	Artist          string
	DurationSeconds int
	AudioPath       string
}

// Found is lyrics text returned by one source.
type Found struct {
	Text   string
	Synced bool
	Source string
}

// Strategy is one lyric source. Find returns ErrNotFound when the source
// has nothing for the track; any other error is a source failure.
type Strategy interface {
	Name() string
	Find(ctx context.Context, track Track) (Found, error)
}
