package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"lyricqueue/internal/events"
)

// History returns recently published events, oldest first.
type History interface {
	Recent(ctx context.Context, n int64) ([][]byte, error)
}

const replayLimit = 20

// keepAliveInterval spaces comment frames on idle streams.
var keepAliveInterval = 15 * time.Second

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := s.hub.Subscribe()
	if errors.Is(err, events.ErrTooManySubscribers) {
		http.Error(w, "too many event subscribers", http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")

	if s.history != nil {
		recent, err := s.history.Recent(r.Context(), replayLimit)
		if err != nil {
			s.log.Warn("event replay failed", "err", err)
		}
		for _, msg := range recent {
			fmt.Fprintf(w, "data: %s\n\n", msg)
		}
	}
	flusher.Flush()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
