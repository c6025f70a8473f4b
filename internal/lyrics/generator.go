package lyrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lyricqueue/internal/config"
)

// Generator runs lyric strategies in order until one yields usable text.
type Generator struct {
	strategies []Strategy
	strict     bool
	log        *slog.Logger
}

// NewGenerator wires the configured sources: the LRCLIB database first,
// then Groq research and transcription when an API key is present.
func NewGenerator(cfg config.Config, log *slog.Logger) *Generator {
	var strategies []Strategy
	if cfg.LRCLIBBaseURL != "" {
		strategies = append(strategies, NewLRCLIB(cfg.LRCLIBBaseURL))
	}
	groq := NewGroqClient(cfg.GroqBaseURL, cfg.GroqAPIKey, cfg.GroqChatModel, cfg.GroqTranscribeModel)
	if groq.IsConfigured() {
		strategies = append(strategies, NewResearch(groq), NewTranscribe(groq))
	}
	return New(cfg.StrictLRC, log, strategies...)
}

// New builds a generator from explicit strategies.
func New(strict bool, log *slog.Logger, strategies ...Strategy) *Generator {
	return &Generator{strategies: strategies, strict: strict, log: log}
}

// Strict reports whether only synced lyrics are accepted.
func (g *Generator) Strict() bool { return g.strict }

// Generate returns the first validated synced lyrics. Outside strict mode
// the first plain text is returned if no source produced valid LRC.
// ErrNotFound is returned when every source came up empty; if a source
// failed and none succeeded, the last failure is returned instead so the
// caller can retry.
func (g *Generator) Generate(ctx context.Context, track Track) (Found, error) {
	var (
		fallback Found
		lastErr  error
	)
	for _, s := range g.strategies {
		if err := ctx.Err(); err != nil {
			return Found{}, err
		}
		found, err := s.Find(ctx, track)
		if errors.Is(err, ErrNotFound) {
			g.log.Debug("lyrics source empty", "source", s.Name(), "title", track.Title)
			continue
		}
		if err != nil {
			g.log.Warn("lyrics source failed", "source", s.Name(), "title", track.Title, "err", err)
			lastErr = err
			continue
		}
		if Validate(found.Text) {
			found.Synced = true
			return found, nil
		}
		g.log.Debug("lyrics rejected by validator", "source", s.Name(), "title", track.Title)
		if fallback.Text == "" && found.Text != "" {
			found.Synced = false
			fallback = found
		}
	}

	if !g.strict && fallback.Text != "" {
		return fallback, nil
	}
	if lastErr != nil {
		return Found{}, fmt.Errorf("all lyric sources failed: %w", lastErr)
	}
	return Found{}, ErrNotFound
}
