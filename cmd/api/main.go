package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "lyricqueue/internal/api"
	"lyricqueue/internal/config"
	"lyricqueue/internal/events"
	"lyricqueue/internal/idempotency"
	"lyricqueue/internal/logging"
	"lyricqueue/internal/ratelimit"
	"lyricqueue/internal/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	hub := events.NewHub(cfg.EventQueueSize, cfg.EventMaxSubscribers)
	var (
		pub  events.Publisher = hub
		opts []api.Option
	)
	if cfg.RedisAddr != "" {
		bus := events.NewRedisBus(cfg, logger)
		defer bus.Close()
		// Enqueue events go through Redis so the forwarder delivers them
		// alongside worker events.
		pub = bus
		opts = append(opts,
			api.WithHistory(bus),
			api.WithRateLimiter(ratelimit.New(bus.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill)),
		)
		go func() {
			if err := bus.Forward(ctx, hub); err != nil && ctx.Err() == nil {
				logger.Error("event forwarder stopped", "err", err)
			}
		}()
	} else {
		logger.Warn("REDIS_ADDR not set; worker events and rate limiting are disabled")
	}

	resolver := idempotency.NewResolver(st, pub, logger, cfg.MaxRetries)
	server := api.New(cfg, st, resolver, hub, logger, opts...)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "dialect", st.Dialect())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
