package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"lyricqueue/internal/config"
	"lyricqueue/internal/events"
	"lyricqueue/internal/idempotency"
	"lyricqueue/internal/logging"
	"lyricqueue/internal/lyrics"
	"lyricqueue/internal/media"
	"lyricqueue/internal/store"
	"lyricqueue/internal/telemetry"
	workerproc "lyricqueue/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	var pub events.Publisher = events.Discard{}
	if cfg.RedisAddr != "" {
		bus := events.NewRedisBus(cfg, logger)
		defer bus.Close()
		pub = bus
	}

	hostname, _ := os.Hostname()
	workerID := workerproc.ResolveWorkerID(cfg.WorkerID, hostname, os.Getpid())

	archive, err := media.NewArchive(ctx, cfg)
	if err != nil {
		log.Fatalf("init archive: %v", err)
	}
	ytdlp := media.NewYTDLP(cfg.YTDLPBinary, cfg.MediaDir, cfg.DownloadTimeout)
	resolver := idempotency.NewResolver(st, pub, logger, cfg.MaxRetries)

	handlers := &workerproc.Handlers{
		Store:    st,
		Resolver: resolver,
		Events:   pub,
		Log:      logger,
		Acquirer: &media.Router{
			Direct:    media.NewHTTPDownloader(cfg.MediaDir, cfg.DownloadTimeout, cfg.DownloadMaxBytes),
			Extractor: ytdlp,
		},
		Covers:  media.NewCoverFetcher(media.NewLocalUploader(cfg.CoverDir), archive),
		Archive: archive,
		Lyrics:  lyrics.NewGenerator(cfg, logger),
		YTDLP:   ytdlp,
	}

	processor := workerproc.NewProcessor(cfg, st, pub, logger, workerID)
	handlers.Register(processor)

	sweeper := workerproc.NewSweeper(cfg, st, resolver, pub, logger)
	if err := sweeper.Startup(ctx); err != nil {
		log.Fatalf("startup sweep: %v", err)
	}
	go sweeper.Run(ctx)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("worker started", "worker_id", workerID, "lease", cfg.LeaseDuration, "strict_lrc", cfg.StrictLRC)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "err", err)
	}
}
