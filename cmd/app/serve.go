package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/local/audiobooker/internal/config"
	"github.com/local/audiobooker/internal/dispatcher"
	"github.com/local/audiobooker/internal/metrics"
	"github.com/local/audiobooker/internal/orchestrator"
	"github.com/local/audiobooker/internal/queue"
	"github.com/local/audiobooker/internal/source"
	"github.com/local/audiobooker/internal/store"
	"github.com/local/audiobooker/internal/worker"
)

func newServeCmd(cfg *config.Config) *cobra.Command {
	var (
		port      string
		noWorkers bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the book workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port != "" {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), *cfg, !noWorkers)
		},
	}
	cmd.Flags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only; books are processed by other instances")
	return cmd
}

func serve(parent context.Context, cfg config.Config, runWorkers bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	// Queue, state store and breaker share one Redis connection
	rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		return err
	}
	defer rq.Close()
	st := store.NewRedisWithClient(rq.Client())
	breaker := dispatcher.NewRedisBreaker(rq.Client(), cfg.Worker.BreakerBaseBackoff, cfg.Worker.BreakerMaxBackoff)

	a, err := buildApp(ctx, cfg, st, breaker, true)
	if err != nil {
		return err
	}
	defer a.Close()

	api := orchestrator.NewServer(orchestrator.ServerDeps{
		Store:     st,
		Artifacts: a.artifacts,
		Fetcher:   a.fetcher,
		Queue:     rq,
		Checker:   a.statusChecker(rq),
		UploadDir: cfg.Server.UploadDir,
		MaxUpload: cfg.Server.MaxUpload,
	})
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	var pool *worker.Pool
	if runWorkers {
		pool = worker.New(worker.ConfigFrom(cfg), rq, a.pipeline, st)
		pool.Start(ctx)
	}
	go cleanupTemps(ctx, cfg.Storage.TempDir, cfg.Storage.TempMaxAge)

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	// Graceful shutdown: stop accepting requests, then let workers park
	// their books as partial and requeue them.
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if pool != nil {
		if err := pool.Stop(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("workers did not stop in time")
		}
	}
	log.Info().Msg("shutdown complete")
	return nil
}

func cleanupTemps(ctx context.Context, dir string, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if n := source.CleanupTemps(dir, maxAge); n > 0 {
			log.Info().Int("removed", n).Str("dir", dir).Msg("removed stale downloads")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
