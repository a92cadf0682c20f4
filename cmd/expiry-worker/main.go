package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/hackgods/appointment-negotiation/internal/app"
	"github.com/hackgods/appointment-negotiation/internal/config"
	"github.com/hackgods/appointment-negotiation/internal/logger"
	"github.com/hackgods/appointment-negotiation/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	lg := logger.New(cfg.Env, cfg.LogLevel, os.Stdout).With().Str("service", "expiry-worker").Logger()
	lg.Info().
		Str("locks", cfg.SweepLocksCron).
		Str("proposals", cfg.SweepProposalsCron).
		Str("close_past", cfg.ClosePastCron).
		Str("reminders", cfg.RemindersCron).
		Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(rootCtx, cfg, "expiry-worker", lg)
	if err != nil {
		lg.Fatal().Err(err).Msg("startup failed")
	}
	defer a.Close()

	sweeper, err := worker.NewSweeper(a.Service, worker.Schedules{
		Locks:     cfg.SweepLocksCron,
		Proposals: cfg.SweepProposalsCron,
		ClosePast: cfg.ClosePastCron,
		Reminders: cfg.RemindersCron,
	}, cfg.Location, a.Metrics, logger.Component(lg, "sweeper"))
	if err != nil {
		lg.Fatal().Err(err).Msg("invalid sweep schedule")
	}

	// Run once at startup
	sweeper.RunAll(rootCtx)
	sweeper.Start(rootCtx)

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: ":" + cfg.WorkerPort, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("metrics server failed")
		}
	}()

	<-rootCtx.Done()
	lg.Info().Msg("shutdown signal received, stopping expiry worker")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := sweeper.Stop(shutdownCtx); err != nil {
		lg.Warn().Err(err).Msg("sweep jobs still running at shutdown")
	}
	_ = srv.Shutdown(shutdownCtx)
}
