// Package app wires the configured backends into an appointment service.
// Both binaries build their dependencies through Open.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
	"github.com/hackgods/appointment-negotiation/internal/config"
	"github.com/hackgods/appointment-negotiation/internal/db"
	"github.com/hackgods/appointment-negotiation/internal/logger"
	"github.com/hackgods/appointment-negotiation/internal/metrics"
	"github.com/hackgods/appointment-negotiation/internal/notify"
	redisclient "github.com/hackgods/appointment-negotiation/internal/redis"
)

type App struct {
	Service    *appointment.Service
	Metrics    *metrics.Metrics
	Dispatcher *notify.Dispatcher
	PgPool     *pgxpool.Pool // nil with the memory store
	Redis      *redis.Client // nil when nothing uses redis
	Schedule   *clinic.Schedule

	log zerolog.Logger
}

// Open connects the configured backends and builds the service. The caller
// must Close the returned App.
func Open(ctx context.Context, cfg config.Config, name string, log zerolog.Logger) (*App, error) {
	a := &App{log: log}

	schedule := clinic.DefaultSchedule(cfg.Location)
	if cfg.ScheduleFile != "" {
		s, err := clinic.LoadSchedule(cfg.ScheduleFile, cfg.Location)
		if err != nil {
			return nil, err
		}
		schedule = s
	}
	a.Schedule = schedule

	var store appointment.Store
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pgCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		pool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{}, logger.Component(log, "postgres"))
		cancel()
		if err != nil {
			return nil, err
		}
		a.PgPool = pool
		if err := db.Migrate(ctx, pool, logger.Component(log, "migrate")); err != nil {
			a.Close()
			return nil, err
		}
		store = appointment.NewPgStore(pool)
	default:
		log.Warn().Msg("using in-memory store; data is lost on restart")
		store = appointment.NewMemoryStore()
	}

	if cfg.NeedsRedis() {
		rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUsername,
			Password: cfg.RedisPassword,
		}, logger.Component(log, "redis"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Redis = rdb
	}

	var locker appointment.SlotLocker
	if cfg.LockDriver == config.DriverRedis {
		locker = redisclient.NewSlotLocker(a.Redis, cfg.LockTTL)
	} else {
		locker = appointment.NewMemoryLocker(cfg.LockTTL)
	}

	a.Metrics = metrics.New(prometheus.NewRegistry(), "appointments")

	sinks := []notify.Sink{notify.NewLogSink(logger.Component(log, "events")), a.Metrics}
	if cfg.NotifyChannel != "" {
		sinks = append(sinks, notify.NewRedisPublisher(a.Redis, cfg.NotifyChannel))
	}
	if cfg.MailEnabled() {
		sinks = append(sinks, notify.NewMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			To:       cfg.DeskEmail,
		}))
	}
	a.Dispatcher = notify.NewDispatcher(logger.Component(log, "notify"), 10*time.Second, sinks...)

	a.Service = appointment.NewService(store, locker, schedule, appointment.Options{
		ProposalTTL:  cfg.ProposalTTL,
		CancelNotice: cfg.CancelNotice,
		MaxAdvance:   cfg.MaxAdvance,
		DBTimeout:    cfg.DBTimeout,
	},
		appointment.WithNotifier(a.Dispatcher),
		appointment.WithLogger(logger.Component(log, "appointment")),
	)

	log.Info().
		Str("component", name).
		Str("store", cfg.StoreDriver).
		Str("locks", cfg.LockDriver).
		Int("sinks", len(sinks)).
		Msg("service wired")
	return a, nil
}

// Close waits for in-flight notifications and closes the connections.
func (a *App) Close() {
	if a.Dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.Dispatcher.Wait(ctx); err != nil {
			a.log.Warn().Err(err).Msg("notifications still in flight at shutdown")
		}
		cancel()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.log.Error().Err(fmt.Errorf("close redis: %w", err)).Send()
		}
	}
	if a.PgPool != nil {
		a.PgPool.Close()
	}
}
