package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/metrics"
)

// Jobs is the maintenance surface of the appointment service.
type Jobs interface {
	SweepLocks(ctx context.Context) (int, error)
	ExpireProposals(ctx context.Context) (int, error)
	ClosePast(ctx context.Context) (appointment.CloseReport, error)
	SendReminders(ctx context.Context) (appointment.ReminderReport, error)
}

var _ Jobs = (*appointment.Service)(nil)

type Schedules struct {
	Locks     string
	Proposals string
	ClosePast string
	Reminders string
}

const (
	JobSweepLocks      = "sweep_locks"
	JobExpireProposals = "expire_proposals"
	JobClosePast       = "close_past"
	JobReminders       = "send_reminders"
)

// Sweeper runs the maintenance jobs on cron schedules. A job still running
// when its next tick fires is skipped.
type Sweeper struct {
	cron    *cron.Cron
	jobs    Jobs
	metrics *metrics.Metrics
	log     zerolog.Logger
	timeout time.Duration
	base    context.Context
}

func NewSweeper(jobs Jobs, sched Schedules, loc *time.Location, m *metrics.Metrics, log zerolog.Logger) (*Sweeper, error) {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{log}
	s := &Sweeper{
		jobs:    jobs,
		metrics: m,
		log:     log,
		timeout: 2 * time.Minute,
		base:    context.Background(),
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	for name, expr := range map[string]string{
		JobSweepLocks:      sched.Locks,
		JobExpireProposals: sched.Proposals,
		JobClosePast:       sched.ClosePast,
		JobReminders:       sched.Reminders,
	} {
		if expr == "" {
			continue
		}
		name := name
		if _, err := s.cron.AddFunc(expr, func() { s.Run(s.base, name) }); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", name, expr, err)
		}
	}
	return s, nil
}

// Start begins firing jobs; ctx bounds every job run.
func (s *Sweeper) Start(ctx context.Context) {
	s.base = ctx
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("sweeper started")
}

// Stop waits for running jobs or for ctx, whichever comes first.
func (s *Sweeper) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunAll runs every job once, in order. Used at startup.
func (s *Sweeper) RunAll(ctx context.Context) {
	for _, name := range []string{JobSweepLocks, JobExpireProposals, JobClosePast, JobReminders} {
		s.Run(ctx, name)
	}
}

// Run executes one job by name and records the outcome.
func (s *Sweeper) Run(ctx context.Context, name string) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	items := map[string]int{}
	var err error
	switch name {
	case JobSweepLocks:
		var n int
		n, err = s.jobs.SweepLocks(runCtx)
		items["removed"] = n
	case JobExpireProposals:
		var n int
		n, err = s.jobs.ExpireProposals(runCtx)
		items["expired"] = n
	case JobClosePast:
		var r appointment.CloseReport
		r, err = s.jobs.ClosePast(runCtx)
		items["completed"], items["cancelled"], items["failed"] = r.Completed, r.Cancelled, r.Failed
	case JobReminders:
		var r appointment.ReminderReport
		r, err = s.jobs.SendReminders(runCtx)
		items["sent"], items["failed"] = r.Sent, r.Failed
	default:
		err = fmt.Errorf("unknown job %q", name)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.SweepRuns.WithLabelValues(name, status).Inc()
		for outcome, n := range items {
			s.metrics.SweepItems.WithLabelValues(name, outcome).Add(float64(n))
		}
	}

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Error().Err(err)
	}
	d := zerolog.Dict()
	for outcome, n := range items {
		d.Int(outcome, n)
	}
	ev.Str("job", name).Dict("items", d).Dur("took", time.Since(start)).Msg("sweep run")
}

// cronLogger routes cron's own messages into zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
