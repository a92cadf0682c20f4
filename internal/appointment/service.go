package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

// Options holds the negotiation policy knobs.
type Options struct {
	ProposalTTL  time.Duration // how long a proposal stays open
	CancelNotice time.Duration // minimum notice for patient cancel/modify
	MaxAdvance   time.Duration // booking horizon
	DBTimeout    time.Duration // bound on every datastore call
}

func DefaultOptions() Options {
	return Options{
		ProposalTTL:  7 * 24 * time.Hour,
		CancelNotice: 24 * time.Hour,
		MaxAdvance:   180 * 24 * time.Hour,
		DBTimeout:    5 * time.Second,
	}
}

type Service struct {
	store    Store
	locker   SlotLocker
	schedule *clinic.Schedule
	notifier Notifier
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// WithClock replaces time.Now; used by tests and simulations.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, locker SlotLocker, schedule *clinic.Schedule, opts Options, options ...Option) *Service {
	s := &Service{
		store:    store,
		locker:   locker,
		schedule: schedule,
		notifier: NopNotifier{},
		opts:     opts,
		log:      zerolog.Nop(),
		now:      time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Schedule exposes the clinic calendar the service validates against.
func (s *Service) Schedule() *clinic.Schedule {
	return s.schedule
}

// clock returns now at the precision the datastore keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func newRetryBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(b, 1)
}

// retry runs fn under DBTimeout and retries it once when the datastore
// reports a transient failure. Other errors are returned as is.
func (s *Service) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.opts.DBTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = unavailable(err)
		}
		if !errors.Is(err, ErrUnavailable) {
			return backoff.Permanent(err)
		}
		s.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient datastore failure")
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(newRetryBackoff(), ctx))
}

func (s *Service) withTx(ctx context.Context, op string, fn func(ctx context.Context, tx Tx) error) error {
	return s.retry(ctx, op, func(ctx context.Context) error {
		return s.store.WithTx(ctx, fn)
	})
}

// owns reports whether actor may see and act on a. Patients match on their
// account id, falling back to the booking email.
func owns(actor Actor, a Appointment) bool {
	if actor.IsStaff() {
		return true
	}
	if actor.Kind != ActorPatient {
		return false
	}
	if a.AccountID != nil && actor.ID != "" && actor.ID == a.AccountID.String() {
		return true
	}
	return actor.Email != "" && strings.EqualFold(actor.Email, a.PatientEmail)
}

func checkActor(actor Actor) error {
	if !actor.Kind.Valid() {
		return fmt.Errorf("unknown actor kind %q: %w", actor.Kind, ErrPermissionDenied)
	}
	return nil
}

func requireStaff(actor Actor, op string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if !actor.IsStaff() {
		return fmt.Errorf("%s is reserved to clinic staff: %w", op, ErrPermissionDenied)
	}
	return nil
}

func requirePatient(actor Actor, op string) error {
	if err := checkActor(actor); err != nil {
		return err
	}
	if actor.Kind != ActorPatient {
		return fmt.Errorf("%s is reserved to the patient: %w", op, ErrPermissionDenied)
	}
	return nil
}

// change is the body of one mutation. It edits a in place and returns the
// history note describing what happened.
type change func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error)

// mutate runs one transition atomically: lock the row, apply fn, persist the
// appointment and append its history entry. The notification is emitted only
// after commit.
func (s *Service) mutate(ctx context.Context, actor Actor, id uuid.UUID, op string, fn change) (Appointment, error) {
	if err := checkActor(actor); err != nil {
		return Appointment{}, err
	}

	var before, after Appointment
	var note historyNote
	err := s.withTx(ctx, op, func(ctx context.Context, tx Tx) error {
		a, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		if !owns(actor, a) {
			return fmt.Errorf("appointment %s: %w", id, ErrNotFound)
		}
		before = a

		now := s.clock()
		note, err = fn(ctx, tx, &a, now)
		if err != nil {
			return err
		}
		a.UpdatedAt = now
		a.clean()
		if err := tx.UpdateAppointment(ctx, &a); err != nil {
			return err
		}
		if _, err := recordHistory(ctx, tx, before, a, note, actor, now); err != nil {
			return err
		}
		after = a
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}

	s.emit(ctx, before.Status, after, note.Action, actor)
	return after, nil
}

func (s *Service) emit(ctx context.Context, from Status, a Appointment, action Action, actor Actor) {
	s.log.Info().
		Str("appointment_id", a.ID.String()).
		Str("action", string(action)).
		Str("from", string(from)).
		Str("to", string(a.Status)).
		Str("actor_kind", string(actor.Kind)).
		Str("actor_id", actor.ID).
		Msg("appointment transition")

	s.notifier.Notify(ctx, Event{
		AppointmentID: a.ID,
		Action:        action,
		FromStatus:    from,
		ToStatus:      a.Status,
		ActorID:       actor.ID,
		ActorKind:     actor.Kind,
		OccurredAt:    a.UpdatedAt,
	})
}

// Get returns the appointment if actor may see it.
func (s *Service) Get(ctx context.Context, actor Actor, id uuid.UUID) (Appointment, error) {
	if err := checkActor(actor); err != nil {
		return Appointment{}, err
	}
	var a Appointment
	err := s.retry(ctx, "get appointment", func(ctx context.Context) error {
		var err error
		a, err = s.store.GetAppointment(ctx, id)
		return err
	})
	if err != nil {
		return Appointment{}, err
	}
	if !owns(actor, a) {
		return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return a, nil
}

// History returns the audit trail in commit order.
func (s *Service) History(ctx context.Context, actor Actor, id uuid.UUID) ([]HistoryEntry, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	err := s.retry(ctx, "list history", func(ctx context.Context) error {
		var err error
		entries, err = s.store.ListHistory(ctx, id)
		return err
	})
	return entries, err
}

// Proposals returns every proposal of the appointment, oldest first.
func (s *Service) Proposals(ctx context.Context, actor Actor, id uuid.UUID) ([]Proposal, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	var proposals []Proposal
	err := s.retry(ctx, "list proposals", func(ctx context.Context) error {
		var err error
		proposals, err = s.store.ListProposals(ctx, id)
		return err
	})
	return proposals, err
}

// VerifyHistory recomputes the hash chain of the appointment's history.
func (s *Service) VerifyHistory(ctx context.Context, actor Actor, id uuid.UUID) (ChainReport, error) {
	entries, err := s.History(ctx, actor, id)
	if err != nil {
		return ChainReport{}, err
	}
	return verifyChain(id, entries), nil
}
