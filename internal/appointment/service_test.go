package appointment

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Event(nil), n.events...)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	locker   *MemoryLocker
	clock    *fakeClock
	notifier *recordingNotifier
}

var (
	patientID = uuid.MustParse("5f0c8e1a-3b7d-4c2e-9a51-2f6d8b3e4c71")
	patient   = Actor{Kind: ActorPatient, ID: patientID.String(), Email: "amina@example.cg", IPAddress: "10.0.0.7", UserAgent: "test"}
	stranger  = Actor{Kind: ActorPatient, ID: uuid.NewString(), Email: "other@example.cg"}
	admin     = Actor{Kind: ActorAdmin, ID: "staff-1"}
	system    = SystemActor("test")
)

// start is a Sunday morning; the test schedule is open every day 08:00-18:00.
var start = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := &fakeClock{t: start}
	store := NewMemoryStore()
	locker := NewMemoryLocker(5 * time.Minute)
	locker.now = clock.Now
	notifier := &recordingNotifier{}
	schedule := clinic.EveryDay(time.UTC, clinic.Window{Start: clinic.Clock{Hour: 8}, End: clinic.Clock{Hour: 18}}, 30)

	svc := NewService(store, locker, schedule, DefaultOptions(), WithClock(clock.Now), WithNotifier(notifier))
	return &fixture{svc: svc, store: store, locker: locker, clock: clock, notifier: notifier}
}

func mustSlot(t *testing.T, date, clock string) clinic.Slot {
	t.Helper()
	slot, err := clinic.ParseSlot(date, clock)
	require.NoError(t, err)
	return slot
}

func booking(t *testing.T, date, clock string) CreateInput {
	slot := mustSlot(t, date, clock)
	return CreateInput{
		PatientFirstName: "Amina",
		PatientLastName:  "Mabiala",
		PatientEmail:     "amina@example.cg",
		PatientPhone:     "+242 06 123 45 67",
		Date:             slot.Date,
		Time:             slot.Time,
		ConsultationType: ConsultationGeneral,
		Reason:           "Contrôle annuel",
	}
}

func (f *fixture) create(t *testing.T, date, clock string) Appointment {
	t.Helper()
	a, err := f.svc.Create(context.Background(), patient, booking(t, date, clock))
	require.NoError(t, err)
	return a
}

func (f *fixture) confirmed(t *testing.T, date, clock string) Appointment {
	t.Helper()
	a := f.create(t, date, clock)
	a, err := f.svc.Respond(context.Background(), admin, a.ID, RespondInput{Action: RespondAccept})
	require.NoError(t, err)
	return a
}

func (f *fixture) propose(t *testing.T, id uuid.UUID, date, clock string) (Appointment, Proposal) {
	t.Helper()
	slot := mustSlot(t, date, clock)
	a, err := f.svc.Respond(context.Background(), admin, id, RespondInput{
		Action:  RespondPropose,
		Date:    &slot.Date,
		Time:    &slot.Time,
		Message: "Le médecin est absent ce jour-là",
	})
	require.NoError(t, err)
	return a, f.pendingProposal(t, id)
}

func (f *fixture) pendingProposal(t *testing.T, id uuid.UUID) Proposal {
	t.Helper()
	proposals, err := f.store.ListProposals(context.Background(), id)
	require.NoError(t, err)
	var pending []Proposal
	for _, p := range proposals {
		if p.Status == ProposalPending {
			pending = append(pending, p)
		}
	}
	require.Len(t, pending, 1)
	return pending[0]
}

func (f *fixture) load(t *testing.T, id uuid.UUID) Appointment {
	t.Helper()
	a, err := f.store.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) forceStatus(t *testing.T, id uuid.UUID, st Status) {
	t.Helper()
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		a, err := tx.LockAppointment(ctx, id)
		if err != nil {
			return err
		}
		a.Status = st
		return tx.UpdateAppointment(ctx, &a)
	})
	require.NoError(t, err)
}

func TestScenarioA_CreateAndConflict(t *testing.T) {
	f := newFixture(t)

	a := f.create(t, "2026-02-15", "10:00")
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, "061234567", a.PatientPhone)
	require.NotNil(t, a.AccountID)
	assert.Equal(t, patientID, *a.AccountID)
	assert.Equal(t, 1, a.Version)

	_, err := f.svc.Create(context.Background(), patient, booking(t, "2026-02-15", "10:00"))
	assert.ErrorIs(t, err, ErrSlotConflict)

	history, err := f.svc.History(context.Background(), patient, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionCreated, history[0].Action)
	assert.Equal(t, "10.0.0.7", history[0].IPAddress)
	assert.Equal(t, "pending", *history[0].Changes["status"].New)
	assert.Nil(t, history[0].Changes["status"].Old)
}

func TestScenarioB_StaffProposes(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "2026-02-15", "10:00")

	a, p := f.propose(t, a.ID, "2026-02-16", "11:00")

	assert.Equal(t, StatusAwaitingPatientResponse, a.Status)
	require.NotNil(t, a.ProposalSentAt)
	assert.Equal(t, start, *a.ProposalSentAt)
	require.NotNil(t, a.ProposedDate)
	assert.Equal(t, "2026-02-16", a.ProposedDate.String())
	assert.Equal(t, "11:00", a.ProposedTime.String())

	assert.Equal(t, AdminToPatient, p.Direction)
	assert.Equal(t, ProposalPending, p.Status)
	assert.Equal(t, start.Add(7*24*time.Hour), p.ExpiresAt)

	history, err := f.svc.History(context.Background(), admin, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	last := history[1]
	assert.Equal(t, ActionProposalSent, last.Action)
	assert.Equal(t, "2026-02-16", *last.Changes["proposed_date"].New)
	assert.Equal(t, "11:00", *last.Changes["proposed_time"].New)
}

func TestScenarioC_PatientAcceptsProposal(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "2026-02-15", "10:00")
	_, p := f.propose(t, a.ID, "2026-02-16", "11:00")

	a, err := f.svc.AcceptProposal(context.Background(), patient, a.ID, p.ID)
	require.NoError(t, err)

	assert.Equal(t, "2026-02-16", a.Date.String())
	assert.Equal(t, "11:00", a.Time.String())
	assert.Equal(t, StatusConfirmed, a.Status)
	assert.NotNil(t, a.ConfirmedAt)
	assert.NotNil(t, a.RespondedAt)
	assert.Nil(t, a.ProposedDate)

	proposals, err := f.svc.Proposals(context.Background(), patient, a.ID)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ProposalAccepted, proposals[0].Status)
	assert.NotNil(t, proposals[0].RespondedAt)

	// The original slot is free again, the new one is taken.
	_, err = f.svc.Create(context.Background(), patient, booking(t, "2026-02-15", "10:00"))
	assert.NoError(t, err)
	_, err = f.svc.Create(context.Background(), patient, booking(t, "2026-02-16", "11:00"))
	assert.ErrorIs(t, err, ErrSlotConflict)

	history, err := f.svc.History(context.Background(), patient, a.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, ActionProposalAccepted, last.Action)
	assert.Equal(t, "2026-02-15", *last.Changes["date"].Old)
	assert.Equal(t, "2026-02-16", *last.Changes["date"].New)
	assert.Equal(t, "10:00", *last.Changes["time"].Old)
	assert.Equal(t, "11:00", *last.Changes["time"].New)
}

func TestScenarioD_PatientCancelNotice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	far := f.confirmed(t, "2026-02-03", "10:00")
	near := f.confirmed(t, "2026-02-03", "11:00")

	f.clock.Set(time.Date(2026, 2, 2, 4, 0, 0, 0, time.UTC)) // 30h before far
	got, err := f.svc.Cancel(ctx, patient, far.ID, "Empêchement")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, "Empêchement", got.CancellationReason)
	assert.NotNil(t, got.CancelledAt)

	f.clock.Set(time.Date(2026, 2, 3, 1, 0, 0, 0, time.UTC)) // 10h before near
	before := f.load(t, near.ID)
	_, err = f.svc.Cancel(ctx, patient, near.ID, "Empêchement")
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, before, f.load(t, near.ID))

	// Staff are not bound by the notice period.
	got, err = f.svc.Cancel(ctx, admin, near.ID, "Médecin indisponible")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestNoticeBoundaryIsStrict(t *testing.T) {
	f := newFixture(t)
	a := f.confirmed(t, "2026-02-03", "10:00")

	f.clock.Set(time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)) // exactly 24h
	_, err := f.svc.Cancel(context.Background(), patient, a.ID, "")
	assert.ErrorIs(t, err, ErrValidation)

	slot := mustSlot(t, "2026-02-05", "09:00")
	_, err = f.svc.Modify(context.Background(), patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time, Message: "Voyage"})
	assert.ErrorIs(t, err, ErrValidation)

	f.clock.Set(time.Date(2026, 2, 2, 9, 59, 0, 0, time.UTC))
	_, err = f.svc.Cancel(context.Background(), patient, a.ID, "")
	assert.NoError(t, err)
}

func TestScenarioE_PatientRejectsProposal(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "2026-02-15", "10:00")
	_, p := f.propose(t, a.ID, "2026-02-16", "11:00")

	a, err := f.svc.RejectProposal(context.Background(), patient, a.ID, p.ID, "too late")
	require.NoError(t, err)
	assert.Equal(t, StatusRejectedByPatient, a.Status)
	assert.Equal(t, "too late", a.PatientMessage)
	assert.NotNil(t, a.RespondedAt)

	proposals, err := f.svc.Proposals(context.Background(), patient, a.ID)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, ProposalRejected, proposals[0].Status)
	assert.Equal(t, "too late", proposals[0].ResponseMessage)

	// Terminal: the slot is released.
	_, err = f.svc.Create(context.Background(), patient, booking(t, "2026-02-15", "10:00"))
	assert.NoError(t, err)
}

func TestConcurrentCreatesSameSlot(t *testing.T) {
	f := newFixture(t)
	const n = 25
	in := booking(t, "2026-02-15", "10:00")

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), Actor{Kind: ActorPatient, ID: uuid.NewString()}, in)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrSlotConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	booked, err := f.store.BookedTimes(context.Background(), mustSlot(t, "2026-02-15", "10:00").Date)
	require.NoError(t, err)
	assert.Len(t, booked, 1)
}

func TestConcurrentAcceptsSerialize(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "2026-02-15", "10:00")
	_, p := f.propose(t, a.ID, "2026-02-16", "11:00")

	var wg sync.WaitGroup
	results := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.AcceptProposal(context.Background(), patient, a.ID, p.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrProposalClosed)
	}
	assert.Equal(t, 1, ok)
}

func TestTransitionClosureOnTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusRejected, StatusCancelled, StatusCompleted, StatusNoShow, StatusRejectedByPatient}
	slot := mustSlot(t, "2026-02-20", "09:00")

	ops := map[string]func(f *fixture, id uuid.UUID) error{
		"admin accept": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Respond(context.Background(), admin, id, RespondInput{Action: RespondAccept})
			return err
		},
		"admin cancel": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Cancel(context.Background(), admin, id, "x")
			return err
		},
		"system cancel": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Cancel(context.Background(), system, id, "x")
			return err
		},
		"admin complete": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Complete(context.Background(), admin, id)
			return err
		},
		"admin no-show": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.MarkNoShow(context.Background(), admin, id)
			return err
		},
		"patient cancel": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Cancel(context.Background(), patient, id, "x")
			return err
		},
		"patient modify": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Modify(context.Background(), patient, id, SlotInput{Date: slot.Date, Time: slot.Time})
			return err
		},
		"patient counter": func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.CounterPropose(context.Background(), patient, id, SlotInput{Date: slot.Date, Time: slot.Time})
			return err
		},
	}

	for _, st := range terminal {
		for name, op := range ops {
			t.Run(string(st)+"/"+name, func(t *testing.T) {
				f := newFixture(t)
				a := f.create(t, "2026-02-15", "10:00")
				f.forceStatus(t, a.ID, st)
				before := f.load(t, a.ID)
				historyBefore, _ := f.store.ListHistory(context.Background(), a.ID)

				err := op(f, a.ID)
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, before, f.load(t, a.ID))

				historyAfter, _ := f.store.ListHistory(context.Background(), a.ID)
				assert.Len(t, historyAfter, len(historyBefore))
			})
		}
	}
}

func TestTransitionTable(t *testing.T) {
	for _, kind := range []ActorKind{ActorPatient, ActorAdmin, ActorSystem} {
		for _, from := range AllStatuses {
			next := NextStatuses(kind, from)
			if from.Terminal() {
				assert.Empty(t, next, "%s may not leave terminal %s", kind, from)
			}
			for _, to := range AllStatuses {
				assert.Equal(t, slices.Contains(next, to), CanTransition(kind, from, to), "%s %s->%s", kind, from, to)
			}
		}
	}

	assert.True(t, CanTransition(ActorPatient, StatusAwaitingPatientResponse, StatusAwaitingAdminResponse))
	assert.False(t, CanTransition(ActorPatient, StatusPending, StatusConfirmed))
	assert.False(t, CanTransition(ActorAdmin, StatusConfirmed, StatusPending))
	assert.True(t, CanTransition(ActorSystem, StatusModificationPending, StatusCancelled))
	assert.False(t, CanTransition(ActorKind("robot"), StatusPending, StatusCancelled))
}

func TestNonTerminalClosure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")
	before := f.load(t, a.ID)

	slot := mustSlot(t, "2026-02-16", "11:00")
	_, err := f.svc.CounterPropose(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Complete(ctx, admin, a.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.Modify(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ActorPatient, te.Actor)
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusModificationPending, te.To)

	assert.Equal(t, before, f.load(t, a.ID))
}

func TestHistoryCompleteness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")

	steps := []func() (Appointment, error){
		func() (Appointment, error) {
			slot := mustSlot(t, "2026-02-16", "11:00")
			return f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondPropose, Date: &slot.Date, Time: &slot.Time, Message: "Absent"})
		},
		func() (Appointment, error) {
			slot := mustSlot(t, "2026-02-17", "15:00")
			return f.svc.CounterPropose(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time, Message: "Plutôt l'après-midi"})
		},
		func() (Appointment, error) {
			return f.svc.AcceptProposal(ctx, admin, a.ID, f.pendingProposal(t, a.ID).ID)
		},
		func() (Appointment, error) {
			return f.svc.Cancel(ctx, admin, a.ID, "Fermeture exceptionnelle")
		},
	}

	prev := f.load(t, a.ID)
	for i, step := range steps {
		next, err := step()
		require.NoError(t, err, "step %d", i)

		history, err := f.store.ListHistory(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, history, i+2, "one entry per mutation")
		last := history[len(history)-1]

		want := diff(prev, next)
		assert.Equal(t, want, last.Changes, "step %d", i)
		for field, c := range last.Changes {
			assert.False(t, sameValue(c.Old, c.New), "unchanged field %s recorded", field)
		}
		prev = next
	}

	report, err := f.svc.VerifyHistory(ctx, admin, a.ID)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 5, report.Entries)
}

func TestHistoryChainDetectsTampering(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, "2026-02-15", "10:00")
	_, err := f.svc.Respond(context.Background(), admin, a.ID, RespondInput{Action: RespondReject, RejectionReason: "Complet"})
	require.NoError(t, err)

	f.store.mu.Lock()
	entries := f.store.history[a.ID]
	entries[1].Reason = "Autre raison"
	f.store.mu.Unlock()

	report, err := f.svc.VerifyHistory(context.Background(), admin, a.ID)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, 2, report.BrokenAtSeq)
}

func TestProposalMonotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")
	_, p := f.propose(t, a.ID, "2026-02-16", "11:00")

	_, err := f.svc.AcceptProposal(ctx, patient, a.ID, p.ID)
	require.NoError(t, err)

	_, err = f.svc.AcceptProposal(ctx, patient, a.ID, p.ID)
	assert.ErrorIs(t, err, ErrProposalClosed)
	_, err = f.svc.RejectProposal(ctx, patient, a.ID, p.ID, "changed my mind")
	assert.ErrorIs(t, err, ErrProposalClosed)

	b := f.create(t, "2026-02-15", "14:00")
	_, q := f.propose(t, b.ID, "2026-02-16", "15:00")
	_, err = f.svc.RejectProposal(ctx, patient, b.ID, q.ID, "non")
	require.NoError(t, err)
	_, err = f.svc.RejectProposal(ctx, patient, b.ID, q.ID, "non")
	assert.ErrorIs(t, err, ErrProposalClosed)
	_, err = f.svc.AcceptProposal(ctx, patient, b.ID, q.ID)
	assert.ErrorIs(t, err, ErrProposalClosed)
}

func TestProposalExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-20", "10:00")
	_, p := f.propose(t, a.ID, "2026-02-21", "11:00")

	f.clock.Set(start.Add(7*24*time.Hour + time.Minute))

	_, err := f.svc.AcceptProposal(ctx, patient, a.ID, p.ID)
	assert.ErrorIs(t, err, ErrProposalClosed, "past expiry even before the sweep")

	n, err := f.svc.ExpireProposals(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	proposals, err := f.svc.Proposals(ctx, admin, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ProposalExpired, proposals[0].Status)
	assert.Equal(t, StatusAwaitingPatientResponse, f.load(t, a.ID).Status, "appointment untouched")

	_, err = f.svc.RejectProposal(ctx, patient, a.ID, p.ID, "trop tard")
	assert.ErrorIs(t, err, ErrProposalClosed)

	// Staff can still end the negotiation.
	_, err = f.svc.Cancel(ctx, admin, a.ID, "Sans réponse")
	assert.NoError(t, err)
}

func TestCounterProposalSupersedesAndStaffAnswers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")
	_, first := f.propose(t, a.ID, "2026-02-16", "11:00")

	f.clock.Set(start.Add(time.Minute))
	slot := mustSlot(t, "2026-02-17", "15:00")
	a, err := f.svc.CounterPropose(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time, Message: "Après-midi SVP"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingAdminResponse, a.Status)
	assert.Equal(t, "Après-midi SVP", a.PatientMessage)

	proposals, err := f.svc.Proposals(ctx, admin, a.ID)
	require.NoError(t, err)
	require.Len(t, proposals, 2)
	assert.Equal(t, first.ID, proposals[0].ID)
	assert.Equal(t, ProposalRejected, proposals[0].Status)
	assert.Equal(t, supersededMessage, proposals[0].ResponseMessage)
	counter := proposals[1]
	assert.Equal(t, PatientToAdmin, counter.Direction)

	// The patient cannot answer their own proposal.
	_, err = f.svc.AcceptProposal(ctx, patient, a.ID, counter.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	other := mustSlot(t, "2026-02-18", "08:30")
	a, err = f.svc.Repropose(ctx, admin, a.ID, SlotInput{Date: other.Date, Time: other.Time, Message: "Mercredi matin ?"})
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingPatientResponse, a.Status)

	latest := f.pendingProposal(t, a.ID)
	assert.Equal(t, AdminToPatient, latest.Direction)
	a, err = f.svc.AcceptProposal(ctx, patient, a.ID, latest.ID)
	require.NoError(t, err)
	assert.Equal(t, other, a.Slot())
}

func TestStaffRejectsCounterProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")
	f.propose(t, a.ID, "2026-02-16", "11:00")
	slot := mustSlot(t, "2026-02-17", "15:00")
	_, err := f.svc.CounterPropose(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time})
	require.NoError(t, err)
	counter := f.pendingProposal(t, a.ID)

	_, err = f.svc.RejectProposal(ctx, admin, a.ID, counter.ID, "")
	assert.ErrorIs(t, err, ErrValidation, "staff must give a reason")

	a, err = f.svc.RejectProposal(ctx, admin, a.ID, counter.ID, "Aucun créneau compatible")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, a.Status)
	assert.Equal(t, "Aucun créneau compatible", a.RejectionReason)
	assert.Nil(t, a.ProposedDate)
}

func TestModificationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.confirmed(t, "2026-02-15", "10:00")
	confirmedAt := *a.ConfirmedAt

	slot := mustSlot(t, "2026-02-16", "09:30")
	a, err := f.svc.Modify(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time, Message: "Voyage"})
	require.NoError(t, err)
	assert.Equal(t, StatusModificationPending, a.Status)
	assert.Equal(t, "Voyage", a.PatientMessage)
	req := f.pendingProposal(t, a.ID)
	assert.Equal(t, PatientToAdmin, req.Direction)

	// Declining the request keeps the original booking.
	a, err = f.svc.RejectProposal(ctx, admin, a.ID, req.ID, "Pas de place mardi")
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, a.Status)
	assert.Equal(t, "2026-02-15", a.Date.String())
	assert.Nil(t, a.ProposedDate)

	// A second request is accepted.
	f.clock.Set(start.Add(time.Hour))
	a, err = f.svc.Modify(ctx, patient, a.ID, SlotInput{Date: slot.Date, Time: slot.Time, Message: "Voyage"})
	require.NoError(t, err)
	a, err = f.svc.AcceptProposal(ctx, admin, a.ID, f.pendingProposal(t, a.ID).ID)
	require.NoError(t, err)
	assert.Equal(t, slot, a.Slot())
	assert.Equal(t, confirmedAt, *a.ConfirmedAt, "confirmed_at is set once")

	history, err := f.svc.History(ctx, patient, a.ID)
	require.NoError(t, err)
	actions := make([]Action, len(history))
	for i, e := range history {
		actions[i] = e.Action
	}
	assert.Equal(t, []Action{ActionCreated, ActionConfirmed, ActionModified, ActionModificationRejected, ActionModified, ActionModificationAccepted}, actions)
}

func TestProposedSlotMustBeFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")
	f.create(t, "2026-02-16", "11:00")

	slot := mustSlot(t, "2026-02-16", "11:00")
	before := f.load(t, a.ID)
	_, err := f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondPropose, Date: &slot.Date, Time: &slot.Time})
	assert.ErrorIs(t, err, ErrSlotConflict)
	assert.Equal(t, before, f.load(t, a.ID))

	past := mustSlot(t, "2026-01-30", "10:00")
	_, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondPropose, Date: &past.Date, Time: &past.Time})
	assert.ErrorIs(t, err, ErrValidation)

	closed := mustSlot(t, "2026-02-16", "19:00")
	_, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondPropose, Date: &closed.Date, Time: &closed.Time})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "proposed_time", verr.Field)
}

func TestRespondPermissionsAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")

	_, err := f.svc.Respond(ctx, patient, a.ID, RespondInput{Action: RespondAccept})
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondReject})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: "maybe"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.Respond(ctx, admin, uuid.New(), RespondInput{Action: RespondAccept})
	assert.ErrorIs(t, err, ErrNotFound)

	a, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondReject, RejectionReason: "Hors spécialité", Message: "Voir un spécialiste"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, a.Status)
	assert.Equal(t, "Voir un spécialiste", a.AdminMessage)

	_, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondAccept})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.confirmed(t, "2026-02-15", "10:00")

	_, err := f.svc.Get(ctx, stranger, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.Cancel(ctx, stranger, a.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.svc.History(ctx, stranger, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Email match works when the patient has no account link.
	byEmail := Actor{Kind: ActorPatient, Email: "AMINA@example.cg"}
	_, err = f.svc.Get(ctx, byEmail, a.ID)
	assert.NoError(t, err)

	_, err = f.svc.Get(ctx, Actor{Kind: "intruder"}, a.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name  string
		edit  func(in *CreateInput)
		field string
	}{
		{"missing first name", func(in *CreateInput) { in.PatientFirstName = "" }, "patient_first_name"},
		{"bad phone", func(in *CreateInput) { in.PatientPhone = "07 123 45 67" }, "patient_phone"},
		{"bad email", func(in *CreateInput) { in.PatientEmail = "not-an-email" }, "patient_email"},
		{"bad type", func(in *CreateInput) { in.ConsultationType = "dental" }, "consultation_type"},
		{"past date", func(in *CreateInput) { in.Date = mustSlot(t, "2026-01-31", "10:00").Date }, "date"},
		{"beyond horizon", func(in *CreateInput) { in.Date = mustSlot(t, "2026-09-01", "10:00").Date }, "date"},
		{"off boundary", func(in *CreateInput) { in.Time = clinic.Clock{Hour: 10, Minute: 10} }, "time"},
		{"after hours", func(in *CreateInput) { in.Time = clinic.Clock{Hour: 18} }, "time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := booking(t, "2026-02-15", "10:00")
			tt.edit(&in)
			_, err := f.svc.Create(context.Background(), patient, in)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	booked, err := f.store.BookedTimes(context.Background(), mustSlot(t, "2026-02-15", "10:00").Date)
	require.NoError(t, err)
	assert.Empty(t, booked, "no side effects on validation failure")
}

func TestSlotHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := mustSlot(t, "2026-02-15", "10:00")

	lock, err := f.svc.HoldSlot(ctx, patient, slot, "")
	require.NoError(t, err)
	assert.NotEmpty(t, lock.Holder)
	assert.Equal(t, start.Add(5*time.Minute), lock.ExpiresAt)

	_, err = f.svc.HoldSlot(ctx, stranger, slot, "someone-else")
	assert.ErrorIs(t, err, ErrSlotConflict)

	in := booking(t, "2026-02-15", "10:00")
	in.LockHolder = "someone-else"
	_, err = f.svc.Create(ctx, stranger, in)
	assert.ErrorIs(t, err, ErrSlotConflict)

	in.LockHolder = lock.Holder
	_, err = f.svc.Create(ctx, patient, in)
	require.NoError(t, err)

	_, held, err := f.locker.Holder(ctx, slot)
	require.NoError(t, err)
	assert.False(t, held, "lock released after booking")

	_, err = f.svc.HoldSlot(ctx, stranger, slot, "late")
	assert.ErrorIs(t, err, ErrSlotConflict, "booked slots cannot be held")
}

func TestSlotHoldExpiryAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := mustSlot(t, "2026-02-15", "10:00")

	_, err := f.svc.HoldSlot(ctx, patient, slot, "a")
	require.NoError(t, err)

	f.clock.Set(start.Add(6 * time.Minute))
	_, err = f.svc.HoldSlot(ctx, stranger, slot, "b")
	require.NoError(t, err, "expired lock can be taken over")

	f.clock.Set(start.Add(20 * time.Minute))
	n, err := f.svc.SweepLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, f.svc.ReleaseSlot(ctx, slot, "b"))
	assert.ErrorIs(t, f.svc.ReleaseSlot(ctx, slot, ""), ErrValidation)
}

func TestAvailableSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.create(t, "2026-02-15", "10:00")
	b := f.create(t, "2026-02-15", "10:30")
	_, err := f.svc.Cancel(ctx, admin, b.ID, "")
	require.NoError(t, err)

	slots, err := f.svc.AvailableSlots(ctx, mustSlot(t, "2026-02-15", "10:00").Date)
	require.NoError(t, err)
	assert.Len(t, slots, 19)
	assert.NotContains(t, slots, clinic.Clock{Hour: 10})
	assert.Contains(t, slots, clinic.Clock{Hour: 10, Minute: 30}, "cancelled appointments free their slot")

	// Today: only future starts.
	today, err := f.svc.AvailableSlots(ctx, clinic.DateOf(start))
	require.NoError(t, err)
	assert.Equal(t, clinic.Clock{Hour: 9, Minute: 30}, today[0])
}

func TestNotificationsAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.create(t, "2026-02-15", "10:00")
	_, err := f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondAccept})
	require.NoError(t, err)
	_, err = f.svc.Respond(ctx, admin, a.ID, RespondInput{Action: RespondAccept})
	require.Error(t, err)

	events := f.notifier.Events()
	require.Len(t, events, 2, "failed transitions emit nothing")
	assert.Equal(t, Status(""), events[0].FromStatus)
	assert.Equal(t, StatusPending, events[0].ToStatus)
	assert.Equal(t, StatusPending, events[1].FromStatus)
	assert.Equal(t, StatusConfirmed, events[1].ToStatus)
	assert.Equal(t, ActorAdmin, events[1].ActorKind)
	assert.Equal(t, ActionConfirmed, events[1].Action)
}

func TestClosePast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := f.confirmed(t, "2026-02-02", "10:00")
	waiting := f.create(t, "2026-02-02", "11:00")
	future := f.confirmed(t, "2026-02-10", "10:00")

	f.clock.Set(time.Date(2026, 2, 3, 0, 5, 0, 0, time.UTC))
	report, err := f.svc.ClosePast(ctx)
	require.NoError(t, err)
	assert.Equal(t, CloseReport{Completed: 1, Cancelled: 1}, report)

	assert.Equal(t, StatusCompleted, f.load(t, done.ID).Status)
	got := f.load(t, waiting.ID)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, expiredUnansweredReason, got.CancellationReason)
	assert.Equal(t, StatusConfirmed, f.load(t, future.ID).Status)

	history, err := f.store.ListHistory(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, ActorSystem, history[len(history)-1].ActorKind)
}

func TestSendRemindersOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	waiting := f.create(t, "2026-02-02", "10:00")
	booked := f.confirmed(t, "2026-02-02", "11:00")
	rejected := f.create(t, "2026-02-02", "12:00")
	_, err := f.svc.Respond(ctx, admin, rejected.ID, RespondInput{Action: RespondReject, RejectionReason: "Complet"})
	require.NoError(t, err)
	later := f.confirmed(t, "2026-02-03", "10:00")

	f.clock.Set(time.Date(2026, 2, 1, 18, 0, 0, 0, time.UTC))
	before := len(f.notifier.Events())
	report, err := f.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderReport{Sent: 2}, report)

	events := f.notifier.Events()[before:]
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, ActionReminderSent, ev.Action)
		assert.Equal(t, ActorSystem, ev.ActorKind)
		assert.Equal(t, ev.FromStatus, ev.ToStatus, "a reminder never moves the status")
	}

	got := f.load(t, booked.ID)
	require.NotNil(t, got.ReminderSentAt)
	assert.Equal(t, StatusConfirmed, got.Status)
	assert.NotNil(t, f.load(t, waiting.ID).ReminderSentAt)
	assert.Nil(t, f.load(t, rejected.ID).ReminderSentAt)
	assert.Nil(t, f.load(t, later.ID).ReminderSentAt)

	history, err := f.store.ListHistory(ctx, booked.ID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, ActionReminderSent, last.Action)
	assert.Empty(t, last.Changes)
	chain, err := f.svc.VerifyHistory(ctx, admin, booked.ID)
	require.NoError(t, err)
	assert.True(t, chain.Valid)

	f.clock.Set(time.Date(2026, 2, 1, 18, 30, 0, 0, time.UTC))
	report, err = f.svc.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReminderReport{}, report)
	assert.Len(t, f.notifier.Events(), before+2, "second run sends nothing")
	assert.Equal(t, *got.ReminderSentAt, *f.load(t, booked.ID).ReminderSentAt)
}

func TestEntryHash(t *testing.T) {
	e := HistoryEntry{
		ID:            uuid.MustParse("0b6f3c2e-7a41-4d8b-9c5e-1f2a3b4c5d6e"),
		AppointmentID: uuid.MustParse("9d1e2f3a-4b5c-4d6e-8f70-8192a3b4c5d6"),
		Seq:           1,
		Action:        ActionCreated,
		ActorKind:     ActorPatient,
		Message:       "Bonjour",
		CreatedAt:     start,
	}
	h1, err := entryHash(e)
	require.NoError(t, err)
	h2, err := entryHash(e)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	e.Message = "Bonsoir"
	h3, err := entryHash(e)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestStoredTextIsCleaned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := booking(t, "2026-02-15", "10:00")
	in.Reason = " Toux\x00 sèche\xff "
	actor := patient
	actor.UserAgent = "curl\x00/8.5"
	a, err := f.svc.Create(ctx, actor, in)
	require.NoError(t, err)
	assert.Equal(t, "Toux sèche", f.load(t, a.ID).Reason)

	_, err = f.svc.Cancel(ctx, admin, a.ID, "Fermeture\x00 exceptionnelle")
	require.NoError(t, err)
	assert.Equal(t, "Fermeture exceptionnelle", f.load(t, a.ID).CancellationReason)

	history, err := f.store.ListHistory(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "curl/8.5", history[0].UserAgent)
	assert.Equal(t, "Fermeture exceptionnelle", history[1].Reason)

	chain, err := f.svc.VerifyHistory(ctx, admin, a.ID)
	require.NoError(t, err)
	assert.True(t, chain.Valid)
}

// flakyStore fails its first n transactions with a transient error.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return unavailable(context.DeadlineExceeded)
	}
	return s.MemoryStore.WithTx(ctx, fn)
}

func TestTransientFailuresRetriedOnce(t *testing.T) {
	schedule := clinic.EveryDay(time.UTC, clinic.Window{Start: clinic.Clock{Hour: 8}, End: clinic.Clock{Hour: 18}}, 30)
	clock := &fakeClock{t: start}

	once := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	svc := NewService(once, NewMemoryLocker(time.Minute), schedule, DefaultOptions(), WithClock(clock.Now))
	_, err := svc.Create(context.Background(), patient, booking(t, "2026-02-15", "10:00"))
	require.NoError(t, err)
	assert.Equal(t, 2, once.calls)

	always := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}
	svc = NewService(always, NewMemoryLocker(time.Minute), schedule, DefaultOptions(), WithClock(clock.Now))
	_, err = svc.Create(context.Background(), patient, booking(t, "2026-02-15", "10:00"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 2, always.calls, "retried exactly once")
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"06 123 45 67", "061234567", true},
		{"+242 05 123 45 67", "051234567", true},
		{"00242041234567", "041234567", true},
		{"242-222-12-34-56", "222123456", true},
		{"(222) 12 34 56", "222123456", true},
		{"07 123 45 67", "", false},
		{"06 123 45 6", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizePhone(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
