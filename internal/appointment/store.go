package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

// Store is the durable record of appointments, proposals and history.
// Every mutation goes through WithTx so the appointment write, the proposal
// changes and the history entry commit or roll back together.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error)
	ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error)
	ListProposals(ctx context.Context, appointmentID uuid.UUID) ([]Proposal, error)

	// BookedTimes returns the times on date held by active appointments.
	BookedTimes(ctx context.Context, date clinic.Date) ([]clinic.Clock, error)
	// SlotTaken reports whether an active appointment other than excludeID holds slot.
	SlotTaken(ctx context.Context, slot clinic.Slot, excludeID uuid.UUID) (bool, error)

	// ExpireProposals marks pending proposals with expires_at <= now as expired.
	ExpireProposals(ctx context.Context, now time.Time) (int, error)
	// PastAppointments lists ids in one of statuses whose date is before day.
	PastAppointments(ctx context.Context, day clinic.Date, statuses []Status) ([]uuid.UUID, error)
	// DueReminders lists ids on day in one of statuses that have not been reminded.
	DueReminders(ctx context.Context, day clinic.Date, statuses []Status) ([]uuid.UUID, error)
}

// Tx is the view of the store inside one atomic unit.
type Tx interface {
	// LockAppointment loads the row and holds it exclusively until commit.
	LockAppointment(ctx context.Context, id uuid.UUID) (Appointment, error)
	SlotTaken(ctx context.Context, slot clinic.Slot, excludeID uuid.UUID) (bool, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	// UpdateAppointment persists a and bumps its version.
	UpdateAppointment(ctx context.Context, a *Appointment) error

	LockProposal(ctx context.Context, id uuid.UUID) (Proposal, error)
	PendingProposals(ctx context.Context, appointmentID uuid.UUID) ([]Proposal, error)
	InsertProposal(ctx context.Context, p Proposal) error
	UpdateProposal(ctx context.Context, p Proposal) error

	// LastHistory returns the head of the appointment's history chain.
	LastHistory(ctx context.Context, appointmentID uuid.UUID) (seq int, hash string, err error)
	InsertHistory(ctx context.Context, e HistoryEntry) error
}
