package appointment

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

// MemoryStore keeps everything in process. Transactions are serialized by a
// single mutex and rolled back by restoring a snapshot. It enforces the same
// active-slot uniqueness as the PostgreSQL index.
type MemoryStore struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]Appointment
	proposals    map[uuid.UUID]Proposal
	history      map[uuid.UUID][]HistoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[uuid.UUID]Appointment),
		proposals:    make(map[uuid.UUID]Proposal),
		history:      make(map[uuid.UUID][]HistoryEntry),
	}
}

type memSnapshot struct {
	appointments map[uuid.UUID]Appointment
	proposals    map[uuid.UUID]Proposal
	history      map[uuid.UUID][]HistoryEntry
}

func (m *MemoryStore) snapshot() memSnapshot {
	hist := make(map[uuid.UUID][]HistoryEntry, len(m.history))
	for id, entries := range m.history {
		hist[id] = slices.Clone(entries)
	}
	return memSnapshot{
		appointments: maps.Clone(m.appointments),
		proposals:    maps.Clone(m.proposals),
		history:      hist,
	}
}

func (m *MemoryStore) restore(s memSnapshot) {
	m.appointments = s.appointments
	m.proposals = s.proposals
	m.history = s.history
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return unavailable(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx, memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemoryStore) GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	if err := ctx.Err(); err != nil {
		return Appointment{}, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appointment(id)
}

func (m *MemoryStore) appointment(id uuid.UUID) (Appointment, error) {
	a, ok := m.appointments[id]
	if !ok {
		return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return a, nil
}

func (m *MemoryStore) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.history[appointmentID]), nil
}

func (m *MemoryStore) ListProposals(ctx context.Context, appointmentID uuid.UUID) ([]Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Proposal
	for _, p := range m.proposals {
		if p.AppointmentID == appointmentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) BookedTimes(ctx context.Context, date clinic.Date) ([]clinic.Clock, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []clinic.Clock
	for _, a := range m.appointments {
		if a.Date == date && a.Status.Active() {
			out = append(out, a.Time)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *MemoryStore) SlotTaken(ctx context.Context, slot clinic.Slot, excludeID uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slotTaken(slot, excludeID), nil
}

func (m *MemoryStore) slotTaken(slot clinic.Slot, excludeID uuid.UUID) bool {
	for id, a := range m.appointments {
		if id != excludeID && a.Status.Active() && a.Slot() == slot {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ExpireProposals(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, p := range m.proposals {
		if p.Status == ProposalPending && !p.ExpiresAt.After(now) {
			p.Status = ProposalExpired
			m.proposals[id] = p
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PastAppointments(ctx context.Context, day clinic.Date, statuses []Status) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []uuid.UUID
	for id, a := range m.appointments {
		if a.Date.Before(day) && slices.Contains(statuses, a.Status) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *MemoryStore) DueReminders(ctx context.Context, day clinic.Date, statuses []Status) ([]uuid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []uuid.UUID
	for id, a := range m.appointments {
		if a.Date == day && a.ReminderSentAt == nil && slices.Contains(statuses, a.Status) {
			out = append(out, id)
		}
	}
	return out, nil
}

// memTx operates on the store while WithTx holds the mutex.
type memTx struct {
	m *MemoryStore
}

func (t memTx) LockAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	return t.m.appointment(id)
}

func (t memTx) SlotTaken(ctx context.Context, slot clinic.Slot, excludeID uuid.UUID) (bool, error) {
	return t.m.slotTaken(slot, excludeID), nil
}

func (t memTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	if _, exists := t.m.appointments[a.ID]; exists {
		return fmt.Errorf("appointment %s already exists", a.ID)
	}
	if a.Status.Active() && t.m.slotTaken(a.Slot(), a.ID) {
		return fmt.Errorf("insert %s: %w", a.Slot(), ErrSlotConflict)
	}
	a.Version = 1
	t.m.appointments[a.ID] = *a
	return nil
}

func (t memTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	cur, ok := t.m.appointments[a.ID]
	if !ok {
		return fmt.Errorf("appointment %s: %w", a.ID, ErrNotFound)
	}
	if a.Status.Active() && t.m.slotTaken(a.Slot(), a.ID) {
		return fmt.Errorf("update %s: %w", a.Slot(), ErrSlotConflict)
	}
	a.Version = cur.Version + 1
	t.m.appointments[a.ID] = *a
	return nil
}

func (t memTx) LockProposal(ctx context.Context, id uuid.UUID) (Proposal, error) {
	p, ok := t.m.proposals[id]
	if !ok {
		return Proposal{}, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (t memTx) PendingProposals(ctx context.Context, appointmentID uuid.UUID) ([]Proposal, error) {
	var out []Proposal
	for _, p := range t.m.proposals {
		if p.AppointmentID == appointmentID && p.Status == ProposalPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t memTx) InsertProposal(ctx context.Context, p Proposal) error {
	if _, ok := t.m.appointments[p.AppointmentID]; !ok {
		return fmt.Errorf("appointment %s: %w", p.AppointmentID, ErrNotFound)
	}
	t.m.proposals[p.ID] = p
	return nil
}

func (t memTx) UpdateProposal(ctx context.Context, p Proposal) error {
	if _, ok := t.m.proposals[p.ID]; !ok {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrNotFound)
	}
	t.m.proposals[p.ID] = p
	return nil
}

func (t memTx) LastHistory(ctx context.Context, appointmentID uuid.UUID) (int, string, error) {
	entries := t.m.history[appointmentID]
	if len(entries) == 0 {
		return 0, "", nil
	}
	last := entries[len(entries)-1]
	return last.Seq, last.Hash, nil
}

func (t memTx) InsertHistory(ctx context.Context, e HistoryEntry) error {
	entries := t.m.history[e.AppointmentID]
	if len(entries) > 0 && entries[len(entries)-1].Seq >= e.Seq {
		return fmt.Errorf("history seq %d out of order for %s", e.Seq, e.AppointmentID)
	}
	t.m.history[e.AppointmentID] = append(entries, e)
	return nil
}
