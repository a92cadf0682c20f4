package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

const supersededMessage = "superseded"

// openProposal rejects any pending proposal of the appointment and records a
// new pending one. At most one proposal per appointment is pending.
func (s *Service) openProposal(ctx context.Context, tx Tx, a Appointment, dir ProposalDirection, slot clinic.Slot, ctype *ConsultationType, message string, actor Actor, now time.Time) (Proposal, error) {
	if err := closePending(ctx, tx, a.ID, supersededMessage, now); err != nil {
		return Proposal{}, err
	}

	p := Proposal{
		ID:            uuid.New(),
		AppointmentID: a.ID,
		Direction:     dir,
		ProposedDate:  slot.Date,
		ProposedTime:  slot.Time,
		ProposedType:  ctype,
		Message:       cleanText(message),
		ProposedBy:    cleanText(actor.ID),
		Status:        ProposalPending,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.opts.ProposalTTL),
	}
	if err := tx.InsertProposal(ctx, p); err != nil {
		return Proposal{}, fmt.Errorf("open proposal: %w", err)
	}
	return p, nil
}

// closePending rejects every pending proposal of the appointment.
func closePending(ctx context.Context, tx Tx, appointmentID uuid.UUID, message string, now time.Time) error {
	pending, err := tx.PendingProposals(ctx, appointmentID)
	if err != nil {
		return fmt.Errorf("load pending proposals: %w", err)
	}
	for _, p := range pending {
		if err := resolve(&p, ProposalRejected, message, now); err != nil {
			return err
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return fmt.Errorf("close proposal %s: %w", p.ID, err)
		}
	}
	return nil
}

// resolve moves a pending proposal to outcome. Resolved proposals never
// change again; an accept past the expiry fails even if the sweep has not
// marked the proposal expired yet.
func resolve(p *Proposal, outcome ProposalStatus, message string, now time.Time) error {
	if p.Status != ProposalPending {
		return fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, ErrProposalClosed)
	}
	if outcome == ProposalAccepted && !now.Before(p.ExpiresAt) {
		return fmt.Errorf("proposal %s expired at %s: %w", p.ID, p.ExpiresAt.Format(time.RFC3339), ErrProposalClosed)
	}
	p.Status = outcome
	p.ResponseMessage = cleanText(message)
	p.RespondedAt = &now
	return nil
}

// loadProposal locks the proposal and checks it belongs to the appointment.
func loadProposal(ctx context.Context, tx Tx, a Appointment, proposalID uuid.UUID) (Proposal, error) {
	p, err := tx.LockProposal(ctx, proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if p.AppointmentID != a.ID {
		return Proposal{}, fmt.Errorf("proposal %s: %w", proposalID, ErrNotFound)
	}
	return p, nil
}

// checkCounterpart makes sure the actor answering a proposal is the other party.
func checkCounterpart(actor Actor, p Proposal) error {
	switch p.Direction {
	case AdminToPatient:
		if actor.Kind != ActorPatient {
			return fmt.Errorf("only the patient answers a clinic proposal: %w", ErrPermissionDenied)
		}
	case PatientToAdmin:
		if !actor.IsStaff() {
			return fmt.Errorf("only clinic staff answer a patient proposal: %w", ErrPermissionDenied)
		}
	}
	return nil
}

// ExpireProposals marks overdue pending proposals expired. Appointment
// statuses are left alone.
func (s *Service) ExpireProposals(ctx context.Context) (int, error) {
	var n int
	err := s.retry(ctx, "expire proposals", func(ctx context.Context) error {
		var err error
		n, err = s.store.ExpireProposals(ctx, s.clock())
		return err
	})
	return n, err
}
