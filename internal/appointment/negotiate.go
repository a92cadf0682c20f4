package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

type CreateInput struct {
	AccountID        *uuid.UUID       `json:"account_id"`
	PatientFirstName string           `json:"patient_first_name" validate:"required,max=100"`
	PatientLastName  string           `json:"patient_last_name" validate:"required,max=100"`
	PatientEmail     string           `json:"patient_email" validate:"omitempty,email,max=254"`
	PatientPhone     string           `json:"patient_phone" validate:"required,phone_cg"`
	Date             clinic.Date      `json:"date"`
	Time             clinic.Clock     `json:"time"`
	ConsultationType ConsultationType `json:"consultation_type" validate:"required,consultation"`
	Reason           string           `json:"reason" validate:"max=2000"`
	// LockHolder is the token returned by HoldSlot, if the client took one.
	LockHolder string `json:"lock_holder"`
}

type RespondAction string

const (
	RespondAccept  RespondAction = "accept"
	RespondReject  RespondAction = "reject"
	RespondPropose RespondAction = "propose"
)

type RespondInput struct {
	Action           RespondAction     `json:"action"`
	RejectionReason  string            `json:"rejection_reason"`
	Message          string            `json:"message"`
	Date             *clinic.Date      `json:"proposed_date"`
	Time             *clinic.Clock     `json:"proposed_time"`
	ConsultationType *ConsultationType `json:"proposed_consultation_type"`
}

type SlotInput struct {
	Date    clinic.Date  `json:"date"`
	Time    clinic.Clock `json:"time"`
	Message string       `json:"message"`
}

// Create books a new appointment in pending. The slot check, the insert and
// the created history entry commit together; a concurrent create of the same
// slot gets ErrSlotConflict.
func (s *Service) Create(ctx context.Context, actor Actor, in CreateInput) (Appointment, error) {
	if err := checkActor(actor); err != nil {
		return Appointment{}, err
	}
	if err := validateStruct(in); err != nil {
		return Appointment{}, err
	}
	phone, _ := NormalizePhone(in.PatientPhone)
	slot := clinic.Slot{Date: in.Date, Time: in.Time}
	if err := s.checkSlotTime(slot, s.clock(), "date", "time"); err != nil {
		return Appointment{}, err
	}

	if err := s.checkHold(ctx, slot, in.LockHolder); err != nil {
		return Appointment{}, err
	}

	accountID := in.AccountID
	if actor.Kind == ActorPatient {
		if id, err := uuid.Parse(actor.ID); err == nil {
			accountID = &id
		}
	}

	var created Appointment
	err := s.withTx(ctx, "create appointment", func(ctx context.Context, tx Tx) error {
		taken, err := tx.SlotTaken(ctx, slot, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%s: %w", slot, ErrSlotConflict)
		}

		now := s.clock()
		a := Appointment{
			ID:               uuid.New(),
			AccountID:        accountID,
			PatientFirstName: strings.TrimSpace(in.PatientFirstName),
			PatientLastName:  strings.TrimSpace(in.PatientLastName),
			PatientEmail:     strings.TrimSpace(in.PatientEmail),
			PatientPhone:     phone,
			Date:             in.Date,
			Time:             in.Time,
			ConsultationType: in.ConsultationType,
			Reason:           strings.TrimSpace(in.Reason),
			Status:           StatusPending,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		a.clean()
		if err := tx.InsertAppointment(ctx, &a); err != nil {
			return err
		}
		if _, err := recordHistory(ctx, tx, Appointment{ID: a.ID}, a, historyNote{Action: ActionCreated, Message: a.Reason}, actor, now); err != nil {
			return err
		}
		created = a
		return nil
	})
	if err != nil {
		return Appointment{}, err
	}

	if in.LockHolder != "" {
		if err := s.locker.Release(ctx, slot, in.LockHolder); err != nil {
			s.log.Warn().Err(err).Str("slot", slot.String()).Msg("release slot lock after booking")
		}
	}
	s.emit(ctx, "", created, ActionCreated, actor)
	return created, nil
}

// checkHold rejects early when someone else holds the slot lock. Lock store
// failures are logged and ignored; the store's uniqueness check decides.
func (s *Service) checkHold(ctx context.Context, slot clinic.Slot, holder string) error {
	lock, held, err := s.locker.Holder(ctx, slot)
	if err != nil {
		s.log.Warn().Err(err).Str("slot", slot.String()).Msg("slot lock lookup failed")
		return nil
	}
	if held && lock.Holder != holder {
		return fmt.Errorf("%s is being booked by someone else: %w", slot, ErrSlotConflict)
	}
	return nil
}

// Respond is the clinic's answer to a pending request: accept it, reject it
// with a reason, or propose another slot.
func (s *Service) Respond(ctx context.Context, actor Actor, id uuid.UUID, in RespondInput) (Appointment, error) {
	if err := requireStaff(actor, "respond"); err != nil {
		return Appointment{}, err
	}

	switch in.Action {
	case RespondAccept:
		return s.mutate(ctx, actor, id, "respond accept", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
			if err := requirePending(actor, a, StatusConfirmed); err != nil {
				return historyNote{}, err
			}
			a.Status = StatusConfirmed
			setOnce(&a.ConfirmedAt, now)
			a.RespondedAt = &now
			if msg := strings.TrimSpace(in.Message); msg != "" {
				a.AdminMessage = msg
			}
			return historyNote{Action: ActionConfirmed, Message: in.Message}, nil
		})

	case RespondReject:
		reason := strings.TrimSpace(in.RejectionReason)
		if reason == "" {
			return Appointment{}, invalid("rejection_reason", "is required")
		}
		return s.mutate(ctx, actor, id, "respond reject", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
			if err := requirePending(actor, a, StatusRejected); err != nil {
				return historyNote{}, err
			}
			a.Status = StatusRejected
			a.RejectionReason = reason
			a.AdminMessage = strings.TrimSpace(in.Message)
			a.RespondedAt = &now
			return historyNote{Action: ActionRejected, Message: in.Message, Reason: reason}, nil
		})

	case RespondPropose:
		if in.Date == nil || in.Time == nil {
			return Appointment{}, invalid("proposed_date", "proposed date and time are required")
		}
		if in.ConsultationType != nil && !in.ConsultationType.Valid() {
			return Appointment{}, invalid("proposed_consultation_type", "must be one of general, specialized, follow_up, emergency")
		}
		slot := clinic.Slot{Date: *in.Date, Time: *in.Time}
		if err := s.checkSlotTime(slot, s.clock(), "proposed_date", "proposed_time"); err != nil {
			return Appointment{}, err
		}
		return s.mutate(ctx, actor, id, "respond propose", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
			if err := requirePending(actor, a, StatusAwaitingPatientResponse); err != nil {
				return historyNote{}, err
			}
			if err := s.checkAlternative(ctx, tx, *a, slot); err != nil {
				return historyNote{}, err
			}
			msg := strings.TrimSpace(in.Message)
			if _, err := s.openProposal(ctx, tx, *a, AdminToPatient, slot, in.ConsultationType, msg, actor, now); err != nil {
				return historyNote{}, err
			}
			a.Status = StatusAwaitingPatientResponse
			a.setProposed(slot, in.ConsultationType)
			a.AdminMessage = msg
			a.ProposalSentAt = &now
			return historyNote{Action: ActionProposalSent, Message: msg}, nil
		})
	}
	return Appointment{}, invalid("action", "must be one of accept, reject, propose")
}

// Repropose lets staff answer a patient's counter-proposal with yet another slot.
func (s *Service) Repropose(ctx context.Context, actor Actor, id uuid.UUID, in SlotInput) (Appointment, error) {
	if err := requireStaff(actor, "repropose"); err != nil {
		return Appointment{}, err
	}
	slot := clinic.Slot{Date: in.Date, Time: in.Time}
	if err := s.checkSlotTime(slot, s.clock(), "date", "time"); err != nil {
		return Appointment{}, err
	}
	return s.mutate(ctx, actor, id, "repropose", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		if a.Status != StatusAwaitingAdminResponse {
			return historyNote{}, &TransitionError{Actor: actor.Kind, From: a.Status, To: StatusAwaitingPatientResponse,
				Reason: "a new proposal answers a patient counter-proposal"}
		}
		if err := checkTransition(actor.Kind, a.Status, StatusAwaitingPatientResponse); err != nil {
			return historyNote{}, err
		}
		if err := s.checkAlternative(ctx, tx, *a, slot); err != nil {
			return historyNote{}, err
		}
		msg := strings.TrimSpace(in.Message)
		if _, err := s.openProposal(ctx, tx, *a, AdminToPatient, slot, nil, msg, actor, now); err != nil {
			return historyNote{}, err
		}
		a.Status = StatusAwaitingPatientResponse
		a.setProposed(slot, nil)
		a.AdminMessage = msg
		a.ProposalSentAt = &now
		return historyNote{Action: ActionProposalSent, Message: msg}, nil
	})
}

// AcceptProposal applies a pending proposal: the appointment moves to the
// proposed slot and becomes confirmed.
func (s *Service) AcceptProposal(ctx context.Context, actor Actor, id, proposalID uuid.UUID) (Appointment, error) {
	return s.mutate(ctx, actor, id, "accept proposal", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		p, err := loadProposal(ctx, tx, *a, proposalID)
		if err != nil {
			return historyNote{}, err
		}
		if p.Status != ProposalPending {
			return historyNote{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, ErrProposalClosed)
		}
		if err := checkCounterpart(actor, p); err != nil {
			return historyNote{}, err
		}
		if !awaitingAnswer(a.Status) {
			return historyNote{}, &TransitionError{Actor: actor.Kind, From: a.Status, To: StatusConfirmed,
				Reason: "no proposal is awaiting an answer"}
		}
		if err := checkTransition(actor.Kind, a.Status, StatusConfirmed); err != nil {
			return historyNote{}, err
		}
		if err := resolve(&p, ProposalAccepted, "", now); err != nil {
			return historyNote{}, err
		}
		slot := p.Slot()
		if !slot.Start(s.schedule.Location).After(now) {
			return historyNote{}, invalid("proposed_date", "the proposed slot has already passed")
		}
		if slot != a.Slot() {
			taken, err := tx.SlotTaken(ctx, slot, a.ID)
			if err != nil {
				return historyNote{}, err
			}
			if taken {
				return historyNote{}, fmt.Errorf("%s: %w", slot, ErrSlotConflict)
			}
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return historyNote{}, err
		}

		action := ActionProposalAccepted
		if a.Status == StatusModificationPending {
			action = ActionModificationAccepted
		}
		a.Date, a.Time = slot.Date, slot.Time
		if p.ProposedType != nil {
			a.ConsultationType = *p.ProposedType
		}
		a.clearProposed()
		a.Status = StatusConfirmed
		setOnce(&a.ConfirmedAt, now)
		a.RespondedAt = &now
		return historyNote{Action: action}, nil
	})
}

// RejectProposal declines a pending proposal. What happens to the
// appointment depends on who proposed:
//   - patient declining the clinic's slot: rejected_by_patient
//   - staff declining a counter-proposal: rejected
//   - staff declining a modification request: back to confirmed on the
//     original slot
func (s *Service) RejectProposal(ctx context.Context, actor Actor, id, proposalID uuid.UUID, reason string) (Appointment, error) {
	reason = strings.TrimSpace(reason)
	if actor.IsStaff() && reason == "" {
		return Appointment{}, invalid("reason", "is required")
	}
	return s.mutate(ctx, actor, id, "reject proposal", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		p, err := loadProposal(ctx, tx, *a, proposalID)
		if err != nil {
			return historyNote{}, err
		}
		if p.Status != ProposalPending {
			return historyNote{}, fmt.Errorf("proposal %s is %s: %w", p.ID, p.Status, ErrProposalClosed)
		}
		if err := checkCounterpart(actor, p); err != nil {
			return historyNote{}, err
		}

		var to Status
		action := ActionProposalRejected
		switch {
		case p.Direction == AdminToPatient:
			to = StatusRejectedByPatient
		case a.Status == StatusModificationPending:
			to = StatusConfirmed
			action = ActionModificationRejected
		default:
			to = StatusRejected
		}
		if !awaitingAnswer(a.Status) {
			return historyNote{}, &TransitionError{Actor: actor.Kind, From: a.Status, To: to,
				Reason: "no proposal is awaiting an answer"}
		}
		if err := checkTransition(actor.Kind, a.Status, to); err != nil {
			return historyNote{}, err
		}
		if err := resolve(&p, ProposalRejected, reason, now); err != nil {
			return historyNote{}, err
		}
		if err := tx.UpdateProposal(ctx, p); err != nil {
			return historyNote{}, err
		}

		switch to {
		case StatusRejectedByPatient:
			a.PatientMessage = reason
		case StatusRejected:
			a.RejectionReason = reason
			a.AdminMessage = reason
		case StatusConfirmed:
			a.AdminMessage = reason
		}
		a.clearProposed()
		a.Status = to
		a.RespondedAt = &now
		return historyNote{Action: action, Reason: reason}, nil
	})
}

// CounterPropose answers the clinic's proposal with the patient's own slot.
func (s *Service) CounterPropose(ctx context.Context, actor Actor, id uuid.UUID, in SlotInput) (Appointment, error) {
	if err := requirePatient(actor, "counter-propose"); err != nil {
		return Appointment{}, err
	}
	slot := clinic.Slot{Date: in.Date, Time: in.Time}
	if err := s.checkSlotTime(slot, s.clock(), "date", "time"); err != nil {
		return Appointment{}, err
	}
	return s.mutate(ctx, actor, id, "counter-propose", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		if err := checkTransition(actor.Kind, a.Status, StatusAwaitingAdminResponse); err != nil {
			return historyNote{}, err
		}
		if err := s.checkAlternative(ctx, tx, *a, slot); err != nil {
			return historyNote{}, err
		}
		msg := strings.TrimSpace(in.Message)
		if _, err := s.openProposal(ctx, tx, *a, PatientToAdmin, slot, nil, msg, actor, now); err != nil {
			return historyNote{}, err
		}
		a.Status = StatusAwaitingAdminResponse
		a.setProposed(slot, nil)
		a.PatientMessage = msg
		a.ProposalSentAt = &now
		return historyNote{Action: ActionCounterProposed, Message: msg}, nil
	})
}

// Modify asks the clinic to move a confirmed appointment. Only allowed with
// more than CancelNotice before the current slot.
func (s *Service) Modify(ctx context.Context, actor Actor, id uuid.UUID, in SlotInput) (Appointment, error) {
	if err := requirePatient(actor, "modify"); err != nil {
		return Appointment{}, err
	}
	slot := clinic.Slot{Date: in.Date, Time: in.Time}
	if err := s.checkSlotTime(slot, s.clock(), "date", "time"); err != nil {
		return Appointment{}, err
	}
	return s.mutate(ctx, actor, id, "modify", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		if err := checkTransition(actor.Kind, a.Status, StatusModificationPending); err != nil {
			return historyNote{}, err
		}
		if err := s.checkNotice(*a, now); err != nil {
			return historyNote{}, err
		}
		if err := s.checkAlternative(ctx, tx, *a, slot); err != nil {
			return historyNote{}, err
		}
		reason := strings.TrimSpace(in.Message)
		if _, err := s.openProposal(ctx, tx, *a, PatientToAdmin, slot, nil, reason, actor, now); err != nil {
			return historyNote{}, err
		}
		a.Status = StatusModificationPending
		a.setProposed(slot, nil)
		a.PatientMessage = reason
		a.ProposalSentAt = &now
		return historyNote{Action: ActionModified, Reason: reason}, nil
	})
}

// Cancel ends the appointment. Staff may cancel anything not yet terminal;
// the patient only a confirmed appointment with enough notice.
func (s *Service) Cancel(ctx context.Context, actor Actor, id uuid.UUID, reason string) (Appointment, error) {
	reason = strings.TrimSpace(reason)
	return s.mutate(ctx, actor, id, "cancel", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		if actor.Kind == ActorPatient {
			if a.Status != StatusConfirmed {
				return historyNote{}, &TransitionError{Actor: actor.Kind, From: a.Status, To: StatusCancelled,
					Reason: "patients can only cancel confirmed appointments"}
			}
			if err := s.checkNotice(*a, now); err != nil {
				return historyNote{}, err
			}
		}
		if err := checkTransition(actor.Kind, a.Status, StatusCancelled); err != nil {
			return historyNote{}, err
		}
		if err := closePending(ctx, tx, a.ID, "appointment cancelled", now); err != nil {
			return historyNote{}, err
		}
		a.Status = StatusCancelled
		a.CancellationReason = reason
		a.clearProposed()
		setOnce(&a.CancelledAt, now)
		return historyNote{Action: ActionCancelled, Reason: reason}, nil
	})
}

// Complete records that a confirmed appointment took place.
func (s *Service) Complete(ctx context.Context, actor Actor, id uuid.UUID) (Appointment, error) {
	return s.finish(ctx, actor, id, StatusCompleted, ActionCompleted)
}

// MarkNoShow records that the patient did not come.
func (s *Service) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (Appointment, error) {
	return s.finish(ctx, actor, id, StatusNoShow, ActionNoShow)
}

func (s *Service) finish(ctx context.Context, actor Actor, id uuid.UUID, to Status, action Action) (Appointment, error) {
	if err := requireStaff(actor, string(action)); err != nil {
		return Appointment{}, err
	}
	return s.mutate(ctx, actor, id, string(action), func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
		if err := checkTransition(actor.Kind, a.Status, to); err != nil {
			return historyNote{}, err
		}
		a.Status = to
		return historyNote{Action: action}, nil
	})
}

// checkAlternative validates a proposed slot against the current one and
// against other active appointments.
func (s *Service) checkAlternative(ctx context.Context, tx Tx, a Appointment, slot clinic.Slot) error {
	if slot == a.Slot() {
		return invalid("date", "the proposed slot is the current slot")
	}
	taken, err := tx.SlotTaken(ctx, slot, a.ID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%s: %w", slot, ErrSlotConflict)
	}
	return nil
}

func requirePending(actor Actor, a *Appointment, to Status) error {
	if a.Status != StatusPending {
		return &TransitionError{Actor: actor.Kind, From: a.Status, To: to, Reason: "respond requires a pending appointment"}
	}
	return checkTransition(actor.Kind, a.Status, to)
}

func awaitingAnswer(st Status) bool {
	return st == StatusAwaitingPatientResponse || st == StatusAwaitingAdminResponse || st == StatusModificationPending
}

func setOnce(field **time.Time, now time.Time) {
	if *field == nil {
		t := now
		*field = &t
	}
}

// IsRetryable reports whether err is a transient datastore failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
