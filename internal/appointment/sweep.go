package appointment

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

const expiredUnansweredReason = "expired without response"

// CloseReport counts what ClosePast did.
type CloseReport struct {
	Completed int `json:"completed"`
	Cancelled int `json:"cancelled"`
	Failed    int `json:"failed"`
}

// unresolved statuses still waiting on somebody when their day has passed.
var unresolvedStatuses = []Status{
	StatusPending,
	StatusAwaitingPatientResponse,
	StatusAwaitingAdminResponse,
	StatusModificationPending,
}

// ClosePast settles appointments whose day is over: confirmed ones become
// completed, unresolved negotiations are cancelled. Each appointment is its
// own transaction; one failure does not stop the run.
func (s *Service) ClosePast(ctx context.Context) (CloseReport, error) {
	var report CloseReport
	actor := SystemActor("close-past")
	today := clinic.DateOf(s.now().In(s.schedule.Location))

	confirmed, err := s.pastAppointments(ctx, today, []Status{StatusConfirmed})
	if err != nil {
		return report, err
	}
	for _, id := range confirmed {
		if _, err := s.Complete(ctx, actor, id); err != nil {
			if skippable(err) {
				continue
			}
			report.Failed++
			s.log.Error().Err(err).Str("appointment_id", id.String()).Msg("complete past appointment")
			continue
		}
		report.Completed++
	}

	unresolved, err := s.pastAppointments(ctx, today, unresolvedStatuses)
	if err != nil {
		return report, err
	}
	for _, id := range unresolved {
		if _, err := s.Cancel(ctx, actor, id, expiredUnansweredReason); err != nil {
			if skippable(err) {
				continue
			}
			report.Failed++
			s.log.Error().Err(err).Str("appointment_id", id.String()).Msg("cancel past appointment")
			continue
		}
		report.Cancelled++
	}
	return report, nil
}

// remindable statuses get a reminder the day before.
var remindableStatuses = []Status{StatusPending, StatusConfirmed}

// errReminded means the appointment left the reminder set before its lock
// was taken.
var errReminded = errors.New("reminder no longer due")

// ReminderReport counts what SendReminders did.
type ReminderReport struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// SendReminders flags tomorrow's pending and confirmed appointments as
// reminded and emits one reminder_sent event each. An appointment is
// reminded at most once.
func (s *Service) SendReminders(ctx context.Context) (ReminderReport, error) {
	var report ReminderReport
	actor := SystemActor("reminders")
	tomorrow := clinic.DateOf(s.now().In(s.schedule.Location)).AddDays(1)

	var ids []uuid.UUID
	err := s.retry(ctx, "due reminders", func(ctx context.Context) error {
		var err error
		ids, err = s.store.DueReminders(ctx, tomorrow, remindableStatuses)
		return err
	})
	if err != nil {
		return report, err
	}

	for _, id := range ids {
		_, err := s.mutate(ctx, actor, id, "send reminder", func(ctx context.Context, tx Tx, a *Appointment, now time.Time) (historyNote, error) {
			if a.ReminderSentAt != nil || !slices.Contains(remindableStatuses, a.Status) {
				return historyNote{}, errReminded
			}
			setOnce(&a.ReminderSentAt, now)
			return historyNote{Action: ActionReminderSent}, nil
		})
		if err != nil {
			if errors.Is(err, errReminded) || skippable(err) {
				continue
			}
			report.Failed++
			s.log.Error().Err(err).Str("appointment_id", id.String()).Msg("send reminder")
			continue
		}
		report.Sent++
	}
	return report, nil
}

func (s *Service) pastAppointments(ctx context.Context, today clinic.Date, statuses []Status) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.retry(ctx, "past appointments", func(ctx context.Context) error {
		var err error
		ids, err = s.store.PastAppointments(ctx, today, statuses)
		return err
	})
	return ids, err
}

// skippable errors mean another actor moved the appointment first.
func skippable(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound)
}
