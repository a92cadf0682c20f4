package api

import (
	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

type SlotRequest struct {
	Date   clinic.Date  `json:"date"`
	Time   clinic.Clock `json:"time"`
	Holder string       `json:"holder"`
}

type SlotsResponse struct {
	Date  clinic.Date    `json:"date"`
	Slots []clinic.Clock `json:"slots"`
}

type ProposalAnswerRequest struct {
	ProposalID uuid.UUID `json:"proposal_id"`
	Reason     string    `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

// AppointmentResponse adds display labels next to the raw enum values.
type AppointmentResponse struct {
	appointment.Appointment
	StatusLabel       string `json:"status_label"`
	ConsultationLabel string `json:"consultation_type_label"`
}

func toResponse(a appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		Appointment:       a,
		StatusLabel:       appointment.Label(appointment.StatusLabels, a.Status),
		ConsultationLabel: appointment.Label(appointment.ConsultationLabels, a.ConsultationType),
	}
}

type HistoryEntryResponse struct {
	appointment.HistoryEntry
	ActionLabel string `json:"action_label"`
	ActorLabel  string `json:"actor_label"`
}

type ProposalResponse struct {
	appointment.Proposal
	DirectionLabel string `json:"direction_label"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	Field     string `json:"field,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
