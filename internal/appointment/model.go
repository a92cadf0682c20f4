package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

type Status string

const (
	StatusPending                 Status = "pending"
	StatusConfirmed               Status = "confirmed"
	StatusRejected                Status = "rejected"
	StatusAwaitingPatientResponse Status = "awaiting_patient_response"
	StatusAwaitingAdminResponse   Status = "awaiting_admin_response"
	StatusRejectedByPatient       Status = "rejected_by_patient"
	StatusModificationPending     Status = "modification_pending"
	StatusCancelled               Status = "cancelled"
	StatusCompleted               Status = "completed"
	StatusNoShow                  Status = "no_show"
)

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusRejected,
	StatusAwaitingPatientResponse,
	StatusAwaitingAdminResponse,
	StatusRejectedByPatient,
	StatusModificationPending,
	StatusCancelled,
	StatusCompleted,
	StatusNoShow,
}

// ActiveStatuses occupy their (date, time) slot exclusively.
var ActiveStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusAwaitingPatientResponse,
	StatusAwaitingAdminResponse,
	StatusModificationPending,
}

func (s Status) Active() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s.Valid() && !s.Active()
}

func (s Status) Valid() bool {
	for _, a := range AllStatuses {
		if s == a {
			return true
		}
	}
	return false
}

type ConsultationType string

const (
	ConsultationGeneral     ConsultationType = "general"
	ConsultationSpecialized ConsultationType = "specialized"
	ConsultationFollowUp    ConsultationType = "follow_up"
	ConsultationEmergency   ConsultationType = "emergency"
)

func (c ConsultationType) Valid() bool {
	switch c {
	case ConsultationGeneral, ConsultationSpecialized, ConsultationFollowUp, ConsultationEmergency:
		return true
	}
	return false
}

type ActorKind string

const (
	ActorPatient ActorKind = "patient"
	ActorAdmin   ActorKind = "admin"
	ActorSystem  ActorKind = "system"
)

func (k ActorKind) Valid() bool {
	return k == ActorPatient || k == ActorAdmin || k == ActorSystem
}

// Actor identifies who requested a mutation plus request provenance.
type Actor struct {
	Kind      ActorKind
	ID        string
	Email     string
	IPAddress string
	UserAgent string
}

// SystemActor is used by background sweeps.
func SystemActor(name string) Actor {
	return Actor{Kind: ActorSystem, ID: name}
}

func (a Actor) IsStaff() bool {
	return a.Kind == ActorAdmin || a.Kind == ActorSystem
}

type Appointment struct {
	ID        uuid.UUID  `json:"id"`
	AccountID *uuid.UUID `json:"account_id,omitempty"`

	PatientFirstName string `json:"patient_first_name"`
	PatientLastName  string `json:"patient_last_name"`
	PatientEmail     string `json:"patient_email,omitempty"`
	PatientPhone     string `json:"patient_phone"`

	Date             clinic.Date      `json:"date"`
	Time             clinic.Clock     `json:"time"`
	ConsultationType ConsultationType `json:"consultation_type"`
	Reason           string           `json:"reason,omitempty"`

	Status Status `json:"status"`

	ProposedDate       *clinic.Date      `json:"proposed_date,omitempty"`
	ProposedTime       *clinic.Clock     `json:"proposed_time,omitempty"`
	ProposedType       *ConsultationType `json:"proposed_consultation_type,omitempty"`
	RejectionReason    string            `json:"rejection_reason,omitempty"`
	AdminMessage       string            `json:"admin_message,omitempty"`
	PatientMessage     string            `json:"patient_message,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	ProposalSentAt *time.Time `json:"proposal_sent_at,omitempty"`
	ReminderSentAt *time.Time `json:"reminder_sent_at,omitempty"`

	Version int `json:"version"`
}

func (a Appointment) Slot() clinic.Slot {
	return clinic.Slot{Date: a.Date, Time: a.Time}
}

func (a *Appointment) clearProposed() {
	a.ProposedDate = nil
	a.ProposedTime = nil
	a.ProposedType = nil
}

func (a *Appointment) setProposed(slot clinic.Slot, ctype *ConsultationType) {
	d, t := slot.Date, slot.Time
	a.ProposedDate = &d
	a.ProposedTime = &t
	a.ProposedType = ctype
}

type ProposalDirection string

const (
	AdminToPatient ProposalDirection = "admin_to_patient"
	PatientToAdmin ProposalDirection = "patient_to_admin"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
	ProposalExpired  ProposalStatus = "expired"
)

type Proposal struct {
	ID              uuid.UUID         `json:"id"`
	AppointmentID   uuid.UUID         `json:"appointment_id"`
	Direction       ProposalDirection `json:"direction"`
	ProposedDate    clinic.Date       `json:"proposed_date"`
	ProposedTime    clinic.Clock      `json:"proposed_time"`
	ProposedType    *ConsultationType `json:"proposed_consultation_type,omitempty"`
	Message         string            `json:"message,omitempty"`
	ProposedBy      string            `json:"proposed_by"`
	Status          ProposalStatus    `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	ExpiresAt       time.Time         `json:"expires_at"`
	ResponseMessage string            `json:"response_message,omitempty"`
	RespondedAt     *time.Time        `json:"responded_at,omitempty"`
}

func (p Proposal) Slot() clinic.Slot {
	return clinic.Slot{Date: p.ProposedDate, Time: p.ProposedTime}
}

type Action string

const (
	ActionCreated              Action = "created"
	ActionConfirmed            Action = "confirmed"
	ActionRejected             Action = "rejected"
	ActionProposalSent         Action = "proposal_sent"
	ActionProposalAccepted     Action = "proposal_accepted"
	ActionProposalRejected     Action = "proposal_rejected"
	ActionCounterProposed      Action = "counter_proposed"
	ActionModified             Action = "modified"
	ActionModificationAccepted Action = "modification_accepted"
	ActionModificationRejected Action = "modification_rejected"
	ActionCancelled            Action = "cancelled"
	ActionCompleted            Action = "completed"
	ActionNoShow               Action = "no_show"
	ActionReminderSent         Action = "reminder_sent"
)

// FieldChange holds the before and after value of one tracked field.
// A nil pointer means the field was empty.
type FieldChange struct {
	Old *string `json:"old"`
	New *string `json:"new"`
}

type HistoryEntry struct {
	ID            uuid.UUID              `json:"id"`
	AppointmentID uuid.UUID              `json:"appointment_id"`
	Seq           int                    `json:"seq"`
	Action        Action                 `json:"action"`
	ActorID       string                 `json:"actor_id,omitempty"`
	ActorKind     ActorKind              `json:"actor_kind"`
	Changes       map[string]FieldChange `json:"changes"`
	Message       string                 `json:"message,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
	IPAddress     string                 `json:"ip_address,omitempty"`
	UserAgent     string                 `json:"user_agent,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	PrevHash      string                 `json:"prev_hash"`
	Hash          string                 `json:"hash"`
}
