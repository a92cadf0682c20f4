package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/clinic"
	"github.com/hackgods/appointment-negotiation/internal/metrics"
)

type Handler struct {
	svc     *appointment.Service
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewHandler(svc *appointment.Service, m *metrics.Metrics, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, metrics: m, log: log}
}

// appointmentCall is the shared shape of the /appointments/{id} routes that
// answer with the appointment.
type appointmentCall func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error)

func (h *Handler) onAppointment(fn appointmentCall) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := actorFrom(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing_actor", err.Error())
			return
		}
		id, err := pathID(r, "id")
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", err.Error())
			return
		}
		a, err := fn(r, actor, id)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toResponse(a))
	}
}

func decodeInto(r *http.Request, v any) error {
	if err := decode(r, v); err != nil {
		return &appointment.ValidationError{Field: "body", Message: err.Error()}
	}
	return nil
}

func (h *Handler) Slots(w http.ResponseWriter, r *http.Request) {
	date, err := clinic.ParseDate(r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date", "date must be YYYY-MM-DD")
		return
	}
	slots, err := h.svc.AvailableSlots(r.Context(), date)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SlotsResponse{Date: date, Slots: slots})
}

func (h *Handler) HoldSlot(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_actor", err.Error())
		return
	}
	var req SlotRequest
	if err := decodeInto(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	lock, err := h.svc.HoldSlot(r.Context(), actor, clinic.Slot{Date: req.Date, Time: req.Time}, req.Holder)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

func (h *Handler) ReleaseSlot(w http.ResponseWriter, r *http.Request) {
	var req SlotRequest
	if err := decodeInto(r, &req); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := h.svc.ReleaseSlot(r.Context(), clinic.Slot{Date: req.Date, Time: req.Time}, req.Holder); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_actor", err.Error())
		return
	}
	var in appointment.CreateInput
	if err := decodeInto(r, &in); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	a, err := h.svc.Create(r.Context(), actor, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(a))
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		return h.svc.Get(r.Context(), actor, id)
	})(w, r)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	entries, err := h.svc.History(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]HistoryEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = HistoryEntryResponse{
			HistoryEntry: e,
			ActionLabel:  appointment.Label(appointment.ActionLabels, e.Action),
			ActorLabel:   appointment.Label(appointment.ActorLabels, e.ActorKind),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) VerifyHistory(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	report, err := h.svc.VerifyHistory(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) Proposals(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	proposals, err := h.svc.Proposals(r.Context(), actor, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	out := make([]ProposalResponse, len(proposals))
	for i, p := range proposals {
		out[i] = ProposalResponse{Proposal: p, DirectionLabel: appointment.Label(appointment.DirectionLabels, p.Direction)}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (appointment.Actor, uuid.UUID, bool) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing_actor", err.Error())
		return appointment.Actor{}, uuid.Nil, false
	}
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", err.Error())
		return appointment.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

func (h *Handler) Respond() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var in appointment.RespondInput
		if err := decodeInto(r, &in); err != nil {
			return appointment.Appointment{}, err
		}
		return h.svc.Respond(r.Context(), actor, id, in)
	})
}

func (h *Handler) Repropose() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var in appointment.SlotInput
		if err := decodeInto(r, &in); err != nil {
			return appointment.Appointment{}, err
		}
		return h.svc.Repropose(r.Context(), actor, id, in)
	})
}

func (h *Handler) Accept() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var req ProposalAnswerRequest
		if err := decodeInto(r, &req); err != nil {
			return appointment.Appointment{}, err
		}
		return h.svc.AcceptProposal(r.Context(), actor, id, req.ProposalID)
	})
}

func (h *Handler) Reject() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var req ProposalAnswerRequest
		if err := decodeInto(r, &req); err != nil {
			return appointment.Appointment{}, err
		}
		return h.svc.RejectProposal(r.Context(), actor, id, req.ProposalID, req.Reason)
	})
}

func (h *Handler) CounterPropose() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var in appointment.SlotInput
		if err := decodeInto(r, &in); err != nil {
			return appointment.Appointment{}, err
		}
		return h.svc.CounterPropose(r.Context(), actor, id, in)
	})
}

func (h *Handler) Modify() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var in appointment.SlotInput
		if err := decodeInto(r, &in); err != nil {
			return appointment.Appointment{}, err
		}
		return h.svc.Modify(r.Context(), actor, id, in)
	})
}

func (h *Handler) Cancel() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		var req CancelRequest
		if r.ContentLength != 0 {
			if err := decodeInto(r, &req); err != nil {
				return appointment.Appointment{}, err
			}
		}
		return h.svc.Cancel(r.Context(), actor, id, req.Reason)
	})
}

func (h *Handler) Complete() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		return h.svc.Complete(r.Context(), actor, id)
	})
}

func (h *Handler) NoShow() http.HandlerFunc {
	return h.onAppointment(func(r *http.Request, actor appointment.Actor, id uuid.UUID) (appointment.Appointment, error) {
		return h.svc.MarkNoShow(r.Context(), actor, id)
	})
}
