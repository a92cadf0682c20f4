package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
)

const (
	headerActorKind  = "X-Actor-Kind"
	headerActorID    = "X-Actor-ID"
	headerActorEmail = "X-Actor-Email"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("could not parse JSON: %w", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID", name)
	}
	return id, nil
}

// actorFrom reads the identity forwarded by the auth gateway.
func actorFrom(r *http.Request) (appointment.Actor, error) {
	kind := appointment.ActorKind(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorKind))))
	if !kind.Valid() {
		return appointment.Actor{}, fmt.Errorf("%s must be patient, admin or system", headerActorKind)
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return appointment.Actor{
		Kind:      kind,
		ID:        strings.TrimSpace(r.Header.Get(headerActorID)),
		Email:     strings.TrimSpace(r.Header.Get(headerActorEmail)),
		IPAddress: ip,
		UserAgent: r.UserAgent(),
	}, nil
}

// writeServiceError maps service errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_failed", Details: verr.Message, Field: verr.Field})
	case errors.Is(err, appointment.ErrSlotConflict):
		if h.metrics != nil {
			h.metrics.SlotConflicts.Inc()
		}
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrProposalClosed):
		writeError(w, http.StatusConflict, "proposal_closed", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, "permission_denied", err.Error())
	case errors.Is(err, appointment.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Details: "datastore temporarily unavailable", Retryable: true})
	default:
		h.log.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("unhandled service error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
