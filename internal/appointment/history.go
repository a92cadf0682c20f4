package appointment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// trackedFields are the appointment fields whose changes are audited.
var trackedFields = []string{
	"patient_first_name",
	"patient_last_name",
	"patient_email",
	"patient_phone",
	"date",
	"time",
	"consultation_type",
	"status",
	"rejection_reason",
	"admin_message",
	"patient_message",
	"cancellation_reason",
	"proposed_date",
	"proposed_time",
	"proposed_consultation_type",
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stringerOrNil[T fmt.Stringer](v *T) *string {
	if v == nil {
		return nil
	}
	return strOrNil((*v).String())
}

// snapshot renders the tracked fields of a. Empty values are nil.
func snapshot(a Appointment) map[string]*string {
	var date, clock *string
	if !a.Date.IsZero() {
		date = strOrNil(a.Date.String())
		clock = strOrNil(a.Time.String())
	}
	var ptype *string
	if a.ProposedType != nil {
		ptype = strOrNil(string(*a.ProposedType))
	}
	return map[string]*string{
		"patient_first_name":         strOrNil(a.PatientFirstName),
		"patient_last_name":          strOrNil(a.PatientLastName),
		"patient_email":              strOrNil(a.PatientEmail),
		"patient_phone":              strOrNil(a.PatientPhone),
		"date":                       date,
		"time":                       clock,
		"consultation_type":          strOrNil(string(a.ConsultationType)),
		"status":                     strOrNil(string(a.Status)),
		"rejection_reason":           strOrNil(a.RejectionReason),
		"admin_message":              strOrNil(a.AdminMessage),
		"patient_message":            strOrNil(a.PatientMessage),
		"cancellation_reason":        strOrNil(a.CancellationReason),
		"proposed_date":              stringerOrNil(a.ProposedDate),
		"proposed_time":              stringerOrNil(a.ProposedTime),
		"proposed_consultation_type": ptype,
	}
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// diff returns only the tracked fields that differ between before and after.
func diff(before, after Appointment) map[string]FieldChange {
	old, cur := snapshot(before), snapshot(after)
	changes := make(map[string]FieldChange)
	for _, f := range trackedFields {
		if !sameValue(old[f], cur[f]) {
			changes[f] = FieldChange{Old: old[f], New: cur[f]}
		}
	}
	return changes
}

type historyNote struct {
	Action  Action
	Message string
	Reason  string
}

// recordHistory appends one hash-chained entry describing before -> after.
// It must run inside the same transaction as the appointment write.
func recordHistory(ctx context.Context, tx Tx, before, after Appointment, note historyNote, actor Actor, now time.Time) (HistoryEntry, error) {
	lastSeq, lastHash, err := tx.LastHistory(ctx, after.ID)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("load history head: %w", err)
	}

	entry := HistoryEntry{
		ID:            uuid.New(),
		AppointmentID: after.ID,
		Seq:           lastSeq + 1,
		Action:        note.Action,
		ActorID:       cleanText(actor.ID),
		ActorKind:     actor.Kind,
		Changes:       diff(before, after),
		Message:       cleanText(note.Message),
		Reason:        cleanText(note.Reason),
		IPAddress:     cleanText(actor.IPAddress),
		UserAgent:     cleanText(actor.UserAgent),
		CreatedAt:     now,
		PrevHash:      lastHash,
	}
	entry.Hash, err = entryHash(entry)
	if err != nil {
		return HistoryEntry{}, err
	}

	if err := tx.InsertHistory(ctx, entry); err != nil {
		return HistoryEntry{}, fmt.Errorf("insert history: %w", err)
	}
	return entry, nil
}

type hashedEntry struct {
	ID            string                 `json:"id"`
	AppointmentID string                 `json:"appointment_id"`
	Seq           int                    `json:"seq"`
	Action        Action                 `json:"action"`
	ActorID       string                 `json:"actor_id"`
	ActorKind     ActorKind              `json:"actor_kind"`
	Changes       map[string]FieldChange `json:"changes"`
	Message       string                 `json:"message"`
	Reason        string                 `json:"reason"`
	IPAddress     string                 `json:"ip_address"`
	UserAgent     string                 `json:"user_agent"`
	CreatedAt     string                 `json:"created_at"`
}

// entryHash is sha256(prev_hash || canonical json of the entry body).
func entryHash(e HistoryEntry) (string, error) {
	changes := e.Changes
	if changes == nil {
		changes = map[string]FieldChange{}
	}
	body, err := json.Marshal(hashedEntry{
		ID:            e.ID.String(),
		AppointmentID: e.AppointmentID.String(),
		Seq:           e.Seq,
		Action:        e.Action,
		ActorID:       e.ActorID,
		ActorKind:     e.ActorKind,
		Changes:       changes,
		Message:       e.Message,
		Reason:        e.Reason,
		IPAddress:     e.IPAddress,
		UserAgent:     e.UserAgent,
		CreatedAt:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("encode history entry: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChainReport is the outcome of verifying an appointment's history chain.
type ChainReport struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Entries       int       `json:"entries"`
	Valid         bool      `json:"valid"`
	BrokenAtSeq   int       `json:"broken_at_seq,omitempty"`
}

// verifyChain checks sequence continuity, prev-hash links and entry hashes.
// entries must be ordered by Seq.
func verifyChain(id uuid.UUID, entries []HistoryEntry) ChainReport {
	report := ChainReport{AppointmentID: id, Entries: len(entries), Valid: true}
	prev := ""
	for i, e := range entries {
		hash, err := entryHash(e)
		if err != nil || e.Seq != i+1 || e.PrevHash != prev || hash != e.Hash {
			report.Valid = false
			report.BrokenAtSeq = e.Seq
			return report
		}
		prev = e.Hash
	}
	return report
}
