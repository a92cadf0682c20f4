package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/appointment-negotiation/internal/clinic"
)

const activeSlotIndex = "appointments_active_slot_idx"

// PgStore persists appointments in PostgreSQL. Mutations run under READ
// COMMITTED with the appointment row locked FOR UPDATE; the partial unique
// index on (date, time) is the final word on slot conflicts.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// mapPgError converts driver errors into the package's error kinds.
func mapPgError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			if pgErr.ConstraintName == activeSlotIndex {
				return fmt.Errorf("%s: %w", op, ErrSlotConflict)
			}
		case "22021", "22P05":
			return &ValidationError{Field: pgErr.ColumnName, Message: "contains characters that cannot be stored"}
		case "40001", "40P01", "57014":
			return fmt.Errorf("%s: %w", op, unavailable(err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &connErr) {
		return fmt.Errorf("%s: %w", op, unavailable(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func activeStatusValues() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

func statusValues(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Helpers

const appointmentColumns = `
	id, account_id, patient_first_name, patient_last_name, patient_email, patient_phone,
	to_char(date, 'YYYY-MM-DD'), to_char(time, 'HH24:MI'), consultation_type, reason, status,
	to_char(proposed_date, 'YYYY-MM-DD'), to_char(proposed_time, 'HH24:MI'), proposed_type,
	rejection_reason, admin_message, patient_message, cancellation_reason,
	created_at, updated_at, confirmed_at, cancelled_at, responded_at, proposal_sent_at, reminder_sent_at, version`

func scanAppointment(row pgx.Row) (Appointment, error) {
	var a Appointment
	var date, clock string
	var pDate, pClock, pType *string

	err := row.Scan(
		&a.ID,
		&a.AccountID,
		&a.PatientFirstName,
		&a.PatientLastName,
		&a.PatientEmail,
		&a.PatientPhone,
		&date,
		&clock,
		&a.ConsultationType,
		&a.Reason,
		&a.Status,
		&pDate,
		&pClock,
		&pType,
		&a.RejectionReason,
		&a.AdminMessage,
		&a.PatientMessage,
		&a.CancellationReason,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ConfirmedAt,
		&a.CancelledAt,
		&a.RespondedAt,
		&a.ProposalSentAt,
		&a.ReminderSentAt,
		&a.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Appointment{}, ErrNotFound
		}
		return Appointment{}, err
	}

	slot, err := clinic.ParseSlot(date, clock)
	if err != nil {
		return Appointment{}, err
	}
	a.Date, a.Time = slot.Date, slot.Time

	if pDate != nil && pClock != nil {
		proposed, err := clinic.ParseSlot(*pDate, *pClock)
		if err != nil {
			return Appointment{}, err
		}
		var ptype *ConsultationType
		if pType != nil {
			t := ConsultationType(*pType)
			ptype = &t
		}
		a.setProposed(proposed, ptype)
	}
	return a, nil
}

const proposalColumns = `
	id, appointment_id, direction, to_char(proposed_date, 'YYYY-MM-DD'), to_char(proposed_time, 'HH24:MI'),
	proposed_type, message, proposed_by, status, created_at, expires_at, response_message, responded_at`

func scanProposal(row pgx.Row) (Proposal, error) {
	var p Proposal
	var date, clock string
	var pType *string

	err := row.Scan(
		&p.ID,
		&p.AppointmentID,
		&p.Direction,
		&date,
		&clock,
		&pType,
		&p.Message,
		&p.ProposedBy,
		&p.Status,
		&p.CreatedAt,
		&p.ExpiresAt,
		&p.ResponseMessage,
		&p.RespondedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proposal{}, ErrNotFound
		}
		return Proposal{}, err
	}

	slot, err := clinic.ParseSlot(date, clock)
	if err != nil {
		return Proposal{}, err
	}
	p.ProposedDate, p.ProposedTime = slot.Date, slot.Time
	if pType != nil {
		t := ConsultationType(*pType)
		p.ProposedType = &t
	}
	return p, nil
}

const historyColumns = `
	id, appointment_id, seq, action, actor_id, actor_kind, changes, message, reason,
	ip_address, user_agent, created_at, prev_hash, hash`

func scanHistory(row pgx.Row) (HistoryEntry, error) {
	var e HistoryEntry
	var changes []byte

	err := row.Scan(
		&e.ID,
		&e.AppointmentID,
		&e.Seq,
		&e.Action,
		&e.ActorID,
		&e.ActorKind,
		&changes,
		&e.Message,
		&e.Reason,
		&e.IPAddress,
		&e.UserAgent,
		&e.CreatedAt,
		&e.PrevHash,
		&e.Hash,
	)
	if err != nil {
		return HistoryEntry{}, err
	}
	if err := json.Unmarshal(changes, &e.Changes); err != nil {
		return HistoryEntry{}, fmt.Errorf("decode history changes: %w", err)
	}
	return e, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func optionalDate(d *clinic.Date) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func optionalClock(c *clinic.Clock) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}

func optionalType(t *ConsultationType) *string {
	if t == nil {
		return nil
	}
	s := string(*t)
	return &s
}

// Store methods

func (s *PgStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return mapPgError("begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapPgError("commit", err)
	}
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	a, err := scanAppointment(s.pool.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id))
	if errors.Is(err, ErrNotFound) {
		return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return a, mapPgError("get appointment", err)
}

func (s *PgStore) ListHistory(ctx context.Context, appointmentID uuid.UUID) ([]HistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM history_entries WHERE appointment_id = $1 ORDER BY seq`, appointmentID)
	if err != nil {
		return nil, mapPgError("list history", err)
	}
	entries, err := collect(rows, scanHistory)
	return entries, mapPgError("list history", err)
}

func (s *PgStore) ListProposals(ctx context.Context, appointmentID uuid.UUID) ([]Proposal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE appointment_id = $1 ORDER BY created_at`, appointmentID)
	if err != nil {
		return nil, mapPgError("list proposals", err)
	}
	proposals, err := collect(rows, scanProposal)
	return proposals, mapPgError("list proposals", err)
}

func (s *PgStore) BookedTimes(ctx context.Context, date clinic.Date) ([]clinic.Clock, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT to_char(time, 'HH24:MI')
		FROM appointments
		WHERE date = $1::date
		  AND status = ANY($2)
		ORDER BY time
	`, date.String(), activeStatusValues())
	if err != nil {
		return nil, mapPgError("booked times", err)
	}
	times, err := collect(rows, func(row pgx.Row) (clinic.Clock, error) {
		var raw string
		if err := row.Scan(&raw); err != nil {
			return clinic.Clock{}, err
		}
		return clinic.ParseClock(raw)
	})
	return times, mapPgError("booked times", err)
}

func (s *PgStore) SlotTaken(ctx context.Context, slot clinic.Slot, excludeID uuid.UUID) (bool, error) {
	return slotTaken(ctx, s.pool, slot, excludeID)
}

func slotTaken(ctx context.Context, q querier, slot clinic.Slot, excludeID uuid.UUID) (bool, error) {
	var taken bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE date = $1::date
			  AND time = $2::time
			  AND status = ANY($3)
			  AND id <> $4
		)
	`, slot.Date.String(), slot.Time.String(), activeStatusValues(), excludeID).Scan(&taken)
	if err != nil {
		return false, mapPgError("check slot", err)
	}
	return taken, nil
}

func (s *PgStore) ExpireProposals(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE proposals
		SET status = 'expired'
		WHERE status = 'pending'
		  AND expires_at <= $1
	`, now)
	if err != nil {
		return 0, mapPgError("expire proposals", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) PastAppointments(ctx context.Context, day clinic.Date, statuses []Status) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE date < $1::date
		  AND status = ANY($2)
		ORDER BY date, time
	`, day.String(), statusValues(statuses))
	if err != nil {
		return nil, mapPgError("past appointments", err)
	}
	ids, err := collect(rows, func(row pgx.Row) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	return ids, mapPgError("past appointments", err)
}

func (s *PgStore) DueReminders(ctx context.Context, day clinic.Date, statuses []Status) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id
		FROM appointments
		WHERE date = $1::date
		  AND status = ANY($2)
		  AND reminder_sent_at IS NULL
		ORDER BY time
	`, day.String(), statusValues(statuses))
	if err != nil {
		return nil, mapPgError("due reminders", err)
	}
	ids, err := collect(rows, func(row pgx.Row) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	return ids, mapPgError("due reminders", err)
}

// pgTx implements Tx on an open transaction.
type pgTx struct {
	tx pgx.Tx
}

func (t pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (Appointment, error) {
	a, err := scanAppointment(t.tx.QueryRow(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, ErrNotFound) {
		return Appointment{}, fmt.Errorf("appointment %s: %w", id, ErrNotFound)
	}
	return a, mapPgError("lock appointment", err)
}

func (t pgTx) SlotTaken(ctx context.Context, slot clinic.Slot, excludeID uuid.UUID) (bool, error) {
	return slotTaken(ctx, t.tx, slot, excludeID)
}

func (t pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO appointments (
			id, account_id, patient_first_name, patient_last_name, patient_email, patient_phone,
			date, time, consultation_type, reason, status,
			proposed_date, proposed_time, proposed_type,
			rejection_reason, admin_message, patient_message, cancellation_reason,
			created_at, updated_at, confirmed_at, cancelled_at, responded_at, proposal_sent_at, reminder_sent_at, version
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::date, $8::time, $9, $10, $11,
			$12::date, $13::time, $14,
			$15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, 1
		)
		RETURNING version
	`,
		a.ID, a.AccountID, a.PatientFirstName, a.PatientLastName, a.PatientEmail, a.PatientPhone,
		a.Date.String(), a.Time.String(), string(a.ConsultationType), a.Reason, string(a.Status),
		optionalDate(a.ProposedDate), optionalClock(a.ProposedTime), optionalType(a.ProposedType),
		a.RejectionReason, a.AdminMessage, a.PatientMessage, a.CancellationReason,
		a.CreatedAt, a.UpdatedAt, a.ConfirmedAt, a.CancelledAt, a.RespondedAt, a.ProposalSentAt, a.ReminderSentAt,
	).Scan(&a.Version)
	return mapPgError("insert appointment", err)
}

func (t pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	err := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET patient_first_name = $2,
		    patient_last_name = $3,
		    patient_email = $4,
		    patient_phone = $5,
		    date = $6::date,
		    time = $7::time,
		    consultation_type = $8,
		    reason = $9,
		    status = $10,
		    proposed_date = $11::date,
		    proposed_time = $12::time,
		    proposed_type = $13,
		    rejection_reason = $14,
		    admin_message = $15,
		    patient_message = $16,
		    cancellation_reason = $17,
		    updated_at = $18,
		    confirmed_at = $19,
		    cancelled_at = $20,
		    responded_at = $21,
		    proposal_sent_at = $22,
		    reminder_sent_at = $23,
		    version = version + 1
		WHERE id = $1
		RETURNING version
	`,
		a.ID, a.PatientFirstName, a.PatientLastName, a.PatientEmail, a.PatientPhone,
		a.Date.String(), a.Time.String(), string(a.ConsultationType), a.Reason, string(a.Status),
		optionalDate(a.ProposedDate), optionalClock(a.ProposedTime), optionalType(a.ProposedType),
		a.RejectionReason, a.AdminMessage, a.PatientMessage, a.CancellationReason,
		a.UpdatedAt, a.ConfirmedAt, a.CancelledAt, a.RespondedAt, a.ProposalSentAt, a.ReminderSentAt,
	).Scan(&a.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("appointment %s: %w", a.ID, ErrNotFound)
	}
	return mapPgError("update appointment", err)
}

func (t pgTx) LockProposal(ctx context.Context, id uuid.UUID) (Proposal, error) {
	p, err := scanProposal(t.tx.QueryRow(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, ErrNotFound) {
		return Proposal{}, fmt.Errorf("proposal %s: %w", id, ErrNotFound)
	}
	return p, mapPgError("lock proposal", err)
}

func (t pgTx) PendingProposals(ctx context.Context, appointmentID uuid.UUID) ([]Proposal, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+proposalColumns+`
		FROM proposals
		WHERE appointment_id = $1
		  AND status = 'pending'
		FOR UPDATE`, appointmentID)
	if err != nil {
		return nil, mapPgError("pending proposals", err)
	}
	proposals, err := collect(rows, scanProposal)
	return proposals, mapPgError("pending proposals", err)
}

func (t pgTx) InsertProposal(ctx context.Context, p Proposal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO proposals (
			id, appointment_id, direction, proposed_date, proposed_time, proposed_type,
			message, proposed_by, status, created_at, expires_at, response_message, responded_at
		) VALUES ($1, $2, $3, $4::date, $5::time, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		p.ID, p.AppointmentID, string(p.Direction), p.ProposedDate.String(), p.ProposedTime.String(),
		optionalType(p.ProposedType), p.Message, p.ProposedBy, string(p.Status),
		p.CreatedAt, p.ExpiresAt, p.ResponseMessage, p.RespondedAt,
	)
	return mapPgError("insert proposal", err)
}

func (t pgTx) UpdateProposal(ctx context.Context, p Proposal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE proposals
		SET status = $2,
		    response_message = $3,
		    responded_at = $4
		WHERE id = $1
	`, p.ID, string(p.Status), p.ResponseMessage, p.RespondedAt)
	if err != nil {
		return mapPgError("update proposal", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("proposal %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t pgTx) LastHistory(ctx context.Context, appointmentID uuid.UUID) (int, string, error) {
	var seq int
	var hash string
	err := t.tx.QueryRow(ctx, `
		SELECT seq, hash
		FROM history_entries
		WHERE appointment_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, appointmentID).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", mapPgError("history head", err)
	}
	return seq, hash, nil
}

func (t pgTx) InsertHistory(ctx context.Context, e HistoryEntry) error {
	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return fmt.Errorf("encode history changes: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO history_entries (
			id, appointment_id, seq, action, actor_id, actor_kind, changes, message, reason,
			ip_address, user_agent, created_at, prev_hash, hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11, $12, $13, $14)
	`,
		e.ID, e.AppointmentID, e.Seq, string(e.Action), e.ActorID, string(e.ActorKind), string(changes),
		e.Message, e.Reason, e.IPAddress, e.UserAgent, e.CreatedAt, e.PrevHash, e.Hash,
	)
	return mapPgError("insert history", err)
}
