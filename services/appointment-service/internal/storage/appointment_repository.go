package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/careslot/careslot/libs/db"
	"github.com/careslot/careslot/services/appointment-service/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// AppointmentRepository is the only writer of appointment rows. Every state
// transition is a conditional UPDATE whose WHERE clause encodes the allowed
// source states, so concurrent retry/cancel/webhook races resolve in SQL and
// replaying a transition is a no-op.
type AppointmentRepository struct {
	pool *db.Pool
}

func NewAppointmentRepository(pool *db.Pool) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Create(ctx context.Context, appt *model.Appointment) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO appointments
			(organization_id, appointment_type_id, patient_id, patient_email, patient_name,
			 title, description, start_time, end_time, created_by, meeting_link, meeting_id,
			 status, payment_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id
	`, appt.OrganizationID, appt.AppointmentTypeID, appt.PatientID, appt.PatientEmail, appt.PatientName,
		appt.Title, nullIfEmpty(appt.Description), appt.StartTime, appt.EndTime,
		nullIfEmpty(appt.CreatedBy), nullIfEmpty(appt.MeetingLink), nullIfEmpty(appt.MeetingID),
		appt.Status, appt.PaymentStatus).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

const appointmentColumns = `
	id, organization_id::text, appointment_type_id::text, patient_id::text,
	COALESCE(patient_email, ''), COALESCE(patient_name, ''),
	title, COALESCE(description, ''), start_time, end_time,
	COALESCE(created_by::text, ''), COALESCE(meeting_link, ''), COALESCE(meeting_id, ''),
	status, payment_status,
	COALESCE(checkout_session_id, ''), COALESCE(payment_intent_id, ''),
	abandon_notified, COALESCE(cancel_reason, ''), cancelled_at, created_at, updated_at`

func (r *AppointmentRepository) Get(ctx context.Context, organizationID, appointmentID string) (model.Appointment, error) {
	appt, err := r.scanOne(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1 AND organization_id = $2
	`, appointmentID, organizationID))
	if err != nil {
		return model.Appointment{}, err
	}
	notes, err := r.ListNotes(ctx, appointmentID)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.Notes = notes
	return appt, nil
}

func (r *AppointmentRepository) GetByCheckoutSession(ctx context.Context, organizationID, sessionID string) (model.Appointment, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE checkout_session_id = $1 AND organization_id = $2
	`, sessionID, organizationID))
}

// AttachCheckoutSession stores a freshly opened session id and puts the
// appointment back into scheduled/pending. Permitted only while the payment
// leg is still open (pending or failed); a cancelled or paid appointment is
// left untouched.
func (r *AppointmentRepository) AttachCheckoutSession(ctx context.Context, organizationID, appointmentID, sessionID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET checkout_session_id = $3,
		    status = 'scheduled',
		    payment_status = 'pending',
		    updated_at = now()
		WHERE id = $1 AND organization_id = $2
		  AND payment_status IN ('pending', 'failed')
		  AND status IN ('scheduled', 'payment_failed')
	`, appointmentID, organizationID, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ConfirmPaid applies scheduled/pending -> confirmed/paid. Returns false when
// the appointment is not in that state, which makes webhook redelivery a no-op.
func (r *AppointmentRepository) ConfirmPaid(ctx context.Context, organizationID, appointmentID, paymentIntentID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'confirmed',
		    payment_status = 'paid',
		    payment_intent_id = $3,
		    updated_at = now()
		WHERE id = $1 AND organization_id = $2
		  AND status = 'scheduled' AND payment_status = 'pending'
	`, appointmentID, organizationID, nullIfEmpty(paymentIntentID))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AppointmentRepository) FailPayment(ctx context.Context, organizationID, appointmentID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET status = 'payment_failed',
		    payment_status = 'failed',
		    updated_at = now()
		WHERE id = $1 AND organization_id = $2
		  AND status = 'scheduled' AND payment_status = 'pending'
	`, appointmentID, organizationID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ClaimCancel atomically moves the appointment to cancelled and reports the
// payment state at claim time. Exactly one caller wins the claim; losers see
// claimed=false and must read the row to distinguish already-cancelled from
// not-found. The refund leg runs after the claim so a processor outage can
// never block the cancellation itself.
func (r *AppointmentRepository) ClaimCancel(ctx context.Context, organizationID, appointmentID, reason string) (paymentStatus string, paymentIntentID string, claimed bool, err error) {
	err = r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancel_reason = $3,
		    cancelled_at = now(),
		    updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND status <> 'cancelled'
		RETURNING payment_status, COALESCE(payment_intent_id, '')
	`, appointmentID, organizationID, nullIfEmpty(reason)).Scan(&paymentStatus, &paymentIntentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	return paymentStatus, paymentIntentID, true, nil
}

func (r *AppointmentRepository) SetPaymentStatus(ctx context.Context, organizationID, appointmentID, paymentStatus string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET payment_status = $3,
		    updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND payment_status <> $3
	`, appointmentID, organizationID, paymentStatus)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MarkAbandonNotified flips the once-only flag. Returns true only for the
// caller that performed the flip; the abandoned-checkout notification is sent
// at most once per appointment.
func (r *AppointmentRepository) MarkAbandonNotified(ctx context.Context, organizationID, appointmentID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET abandon_notified = true,
		    updated_at = now()
		WHERE id = $1 AND organization_id = $2 AND abandon_notified = false
	`, appointmentID, organizationID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *AppointmentRepository) AppendNote(ctx context.Context, appointmentID string, note model.Note) error {
	id := note.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := note.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_notes (id, appointment_id, noted_at, actor, kind, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, appointmentID, at, defaultIfEmpty(note.Actor, "system"), note.Kind, note.Detail)
	return err
}

func (r *AppointmentRepository) ListNotes(ctx context.Context, appointmentID string) ([]model.Note, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, noted_at, actor, kind, COALESCE(detail, '')
		FROM appointment_notes
		WHERE appointment_id = $1
		ORDER BY noted_at, id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []model.Note
	for rows.Next() {
		var n model.Note
		if err := rows.Scan(&n.ID, &n.At, &n.Actor, &n.Kind, &n.Detail); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return notes, nil
}

func (r *AppointmentRepository) scanOne(row pgx.Row) (model.Appointment, error) {
	var appt model.Appointment
	var cancelledAt *time.Time
	err := row.Scan(
		&appt.ID,
		&appt.OrganizationID,
		&appt.AppointmentTypeID,
		&appt.PatientID,
		&appt.PatientEmail,
		&appt.PatientName,
		&appt.Title,
		&appt.Description,
		&appt.StartTime,
		&appt.EndTime,
		&appt.CreatedBy,
		&appt.MeetingLink,
		&appt.MeetingID,
		&appt.Status,
		&appt.PaymentStatus,
		&appt.CheckoutSessionID,
		&appt.PaymentIntentID,
		&appt.AbandonNotified,
		&appt.CancelReason,
		&cancelledAt,
		&appt.CreatedAt,
		&appt.UpdatedAt,
	)
	if err != nil {
		return model.Appointment{}, err
	}
	appt.CancelledAt = cancelledAt
	return appt, nil
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func defaultIfEmpty(s string, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
