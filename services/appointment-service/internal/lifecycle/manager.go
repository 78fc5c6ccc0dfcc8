package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/careslot/careslot/services/appointment-service/internal/meeting"
	"github.com/careslot/careslot/services/appointment-service/internal/model"
	"github.com/careslot/careslot/services/appointment-service/internal/payments"
	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrConflict means the appointment's current state does not permit the
	// requested transition (e.g. retrying payment on a confirmed appointment).
	ErrConflict            = errors.New("operation conflicts with appointment state")
	ErrMissingRedirectURLs = errors.New("success_url and cancel_url are required for payment-required appointment types")
)

// Store is the appointment persistence contract. Transition methods are
// compare-and-swap: they return false when the row was not in a permitted
// source state instead of failing, which is what makes webhook replays and
// retry/cancel races safe.
type Store interface {
	Create(ctx context.Context, appt *model.Appointment) (string, error)
	Get(ctx context.Context, organizationID, appointmentID string) (model.Appointment, error)
	GetByCheckoutSession(ctx context.Context, organizationID, sessionID string) (model.Appointment, error)
	AttachCheckoutSession(ctx context.Context, organizationID, appointmentID, sessionID string) (bool, error)
	ConfirmPaid(ctx context.Context, organizationID, appointmentID, paymentIntentID string) (bool, error)
	FailPayment(ctx context.Context, organizationID, appointmentID string) (bool, error)
	ClaimCancel(ctx context.Context, organizationID, appointmentID, reason string) (paymentStatus, paymentIntentID string, claimed bool, err error)
	SetPaymentStatus(ctx context.Context, organizationID, appointmentID, paymentStatus string) (bool, error)
	MarkAbandonNotified(ctx context.Context, organizationID, appointmentID string) (bool, error)
	AppendNote(ctx context.Context, appointmentID string, note model.Note) error
}

type Catalog interface {
	AppointmentType(ctx context.Context, organizationID, typeID string) (model.AppointmentType, error)
}

// Notifier is fire-and-forget: implementations log failures and never return
// them, so a broken notification sink cannot roll back a state transition.
type Notifier interface {
	AppointmentConfirmed(ctx context.Context, appt model.Appointment)
	AppointmentCancelled(ctx context.Context, appt model.Appointment, reason string, refunded bool)
	PaymentFailed(ctx context.Context, appt model.Appointment, reason string)
	CheckoutAbandoned(ctx context.Context, appt model.Appointment)
}

// Manager owns the appointment lifecycle. It is the single writer of
// appointment state; route handlers and the webhook reconciler go through it.
type Manager struct {
	store    Store
	catalog  Catalog
	gateway  payments.Gateway
	notifier Notifier
	meetings meeting.Provider
	logger   *slog.Logger
}

func NewManager(store Store, catalog Catalog, gateway payments.Gateway, notifier Notifier, meetings meeting.Provider, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		catalog:  catalog,
		gateway:  gateway,
		notifier: notifier,
		meetings: meetings,
		logger:   logger,
	}
}

type CreateParams struct {
	OrganizationID    string
	AppointmentTypeID string
	PatientID         string
	PatientEmail      string
	PatientName       string
	Title             string
	Description       string
	StartTime         time.Time
	EndTime           time.Time
	CreatedBy         string
	MeetingLink       string
	SuccessURL        string
	CancelURL         string
}

type CreateResult struct {
	AppointmentID   string
	Status          string
	PaymentStatus   string
	RequiresPayment bool
	CheckoutURL     string
	SessionID       string
}

// Create inserts the appointment and, when its type requires payment, opens a
// checkout session. A gateway failure after the insert leaves the row in
// payment_failed so the caller can retry without losing the slot.
func (m *Manager) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	apptType, err := m.catalog.AppointmentType(ctx, p.OrganizationID, p.AppointmentTypeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return CreateResult{}, fmt.Errorf("appointment type %s: %w", p.AppointmentTypeID, ErrNotFound)
		}
		return CreateResult{}, err
	}
	if apptType.RequiresPayment && (p.SuccessURL == "" || p.CancelURL == "") {
		return CreateResult{}, ErrMissingRedirectURLs
	}

	appt := &model.Appointment{
		OrganizationID:    p.OrganizationID,
		AppointmentTypeID: p.AppointmentTypeID,
		PatientID:         p.PatientID,
		PatientEmail:      p.PatientEmail,
		PatientName:       p.PatientName,
		Title:             p.Title,
		Description:       p.Description,
		StartTime:         p.StartTime,
		EndTime:           p.EndTime,
		CreatedBy:         p.CreatedBy,
		MeetingLink:       p.MeetingLink,
	}

	if appt.MeetingLink == "" && m.meetings != nil {
		mt, err := m.meetings.Provision(ctx, p.OrganizationID, p.Title, p.StartTime.Unix(), p.EndTime.Unix())
		if err != nil {
			return CreateResult{}, fmt.Errorf("meeting provisioning: %w", err)
		}
		appt.MeetingID = mt.ID
		appt.MeetingLink = mt.Link
	}

	if !apptType.RequiresPayment {
		appt.Status = model.StatusConfirmed
		appt.PaymentStatus = model.PaymentNotRequired
		id, err := m.store.Create(ctx, appt)
		if err != nil {
			return CreateResult{}, err
		}
		appt.ID = id
		m.notifier.AppointmentConfirmed(ctx, *appt)
		return CreateResult{
			AppointmentID: id,
			Status:        appt.Status,
			PaymentStatus: appt.PaymentStatus,
		}, nil
	}

	appt.Status = model.StatusScheduled
	appt.PaymentStatus = model.PaymentPending
	id, err := m.store.Create(ctx, appt)
	if err != nil {
		return CreateResult{}, err
	}
	appt.ID = id

	sess, err := m.gateway.OpenSession(ctx, payments.OpenSessionParams{
		OrganizationID:    p.OrganizationID,
		AppointmentID:     id,
		AppointmentTypeID: apptType.ID,
		PatientEmail:      p.PatientEmail,
		PatientName:       p.PatientName,
		PriceID:           apptType.StripePriceID,
		PaymentMode:       apptType.PaymentMode,
		SuccessURL:        p.SuccessURL,
		CancelURL:         p.CancelURL,
	})
	if err != nil {
		// Keep the row: the slot is held and the caller can retry the payment
		// leg instead of re-entering the whole booking.
		if _, failErr := m.store.FailPayment(ctx, p.OrganizationID, id); failErr != nil {
			m.logger.Error("failed to mark appointment payment_failed", "err", failErr, "appointment_id", id)
		}
		m.note(ctx, id, model.NoteCheckoutFailed, "checkout session could not be opened: "+err.Error())
		return CreateResult{AppointmentID: id}, err
	}

	if _, err := m.store.AttachCheckoutSession(ctx, p.OrganizationID, id, sess.ID); err != nil {
		return CreateResult{AppointmentID: id}, err
	}
	m.note(ctx, id, model.NoteCheckoutOpened, "checkout session "+sess.ID)

	return CreateResult{
		AppointmentID:   id,
		Status:          model.StatusScheduled,
		PaymentStatus:   model.PaymentPending,
		RequiresPayment: true,
		CheckoutURL:     sess.URL,
		SessionID:       sess.ID,
	}, nil
}

type RetryResult struct {
	AppointmentID string
	CheckoutURL   string
	SessionID     string
}

// RetryPayment opens a fresh checkout session for an appointment whose
// payment leg is still open. The appointment row is stable across retries;
// only the stored session id changes.
func (m *Manager) RetryPayment(ctx context.Context, organizationID, appointmentID, successURL, cancelURL string) (RetryResult, error) {
	if successURL == "" || cancelURL == "" {
		return RetryResult{}, ErrMissingRedirectURLs
	}
	appt, err := m.store.Get(ctx, organizationID, appointmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RetryResult{}, ErrNotFound
		}
		return RetryResult{}, err
	}
	if appt.PaymentStatus != model.PaymentPending && appt.PaymentStatus != model.PaymentFailed {
		return RetryResult{}, ErrConflict
	}

	apptType, err := m.catalog.AppointmentType(ctx, organizationID, appt.AppointmentTypeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RetryResult{}, fmt.Errorf("appointment type %s: %w", appt.AppointmentTypeID, ErrNotFound)
		}
		return RetryResult{}, err
	}

	sess, err := m.gateway.OpenSession(ctx, payments.OpenSessionParams{
		OrganizationID:    organizationID,
		AppointmentID:     appt.ID,
		AppointmentTypeID: apptType.ID,
		PatientEmail:      appt.PatientEmail,
		PatientName:       appt.PatientName,
		PriceID:           apptType.StripePriceID,
		PaymentMode:       apptType.PaymentMode,
		SuccessURL:        successURL,
		CancelURL:         cancelURL,
	})
	if err != nil {
		return RetryResult{}, err
	}

	attached, err := m.store.AttachCheckoutSession(ctx, organizationID, appt.ID, sess.ID)
	if err != nil {
		return RetryResult{}, err
	}
	if !attached {
		// Lost the race against a concurrent cancel or webhook confirmation.
		// The orphaned session expires processor-side within its 24h window.
		return RetryResult{}, ErrConflict
	}
	m.note(ctx, appt.ID, model.NoteCheckoutOpened, "checkout session "+sess.ID+" (retry)")

	return RetryResult{AppointmentID: appt.ID, CheckoutURL: sess.URL, SessionID: sess.ID}, nil
}

// ConfirmPaid applies the webhook-driven scheduled/pending -> confirmed/paid
// transition. applied=false with a nil error means the appointment was
// already past pending (duplicate delivery).
func (m *Manager) ConfirmPaid(ctx context.Context, organizationID, appointmentID, paymentIntentID string) (bool, error) {
	applied, err := m.store.ConfirmPaid(ctx, organizationID, appointmentID, paymentIntentID)
	if err != nil {
		return false, err
	}
	if !applied {
		if _, err := m.store.Get(ctx, organizationID, appointmentID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, ErrNotFound
			}
			return false, err
		}
		return false, nil
	}
	m.note(ctx, appointmentID, model.NotePaymentConfirmed, "payment intent "+paymentIntentID)

	appt, err := m.store.Get(ctx, organizationID, appointmentID)
	if err != nil {
		m.logger.Error("confirmed appointment could not be reloaded for notification", "err", err, "appointment_id", appointmentID)
		return true, nil
	}
	m.notifier.AppointmentConfirmed(ctx, appt)
	return true, nil
}

// MarkPaymentFailed applies the webhook-driven pending -> failed transition.
func (m *Manager) MarkPaymentFailed(ctx context.Context, organizationID, appointmentID, reason string) (bool, error) {
	applied, err := m.store.FailPayment(ctx, organizationID, appointmentID)
	if err != nil {
		return false, err
	}
	if !applied {
		if _, err := m.store.Get(ctx, organizationID, appointmentID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return false, ErrNotFound
			}
			return false, err
		}
		return false, nil
	}
	m.note(ctx, appointmentID, model.NotePaymentFailed, reason)

	appt, err := m.store.Get(ctx, organizationID, appointmentID)
	if err == nil {
		m.notifier.PaymentFailed(ctx, appt, reason)
	}
	return true, nil
}

type CancelParams struct {
	OrganizationID string
	AppointmentID  string
	Reason         string
	// RefundAmount in the smallest currency unit; zero refunds in full.
	RefundAmount int64
}

type CancelResult struct {
	AppointmentID    string
	Status           string
	PaymentStatus    string
	Refunded         bool
	RefundID         string
	AlreadyCancelled bool
}

// Cancel transitions the appointment to cancelled and, when it was paid,
// attempts a refund. The refund leg is best-effort: a processor outage is
// recorded for manual follow-up and never blocks the cancellation.
func (m *Manager) Cancel(ctx context.Context, p CancelParams) (CancelResult, error) {
	paymentStatus, paymentIntentID, claimed, err := m.store.ClaimCancel(ctx, p.OrganizationID, p.AppointmentID, p.Reason)
	if err != nil {
		return CancelResult{}, err
	}
	if !claimed {
		appt, err := m.store.Get(ctx, p.OrganizationID, p.AppointmentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return CancelResult{}, ErrNotFound
			}
			return CancelResult{}, err
		}
		// Repeating cancel is an idempotent success and never re-refunds.
		return CancelResult{
			AppointmentID:    appt.ID,
			Status:           appt.Status,
			PaymentStatus:    appt.PaymentStatus,
			AlreadyCancelled: true,
		}, nil
	}
	m.note(ctx, p.AppointmentID, model.NoteCancelled, p.Reason)

	result := CancelResult{
		AppointmentID: p.AppointmentID,
		Status:        model.StatusCancelled,
		PaymentStatus: paymentStatus,
	}

	if paymentStatus == model.PaymentPaid && paymentIntentID != "" {
		refund, err := m.gateway.Refund(ctx, payments.RefundParams{
			OrganizationID:  p.OrganizationID,
			PaymentIntentID: paymentIntentID,
			Amount:          p.RefundAmount,
			Reason:          p.Reason,
		})
		if err != nil {
			// Cancellation already stands; payment_status stays paid so the
			// unrefunded charge is visible for manual reconciliation.
			m.logger.Warn("refund failed during cancellation", "err", err,
				"appointment_id", p.AppointmentID, "payment_intent_id", paymentIntentID)
			m.note(ctx, p.AppointmentID, model.NoteRefundFailed, "refund failed, manual follow-up required: "+err.Error())
		} else {
			if _, err := m.store.SetPaymentStatus(ctx, p.OrganizationID, p.AppointmentID, model.PaymentRefunded); err != nil {
				m.logger.Error("failed to record refunded payment status", "err", err, "appointment_id", p.AppointmentID)
			} else {
				result.PaymentStatus = model.PaymentRefunded
			}
			result.Refunded = true
			result.RefundID = refund.ID
			m.note(ctx, p.AppointmentID, model.NoteRefundIssued, "refund "+refund.ID)
		}
	}

	if appt, err := m.store.Get(ctx, p.OrganizationID, p.AppointmentID); err == nil {
		m.notifier.AppointmentCancelled(ctx, appt, p.Reason, result.Refunded)
	}
	return result, nil
}

// AckAbandonedCheckout records that the patient backed out of checkout. The
// appointment stays scheduled/pending and retryable; the notification fires
// at most once per appointment.
func (m *Manager) AckAbandonedCheckout(ctx context.Context, organizationID, appointmentID string) (bool, error) {
	appt, err := m.store.Get(ctx, organizationID, appointmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if appt.PaymentStatus != model.PaymentPending {
		return false, nil
	}

	first, err := m.store.MarkAbandonNotified(ctx, organizationID, appointmentID)
	if err != nil {
		return false, err
	}
	if !first {
		return false, nil
	}
	m.note(ctx, appointmentID, model.NoteCheckoutAbandoned, "checkout abandoned by patient")
	m.notifier.CheckoutAbandoned(ctx, appt)
	return true, nil
}

// SubscriptionRenewed records a successful renewal for subscription-mode
// appointment types.
func (m *Manager) SubscriptionRenewed(ctx context.Context, organizationID, appointmentID string) (bool, error) {
	applied, err := m.store.SetPaymentStatus(ctx, organizationID, appointmentID, model.PaymentPaid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if applied {
		m.note(ctx, appointmentID, model.NoteSubscription, "subscription renewal paid")
	}
	return applied, nil
}

// SubscriptionLapsed records a failed renewal.
func (m *Manager) SubscriptionLapsed(ctx context.Context, organizationID, appointmentID, reason string) (bool, error) {
	applied, err := m.store.SetPaymentStatus(ctx, organizationID, appointmentID, model.PaymentFailed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, err
	}
	if applied {
		m.note(ctx, appointmentID, model.NoteSubscription, "subscription renewal failed: "+reason)
	}
	return applied, nil
}

// Appointment loads a single appointment with its audit trail.
func (m *Manager) Appointment(ctx context.Context, organizationID, appointmentID string) (model.Appointment, error) {
	appt, err := m.store.Get(ctx, organizationID, appointmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

// Session returns the appointment behind a checkout session id for the
// read-only success/cancel return pages.
func (m *Manager) Session(ctx context.Context, organizationID, sessionID string) (model.Appointment, error) {
	appt, err := m.store.GetByCheckoutSession(ctx, organizationID, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Appointment{}, ErrNotFound
		}
		return model.Appointment{}, err
	}
	return appt, nil
}

func (m *Manager) note(ctx context.Context, appointmentID, kind, detail string) {
	err := m.store.AppendNote(ctx, appointmentID, model.Note{
		At:     time.Now().UTC(),
		Actor:  "lifecycle",
		Kind:   kind,
		Detail: detail,
	})
	if err != nil {
		m.logger.Error("failed to append audit note", "err", err, "appointment_id", appointmentID, "kind", kind)
	}
}
