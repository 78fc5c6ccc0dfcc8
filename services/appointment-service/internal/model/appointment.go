package model

import (
	"strings"
	"time"
)

// Appointment statuses.
const (
	StatusScheduled     = "scheduled"
	StatusConfirmed     = "confirmed"
	StatusPaymentFailed = "payment_failed"
	StatusCancelled     = "cancelled"
	StatusCompleted     = "completed"
	StatusNoShow        = "no_show"
)

// Payment statuses. An appointment whose type does not require payment is
// always not_required; otherwise the value follows the checkout lifecycle.
const (
	PaymentNotRequired = "not_required"
	PaymentPending     = "pending"
	PaymentPaid        = "paid"
	PaymentFailed      = "failed"
	PaymentRefunded    = "refunded"
)

// Payment modes on an appointment type.
const (
	ModeOneTime      = "one_time"
	ModeSubscription = "subscription"
)

type Appointment struct {
	ID                string
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
	MeetingID         string
	Status            string
	PaymentStatus     string
	CheckoutSessionID string
	PaymentIntentID   string
	AbandonNotified   bool
	Notes             []Note
	CancelReason      string
	CancelledAt       *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Note is one entry in an appointment's append-only audit trail.
type Note struct {
	ID     string
	At     time.Time
	Actor  string
	Kind   string
	Detail string
}

// Audit note kinds.
const (
	NoteCheckoutOpened    = "checkout_opened"
	NoteCheckoutFailed    = "checkout_failed"
	NoteCheckoutAbandoned = "checkout_abandoned"
	NotePaymentConfirmed  = "payment_confirmed"
	NotePaymentFailed     = "payment_failed"
	NoteRefundIssued      = "refund_issued"
	NoteRefundFailed      = "refund_failed"
	NoteCancelled         = "cancelled"
	NoteSubscription      = "subscription"
)

// NotesText renders the audit trail as the flat text historically stored in
// a single notes column. Presentation only; storage keeps structured rows.
func NotesText(notes []Note) string {
	if len(notes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		line := n.At.UTC().Format(time.RFC3339) + " [" + n.Kind + "]"
		if n.Actor != "" {
			line += " " + n.Actor + ":"
		}
		if n.Detail != "" {
			line += " " + n.Detail
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

type AppointmentType struct {
	ID              string
	OrganizationID  string
	Name            string
	RequiresPayment bool
	StripePriceID   string
	PaymentMode     string
	DurationMinutes int
	CreatedAt       time.Time
}

// TenantPaymentConfig holds one organization's processor credentials.
// SecretKey and WebhookSecret must never be logged or returned to clients.
type TenantPaymentConfig struct {
	OrganizationID string
	Enabled        bool
	SecretKey      string
	WebhookSecret  string
	PublishableKey string
	UpdatedAt      time.Time
}
