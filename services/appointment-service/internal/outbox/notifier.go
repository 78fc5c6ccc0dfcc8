package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/careslot/careslot/services/appointment-service/internal/model"
)

// Notifier is the notification sink boundary: lifecycle transitions hand it
// facts, it writes outbox rows, the publisher ships them to Kafka, and the
// delivery services downstream do the rest. A failed insert is logged and
// dropped; a notification must never roll back a state transition.
type Notifier struct {
	repo   *Repository
	logger *slog.Logger
}

func NewNotifier(repo *Repository, logger *slog.Logger) *Notifier {
	return &Notifier{repo: repo, logger: logger}
}

func (n *Notifier) AppointmentConfirmed(ctx context.Context, appt model.Appointment) {
	n.emit(ctx, EventAppointmentConfirmed, appt, map[string]any{
		"payment_status": appt.PaymentStatus,
	})
}

func (n *Notifier) AppointmentCancelled(ctx context.Context, appt model.Appointment, reason string, refunded bool) {
	n.emit(ctx, EventAppointmentCancelled, appt, map[string]any{
		"reason":   reason,
		"refunded": refunded,
	})
}

func (n *Notifier) PaymentFailed(ctx context.Context, appt model.Appointment, reason string) {
	n.emit(ctx, EventPaymentFailed, appt, map[string]any{
		"reason": reason,
	})
}

func (n *Notifier) CheckoutAbandoned(ctx context.Context, appt model.Appointment) {
	n.emit(ctx, EventCheckoutAbandoned, appt, nil)
}

func (n *Notifier) emit(ctx context.Context, eventType string, appt model.Appointment, extra map[string]any) {
	body := map[string]any{
		"appointment_id":  appt.ID,
		"organization_id": appt.OrganizationID,
		"patient_email":   appt.PatientEmail,
		"patient_name":    appt.PatientName,
		"title":           appt.Title,
		"start_time":      appt.StartTime.UTC().Format(time.RFC3339),
		"end_time":        appt.EndTime.UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		n.logger.Error("failed to build notification payload", "err", err, "event_type", eventType)
		return
	}
	if err := n.repo.Insert(ctx, Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		n.logger.Error("failed to enqueue notification", "err", err, "event_type", eventType, "appointment_id", appt.ID)
	}
}
