package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (production-style: event per topic).
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Event types emitted by the appointment lifecycle. Downstream consumers
// (email/SMS delivery, analytics) subscribe per topic; delivery is entirely
// their problem.
const (
	EventAppointmentConfirmed = "appointments.appointment.confirmed.v1"
	EventAppointmentCancelled = "appointments.appointment.cancelled.v1"
	EventPaymentFailed        = "appointments.payment.failed.v1"
	EventCheckoutAbandoned    = "appointments.checkout.abandoned.v1"
)
