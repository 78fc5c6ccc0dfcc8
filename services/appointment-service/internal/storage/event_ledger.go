package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/careslot/careslot/libs/db"
)

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

// EventLedger records processed provider event ids so a redelivered webhook
// has at most one effect. Record wins or loses on the (provider, event id)
// unique constraint; Forget compensates when a recorded event could not be
// applied for a transient reason and the processor should redeliver it.
type EventLedger struct {
	pool *db.Pool
}

func NewEventLedger(pool *db.Pool) *EventLedger {
	return &EventLedger{pool: pool}
}

func (l *EventLedger) Record(ctx context.Context, provider, organizationID, providerEventID, eventType string, payload []byte) error {
	var body any
	if err := json.Unmarshal(payload, &body); err != nil {
		// Malformed payloads are a hard failure; webhooks are well-formed JSON.
		return err
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, organization_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, provider, providerEventID, eventType, organizationID, body)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

func (l *EventLedger) Forget(ctx context.Context, provider, providerEventID string) error {
	_, err := l.pool.Exec(ctx, `
		DELETE FROM provider_events
		WHERE provider = $1 AND provider_event_id = $2
	`, provider, providerEventID)
	return err
}
