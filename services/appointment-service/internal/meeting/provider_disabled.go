//go:build !protogen

package meeting

import (
	"context"
)

// Meeting is a provisioned video-meeting handle attached to an appointment.
type Meeting struct {
	ID   string
	Link string
}

// Provider provisions a meeting before an appointment is created. It is an
// opaque collaborator; provisioning failures are the caller's to handle.
type Provider interface {
	Provision(ctx context.Context, organizationID, title string, startUnix, endUnix int64) (Meeting, error)
}

// NewProvider returns nil in builds without generated protos; the lifecycle
// manager treats a nil provider as "no meeting provisioning".
func NewProvider(_ string) (Provider, error) {
	return nil, nil
}
