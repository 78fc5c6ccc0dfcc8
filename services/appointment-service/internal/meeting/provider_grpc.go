//go:build protogen

package meeting

import (
	"context"
	"time"

	"github.com/careslot/careslot/libs/grpcx"
	meetingv1 "github.com/careslot/careslot/protos/gen/meeting/v1"
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

type grpcProvider struct {
	client meetingv1.MeetingServiceClient
}

func NewProvider(addr string) (Provider, error) {
	if addr == "" {
		return nil, nil
	}
	conn, err := grpcx.Dial(context.Background(), addr, grpcx.DialOptions{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	return &grpcProvider{client: meetingv1.NewMeetingServiceClient(conn)}, nil
}

func (p *grpcProvider) Provision(ctx context.Context, organizationID, title string, startUnix, endUnix int64) (Meeting, error) {
	resp, err := p.client.ProvisionMeeting(ctx, &meetingv1.ProvisionMeetingRequest{
		OrganizationId: organizationID,
		Title:          title,
		StartUnix:      startUnix,
		EndUnix:        endUnix,
	})
	if err != nil {
		return Meeting{}, err
	}
	return Meeting{ID: resp.GetMeetingId(), Link: resp.GetJoinUrl()}, nil
}
