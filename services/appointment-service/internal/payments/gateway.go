package payments

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/careslot/careslot/services/appointment-service/internal/model"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// Session is the slice of a processor checkout session the service keeps.
type Session struct {
	ID        string
	URL       string
	ExpiresAt time.Time
}

type Refund struct {
	ID              string
	PaymentIntentID string
	Amount          int64
	Reason          string
}

type OpenSessionParams struct {
	OrganizationID    string
	AppointmentID     string
	AppointmentTypeID string
	PatientEmail      string
	PatientName       string
	PriceID           string
	PaymentMode       string
	SuccessURL        string
	CancelURL         string
}

type RefundParams struct {
	OrganizationID  string
	PaymentIntentID string
	// Amount in the smallest currency unit; zero refunds the full charge.
	Amount int64
	Reason string
}

type Gateway interface {
	OpenSession(ctx context.Context, p OpenSessionParams) (Session, error)
	Refund(ctx context.Context, p RefundParams) (Refund, error)
	RegisterWebhookEndpoint(ctx context.Context, organizationID string) (string, error)
	RemoveWebhookEndpoint(ctx context.Context, organizationID string) error
}

// ConfigSource resolves one tenant's stored payment configuration.
type ConfigSource interface {
	PaymentConfig(ctx context.Context, organizationID string) (model.TenantPaymentConfig, error)
}

// Abandoned checkout sessions expire processor-side after this window.
const sessionExpiry = 24 * time.Hour

// StripeGateway talks to Stripe with per-tenant credentials. A fresh client
// is built from the organization's stored secret on every call; the global
// stripe.Key is never set, so credentials cannot leak across tenants.
type StripeGateway struct {
	configs        ConfigSource
	logger         *slog.Logger
	webhookBaseURL string
	callTimeout    time.Duration
}

type StripeGatewayConfig struct {
	// WebhookBaseURL is the public base under which /webhook/{org} is reachable.
	WebhookBaseURL string
	CallTimeout    time.Duration
}

var webhookEvents = []string{
	"checkout.session.completed",
	"checkout.session.expired",
	"payment_intent.payment_failed",
	"invoice.paid",
	"invoice.payment_failed",
}

func NewStripeGateway(configs ConfigSource, logger *slog.Logger, cfg StripeGatewayConfig) *StripeGateway {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeGateway{
		configs:        configs,
		logger:         logger,
		webhookBaseURL: strings.TrimRight(strings.TrimSpace(cfg.WebhookBaseURL), "/"),
		callTimeout:    timeout,
	}
}

func (g *StripeGateway) clientFor(ctx context.Context, organizationID string) (*client.API, error) {
	cfg, err := g.configs.PaymentConfig(ctx, organizationID)
	if err != nil {
		return nil, gatewayErr("load tenant config", err)
	}
	if !cfg.Enabled {
		return nil, configErr("open client", ErrPaymentsDisabled)
	}
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, configErr("open client", ErrMissingCredential)
	}
	sc := &client.API{}
	sc.Init(cfg.SecretKey, nil)
	return sc, nil
}

func (g *StripeGateway) OpenSession(ctx context.Context, p OpenSessionParams) (Session, error) {
	if strings.TrimSpace(p.PriceID) == "" {
		return Session{}, configErr("open session", ErrMissingPriceID)
	}
	sc, err := g.clientFor(ctx, p.OrganizationID)
	if err != nil {
		return Session{}, err
	}

	mode := stripe.CheckoutSessionModePayment
	if p.PaymentMode == model.ModeSubscription {
		mode = stripe.CheckoutSessionModeSubscription
	}

	expiresAt := time.Now().UTC().Add(sessionExpiry)
	// Metadata is what lets the webhook reconcile back to the appointment
	// without a separate lookup round-trip.
	metadata := map[string]string{
		"organization_id":     p.OrganizationID,
		"appointment_id":      p.AppointmentID,
		"appointment_type_id": p.AppointmentTypeID,
		"patient_email":       p.PatientEmail,
		"patient_name":        p.PatientName,
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(mode)),
		SuccessURL:        stripe.String(p.SuccessURL),
		CancelURL:         stripe.String(p.CancelURL),
		ClientReferenceID: stripe.String(p.AppointmentID),
		CustomerEmail:     stripe.String(p.PatientEmail),
		ExpiresAt:         stripe.Int64(expiresAt.Unix()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	if mode == stripe.CheckoutSessionModeSubscription {
		// Metadata must also reach the subscription object so renewal
		// invoices carry the appointment reference.
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata}
	} else {
		// Same for the payment intent, so payment_intent.payment_failed
		// events can be reconciled without a session lookup.
		params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: metadata}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	params.Context = callCtx

	sess, err := sc.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, gatewayErr("create checkout session", err)
	}
	return Session{ID: sess.ID, URL: sess.URL, ExpiresAt: expiresAt}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, p RefundParams) (Refund, error) {
	sc, err := g.clientFor(ctx, p.OrganizationID)
	if err != nil {
		return Refund{}, err
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(p.PaymentIntentID),
	}
	if p.Amount > 0 {
		params.Amount = stripe.Int64(p.Amount)
	}
	if reason := strings.TrimSpace(p.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()
	params.Context = callCtx

	ref, err := sc.Refunds.New(params)
	if err != nil {
		return Refund{}, gatewayErr("create refund", err)
	}
	out := Refund{ID: ref.ID, Amount: ref.Amount, Reason: string(ref.Reason)}
	if ref.PaymentIntent != nil {
		out.PaymentIntentID = ref.PaymentIntent.ID
	}
	return out, nil
}

func (g *StripeGateway) webhookURL(organizationID string) string {
	return g.webhookBaseURL + "/webhook/" + organizationID
}

// RegisterWebhookEndpoint is idempotent: an existing endpoint with the same
// URL is reused instead of creating a duplicate on the processor side.
func (g *StripeGateway) RegisterWebhookEndpoint(ctx context.Context, organizationID string) (string, error) {
	sc, err := g.clientFor(ctx, organizationID)
	if err != nil {
		return "", err
	}
	target := g.webhookURL(organizationID)

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	listParams := &stripe.WebhookEndpointListParams{}
	listParams.Context = callCtx
	iter := sc.WebhookEndpoints.List(listParams)
	for iter.Next() {
		ep := iter.WebhookEndpoint()
		if ep.URL == target {
			g.logger.Info("stripe webhook endpoint already registered", "organization_id", organizationID, "endpoint_id", ep.ID)
			return ep.ID, nil
		}
	}
	if err := iter.Err(); err != nil {
		return "", gatewayErr("list webhook endpoints", err)
	}

	createParams := &stripe.WebhookEndpointParams{
		URL:           stripe.String(target),
		EnabledEvents: stripe.StringSlice(webhookEvents),
	}
	createParams.Context = callCtx
	ep, err := sc.WebhookEndpoints.New(createParams)
	if err != nil {
		return "", gatewayErr("create webhook endpoint", err)
	}
	g.logger.Info("stripe webhook endpoint registered", "organization_id", organizationID, "endpoint_id", ep.ID)
	return ep.ID, nil
}

// RemoveWebhookEndpoint is a no-op when no endpoint matches the tenant URL.
func (g *StripeGateway) RemoveWebhookEndpoint(ctx context.Context, organizationID string) error {
	sc, err := g.clientFor(ctx, organizationID)
	if err != nil {
		return err
	}
	target := g.webhookURL(organizationID)

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	listParams := &stripe.WebhookEndpointListParams{}
	listParams.Context = callCtx
	iter := sc.WebhookEndpoints.List(listParams)
	for iter.Next() {
		ep := iter.WebhookEndpoint()
		if ep.URL != target {
			continue
		}
		delParams := &stripe.WebhookEndpointParams{}
		delParams.Context = callCtx
		if _, err := sc.WebhookEndpoints.Del(ep.ID, delParams); err != nil {
			return gatewayErr("delete webhook endpoint", err)
		}
		g.logger.Info("stripe webhook endpoint removed", "organization_id", organizationID, "endpoint_id", ep.ID)
		return nil
	}
	if err := iter.Err(); err != nil {
		return gatewayErr("list webhook endpoints", err)
	}
	return nil
}
