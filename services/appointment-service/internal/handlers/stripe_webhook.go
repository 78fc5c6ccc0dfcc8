package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/careslot/careslot/services/appointment-service/internal/lifecycle"
	"github.com/careslot/careslot/services/appointment-service/internal/storage"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeWebhook reconciles asynchronous processor events against local
// state. One endpoint per tenant (/webhook/{organizationId}); the signature
// check against the tenant's stored secret is the only authentication.
//
// Response contract: 2xx means processed or duplicate, non-2xx means the
// processor should redeliver (bad signature, malformed payload, or the
// appointment row is not visible yet). Domain-level surprises are logged and
// acknowledged so Stripe does not disable the endpoint.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	organizationID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhook/"), "/")
	if organizationID == "" || strings.Contains(organizationID, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	cfg, err := h.tenants.PaymentConfig(r.Context(), organizationID)
	if err != nil {
		if storage.IsNotFound(err) {
			http.Error(w, "unknown organization", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load tenant config", http.StatusInternalServerError)
		return
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		http.Error(w, "webhook not configured for organization", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, cfg.WebhookSecret, h.webhookTolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"organization_id", organizationID,
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", time.Unix(evt.Created, 0).UTC().Format(time.RFC3339),
	)

	// At-most-once effect per event id, even across redeliveries.
	if err := h.ledger.Record(r.Context(), "stripe", organizationID, evt.ID, evtType, body); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("payment provider event duplicate ignored", "provider_event_id", evt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		http.Error(w, "failed to record provider event", http.StatusBadRequest)
		return
	}

	status, applyErr := h.applyStripeEvent(r, organizationID, evt)
	if applyErr != nil {
		// Release the ledger entry so the redelivered event is not mistaken
		// for a duplicate of an applied one.
		if err := h.ledger.Forget(r.Context(), "stripe", evt.ID); err != nil {
			h.logger.Error("failed to release provider event", "err", err, "provider_event_id", evt.ID)
		}
		if errors.Is(applyErr, lifecycle.ErrNotFound) {
			// Likely the webhook raced the creating request; Stripe will
			// redeliver after the row has committed.
			http.Error(w, "appointment not found yet", http.StatusNotFound)
			return
		}
		h.logger.Error("webhook apply failed", "err", applyErr, "provider_event_id", evt.ID, "event_type", evtType)
		http.Error(w, "failed to apply event", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": status})
}

// applyStripeEvent dispatches one verified, deduplicated event. It returns
// the response status word ("ok", "duplicate", "ignored") or an error when
// the event should be redelivered.
func (h *Handler) applyStripeEvent(r *http.Request, organizationID string, evt stripe.Event) (string, error) {
	ctx := r.Context()

	switch string(evt.Type) {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			return "ignored", nil
		}
		appointmentID, ok := h.appointmentRef(organizationID, session.Metadata)
		if !ok {
			return "ignored", nil
		}
		paymentIntentID := ""
		if session.PaymentIntent != nil {
			paymentIntentID = session.PaymentIntent.ID
		}
		applied, err := h.manager.ConfirmPaid(ctx, organizationID, appointmentID, paymentIntentID)
		if err != nil {
			return "", err
		}
		if !applied {
			return "duplicate", nil
		}
		return "ok", nil

	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			return "ignored", nil
		}
		appointmentID, ok := h.appointmentRef(organizationID, session.Metadata)
		if !ok {
			return "ignored", nil
		}
		if _, err := h.manager.MarkPaymentFailed(ctx, organizationID, appointmentID, "checkout session expired"); err != nil {
			return "", err
		}
		return "ok", nil

	case "payment_intent.payment_failed":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &intent); err != nil {
			h.logger.Error("stripe: invalid payment intent payload", "err", err)
			return "ignored", nil
		}
		appointmentID, ok := h.appointmentRef(organizationID, intent.Metadata)
		if !ok {
			return "ignored", nil
		}
		reason := "payment failed"
		if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
			reason = intent.LastPaymentError.Msg
		}
		if _, err := h.manager.MarkPaymentFailed(ctx, organizationID, appointmentID, reason); err != nil {
			return "", err
		}
		return "ok", nil

	case "invoice.paid":
		appointmentID, ok := h.appointmentRef(organizationID, invoiceMetadata(evt))
		if !ok {
			return "ignored", nil
		}
		if _, err := h.manager.SubscriptionRenewed(ctx, organizationID, appointmentID); err != nil {
			return "", err
		}
		return "ok", nil

	case "invoice.payment_failed":
		appointmentID, ok := h.appointmentRef(organizationID, invoiceMetadata(evt))
		if !ok {
			return "ignored", nil
		}
		if _, err := h.manager.SubscriptionLapsed(ctx, organizationID, appointmentID, "subscription invoice payment failed"); err != nil {
			return "", err
		}
		return "ok", nil
	}

	// Unhandled event types are acknowledged; Stripe sends whatever the
	// endpoint is subscribed to plus account-level noise.
	return "ignored", nil
}

// appointmentRef pulls the appointment id out of event metadata and enforces
// tenant isolation: an event whose metadata names a different organization
// than the endpoint it arrived on is never applied.
func (h *Handler) appointmentRef(organizationID string, metadata map[string]string) (string, bool) {
	appointmentID := strings.TrimSpace(metadata["appointment_id"])
	if appointmentID == "" {
		h.logger.Warn("stripe: event metadata missing appointment_id")
		return "", false
	}
	if metaOrg := strings.TrimSpace(metadata["organization_id"]); metaOrg != "" && metaOrg != organizationID {
		h.logger.Warn("stripe: event organization mismatch", "endpoint_org", organizationID, "metadata_org", metaOrg)
		return "", false
	}
	return appointmentID, true
}

func invoiceMetadata(evt stripe.Event) map[string]string {
	var inv stripe.Invoice
	if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
		return nil
	}
	if inv.SubscriptionDetails != nil && len(inv.SubscriptionDetails.Metadata) > 0 {
		return inv.SubscriptionDetails.Metadata
	}
	return inv.Metadata
}
