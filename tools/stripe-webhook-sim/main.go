package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8086"), "appointment service base url")
		evtType     = flag.String("type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		org         = flag.String("organization-id", getenv("ORGANIZATION_ID", ""), "organization_id (webhook path and metadata)")
		appointment = flag.String("appointment-id", getenv("APPOINTMENT_ID", ""), "appointment_id metadata")
		secret      = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(*org) == "" {
		fatal("ORGANIZATION_ID is required")
	}
	if strings.TrimSpace(*appointment) == "" {
		fatal("APPOINTMENT_ID is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *org, *appointment)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	url := strings.TrimRight(*baseURL, "/") + "/webhook/" + *org
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, organizationID, appointmentID string) ([]byte, error) {
	created := t.Unix()
	metadata := map[string]any{
		"organization_id": organizationID,
		"appointment_id":  appointmentID,
	}
	envelope := func(object map[string]any) ([]byte, error) {
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2020-08-27",
			"data":        map[string]any{"object": object},
		})
	}

	switch eventType {
	case "checkout.session.completed":
		return envelope(map[string]any{
			"id":             "cs_test_123",
			"object":         "checkout.session",
			"payment_intent": map[string]any{"id": "pi_test_123"},
			"metadata":       metadata,
		})
	case "checkout.session.expired":
		return envelope(map[string]any{
			"id":       "cs_test_123",
			"object":   "checkout.session",
			"metadata": metadata,
		})
	case "payment_intent.payment_failed":
		return envelope(map[string]any{
			"id":       "pi_test_123",
			"object":   "payment_intent",
			"metadata": metadata,
			"last_payment_error": map[string]any{
				"message": "Your card was declined.",
			},
		})
	case "invoice.paid", "invoice.payment_failed":
		return envelope(map[string]any{
			"id":     "in_test_123",
			"object": "invoice",
			"subscription_details": map[string]any{
				"metadata": metadata,
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
