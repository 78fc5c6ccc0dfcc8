package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/careslot/careslot/services/appointment-service/internal/lifecycle"
	"github.com/careslot/careslot/services/appointment-service/internal/model"
	"github.com/careslot/careslot/services/appointment-service/internal/payments"
)

// Handler exposes the appointment lifecycle over HTTP. The gateway in front
// authenticates callers and injects X-Organization-Id / X-Role headers.
type Handler struct {
	manager          *lifecycle.Manager
	tenants          payments.ConfigSource
	ledger           Ledger
	gateway          payments.Gateway
	logger           *slog.Logger
	webhookTolerance time.Duration
}

// Ledger deduplicates provider webhook events by event id. Forget releases a
// recorded id when the event could not be applied for a transient reason so
// the processor's redelivery gets another chance.
type Ledger interface {
	Record(ctx context.Context, provider, organizationID, providerEventID, eventType string, payload []byte) error
	Forget(ctx context.Context, provider, providerEventID string) error
}

type Config struct {
	WebhookToleranceSeconds int
}

func New(manager *lifecycle.Manager, tenants payments.ConfigSource, ledger Ledger, gateway payments.Gateway, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.WebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		manager:          manager,
		tenants:          tenants,
		ledger:           ledger,
		gateway:          gateway,
		logger:           logger,
		webhookTolerance: time.Duration(tolSeconds) * time.Second,
	}
}

type createAppointmentRequest struct {
	AppointmentTypeID string `json:"appointment_type_id"`
	PatientID         string `json:"patient_id"`
	PatientEmail      string `json:"patient_email"`
	PatientName       string `json:"patient_name"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	StartTime         string `json:"start_time"`
	EndTime           string `json:"end_time"`
	MeetingLink       string `json:"meeting_link,omitempty"`
	SuccessURL        string `json:"success_url,omitempty"`
	CancelURL         string `json:"cancel_url,omitempty"`
}

type createAppointmentResponse struct {
	AppointmentID   string `json:"appointment_id"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	RequiresPayment bool   `json:"requires_payment"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	organizationID := callerOrganization(r)
	if organizationID == "" {
		http.Error(w, "missing organization context", http.StatusBadRequest)
		return
	}

	var req createAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentTypeID = strings.TrimSpace(req.AppointmentTypeID)
	req.PatientID = strings.TrimSpace(req.PatientID)
	req.PatientEmail = strings.TrimSpace(req.PatientEmail)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.Title = strings.TrimSpace(req.Title)
	if req.AppointmentTypeID == "" || req.PatientID == "" || req.Title == "" {
		http.Error(w, "missing required fields", http.StatusBadRequest)
		return
	}

	startTime, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return
	}
	endTime, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return
	}
	if !endTime.After(startTime) {
		http.Error(w, "end_time must be after start_time", http.StatusBadRequest)
		return
	}

	result, err := h.manager.Create(r.Context(), lifecycle.CreateParams{
		OrganizationID:    organizationID,
		AppointmentTypeID: req.AppointmentTypeID,
		PatientID:         req.PatientID,
		PatientEmail:      req.PatientEmail,
		PatientName:       req.PatientName,
		Title:             req.Title,
		Description:       strings.TrimSpace(req.Description),
		StartTime:         startTime,
		EndTime:           endTime,
		CreatedBy:         strings.TrimSpace(r.Header.Get("X-User-Id")),
		MeetingLink:       strings.TrimSpace(req.MeetingLink),
		SuccessURL:        strings.TrimSpace(req.SuccessURL),
		CancelURL:         strings.TrimSpace(req.CancelURL),
	})
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			http.Error(w, "appointment type not found", http.StatusNotFound)
		case errors.Is(err, lifecycle.ErrMissingRedirectURLs):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case payments.IsConfig(err):
			// The appointment row is kept in payment_failed; tell the caller
			// which one so a retry is possible once configuration is fixed.
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"error":          "payment configuration error",
				"appointment_id": result.AppointmentID,
			})
		case payments.IsGateway(err):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":          "payment processor unavailable, retry payment later",
				"appointment_id": result.AppointmentID,
			})
		default:
			h.logger.Error("appointment create failed", "err", err)
			http.Error(w, "failed to create appointment", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, createAppointmentResponse{
		AppointmentID:   result.AppointmentID,
		Status:          result.Status,
		PaymentStatus:   result.PaymentStatus,
		RequiresPayment: result.RequiresPayment,
		CheckoutURL:     result.CheckoutURL,
		SessionID:       result.SessionID,
	})
}

type retryPaymentRequest struct {
	AppointmentID string `json:"appointment_id"`
	SuccessURL    string `json:"success_url"`
	CancelURL     string `json:"cancel_url"`
}

func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	organizationID := callerOrganization(r)
	if organizationID == "" {
		http.Error(w, "missing organization context", http.StatusBadRequest)
		return
	}

	var req retryPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.manager.RetryPayment(r.Context(), organizationID, req.AppointmentID,
		strings.TrimSpace(req.SuccessURL), strings.TrimSpace(req.CancelURL))
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			http.Error(w, "appointment not found", http.StatusNotFound)
		case errors.Is(err, lifecycle.ErrConflict):
			http.Error(w, "appointment is not awaiting payment", http.StatusConflict)
		case errors.Is(err, lifecycle.ErrMissingRedirectURLs):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case payments.IsConfig(err):
			http.Error(w, "payment configuration error", http.StatusUnprocessableEntity)
		case payments.IsGateway(err):
			http.Error(w, "payment processor unavailable", http.StatusBadGateway)
		default:
			h.logger.Error("payment retry failed", "err", err, "appointment_id", req.AppointmentID)
			http.Error(w, "failed to retry payment", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"appointment_id": result.AppointmentID,
		"checkout_url":   result.CheckoutURL,
		"session_id":     result.SessionID,
	})
}

type cancelAppointmentRequest struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason,omitempty"`
	RefundAmount  int64  `json:"refund_amount,omitempty"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	organizationID := callerOrganization(r)
	if organizationID == "" {
		http.Error(w, "missing organization context", http.StatusBadRequest)
		return
	}

	var req cancelAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}
	switch req.Reason {
	case "", "duplicate", "fraudulent", "requested_by_customer":
	default:
		http.Error(w, "invalid reason", http.StatusBadRequest)
		return
	}

	result, err := h.manager.Cancel(r.Context(), lifecycle.CancelParams{
		OrganizationID: organizationID,
		AppointmentID:  req.AppointmentID,
		Reason:         req.Reason,
		RefundAmount:   req.RefundAmount,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		h.logger.Error("appointment cancel failed", "err", err, "appointment_id", req.AppointmentID)
		http.Error(w, "failed to cancel appointment", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"appointment_id":    result.AppointmentID,
		"status":            result.Status,
		"payment_status":    result.PaymentStatus,
		"refunded":          result.Refunded,
		"refund_id":         result.RefundID,
		"already_cancelled": result.AlreadyCancelled,
	})
}

// SessionStatus is intentionally public: the processor redirects the patient
// back without a JWT. It returns non-sensitive state only.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	organizationID := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if organizationID == "" || sessionID == "" {
		http.Error(w, "organization_id and session_id are required", http.StatusBadRequest)
		return
	}

	appt, err := h.manager.Session(r.Context(), organizationID, sessionID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load session", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"appointment_id": appt.ID,
		"status":         appt.Status,
		"payment_status": appt.PaymentStatus,
		"updated_at":     appt.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

type abandonedCheckoutRequest struct {
	AppointmentID string `json:"appointment_id"`
}

func (h *Handler) AckAbandonedCheckout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	organizationID := callerOrganization(r)
	if organizationID == "" {
		http.Error(w, "missing organization context", http.StatusBadRequest)
		return
	}

	var req abandonedCheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.AppointmentID = strings.TrimSpace(req.AppointmentID)
	if req.AppointmentID == "" {
		http.Error(w, "appointment_id is required", http.StatusBadRequest)
		return
	}

	notified, err := h.manager.AckAbandonedCheckout(r.Context(), organizationID, req.AppointmentID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to record abandoned checkout", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notified": notified})
}

type appointmentResponse struct {
	AppointmentID string `json:"appointment_id"`
	Title         string `json:"title"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	StartTime     string `json:"start_time"`
	EndTime       string `json:"end_time"`
	MeetingLink   string `json:"meeting_link,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	organizationID := callerOrganization(r)
	appointmentID := strings.TrimSpace(r.URL.Query().Get("appointment_id"))
	if organizationID == "" || appointmentID == "" {
		http.Error(w, "organization context and appointment_id are required", http.StatusBadRequest)
		return
	}

	appt, err := h.manager.Appointment(r.Context(), organizationID, appointmentID)
	if err != nil {
		if errors.Is(err, lifecycle.ErrNotFound) {
			http.Error(w, "appointment not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load appointment", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, appointmentResponse{
		AppointmentID: appt.ID,
		Title:         appt.Title,
		Status:        appt.Status,
		PaymentStatus: appt.PaymentStatus,
		StartTime:     appt.StartTime.UTC().Format(time.RFC3339),
		EndTime:       appt.EndTime.UTC().Format(time.RFC3339),
		MeetingLink:   appt.MeetingLink,
		Notes:         model.NotesText(appt.Notes),
	})
}

type webhookEndpointRequest struct {
	OrganizationID string `json:"organization_id,omitempty"` // admin only
}

// RegisterWebhookEndpoint provisions the tenant's webhook endpoint on the
// processor. Idempotent; admin callers may target another organization.
func (h *Handler) RegisterWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
	h.webhookEndpointOp(w, r, true)
}

func (h *Handler) RemoveWebhookEndpoint(w http.ResponseWriter, r *http.Request) {
	h.webhookEndpointOp(w, r, false)
}

func (h *Handler) webhookEndpointOp(w http.ResponseWriter, r *http.Request, register bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req webhookEndpointRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // optional body
	organizationID := callerOrganization(r)
	if r.Header.Get("X-Role") == "admin" && strings.TrimSpace(req.OrganizationID) != "" {
		organizationID = strings.TrimSpace(req.OrganizationID)
	}
	if organizationID == "" {
		http.Error(w, "organization_id is required", http.StatusBadRequest)
		return
	}

	if register {
		endpointID, err := h.gateway.RegisterWebhookEndpoint(r.Context(), organizationID)
		if err != nil {
			h.webhookEndpointError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"endpoint_id": endpointID})
		return
	}
	if err := h.gateway.RemoveWebhookEndpoint(r.Context(), organizationID); err != nil {
		h.webhookEndpointError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (h *Handler) webhookEndpointError(w http.ResponseWriter, err error) {
	if payments.IsConfig(err) {
		http.Error(w, "payment configuration error", http.StatusUnprocessableEntity)
		return
	}
	h.logger.Error("webhook endpoint operation failed", "err", err)
	http.Error(w, "payment processor unavailable", http.StatusBadGateway)
}

func callerOrganization(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Organization-Id"))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
