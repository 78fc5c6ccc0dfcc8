package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/careslot/careslot/services/appointment-service/internal/model"
	"github.com/careslot/careslot/services/appointment-service/internal/payments"
	"github.com/jackc/pgx/v5"
)

// fakeStore mirrors the repository's conditional-update semantics in memory:
// each transition method only applies from the same source states the SQL
// WHERE clauses permit.
type fakeStore struct {
	seq   int
	appts map[string]*model.Appointment
	notes map[string][]model.Note
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		appts: map[string]*model.Appointment{},
		notes: map[string][]model.Note{},
	}
}

func (s *fakeStore) Create(_ context.Context, appt *model.Appointment) (string, error) {
	s.seq++
	id := fmt.Sprintf("appt-%d", s.seq)
	cp := *appt
	cp.ID = id
	s.appts[id] = &cp
	return id, nil
}

func (s *fakeStore) find(organizationID, appointmentID string) *model.Appointment {
	appt, ok := s.appts[appointmentID]
	if !ok || appt.OrganizationID != organizationID {
		return nil
	}
	return appt
}

func (s *fakeStore) Get(_ context.Context, organizationID, appointmentID string) (model.Appointment, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil {
		return model.Appointment{}, pgx.ErrNoRows
	}
	cp := *appt
	cp.Notes = s.notes[appointmentID]
	return cp, nil
}

func (s *fakeStore) GetByCheckoutSession(_ context.Context, organizationID, sessionID string) (model.Appointment, error) {
	for _, appt := range s.appts {
		if appt.OrganizationID == organizationID && appt.CheckoutSessionID == sessionID {
			return *appt, nil
		}
	}
	return model.Appointment{}, pgx.ErrNoRows
}

func (s *fakeStore) AttachCheckoutSession(_ context.Context, organizationID, appointmentID, sessionID string) (bool, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil {
		return false, nil
	}
	if (appt.PaymentStatus != model.PaymentPending && appt.PaymentStatus != model.PaymentFailed) ||
		(appt.Status != model.StatusScheduled && appt.Status != model.StatusPaymentFailed) {
		return false, nil
	}
	appt.CheckoutSessionID = sessionID
	appt.Status = model.StatusScheduled
	appt.PaymentStatus = model.PaymentPending
	return true, nil
}

func (s *fakeStore) ConfirmPaid(_ context.Context, organizationID, appointmentID, paymentIntentID string) (bool, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil || appt.Status != model.StatusScheduled || appt.PaymentStatus != model.PaymentPending {
		return false, nil
	}
	appt.Status = model.StatusConfirmed
	appt.PaymentStatus = model.PaymentPaid
	appt.PaymentIntentID = paymentIntentID
	return true, nil
}

func (s *fakeStore) FailPayment(_ context.Context, organizationID, appointmentID string) (bool, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil || appt.Status != model.StatusScheduled || appt.PaymentStatus != model.PaymentPending {
		return false, nil
	}
	appt.Status = model.StatusPaymentFailed
	appt.PaymentStatus = model.PaymentFailed
	return true, nil
}

func (s *fakeStore) ClaimCancel(_ context.Context, organizationID, appointmentID, reason string) (string, string, bool, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil || appt.Status == model.StatusCancelled {
		return "", "", false, nil
	}
	appt.Status = model.StatusCancelled
	appt.CancelReason = reason
	return appt.PaymentStatus, appt.PaymentIntentID, true, nil
}

func (s *fakeStore) SetPaymentStatus(_ context.Context, organizationID, appointmentID, paymentStatus string) (bool, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil || appt.PaymentStatus == paymentStatus {
		return false, nil
	}
	appt.PaymentStatus = paymentStatus
	return true, nil
}

func (s *fakeStore) MarkAbandonNotified(_ context.Context, organizationID, appointmentID string) (bool, error) {
	appt := s.find(organizationID, appointmentID)
	if appt == nil || appt.AbandonNotified {
		return false, nil
	}
	appt.AbandonNotified = true
	return true, nil
}

func (s *fakeStore) AppendNote(_ context.Context, appointmentID string, note model.Note) error {
	s.notes[appointmentID] = append(s.notes[appointmentID], note)
	return nil
}

func (s *fakeStore) hasNote(appointmentID, kind string) bool {
	for _, n := range s.notes[appointmentID] {
		if n.Kind == kind {
			return true
		}
	}
	return false
}

type fakeCatalog struct {
	types map[string]model.AppointmentType
}

func (c *fakeCatalog) AppointmentType(_ context.Context, organizationID, typeID string) (model.AppointmentType, error) {
	t, ok := c.types[typeID]
	if !ok || t.OrganizationID != organizationID {
		return model.AppointmentType{}, pgx.ErrNoRows
	}
	return t, nil
}

type fakeGateway struct {
	sessionSeq  int
	openErr     error
	refundErr   error
	refundCalls int
}

func (g *fakeGateway) OpenSession(_ context.Context, p payments.OpenSessionParams) (payments.Session, error) {
	if g.openErr != nil {
		return payments.Session{}, g.openErr
	}
	g.sessionSeq++
	id := fmt.Sprintf("cs_test_%d", g.sessionSeq)
	return payments.Session{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) Refund(_ context.Context, p payments.RefundParams) (payments.Refund, error) {
	g.refundCalls++
	if g.refundErr != nil {
		return payments.Refund{}, g.refundErr
	}
	return payments.Refund{ID: "re_test_1", PaymentIntentID: p.PaymentIntentID, Amount: p.Amount}, nil
}

func (g *fakeGateway) RegisterWebhookEndpoint(_ context.Context, _ string) (string, error) {
	return "we_test_1", nil
}

func (g *fakeGateway) RemoveWebhookEndpoint(_ context.Context, _ string) error {
	return nil
}

type fakeNotifier struct {
	confirmed []string
	cancelled []string
	failed    []string
	abandoned []string
}

func (n *fakeNotifier) AppointmentConfirmed(_ context.Context, appt model.Appointment) {
	n.confirmed = append(n.confirmed, appt.ID)
}

func (n *fakeNotifier) AppointmentCancelled(_ context.Context, appt model.Appointment, _ string, _ bool) {
	n.cancelled = append(n.cancelled, appt.ID)
}

func (n *fakeNotifier) PaymentFailed(_ context.Context, appt model.Appointment, _ string) {
	n.failed = append(n.failed, appt.ID)
}

func (n *fakeNotifier) CheckoutAbandoned(_ context.Context, appt model.Appointment) {
	n.abandoned = append(n.abandoned, appt.ID)
}

const testOrg = "org-1"

func newTestManager() (*Manager, *fakeStore, *fakeGateway, *fakeNotifier) {
	store := newFakeStore()
	catalog := &fakeCatalog{types: map[string]model.AppointmentType{
		"type-free": {
			ID:             "type-free",
			OrganizationID: testOrg,
			Name:           "Intro Call",
		},
		"type-paid": {
			ID:              "type-paid",
			OrganizationID:  testOrg,
			Name:            "Consultation",
			RequiresPayment: true,
			StripePriceID:   "price_123",
			PaymentMode:     model.ModeOneTime,
		},
	}}
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	logger := slog.New(slog.DiscardHandler)
	return NewManager(store, catalog, gateway, notifier, nil, logger), store, gateway, notifier
}

func createParams(typeID string) CreateParams {
	start := time.Now().Add(24 * time.Hour).UTC()
	p := CreateParams{
		OrganizationID:    testOrg,
		AppointmentTypeID: typeID,
		PatientID:         "pat-1",
		PatientEmail:      "pat@example.com",
		PatientName:       "Pat Doe",
		Title:             "Consultation",
		StartTime:         start,
		EndTime:           start.Add(30 * time.Minute),
		CreatedBy:         "user-1",
	}
	if typeID == "type-paid" {
		p.SuccessURL = "https://app.test/success"
		p.CancelURL = "https://app.test/cancel"
	}
	return p
}

func TestCreateFreeTypeConfirmsImmediately(t *testing.T) {
	m, _, _, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-free"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if res.Status != model.StatusConfirmed || res.PaymentStatus != model.PaymentNotRequired {
		t.Fatalf("unexpected state: %s/%s", res.Status, res.PaymentStatus)
	}
	if res.CheckoutURL != "" {
		t.Fatal("free appointment should not open checkout")
	}
	if len(notifier.confirmed) != 1 {
		t.Fatalf("expected 1 confirmation notification, got %d", len(notifier.confirmed))
	}
}

func TestCreatePaidTypeOpensCheckout(t *testing.T) {
	m, store, _, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if res.Status != model.StatusScheduled || res.PaymentStatus != model.PaymentPending {
		t.Fatalf("unexpected state: %s/%s", res.Status, res.PaymentStatus)
	}
	if !res.RequiresPayment || res.CheckoutURL == "" || res.SessionID == "" {
		t.Fatalf("expected checkout session in result: %+v", res)
	}
	appt := store.appts[res.AppointmentID]
	if appt.CheckoutSessionID != res.SessionID {
		t.Fatalf("session not attached: %q != %q", appt.CheckoutSessionID, res.SessionID)
	}
	if len(notifier.confirmed) != 0 {
		t.Fatal("no confirmation until payment settles")
	}
}

func TestCreatePaidTypeRequiresRedirectURLs(t *testing.T) {
	m, _, _, _ := newTestManager()

	p := createParams("type-paid")
	p.SuccessURL = ""
	if _, err := m.Create(context.Background(), p); !errors.Is(err, ErrMissingRedirectURLs) {
		t.Fatalf("expected ErrMissingRedirectURLs, got %v", err)
	}
}

func TestCreateUnknownTypeIsNotFound(t *testing.T) {
	m, _, _, _ := newTestManager()

	if _, err := m.Create(context.Background(), createParams("type-missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateKeepsRowWhenCheckoutFails(t *testing.T) {
	m, store, gateway, _ := newTestManager()
	gateway.openErr = errors.New("stripe unreachable")

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err == nil {
		t.Fatal("expected error from failed checkout")
	}
	if res.AppointmentID == "" {
		t.Fatal("appointment id should be returned so the caller can retry")
	}
	appt := store.appts[res.AppointmentID]
	if appt.Status != model.StatusPaymentFailed || appt.PaymentStatus != model.PaymentFailed {
		t.Fatalf("unexpected state after checkout failure: %s/%s", appt.Status, appt.PaymentStatus)
	}
	if !store.hasNote(res.AppointmentID, model.NoteCheckoutFailed) {
		t.Fatal("expected checkout_failed audit note")
	}
}

func TestConfirmPaidIsIdempotent(t *testing.T) {
	m, store, _, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	applied, err := m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1")
	if err != nil || !applied {
		t.Fatalf("first confirm: applied=%v err=%v", applied, err)
	}
	appt := store.appts[res.AppointmentID]
	if appt.Status != model.StatusConfirmed || appt.PaymentStatus != model.PaymentPaid {
		t.Fatalf("unexpected state: %s/%s", appt.Status, appt.PaymentStatus)
	}
	if appt.PaymentIntentID != "pi_1" {
		t.Fatalf("payment intent not recorded: %q", appt.PaymentIntentID)
	}

	applied, err = m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1")
	if err != nil {
		t.Fatalf("duplicate confirm errored: %v", err)
	}
	if applied {
		t.Fatal("duplicate confirm should not re-apply")
	}
	if len(notifier.confirmed) != 1 {
		t.Fatalf("expected exactly 1 confirmation notification, got %d", len(notifier.confirmed))
	}

	if _, err := m.ConfirmPaid(context.Background(), testOrg, "appt-missing", "pi_2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown appointment, got %v", err)
	}
}

func TestMarkPaymentFailedThenRetry(t *testing.T) {
	m, store, _, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	applied, err := m.MarkPaymentFailed(context.Background(), testOrg, res.AppointmentID, "card declined")
	if err != nil || !applied {
		t.Fatalf("mark failed: applied=%v err=%v", applied, err)
	}
	if len(notifier.failed) != 1 {
		t.Fatalf("expected payment-failed notification, got %d", len(notifier.failed))
	}

	retry, err := m.RetryPayment(context.Background(), testOrg, res.AppointmentID, "https://app.test/success", "https://app.test/cancel")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.SessionID == res.SessionID {
		t.Fatal("retry should open a fresh session")
	}
	appt := store.appts[res.AppointmentID]
	if appt.Status != model.StatusScheduled || appt.PaymentStatus != model.PaymentPending {
		t.Fatalf("retry should reset to scheduled/pending, got %s/%s", appt.Status, appt.PaymentStatus)
	}
	if appt.CheckoutSessionID != retry.SessionID {
		t.Fatalf("new session not attached: %q", appt.CheckoutSessionID)
	}
}

func TestRetryPaymentRejectsSettledAppointment(t *testing.T) {
	m, _, _, _ := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	_, err = m.RetryPayment(context.Background(), testOrg, res.AppointmentID, "https://app.test/success", "https://app.test/cancel")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCancelPaidAppointmentRefunds(t *testing.T) {
	m, _, gateway, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	cres, err := m.Cancel(context.Background(), CancelParams{
		OrganizationID: testOrg,
		AppointmentID:  res.AppointmentID,
		Reason:         "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cres.Status != model.StatusCancelled || cres.PaymentStatus != model.PaymentRefunded {
		t.Fatalf("unexpected state: %s/%s", cres.Status, cres.PaymentStatus)
	}
	if !cres.Refunded || cres.RefundID == "" {
		t.Fatalf("expected refund in result: %+v", cres)
	}
	if gateway.refundCalls != 1 {
		t.Fatalf("expected 1 refund call, got %d", gateway.refundCalls)
	}
	if len(notifier.cancelled) != 1 {
		t.Fatalf("expected cancellation notification, got %d", len(notifier.cancelled))
	}

	// Repeating the cancel is an idempotent success and must not re-refund.
	again, err := m.Cancel(context.Background(), CancelParams{
		OrganizationID: testOrg,
		AppointmentID:  res.AppointmentID,
		Reason:         "requested_by_customer",
	})
	if err != nil {
		t.Fatalf("repeat cancel failed: %v", err)
	}
	if !again.AlreadyCancelled {
		t.Fatal("repeat cancel should report already_cancelled")
	}
	if gateway.refundCalls != 1 {
		t.Fatalf("repeat cancel must not refund again, got %d calls", gateway.refundCalls)
	}
}

func TestCancelSurvivesRefundFailure(t *testing.T) {
	m, store, gateway, _ := newTestManager()
	gateway.refundErr = errors.New("stripe unreachable")

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	cres, err := m.Cancel(context.Background(), CancelParams{
		OrganizationID: testOrg,
		AppointmentID:  res.AppointmentID,
		Reason:         "duplicate",
	})
	if err != nil {
		t.Fatalf("cancel must stand even when the refund fails: %v", err)
	}
	if cres.Status != model.StatusCancelled {
		t.Fatalf("unexpected status: %s", cres.Status)
	}
	if cres.Refunded {
		t.Fatal("refund did not happen, result must not claim it did")
	}
	// The unrefunded charge stays visible for manual reconciliation.
	if cres.PaymentStatus != model.PaymentPaid {
		t.Fatalf("payment status should remain paid, got %s", cres.PaymentStatus)
	}
	if !store.hasNote(res.AppointmentID, model.NoteRefundFailed) {
		t.Fatal("expected refund_failed audit note")
	}
}

func TestCancelUnpaidSkipsRefund(t *testing.T) {
	m, _, gateway, _ := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	cres, err := m.Cancel(context.Background(), CancelParams{
		OrganizationID: testOrg,
		AppointmentID:  res.AppointmentID,
	})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cres.PaymentStatus != model.PaymentPending {
		t.Fatalf("unexpected payment status: %s", cres.PaymentStatus)
	}
	if gateway.refundCalls != 0 {
		t.Fatalf("unpaid appointment must not be refunded, got %d calls", gateway.refundCalls)
	}
}

func TestCancelUnknownAppointmentIsNotFound(t *testing.T) {
	m, _, _, _ := newTestManager()

	_, err := m.Cancel(context.Background(), CancelParams{
		OrganizationID: testOrg,
		AppointmentID:  "appt-missing",
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAckAbandonedCheckoutNotifiesOnce(t *testing.T) {
	m, store, _, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, err := m.AckAbandonedCheckout(context.Background(), testOrg, res.AppointmentID)
	if err != nil || !first {
		t.Fatalf("first ack: notified=%v err=%v", first, err)
	}
	second, err := m.AckAbandonedCheckout(context.Background(), testOrg, res.AppointmentID)
	if err != nil {
		t.Fatalf("second ack errored: %v", err)
	}
	if second {
		t.Fatal("abandoned-checkout notification must fire at most once")
	}
	if len(notifier.abandoned) != 1 {
		t.Fatalf("expected 1 abandoned notification, got %d", len(notifier.abandoned))
	}

	// The appointment stays retryable.
	appt := store.appts[res.AppointmentID]
	if appt.Status != model.StatusScheduled || appt.PaymentStatus != model.PaymentPending {
		t.Fatalf("ack must not change state, got %s/%s", appt.Status, appt.PaymentStatus)
	}
}

func TestAckAbandonedCheckoutIgnoresSettledAppointment(t *testing.T) {
	m, _, _, notifier := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	notified, err := m.AckAbandonedCheckout(context.Background(), testOrg, res.AppointmentID)
	if err != nil {
		t.Fatalf("ack errored: %v", err)
	}
	if notified || len(notifier.abandoned) != 0 {
		t.Fatal("settled appointment must not produce an abandoned notification")
	}
}

func TestSubscriptionRenewalAndLapse(t *testing.T) {
	m, store, _, _ := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := m.ConfirmPaid(context.Background(), testOrg, res.AppointmentID, "pi_1"); err != nil {
		t.Fatalf("confirm failed: %v", err)
	}

	applied, err := m.SubscriptionLapsed(context.Background(), testOrg, res.AppointmentID, "invoice unpaid")
	if err != nil || !applied {
		t.Fatalf("lapse: applied=%v err=%v", applied, err)
	}
	if store.appts[res.AppointmentID].PaymentStatus != model.PaymentFailed {
		t.Fatalf("unexpected payment status: %s", store.appts[res.AppointmentID].PaymentStatus)
	}

	applied, err = m.SubscriptionRenewed(context.Background(), testOrg, res.AppointmentID)
	if err != nil || !applied {
		t.Fatalf("renew: applied=%v err=%v", applied, err)
	}
	if store.appts[res.AppointmentID].PaymentStatus != model.PaymentPaid {
		t.Fatalf("unexpected payment status: %s", store.appts[res.AppointmentID].PaymentStatus)
	}

	// Renewing an already-paid appointment is a no-op, not an error.
	applied, err = m.SubscriptionRenewed(context.Background(), testOrg, res.AppointmentID)
	if err != nil {
		t.Fatalf("repeat renew errored: %v", err)
	}
	if applied {
		t.Fatal("repeat renew should not re-apply")
	}
}

func TestSessionLookup(t *testing.T) {
	m, _, _, _ := newTestManager()

	res, err := m.Create(context.Background(), createParams("type-paid"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	appt, err := m.Session(context.Background(), testOrg, res.SessionID)
	if err != nil {
		t.Fatalf("session lookup failed: %v", err)
	}
	if appt.ID != res.AppointmentID {
		t.Fatalf("unexpected appointment: %s", appt.ID)
	}

	if _, err := m.Session(context.Background(), testOrg, "cs_unknown"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
