package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/veiledletter/payments/internal/middleware"
	"github.com/veiledletter/payments/internal/model"
	"github.com/veiledletter/payments/internal/psp"
	"github.com/veiledletter/payments/internal/repository"
	"github.com/veiledletter/payments/internal/service"
)

type stubService struct {
	createOrderResp *model.Order
	createOrderErr  error

	applyCouponResp *model.Order
	applyCouponErr  error

	getOrderResp *model.Order
	getOrderErr  error

	issueResp *service.IssuedCharge
	issueErr  error

	confirmApplied bool
	confirmErr     error
	confirmCalls   int
	confirmLastRef string
}

func (s *stubService) Ping(ctx context.Context) error { return nil }

func (s *stubService) CreateOrder(ctx context.Context, amountCents int64, couponCode string, scheduledFor *time.Time) (*model.Order, error) {
	return s.createOrderResp, s.createOrderErr
}

func (s *stubService) ApplyCoupon(ctx context.Context, orderID, couponCode string) (*model.Order, error) {
	return s.applyCouponResp, s.applyCouponErr
}

func (s *stubService) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.getOrderResp, s.getOrderErr
}

func (s *stubService) IssueCharge(ctx context.Context, orderID, provider string, amountCents int64, description string) (*service.IssuedCharge, error) {
	return s.issueResp, s.issueErr
}

func (s *stubService) ConfirmPayment(ctx context.Context, provider string, n *psp.Notification) (bool, error) {
	s.confirmCalls++
	s.confirmLastRef = n.TransactionRef
	return s.confirmApplied, s.confirmErr
}

type fakeProvider struct {
	notification *psp.Notification
	parseErr     error
	parseCalls   int
}

func (p *fakeProvider) Name() string { return "pix" }

func (p *fakeProvider) CreateCharge(ctx context.Context, req psp.ChargeRequest) (*psp.Charge, error) {
	return nil, nil
}

func (p *fakeProvider) ParseNotification(body []byte) (*psp.Notification, error) {
	p.parseCalls++
	return p.notification, p.parseErr
}

func newTestHandler(t *testing.T, svc Service, provider psp.Provider) (*Handler, *middleware.SignatureMiddleware) {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	sig := middleware.NewSignatureMiddleware("test-secret")
	registry := psp.NewRegistry(provider)

	return NewHandler(svc, logger, registry, sig), sig
}

func postWebhook(t *testing.T, h *Handler, sig *middleware.SignatureMiddleware, path string, body []byte, sign bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if sign {
		req.Header.Set(middleware.SignatureHeader, sig.Sign(body))
	}

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_CompletedEventConfirms(t *testing.T) {
	svc := &stubService{confirmApplied: true}
	provider := &fakeProvider{
		notification: &psp.Notification{
			Event: "charge.completed", Completed: true, ChargeRef: "X", TransactionRef: "T1",
		},
	}
	h, sig := newTestHandler(t, svc, provider)

	rec := postWebhook(t, h, sig, "/api/webhooks/pix", []byte(`{"event":"charge.completed"}`), true)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if svc.confirmCalls != 1 || svc.confirmLastRef != "T1" {
		t.Fatalf("confirm calls = %d (ref %q), want 1 (T1)", svc.confirmCalls, svc.confirmLastRef)
	}
}

func TestWebhook_IgnoredEventAcknowledged(t *testing.T) {
	svc := &stubService{}
	provider := &fakeProvider{
		notification: &psp.Notification{Event: "charge.created", Completed: false, ChargeRef: "X"},
	}
	h, sig := newTestHandler(t, svc, provider)

	rec := postWebhook(t, h, sig, "/api/webhooks/pix", []byte(`{"event":"charge.created"}`), true)

	if rec.Code != http.StatusOK {
		t.Fatalf("ignored events must still be acknowledged, status = %d", rec.Code)
	}
	if svc.confirmCalls != 0 {
		t.Fatalf("confirm must not run for ignored events")
	}
}

func TestWebhook_UnknownChargeAcknowledged(t *testing.T) {
	svc := &stubService{confirmErr: repository.ErrOrderNotFound}
	provider := &fakeProvider{
		notification: &psp.Notification{Event: "charge.completed", Completed: true, ChargeRef: "stale", TransactionRef: "T1"},
	}
	h, sig := newTestHandler(t, svc, provider)

	rec := postWebhook(t, h, sig, "/api/webhooks/pix", []byte(`{}`), true)

	if rec.Code != http.StatusOK {
		t.Fatalf("unknown charge must be acknowledged, status = %d", rec.Code)
	}
}

func TestWebhook_ConflictAcknowledgedWithoutOverwrite(t *testing.T) {
	svc := &stubService{confirmErr: repository.ErrConflictingConfirmation}
	provider := &fakeProvider{
		notification: &psp.Notification{Event: "charge.completed", Completed: true, ChargeRef: "X", TransactionRef: "T2"},
	}
	h, sig := newTestHandler(t, svc, provider)

	rec := postWebhook(t, h, sig, "/api/webhooks/pix", []byte(`{}`), true)

	// The provider must not retry a conflict forever; it is surfaced to
	// operators through the error log, not through the response code.
	if rec.Code != http.StatusOK {
		t.Fatalf("conflict must be acknowledged, status = %d", rec.Code)
	}
}

func TestWebhook_MalformedPayload(t *testing.T) {
	svc := &stubService{}
	provider := &fakeProvider{parseErr: context.DeadlineExceeded}
	h, sig := newTestHandler(t, svc, provider)

	rec := postWebhook(t, h, sig, "/api/webhooks/pix", []byte(`not json`), true)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	svc := &stubService{}
	provider := &fakeProvider{
		notification: &psp.Notification{Event: "charge.completed", Completed: true},
	}
	h, sig := newTestHandler(t, svc, provider)

	rec := postWebhook(t, h, sig, "/api/webhooks/pix", []byte(`{}`), false)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if provider.parseCalls != 0 {
		t.Fatalf("unauthenticated payloads must not be parsed")
	}
}

func TestWebhook_UnknownProvider(t *testing.T) {
	h, sig := newTestHandler(t, &stubService{}, &fakeProvider{})

	rec := postWebhook(t, h, sig, "/api/webhooks/unknown", []byte(`{}`), true)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetOrder_NotFound(t *testing.T) {
	svc := &stubService{getOrderErr: repository.ErrOrderNotFound}
	h, _ := newTestHandler(t, svc, &fakeProvider{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetOrder_PaidShape(t *testing.T) {
	now := time.Now().UTC()
	ref := "T1"
	svc := &stubService{
		getOrderResp: &model.Order{
			ID: "o1", Status: model.OrderStatusPaid, TransactionRef: &ref, PaidAt: &now,
		},
	}
	h, _ := newTestHandler(t, svc, &fakeProvider{})

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp struct {
		Status         string  `json:"status"`
		TransactionRef *string `json:"transaction_ref"`
		PaidAt         *string `json:"paid_at"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "paid" || resp.TransactionRef == nil || *resp.TransactionRef != "T1" || resp.PaidAt == nil {
		t.Fatalf("unexpected status payload: %+v", resp)
	}
}

func TestIssueCharge_ProviderUnavailable(t *testing.T) {
	svc := &stubService{issueErr: psp.ErrProviderUnavailable}
	h, _ := newTestHandler(t, svc, &fakeProvider{})

	body, _ := json.Marshal(issueChargeRequest{Provider: "pix", AmountCents: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/o1/charge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestIssueCharge_StaleAmount(t *testing.T) {
	svc := &stubService{issueErr: service.ErrStaleCharge}
	h, _ := newTestHandler(t, svc, &fakeProvider{})

	body, _ := json.Marshal(issueChargeRequest{Provider: "pix", AmountCents: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/o1/charge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestIssueCharge_AlreadyPaidOrder(t *testing.T) {
	// The charge lost the race against a confirmation on the other channel.
	svc := &stubService{issueErr: repository.ErrNotPending}
	h, _ := newTestHandler(t, svc, &fakeProvider{})

	body, _ := json.Marshal(issueChargeRequest{Provider: "pix", AmountCents: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders/o1/charge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestCreateOrder_Success(t *testing.T) {
	svc := &stubService{
		createOrderResp: &model.Order{ID: "o1", AmountCents: 500, Status: model.OrderStatusDraft},
	}
	h, _ := newTestHandler(t, svc, &fakeProvider{})

	body, _ := json.Marshal(createOrderRequest{AmountCents: 500})
	req := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}
