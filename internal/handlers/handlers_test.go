package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Zed-Softworks-Official/nemu-sub003/internal/reconciler"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/service"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/storage"
	"github.com/Zed-Softworks-Official/nemu-sub003/internal/webhook"
	"github.com/Zed-Softworks-Official/nemu-sub003/libs/auth"
)

var (
	testJWTSecret  = []byte("jwt_test_secret")
	testCronSecret = "cron_test_secret"
	testHookSecret = "whsec_test"
)

type extendCall struct {
	stripeID string
	dueAt    time.Time
}

type fakeCommissionService struct {
	admitDecision *service.Decision
	admitErr      error
	admitParams   []service.AdmitParams
	queueView     *service.QueueView
	queueErr      error
	extendCalls   []extendCall
	extendErr     error
}

func (f *fakeCommissionService) Admit(_ context.Context, p service.AdmitParams) (*service.Decision, error) {
	f.admitParams = append(f.admitParams, p)
	return f.admitDecision, f.admitErr
}

func (f *fakeCommissionService) Queue(_ context.Context, _ uuid.UUID) (*service.QueueView, error) {
	return f.queueView, f.queueErr
}

func (f *fakeCommissionService) ExtendDueDate(_ context.Context, stripeID string, dueAt time.Time) error {
	f.extendCalls = append(f.extendCalls, extendCall{stripeID: stripeID, dueAt: dueAt})
	return f.extendErr
}

type fakeSweeper struct {
	report reconciler.Report
	err    error
	calls  int
}

func (f *fakeSweeper) ProcessDue(_ context.Context, _ time.Time) (reconciler.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeEventSink struct {
	payloads [][]byte
	err      error
}

func (f *fakeEventSink) Handle(_ context.Context, payload []byte) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fixture struct {
	router  *gin.Engine
	svc     *fakeCommissionService
	sweeper *fakeSweeper
	events  *fakeEventSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc := &fakeCommissionService{}
	sweeper := &fakeSweeper{}
	events := &fakeEventSink{}

	router := gin.New()
	handler := New(svc, sweeper, events, testHookSecret, testCronSecret, nil)
	handler.Register(router, testJWTSecret)

	return &fixture{router: router, svc: svc, sweeper: sweeper, events: events}
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestSubmitRequestAccepted(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	requestID := uuid.New()
	f.svc.admitDecision = &service.Decision{
		Request:    &storage.Request{ID: requestID, UserID: userID},
		Status:     storage.RequestStatusAccepted,
		InvoiceURL: "https://pay.example/in_1",
	}

	body := bytes.NewBufferString(`{"message":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/commissions/"+uuid.NewString()+"/requests", body)
	req.Header.Set("Authorization", "Bearer "+signToken(t, userID.String()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp decisionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != storage.RequestStatusAccepted || resp.InvoiceURL == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(f.svc.admitParams) != 1 || f.svc.admitParams[0].UserID != userID {
		t.Fatalf("unexpected admit params %+v", f.svc.admitParams)
	}
}

func TestSubmitRequestRequiresAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/commissions/"+uuid.NewString()+"/requests", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(f.svc.admitParams) != 0 {
		t.Fatalf("unauthenticated request must not reach the service")
	}
}

func TestSubmitRequestIdempotencyKeyIsStable(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.svc.admitDecision = &service.Decision{
		Request: &storage.Request{ID: uuid.New(), UserID: userID},
		Status:  storage.RequestStatusWaitlist,
	}
	commissionID := uuid.NewString()

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/commissions/"+commissionID+"/requests", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, userID.String()))
		req.Header.Set("Idempotency-Key", "retry-abc")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
	}

	if len(f.svc.admitParams) != 2 {
		t.Fatalf("expected two admit calls, got %d", len(f.svc.admitParams))
	}
	if f.svc.admitParams[0].RequestID != f.svc.admitParams[1].RequestID {
		t.Fatalf("same idempotency key must map to the same request id")
	}
}

func TestSubmitRequestReplayReturnsConflict(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.svc.admitDecision = &service.Decision{
		Request:  &storage.Request{ID: uuid.New(), UserID: userID},
		Status:   storage.RequestStatusWaitlist,
		Position: 2,
		Replayed: true,
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/commissions/"+uuid.NewString()+"/requests", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, userID.String()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	var resp decisionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Decision != storage.RequestStatusWaitlist || resp.Position != 2 {
		t.Fatalf("expected prior decision in body, got %+v", resp)
	}
}

func TestSubmitRequestUnknownCommission(t *testing.T) {
	f := newFixture(t)
	f.svc.admitErr = storage.ErrNotFound

	req := httptest.NewRequest(http.MethodPost, "/v1/commissions/"+uuid.NewString()+"/requests", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.NewString()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSubmitRequestServiceFailure(t *testing.T) {
	f := newFixture(t)
	f.svc.admitErr = errors.New("redis down")

	req := httptest.NewRequest(http.MethodPost, "/v1/commissions/"+uuid.NewString()+"/requests", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.NewString()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestGetQueue(t *testing.T) {
	f := newFixture(t)
	waitlisted := uuid.NewString()
	f.svc.queueView = &service.QueueView{
		Active:       []string{uuid.NewString(), uuid.NewString()},
		Waitlist:     []string{uuid.NewString(), waitlisted},
		Availability: storage.AvailabilityWaitlist,
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/commissions/"+uuid.NewString()+"/queue?request_id="+waitlisted, nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.NewString()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp queueResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ActiveCount != 2 || resp.WaitlistCount != 2 || resp.Position != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Availability != storage.AvailabilityWaitlist {
		t.Fatalf("unexpected availability %s", resp.Availability)
	}
}

func TestExtendInvoice(t *testing.T) {
	f := newFixture(t)
	dueAt := time.Now().Add(96 * time.Hour).UTC().Truncate(time.Second)

	body, _ := json.Marshal(gin.H{"due_at": dueAt.Format(time.RFC3339)})
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/in_123/extend", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.NewString()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.svc.extendCalls) != 1 {
		t.Fatalf("expected one extend call, got %d", len(f.svc.extendCalls))
	}
	if f.svc.extendCalls[0].stripeID != "in_123" || !f.svc.extendCalls[0].dueAt.Equal(dueAt) {
		t.Fatalf("unexpected extend call %+v", f.svc.extendCalls[0])
	}
}

func TestExtendInvoiceRejectsPastDueDate(t *testing.T) {
	f := newFixture(t)
	f.svc.extendErr = service.ErrDueDateInPast

	body, _ := json.Marshal(gin.H{"due_at": time.Now().Add(-time.Hour).Format(time.RFC3339)})
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/in_123/extend", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.NewString()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestExtendInvoiceNotPending(t *testing.T) {
	f := newFixture(t)
	f.svc.extendErr = storage.ErrInvalidStatus

	body, _ := json.Marshal(gin.H{"due_at": time.Now().Add(24 * time.Hour).Format(time.RFC3339)})
	req := httptest.NewRequest(http.MethodPost, "/v1/invoices/in_123/extend", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, uuid.NewString()))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestExpireInvoicesRequiresSecret(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/cron/expire-invoices", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if f.sweeper.calls != 0 {
		t.Fatalf("unauthorized call must not sweep")
	}
}

func TestExpireInvoicesReportsCounts(t *testing.T) {
	f := newFixture(t)
	f.sweeper.report = reconciler.Report{Scanned: 3, Expired: 2, Promoted: 1, Skipped: 1}

	req := httptest.NewRequest(http.MethodPost, "/internal/cron/expire-invoices", nil)
	req.Header.Set("Authorization", "Bearer "+testCronSecret)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var report reconciler.Report
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report != f.sweeper.report {
		t.Fatalf("expected %+v, got %+v", f.sweeper.report, report)
	}
}

func TestProviderWebhook(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", webhook.SignPayload(payload, testHookSecret, time.Now()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(f.events.payloads) != 1 || !bytes.Equal(f.events.payloads[0], payload) {
		t.Fatalf("expected raw payload forwarded")
	}
}

func TestProviderWebhookBadSignature(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_1","type":"invoice.paid"}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", webhook.SignPayload(payload, "whsec_wrong", time.Now()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(f.events.payloads) != 0 {
		t.Fatalf("unverified payload must not reach the sink")
	}
}

func TestProviderWebhookProcessingFailure(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("provider disagrees")
	payload := []byte(`{"id":"evt_1","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", webhook.SignPayload(payload, testHookSecret, time.Now()))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 so the provider retries, got %d", w.Code)
	}
}
