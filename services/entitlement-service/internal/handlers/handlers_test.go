package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/md-rashed-zaman/resumeai/libs/auth"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/gate"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/ingest"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/plans"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/processor"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/reconcile"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/storage/memstore"
	"github.com/md-rashed-zaman/resumeai/services/entitlement-service/internal/subscriptions"
	"github.com/stripe/stripe-go/v79/webhook"
)

const (
	jwtSecret     = "jwt-test-secret"
	webhookSecret = "whsec_test"
)

type fakeBilling struct {
	customerID string
	subs       []processor.Subscription
}

func (f *fakeBilling) EnsureCustomer(_ context.Context, existingID, _, _ string) (string, bool, error) {
	if existingID != "" {
		return existingID, false, nil
	}
	return f.customerID, true, nil
}

func (f *fakeBilling) CreateCheckoutSession(_ context.Context, customerID, _ string) (string, error) {
	return "https://checkout.example.com/" + customerID, nil
}

func (f *fakeBilling) CreatePortalSession(_ context.Context, customerID string) (string, error) {
	return "https://portal.example.com/" + customerID, nil
}

func (f *fakeBilling) ListSubscriptions(context.Context, string) ([]processor.Subscription, error) {
	return f.subs, nil
}

type testServer struct {
	router  http.Handler
	store   *memstore.Store
	billing *fakeBilling
	exports int
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memstore.New()
	billing := &fakeBilling{customerID: "cus_new"}
	subs := subscriptions.New(store, logger)
	ing := ingest.New(store, subs, logger, ingest.Config{WebhookSecret: webhookSecret})
	syncer := reconcile.NewSyncer(store, billing, subs, logger, reconcile.RetryPolicy{Attempts: 2, Delay: time.Millisecond})
	g := gate.New(store, plans.DefaultTable(), time.UTC, nil)

	verifier, err := auth.NewVerifier(auth.VerifierConfig{HS256Secret: jwtSecret})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	ts := &testServer{store: store, billing: billing}
	r := chi.NewRouter()
	New(store, billing, ing, syncer, g, logger).Mount(r, RouteOptions{
		Verifier: verifier,
		Export: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ts.exports++
			w.WriteHeader(http.StatusOK)
		}),
	})
	ts.router = r
	return ts
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := auth.SignHS256(auth.Claims{
		Email: sub + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}, jwtSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, user string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	for k, v := range header {
		req.Header[k] = v
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	rw := httptest.NewRecorder()
	ts.router.ServeHTTP(rw, req)
	return rw
}

func decode(t *testing.T, rw *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rw.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rw.Body.String(), err)
	}
	return out
}

func signedEvent(t *testing.T, id, typ, customer, status string) (string, http.Header) {
	t.Helper()
	payload := fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"data":{"object":{"id":"sub_1","object":"subscription","customer":%q,"status":%q,"current_period_end":1767225600}}}`, id, typ, customer, status)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: []byte(payload), Secret: webhookSecret, Timestamp: time.Now()})
	return payload, http.Header{"Stripe-Signature": []string{signed.Header}}
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/v1/billing", "/api/v1/entitlements/generation"} {
		if rw := ts.do(t, http.MethodGet, path, "", nil, nil); rw.Code != http.StatusUnauthorized {
			t.Fatalf("%s: want 401, got %d", path, rw.Code)
		}
	}
}

func TestCheckoutWebhookAndEntitlementFlow(t *testing.T) {
	ts := newTestServer(t)

	rw := ts.do(t, http.MethodGet, "/api/v1/billing", "user-1", nil, nil)
	if rw.Code != http.StatusOK {
		t.Fatalf("billing: want 200, got %d", rw.Code)
	}
	if got := decode(t, rw); got["plan"] != "FREE" || got["status"] != "ACTIVE" {
		t.Fatalf("new account is FREE/ACTIVE, got %v", got)
	}

	rw = ts.do(t, http.MethodPost, "/api/v1/billing/checkout", "user-1", nil, nil)
	if rw.Code != http.StatusOK || decode(t, rw)["url"] != "https://checkout.example.com/cus_new" {
		t.Fatalf("checkout: %d %s", rw.Code, rw.Body.String())
	}
	acct, err := ts.store.FindAccountByStripeCustomer(context.Background(), "cus_new")
	if err != nil || acct.IdentityRef != "user-1" {
		t.Fatalf("customer must be linked to the caller: %+v %v", acct, err)
	}

	payload, hdr := signedEvent(t, "evt_1", "customer.subscription.created", "cus_new", "active")
	rw = ts.do(t, http.MethodPost, "/api/v1/billing/webhooks/stripe", "", strings.NewReader(payload), hdr)
	if rw.Code != http.StatusOK || decode(t, rw)["duplicate"] != false {
		t.Fatalf("webhook: %d %s", rw.Code, rw.Body.String())
	}
	rw = ts.do(t, http.MethodPost, "/api/v1/billing/webhooks/stripe", "", strings.NewReader(payload), hdr)
	if rw.Code != http.StatusOK || decode(t, rw)["duplicate"] != true {
		t.Fatalf("replay: %d %s", rw.Code, rw.Body.String())
	}

	rw = ts.do(t, http.MethodGet, "/api/v1/entitlements/generation", "user-1", nil, nil)
	got := decode(t, rw)
	if got["plan"] != "PRO" || got["unlimited"] != true || got["allowed"] != true {
		t.Fatalf("PRO must be unlimited, got %v", got)
	}

	rw = ts.do(t, http.MethodPost, "/api/v1/billing/portal", "user-1", nil, nil)
	if rw.Code != http.StatusOK || decode(t, rw)["url"] != "https://portal.example.com/cus_new" {
		t.Fatalf("portal: %d %s", rw.Code, rw.Body.String())
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)
	payload, _ := signedEvent(t, "evt_1", "customer.subscription.created", "cus_new", "active")
	rw := ts.do(t, http.MethodPost, "/api/v1/billing/webhooks/stripe", "", strings.NewReader(payload), http.Header{"Stripe-Signature": []string{"t=1,v1=bad"}})
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rw.Code)
	}
}

func TestWebhookAcknowledgesMalformedEvent(t *testing.T) {
	ts := newTestServer(t)
	payload, hdr := signedEvent(t, "evt_bad", "customer.subscription.updated", "", "active")
	rw := ts.do(t, http.MethodPost, "/api/v1/billing/webhooks/stripe", "", strings.NewReader(payload), hdr)
	if rw.Code != http.StatusOK {
		t.Fatalf("authentic but undecodable event: want 200, got %d %s", rw.Code, rw.Body.String())
	}
}

func TestSyncResponses(t *testing.T) {
	ts := newTestServer(t)

	rw := ts.do(t, http.MethodPost, "/api/v1/billing/sync", "user-1", nil, nil)
	got := decode(t, rw)
	if rw.Code != http.StatusOK || got["synced"] != false || got["reason"] != "No Stripe customer ID linked to this user" {
		t.Fatalf("sync without customer: %d %v", rw.Code, got)
	}

	if rw := ts.do(t, http.MethodPost, "/api/v1/billing/checkout", "user-1", nil, nil); rw.Code != http.StatusOK {
		t.Fatalf("checkout: %d", rw.Code)
	}
	ts.billing.subs = []processor.Subscription{{ID: "sub_9", CustomerID: "cus_new", Status: "incomplete"}}
	got = decode(t, ts.do(t, http.MethodPost, "/api/v1/billing/sync?wait=true", "user-1", nil, nil))
	if got["synced"] != false || got["status"] != "pending" {
		t.Fatalf("incomplete subscription is pending, got %v", got)
	}

	ts.billing.subs = []processor.Subscription{{ID: "sub_9", CustomerID: "cus_new", Status: "active", CurrentPeriodEnd: 1767225600}}
	got = decode(t, ts.do(t, http.MethodPost, "/api/v1/billing/sync", "user-1", nil, nil))
	if got["synced"] != true || got["plan"] != "PRO" {
		t.Fatalf("active subscription syncs, got %v", got)
	}
}

func TestPortalWithoutCustomer(t *testing.T) {
	ts := newTestServer(t)
	if rw := ts.do(t, http.MethodPost, "/api/v1/billing/portal", "user-1", nil, nil); rw.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rw.Code)
	}
}

func TestGatedExportAndUsage(t *testing.T) {
	ts := newTestServer(t)

	if rw := ts.do(t, http.MethodPost, "/api/v1/export/docx", "user-1", nil, nil); rw.Code != http.StatusOK {
		t.Fatalf("first export: want 200, got %d", rw.Code)
	}
	if rw := ts.do(t, http.MethodPost, "/api/v1/export/docx", "user-1", nil, nil); rw.Code != http.StatusTooManyRequests {
		t.Fatalf("second export: want 429, got %d", rw.Code)
	}
	if ts.exports != 1 {
		t.Fatalf("denied export must not reach upstream, got %d calls", ts.exports)
	}

	rw := ts.do(t, http.MethodPost, "/api/v1/usage/generation", "user-1", nil, nil)
	if rw.Code != http.StatusOK || decode(t, rw)["used"] != float64(1) {
		t.Fatalf("usage: %d %s", rw.Code, rw.Body.String())
	}
	if rw := ts.do(t, http.MethodPost, "/api/v1/usage/printing", "user-1", nil, nil); rw.Code != http.StatusBadRequest {
		t.Fatalf("unknown action: want 400, got %d", rw.Code)
	}
	got := decode(t, ts.do(t, http.MethodGet, "/api/v1/entitlements/generation", "user-1", nil, nil))
	if got["remaining"] != float64(2) {
		t.Fatalf("want 2 remaining, got %v", got)
	}
}
