package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/flowgrid-app/flowgrid/auth"
	"github.com/flowgrid-app/flowgrid/catalog"
	"github.com/flowgrid-app/flowgrid/config"
	"github.com/flowgrid-app/flowgrid/ledger"
	"github.com/flowgrid-app/flowgrid/store"
	"github.com/flowgrid-app/flowgrid/stripe"
	"github.com/flowgrid-app/flowgrid/webhook"
)

const (
	testWebhookSecret = "whsec_test_secret_for_unit_tests_only"
	testJWTSecret     = "test-jwt-secret-at-least-32-chars-long"
)

type testEnv struct {
	srv       *Server
	store     *store.SQLiteStore
	stripeSrv *httptest.Server
}

// setupTestServer wires a full server against an in-memory store and an
// httptest Stripe backend.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	stripeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v1/subscriptions/"):
			id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
			if id != "sub_1" {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write([]byte(`{"id":"sub_1","metadata":{"user_id":"U1","product_id":"P1"}}`))
		case r.URL.Path == "/v1/checkout/sessions":
			_, _ = w.Write([]byte(`{"id":"cs_1","url":"https://checkout.stripe.com/c/pay/cs_1"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(stripeSrv.Close)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           ":0",
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   1024 * 1024,
		},
		Auth: config.AuthConfig{
			Provider:  "secret",
			JWTSecret: testJWTSecret,
		},
		RateLimit: config.RateLimitConfig{
			Window:      config.Duration{Duration: 60 * time.Second},
			MaxRequests: 30,
		},
		Billing: config.BillingConfig{
			StripeSecretKey:     "sk_test_xyz",
			StripeWebhookSecret: testWebhookSecret,
			StripeAPIBase:       stripeSrv.URL,
			Products:            map[string]int{"P1": 3, "prod_pro": 500},
			SuccessURL:          "https://app.example.com/success",
			CancelURL:           "https://app.example.com/cancel",
		},
	}

	logger := slog.Default()
	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		t.Fatal(err)
	}
	stripeClient := stripe.NewClient(stripeSrv.Client(), stripe.ClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   stripeSrv.URL,
		Logger:    logger,
	})
	verifier := webhook.NewVerifier(cfg.Billing.StripeWebhookSecret, 0)

	processor := ledger.NewProcessor(s, stripeClient, ledger.Mapping(cfg.Billing.Products), logger)
	syncer := catalog.NewSyncer(s, logger)

	router := webhook.NewRouter(logger)
	router.Handle(webhook.EventCheckoutCompleted, processor.HandleCheckoutCompleted)
	router.Handle(webhook.EventInvoicePaid, processor.HandleInvoicePaid)
	router.Handle(webhook.EventInvoiceSucceeded, processor.HandleInvoicePaid)
	router.Handle(webhook.EventProductCreated, syncer.HandleProduct)
	router.Handle(webhook.EventProductUpdated, syncer.HandleProduct)
	router.Handle(webhook.EventPriceCreated, syncer.HandlePrice)
	router.Handle(webhook.EventPriceUpdated, syncer.HandlePrice)

	srv := NewServer(s, authProvider, verifier, router, stripeClient, cfg, logger)
	return &testEnv{srv: srv, store: s, stripeSrv: stripeSrv}
}

func createTestUser(t *testing.T, s *store.SQLiteStore, id string) {
	t.Helper()
	err := s.CreateUser(context.Background(), &store.User{
		ID:        id,
		Email:     id + "@example.com",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
}

// postWebhook signs body with the test secret and delivers it.
func postWebhook(t *testing.T, env *testEnv, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(body))
	req.Header.Set("stripe-signature", webhook.Sign(testWebhookSecret, time.Now(), body))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var got map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return got
}

func checkoutBody(eventID, userID, productID string) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":   eventID,
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id":       "cs_1",
				"metadata": map[string]string{"user_id": userID, "product_id": productID},
			},
		},
	})
	return body
}

func TestWebhookCheckoutCompleted(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	rec := postWebhook(t, env, checkoutBody("evt_1", "U1", "P1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	got := decodeBody(t, rec)
	if got["success"] != true {
		t.Errorf("success: got %v", got["success"])
	}
	if got["request_id"] == "" || got["request_id"] == nil {
		t.Error("response missing request_id")
	}

	user, err := env.store.GetUserByID(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 3 {
		t.Errorf("balance: got %d, want 3", user.Credits)
	}
}

// TestWebhookDuplicateDelivery delivers the same event twice; the external
// ledger state must reflect exactly one grant.
func TestWebhookDuplicateDelivery(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	body := checkoutBody("evt_dup", "U1", "P1")
	for i := 0; i < 2; i++ {
		if rec := postWebhook(t, env, body); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status %d, body %s", i+1, rec.Code, rec.Body.String())
		}
	}

	user, err := env.store.GetUserByID(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 3 {
		t.Errorf("balance after duplicate delivery: got %d, want 3", user.Credits)
	}
}

func TestWebhookInvoicePaid(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	body, _ := json.Marshal(map[string]any{
		"id":   "evt_inv",
		"type": "invoice.paid",
		"data": map[string]any{
			"object": map[string]any{"id": "in_1", "subscription": "sub_1"},
		},
	})
	rec := postWebhook(t, env, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	user, err := env.store.GetUserByID(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 3 {
		t.Errorf("balance: got %d, want 3", user.Credits)
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(checkoutBody("evt_1", "U1", "P1")))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	got := decodeBody(t, rec)
	msg, _ := got["error"].(string)
	if !strings.Contains(msg, "missing stripe-signature header") {
		t.Errorf("error message: got %q, want verbatim auth error", msg)
	}

	// The router must never have been reached.
	user, err := env.store.GetUserByID(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 0 {
		t.Errorf("credits granted despite missing signature: %d", user.Credits)
	}
}

func TestWebhookBadSignature(t *testing.T) {
	env := setupTestServer(t)

	body := checkoutBody("evt_1", "U1", "P1")
	req := httptest.NewRequest(http.MethodPost, "/api/billing/webhook", bytes.NewReader(body))
	req.Header.Set("stripe-signature", webhook.Sign("whsec_wrong_secret_for_this_server", time.Now(), body))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestWebhookMalformedEvent(t *testing.T) {
	env := setupTestServer(t)

	// Validly signed but structurally broken: no data.object.
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	rec := postWebhook(t, env, body)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	got := decodeBody(t, rec)
	// Structural detail is masked, not echoed.
	if got["error"] != "webhook processing failed" {
		t.Errorf("error: got %q, want masked generic message", got["error"])
	}
}

func TestWebhookUnknownEventType(t *testing.T) {
	env := setupTestServer(t)

	body := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	rec := postWebhook(t, env, body)

	// Intentionally ignored types are acknowledged so Stripe never retries.
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["success"] != true {
		t.Errorf("success: got %v", got["success"])
	}
}

func TestWebhookUnknownProduct(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	rec := postWebhook(t, env, checkoutBody("evt_1", "U1", "UNKNOWN"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
	got := decodeBody(t, rec)
	if got["error"] != "webhook processing failed" {
		t.Errorf("error: got %q, want masked generic message", got["error"])
	}

	user, err := env.store.GetUserByID(context.Background(), "U1")
	if err != nil {
		t.Fatal(err)
	}
	if user.Credits != 0 {
		t.Errorf("credits granted for unknown product: %d", user.Credits)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/billing/webhook", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status: got %d, want 405", rec.Code)
	}
}

func TestWebhookCatalogSync(t *testing.T) {
	env := setupTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"id":   "evt_prod",
		"type": "product.updated",
		"data": map[string]any{
			"object": map[string]any{"id": "prod_new", "name": "New Pack", "active": true},
		},
	})
	rec := postWebhook(t, env, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}

	p, err := env.store.GetProduct(context.Background(), "prod_new")
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "New Pack" {
		t.Errorf("product name: got %q", p.Name)
	}
}

// --- Dashboard API ---

func dashboardToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestGetCredits(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")
	postWebhook(t, env, checkoutBody("evt_1", "U1", "P1"))

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	req.Header.Set("Authorization", "Bearer "+dashboardToken(t, "U1"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["credits"] != float64(3) {
		t.Errorf("credits: got %v, want 3", got["credits"])
	}
}

func TestGetCreditsUnauthorized(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/credits", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want 401", rec.Code)
	}
}

func TestCreditHistory(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")
	postWebhook(t, env, checkoutBody("evt_1", "U1", "P1"))
	postWebhook(t, env, checkoutBody("evt_2", "U1", "prod_pro"))

	req := httptest.NewRequest(http.MethodGet, "/api/credits/history", nil)
	req.Header.Set("Authorization", "Bearer "+dashboardToken(t, "U1"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	entries, _ := got["entries"].([]any)
	if len(entries) != 2 {
		t.Errorf("entries: got %d, want 2", len(entries))
	}
}

func TestCreateCheckout(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	body, _ := json.Marshal(map[string]string{"price_id": "price_1", "product_id": "P1"})
	req := httptest.NewRequest(http.MethodPost, "/api/billing/create-checkout", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+dashboardToken(t, "U1"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, body %s", rec.Code, rec.Body.String())
	}
	got := decodeBody(t, rec)
	if got["url"] != "https://checkout.stripe.com/c/pay/cs_1" {
		t.Errorf("url: got %v", got["url"])
	}
}

func TestCreateCheckoutUnknownProduct(t *testing.T) {
	env := setupTestServer(t)
	createTestUser(t, env.store, "U1")

	body, _ := json.Marshal(map[string]string{"price_id": "price_1", "product_id": "NOPE"})
	req := httptest.NewRequest(http.MethodPost, "/api/billing/create-checkout", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+dashboardToken(t, "U1"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	env := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
}

// TestRequestIDUnique verifies each request gets its own correlation ID.
func TestRequestIDUnique(t *testing.T) {
	env := setupTestServer(t)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)

		id := rec.Header().Get("X-Request-ID")
		if id == "" {
			t.Fatal("missing X-Request-ID header")
		}
		if _, err := uuid.Parse(id); err != nil {
			t.Errorf("request ID %q is not a UUID", id)
		}
		if seen[id] {
			t.Errorf("request ID %q repeated", id)
		}
		seen[id] = true
	}
}
