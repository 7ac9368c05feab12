// Package api provides the HTTP surface for the ledger service: the Stripe
// webhook receiver and the small dashboard API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowgrid-app/flowgrid/auth"
	"github.com/flowgrid-app/flowgrid/config"
	"github.com/flowgrid-app/flowgrid/store"
	"github.com/flowgrid-app/flowgrid/stripe"
	"github.com/flowgrid-app/flowgrid/webhook"
)

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	verifier     *webhook.Verifier
	router       *webhook.Router
	stripe       *stripe.Client
	billing      config.BillingConfig
	logger       *slog.Logger
	mux          *chi.Mux
	maxBodyBytes int64
	startTime    time.Time
	rl           *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, verifier *webhook.Verifier, router *webhook.Router, sc *stripe.Client, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        s,
		authProvider: ap,
		verifier:     verifier,
		router:       router,
		stripe:       sc,
		billing:      cfg.Billing,
		logger:       logger.With("component", "api"),
		maxBodyBytes: cfg.Server.MaxBodyBytes,
		startTime:    time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(requestIDMiddleware)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Webhook receiver (public, signature-verified, rate-limited by IP)
	srv.rl = newRateLimiter(cfg.RateLimit.Window.Duration, cfg.RateLimit.MaxRequests)
	mux.With(ipRateLimitMiddleware(srv.rl)).Post("/api/billing/webhook", srv.handleWebhook)

	// Authenticated dashboard routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Get("/api/credits", srv.handleGetCredits)
		r.Get("/api/credits/history", srv.handleCreditHistory)
		r.Post("/api/billing/create-checkout", srv.handleCreateCheckout)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts the periodic rate-limit window cleanup.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Warn("readiness check failed", "error", err, "request_id", getRequestID(r.Context()))
		writeError(w, r, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Dashboard handlers ---

func (s *Server) handleGetCredits(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "user not found")
			return
		}
		s.logger.Warn("get credits failed", "error", err, "request_id", getRequestID(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "failed to load balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"credits": user.Credits,
	})
}

func (s *Server) handleCreditHistory(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	entries, err := s.store.ListLedgerEntries(r.Context(), identity.UserID, 50)
	if err != nil {
		s.logger.Warn("list ledger entries failed", "error", err, "request_id", getRequestID(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []store.LedgerEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		PriceID    string `json:"price_id"`
		ProductID  string `json:"product_id"`
		SuccessURL string `json:"success_url"`
		CancelURL  string `json:"cancel_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.PriceID == "" || req.ProductID == "" {
		writeError(w, r, http.StatusBadRequest, "price_id and product_id are required")
		return
	}
	if _, ok := s.billing.Products[req.ProductID]; !ok {
		writeError(w, r, http.StatusBadRequest, "unknown product")
		return
	}

	successURL := req.SuccessURL
	if successURL == "" {
		successURL = s.billing.SuccessURL
	}
	cancelURL := req.CancelURL
	if cancelURL == "" {
		cancelURL = s.billing.CancelURL
	}

	sess, err := s.stripe.CreateCheckoutSession(r.Context(), stripe.CheckoutParams{
		PriceID:    req.PriceID,
		UserID:     identity.UserID,
		ProductID:  req.ProductID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	})
	if err != nil {
		s.logger.Warn("create checkout session failed", "error", err, "request_id", getRequestID(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "failed to create checkout session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": sess.URL})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": getRequestID(r.Context()),
	})
}
