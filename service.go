// Package flowgrid is the main orchestrator that ties the ledger service
// components together.
package flowgrid

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/flowgrid-app/flowgrid/api"
	"github.com/flowgrid-app/flowgrid/auth"
	"github.com/flowgrid-app/flowgrid/catalog"
	"github.com/flowgrid-app/flowgrid/config"
	"github.com/flowgrid-app/flowgrid/ledger"
	"github.com/flowgrid-app/flowgrid/store"
	"github.com/flowgrid-app/flowgrid/stripe"
	"github.com/flowgrid-app/flowgrid/webhook"
)

// Service is the ledger service process.
type Service struct {
	cfg    *config.Config
	store  store.Store
	api    *api.Server
	logger *slog.Logger
}

// New creates a new service from configuration. Clients are constructed once
// here and injected into handlers; nothing is lazily initialized.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	authProvider, err := auth.NewProvider(cfg.Auth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	stripeClient := stripe.NewClient(nil, stripe.ClientConfig{
		SecretKey: cfg.Billing.StripeSecretKey,
		BaseURL:   cfg.Billing.StripeAPIBase,
		Logger:    logger,
	})

	verifier := webhook.NewVerifier(cfg.Billing.StripeWebhookSecret, cfg.Billing.SignatureTolerance.Duration)

	processor := ledger.NewProcessor(db, stripeClient, ledger.Mapping(cfg.Billing.Products), logger)
	syncer := catalog.NewSyncer(db, logger)

	router := webhook.NewRouter(logger)
	router.Handle(webhook.EventCheckoutCompleted, processor.HandleCheckoutCompleted)
	router.Handle(webhook.EventInvoicePaid, processor.HandleInvoicePaid)
	router.Handle(webhook.EventInvoiceSucceeded, processor.HandleInvoicePaid)
	router.Handle(webhook.EventProductCreated, syncer.HandleProduct)
	router.Handle(webhook.EventProductUpdated, syncer.HandleProduct)
	router.Handle(webhook.EventPriceCreated, syncer.HandlePrice)
	router.Handle(webhook.EventPriceUpdated, syncer.HandlePrice)

	apiSrv := api.NewServer(db, authProvider, verifier, router, stripeClient, cfg, logger)

	svc := &Service{
		cfg:    cfg,
		store:  db,
		api:    apiSrv,
		logger: logger.With("component", "service"),
	}

	// Startup validation warnings.
	if cfg.Billing.StripeSecretKey == "" {
		logger.Warn("billing.stripe_secret_key is not set — subscription fetches and checkout creation will fail")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return svc, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: s.api.Handler(),
	}

	// Start rate limiter cleanup.
	s.api.StartBackgroundTasks(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ledger service listening", "addr", s.cfg.Server.Addr)
		if s.cfg.Server.TLSCert != "" && s.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(s.cfg.Server.TLSCert, s.cfg.Server.TLSKey)
		} else {
			s.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			s.logger.Info("http server stopped gracefully")
		}

		_ = s.store.Close()
		s.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = s.store.Close()
		return err
	}
}
