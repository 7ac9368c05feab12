// Package stripe is a thin client for the two Stripe REST calls this service
// makes: fetching a subscription and creating a checkout session. Requests go
// through a plain http.Client so tests can point BaseURL at an httptest server.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
)

// apiBase is the default Stripe API base URL. Overridable via ClientConfig.
const apiBase = "https://api.stripe.com"

// ClientConfig holds the configuration for creating a Client.
type ClientConfig struct {
	SecretKey string
	BaseURL   string // override for testing; defaults to apiBase
	Logger    *slog.Logger
}

// Client makes authenticated calls to the Stripe REST API.
type Client struct {
	http      *http.Client
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewClient creates a Client. A nil httpClient gets a 20-second timeout.
func NewClient(httpClient *http.Client, cfg ClientConfig) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = apiBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:      httpClient,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger.With("component", "stripe"),
	}
}

// GetSubscription fetches a live subscription by ID. Renewal webhooks do not
// carry user/product metadata directly; the subscription object does.
func (c *Client) GetSubscription(ctx context.Context, id string) (*stripe.Subscription, error) {
	if id == "" {
		return nil, fmt.Errorf("subscription ID is required")
	}

	resp, err := c.doGet(ctx, "/v1/subscriptions/"+url.PathEscape(id))
	if err != nil {
		return nil, fmt.Errorf("fetch subscription %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorResponse(resp, "fetch subscription")
	}

	var sub stripe.Subscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, fmt.Errorf("decode subscription response: %w", err)
	}
	return &sub, nil
}

// CheckoutParams describes one checkout session to create.
type CheckoutParams struct {
	PriceID    string
	UserID     string
	ProductID  string
	SuccessURL string
	CancelURL  string
}

// CreateCheckoutSession creates a payment-mode checkout session carrying the
// user and product in its metadata, which the completion webhook reads back.
func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)
	params.Set("metadata[user_id]", p.UserID)
	params.Set("metadata[product_id]", p.ProductID)

	resp, err := c.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.errorResponse(resp, "create checkout session")
	}

	var sess stripe.CheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return nil, fmt.Errorf("decode checkout session response: %w", err)
	}
	return &sess, nil
}

func (c *Client) doGet(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	return c.http.Do(req)
}

func (c *Client) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.http.Do(req)
}

// errorResponse drains a non-200 response into an error, logging the Stripe
// error body at debug level only (it may contain identifiers).
func (c *Client) errorResponse(resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	c.logger.Debug("stripe API error", "op", op, "status", resp.StatusCode, "body", string(body))
	return fmt.Errorf("%s: stripe returned status %d", op, resp.StatusCode)
}
