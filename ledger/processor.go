// Package ledger turns payment-completion events into exactly-once credit
// grants against the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/flowgrid-app/flowgrid/store"
	"github.com/flowgrid-app/flowgrid/webhook"
)

// Error taxonomy. Permanent errors will fail the same way on every retry;
// the other two lean on Stripe's delivery retries for recovery. All of them
// surface to the caller as a generic processing failure.
var (
	// ErrPermanent marks errors that no retry can fix: missing metadata,
	// unknown user, unknown product.
	ErrPermanent = errors.New("permanent processing error")

	// ErrTransactionFailed marks an explicit store error during the grant.
	ErrTransactionFailed = errors.New("credit transaction failed")

	// ErrNoResponse marks a grant call that returned neither error nor
	// receipt. The outcome is ambiguous; silent no-ops are not acceptable.
	ErrNoResponse = errors.New("no response from credit transaction")
)

// SubscriptionFetcher fetches a live subscription from the payment processor.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error)
}

// GrantResult is the outcome of a successful grant, used for logging and the
// webhook response only.
type GrantResult struct {
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Credits   int    `json:"credits"`
}

// Processor resolves payment-completion events to credit grants.
type Processor struct {
	store    store.Store
	subs     SubscriptionFetcher
	products Mapping
	logger   *slog.Logger
}

// NewProcessor creates a Processor. The product mapping is read-only for the
// life of the process.
func NewProcessor(s store.Store, subs SubscriptionFetcher, products Mapping, logger *slog.Logger) *Processor {
	return &Processor{
		store:    s,
		subs:     subs,
		products: products,
		logger:   logger.With("component", "ledger"),
	}
}

// HandleCheckoutCompleted grants credits for a completed checkout session.
// The session metadata carries user_id and product_id directly.
func (p *Processor) HandleCheckoutCompleted(ctx context.Context, evt *webhook.Event) (*webhook.Result, error) {
	userID := evt.MetadataString("user_id")
	productID := evt.MetadataString("product_id")
	if userID == "" || productID == "" {
		// The event will never self-correct on retry.
		return nil, fmt.Errorf("%w: checkout session %s missing user_id or product_id metadata",
			ErrPermanent, evt.ObjectString("id"))
	}

	result, err := p.grant(ctx, dedupeKey(evt, userID, productID), userID, productID)
	if err != nil {
		return nil, err
	}
	return &webhook.Result{
		Message: fmt.Sprintf("granted %d credits to user %s", result.Credits, result.UserID),
	}, nil
}

// HandleInvoicePaid grants credits for a subscription renewal. Renewal events
// do not carry user/product metadata; it is recovered from the live
// subscription record.
func (p *Processor) HandleInvoicePaid(ctx context.Context, evt *webhook.Event) (*webhook.Result, error) {
	subID := evt.ObjectString("subscription")
	if subID == "" {
		return nil, fmt.Errorf("%w: invoice %s has no subscription", ErrPermanent, evt.ObjectString("id"))
	}

	sub, err := p.subs.GetSubscription(ctx, subID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	userID := sub.Metadata["user_id"]
	productID := sub.Metadata["product_id"]
	if userID == "" || productID == "" {
		return nil, fmt.Errorf("%w: subscription %s missing user_id or product_id metadata", ErrPermanent, subID)
	}

	result, err := p.grant(ctx, dedupeKey(evt, userID, productID), userID, productID)
	if err != nil {
		return nil, err
	}
	return &webhook.Result{
		Message: fmt.Sprintf("granted %d renewal credits to user %s", result.Credits, result.UserID),
	}, nil
}

// grant applies one credit grant: user existence check, product resolution,
// then the single atomic ledger mutation keyed by eventID.
func (p *Processor) grant(ctx context.Context, eventID, userID, productID string) (*GrantResult, error) {
	user, err := p.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The account may have been deleted; retrying forever cannot help.
			return nil, fmt.Errorf("%w: unknown user %s", ErrPermanent, userID)
		}
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}

	credits, ok := p.products.Credits(productID)
	if !ok {
		// An unknown product must never silently grant zero.
		return nil, fmt.Errorf("%w: unknown product %s", ErrPermanent, productID)
	}

	receipt, err := p.store.GrantCredits(ctx, &store.Grant{
		ID:        uuid.New().String(),
		EventID:   eventID,
		UserID:    user.ID,
		ProductID: productID,
		Credits:   credits,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransactionFailed, err)
	}
	if receipt == nil {
		return nil, fmt.Errorf("%w: grant for user %s returned no receipt", ErrNoResponse, userID)
	}

	if receipt.Duplicate {
		p.logger.Info("duplicate event delivery, grant already applied",
			"event_id", eventID, "user_id", userID, "product_id", productID)
	} else {
		p.logger.Info("credits granted",
			"event_id", eventID, "user_id", userID, "product_id", productID,
			"credits", credits, "balance", receipt.Balance)
	}

	return &GrantResult{UserID: user.ID, ProductID: productID, Credits: credits}, nil
}

// dedupeKey returns the idempotency key supplied to the ledger mutation: the
// source event's own ID, or a composite when the sender omitted one.
func dedupeKey(evt *webhook.Event, userID, productID string) string {
	if evt.ID != "" {
		return evt.ID
	}
	return fmt.Sprintf("%s:%s:%s", userID, productID, evt.ObjectString("id"))
}
