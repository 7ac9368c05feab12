// Package catalog mirrors product and price metadata pushed by Stripe into
// the local catalog tables. Additive only; never touches the ledger.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/flowgrid-app/flowgrid/store"
	"github.com/flowgrid-app/flowgrid/webhook"
)

// Syncer applies product.* and price.* events to the catalog tables.
// Writes are upserts by ID, so repeated delivery of the same update event is
// harmless.
type Syncer struct {
	store  store.Store
	logger *slog.Logger
}

// NewSyncer creates a Syncer.
func NewSyncer(s store.Store, logger *slog.Logger) *Syncer {
	return &Syncer{store: s, logger: logger.With("component", "catalog")}
}

// HandleProduct mirrors a product.created or product.updated event.
func (s *Syncer) HandleProduct(ctx context.Context, evt *webhook.Event) (*webhook.Result, error) {
	id := evt.ObjectString("id")
	if id == "" {
		return nil, fmt.Errorf("%w: product event missing id", webhook.ErrMalformedEvent)
	}

	p := &store.Product{
		ID:     id,
		Name:   evt.ObjectString("name"),
		Active: objectBool(evt, "active"),
	}
	if metadata, ok := evt.Data.Object["metadata"]; ok {
		raw, err := json.Marshal(metadata)
		if err == nil {
			p.Metadata = raw
		}
	}

	if err := s.store.UpsertProduct(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("product synced", "product_id", id, "type", evt.Type)
	return &webhook.Result{Message: "product synced"}, nil
}

// HandlePrice mirrors a price.created or price.updated event.
func (s *Syncer) HandlePrice(ctx context.Context, evt *webhook.Event) (*webhook.Result, error) {
	id := evt.ObjectString("id")
	if id == "" {
		return nil, fmt.Errorf("%w: price event missing id", webhook.ErrMalformedEvent)
	}

	p := &store.Price{
		ID:        id,
		ProductID: evt.ObjectString("product"),
		Currency:  evt.ObjectString("currency"),
		Active:    objectBool(evt, "active"),
	}
	if amount, ok := evt.Data.Object["unit_amount"].(float64); ok {
		p.UnitAmount = int64(amount)
	}

	if err := s.store.UpsertPrice(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info("price synced", "price_id", id, "type", evt.Type)
	return &webhook.Result{Message: "price synced"}, nil
}

func objectBool(evt *webhook.Event, key string) bool {
	v, _ := evt.Data.Object[key].(bool)
	return v
}
