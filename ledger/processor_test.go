package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	stripeapi "github.com/stripe/stripe-go/v82"

	"github.com/flowgrid-app/flowgrid/store"
	"github.com/flowgrid-app/flowgrid/webhook"
)

// stubStore records grant calls and enforces idempotency by event ID, the way
// the real store does.
type stubStore struct {
	store.Store

	users      map[string]*store.User
	grants     []*store.Grant
	applied    map[string]*store.GrantReceipt // event ID → receipt
	grantErr   error
	nilReceipt bool
	balance    int
}

func newStubStore(userIDs ...string) *stubStore {
	s := &stubStore{
		users:   make(map[string]*store.User),
		applied: make(map[string]*store.GrantReceipt),
	}
	for _, id := range userIDs {
		s.users[id] = &store.User{ID: id}
	}
	return s
}

func (s *stubStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func (s *stubStore) GrantCredits(ctx context.Context, grant *store.Grant) (*store.GrantReceipt, error) {
	s.grants = append(s.grants, grant)
	if s.grantErr != nil {
		return nil, s.grantErr
	}
	if s.nilReceipt {
		return nil, nil
	}
	if prev, ok := s.applied[grant.EventID]; ok {
		dup := *prev
		dup.Duplicate = true
		return &dup, nil
	}
	s.balance += grant.Credits
	receipt := &store.GrantReceipt{
		LedgerID: grant.ID,
		UserID:   grant.UserID,
		Credits:  grant.Credits,
		Balance:  s.balance,
	}
	s.applied[grant.EventID] = receipt
	return receipt, nil
}

// stubSubs serves canned subscriptions.
type stubSubs struct {
	subs map[string]*stripeapi.Subscription
	err  error
}

func (s *stubSubs) GetSubscription(ctx context.Context, id string) (*stripeapi.Subscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	sub, ok := s.subs[id]
	if !ok {
		return nil, fmt.Errorf("no such subscription %s", id)
	}
	return sub, nil
}

func checkoutEvent(eventID, userID, productID string) *webhook.Event {
	object := map[string]any{"id": "cs_1", "metadata": map[string]any{}}
	metadata := object["metadata"].(map[string]any)
	if userID != "" {
		metadata["user_id"] = userID
	}
	if productID != "" {
		metadata["product_id"] = productID
	}
	evt := &webhook.Event{ID: eventID, Type: webhook.EventCheckoutCompleted}
	evt.Data.Object = object
	return evt
}

func invoiceEvent(eventID, subscriptionID string) *webhook.Event {
	evt := &webhook.Event{ID: eventID, Type: webhook.EventInvoicePaid}
	evt.Data.Object = map[string]any{"id": "in_1"}
	if subscriptionID != "" {
		evt.Data.Object["subscription"] = subscriptionID
	}
	return evt
}

func newTestProcessor(s store.Store, subs SubscriptionFetcher) *Processor {
	return NewProcessor(s, subs, Mapping{"P1": 3, "prod_pro": 500}, slog.Default())
}

func TestHandleCheckoutCompleted(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{})

	res, err := p.HandleCheckoutCompleted(context.Background(), checkoutEvent("evt_1", "U1", "P1"))
	if err != nil {
		t.Fatalf("HandleCheckoutCompleted: %v", err)
	}
	if res.Message == "" {
		t.Error("expected a result message")
	}

	if len(s.grants) != 1 {
		t.Fatalf("grant calls: got %d, want 1", len(s.grants))
	}
	g := s.grants[0]
	if g.UserID != "U1" || g.Credits != 3 || g.EventID != "evt_1" {
		t.Errorf("grant: got %+v, want user=U1 credits=3 event=evt_1", g)
	}
}

func TestHandleCheckoutUnknownProduct(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{})

	_, err := p.HandleCheckoutCompleted(context.Background(), checkoutEvent("evt_1", "U1", "UNKNOWN"))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("got %v, want ErrPermanent", err)
	}
	if len(s.grants) != 0 {
		t.Errorf("ledger mutation called %d times for unknown product, want 0", len(s.grants))
	}
}

func TestHandleCheckoutUnknownUser(t *testing.T) {
	s := newStubStore()
	p := newTestProcessor(s, &stubSubs{})

	_, err := p.HandleCheckoutCompleted(context.Background(), checkoutEvent("evt_1", "U_gone", "P1"))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("got %v, want ErrPermanent", err)
	}
	if len(s.grants) != 0 {
		t.Errorf("ledger mutation called for unknown user")
	}
}

func TestHandleCheckoutMissingMetadata(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{})

	for _, evt := range []*webhook.Event{
		checkoutEvent("evt_1", "", "P1"),
		checkoutEvent("evt_1", "U1", ""),
	} {
		if _, err := p.HandleCheckoutCompleted(context.Background(), evt); !errors.Is(err, ErrPermanent) {
			t.Errorf("got %v, want ErrPermanent", err)
		}
	}
	if len(s.grants) != 0 {
		t.Errorf("ledger mutation called despite missing metadata")
	}
}

// TestHandleCheckoutDuplicateDelivery verifies the idempotency contract: the
// processor does not dedupe, it invokes the mutation again with the same
// stable key, and the store applies the grant exactly once.
func TestHandleCheckoutDuplicateDelivery(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{})

	evt := checkoutEvent("evt_dup", "U1", "P1")
	for i := 0; i < 2; i++ {
		if _, err := p.HandleCheckoutCompleted(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}

	if len(s.grants) != 2 {
		t.Fatalf("grant calls: got %d, want 2 (no caller-side dedupe)", len(s.grants))
	}
	if s.grants[0].EventID != s.grants[1].EventID {
		t.Errorf("dedupe keys differ: %q vs %q", s.grants[0].EventID, s.grants[1].EventID)
	}
	if s.balance != 3 {
		t.Errorf("balance: got %d, want 3 (exactly one applied grant)", s.balance)
	}
}

func TestHandleCheckoutCompositeKey(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{})

	// No event ID; the key falls back to a user/product/object composite and
	// must stay stable across redeliveries.
	evt := checkoutEvent("", "U1", "P1")
	for i := 0; i < 2; i++ {
		if _, err := p.HandleCheckoutCompleted(context.Background(), evt); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	if s.grants[0].EventID == "" || s.grants[0].EventID != s.grants[1].EventID {
		t.Errorf("composite keys: %q vs %q", s.grants[0].EventID, s.grants[1].EventID)
	}
	if s.balance != 3 {
		t.Errorf("balance: got %d, want 3", s.balance)
	}
}

func TestHandleCheckoutTransactionFailed(t *testing.T) {
	s := newStubStore("U1")
	s.grantErr = errors.New("connection reset")
	p := newTestProcessor(s, &stubSubs{})

	_, err := p.HandleCheckoutCompleted(context.Background(), checkoutEvent("evt_1", "U1", "P1"))
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("got %v, want ErrTransactionFailed", err)
	}
}

func TestHandleCheckoutNoResponse(t *testing.T) {
	s := newStubStore("U1")
	s.nilReceipt = true
	p := newTestProcessor(s, &stubSubs{})

	_, err := p.HandleCheckoutCompleted(context.Background(), checkoutEvent("evt_1", "U1", "P1"))
	if !errors.Is(err, ErrNoResponse) {
		t.Fatalf("got %v, want ErrNoResponse", err)
	}
}

func TestHandleInvoicePaid(t *testing.T) {
	s := newStubStore("U1")
	subs := &stubSubs{subs: map[string]*stripeapi.Subscription{
		"sub_1": {Metadata: map[string]string{"user_id": "U1", "product_id": "P1"}},
	}}
	p := newTestProcessor(s, subs)

	_, err := p.HandleInvoicePaid(context.Background(), invoiceEvent("evt_inv", "sub_1"))
	if err != nil {
		t.Fatalf("HandleInvoicePaid: %v", err)
	}

	if len(s.grants) != 1 {
		t.Fatalf("grant calls: got %d, want 1", len(s.grants))
	}
	g := s.grants[0]
	if g.UserID != "U1" || g.Credits != 3 || g.EventID != "evt_inv" {
		t.Errorf("grant: got %+v", g)
	}
}

func TestHandleInvoicePaidNoSubscription(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{})

	_, err := p.HandleInvoicePaid(context.Background(), invoiceEvent("evt_inv", ""))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("got %v, want ErrPermanent", err)
	}
}

func TestHandleInvoicePaidFetchFailure(t *testing.T) {
	s := newStubStore("U1")
	p := newTestProcessor(s, &stubSubs{err: errors.New("network down")})

	_, err := p.HandleInvoicePaid(context.Background(), invoiceEvent("evt_inv", "sub_1"))
	if !errors.Is(err, ErrTransactionFailed) {
		t.Fatalf("got %v, want ErrTransactionFailed", err)
	}
	if len(s.grants) != 0 {
		t.Errorf("ledger mutation called despite fetch failure")
	}
}

func TestHandleInvoicePaidMissingSubscriptionMetadata(t *testing.T) {
	s := newStubStore("U1")
	subs := &stubSubs{subs: map[string]*stripeapi.Subscription{
		"sub_1": {Metadata: map[string]string{"user_id": "U1"}},
	}}
	p := newTestProcessor(s, subs)

	_, err := p.HandleInvoicePaid(context.Background(), invoiceEvent("evt_inv", "sub_1"))
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("got %v, want ErrPermanent", err)
	}
}
