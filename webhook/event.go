package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent marks structurally invalid events: unparseable JSON,
// missing type, or missing data.object. Detail is logged, never echoed.
var ErrMalformedEvent = errors.New("malformed event")

// EventType identifies a webhook event kind. The set handled by this service
// is closed; anything else is acknowledged and ignored.
type EventType string

const (
	EventCheckoutCompleted EventType = "checkout.session.completed"
	EventInvoicePaid       EventType = "invoice.paid"
	EventInvoiceSucceeded  EventType = "invoice.payment_succeeded"
	EventProductCreated    EventType = "product.created"
	EventProductUpdated    EventType = "product.updated"
	EventPriceCreated      EventType = "price.created"
	EventPriceUpdated      EventType = "price.updated"
)

// Event is a parsed, verified webhook event. It lives only for the duration
// of one request.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`
	Data struct {
		Object map[string]any `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes and structurally validates a verified request body.
func ParseEvent(body []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}
	if evt.Data.Object == nil {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedEvent)
	}
	return &evt, nil
}

// ObjectString returns a top-level string field of the event object.
func (e *Event) ObjectString(key string) string {
	v, _ := e.Data.Object[key].(string)
	return v
}

// MetadataString returns a string field of the event object's metadata map.
func (e *Event) MetadataString(key string) string {
	metadata, _ := e.Data.Object["metadata"].(map[string]any)
	if metadata == nil {
		return ""
	}
	v, _ := metadata[key].(string)
	return v
}
