package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Header names shared by the broker drivers.
const (
	HeaderCorrelationID = "correlation-id"
	HeaderPublishedAt   = "published-at"
	HeaderDeliveryCount = "delivery-count"
	HeaderSubscription  = "target-subscription"
	HeaderNotBefore     = "not-before"
	HeaderDeadReason    = "dead-letter-reason"
)

// Envelope is the unit moved by the bus. CorrelationID identifies one publish
// call for tracing and is not stable across republishing, so consumers must
// derive deduplication keys from the payload.
type Envelope struct {
	CorrelationID string            `json:"correlation_id"`
	Destination   string            `json:"destination"`
	Subscription  string            `json:"subscription,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload"`
	DeliveryCount int               `json:"delivery_count"`
	PublishedAt   time.Time         `json:"published_at"`
}

// NewEnvelope serialises payload and stamps a new correlation id and the
// trace context found in ctx.
func NewEnvelope(ctx context.Context, destination string, payload interface{}) (*Envelope, error) {
	if destination == "" {
		return nil, ErrInvalidDestination
	}

	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		CorrelationID: uuid.NewString(),
		Destination:   destination,
		Headers:       make(map[string]string),
		Payload:       body,
		PublishedAt:   time.Now().UTC(),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(env.Headers))
	return env, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, fmt.Errorf("payload is nil")
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return body, nil
	}
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s message %s: %w", e.Destination, e.CorrelationID, err)
	}
	return nil
}

// Context returns ctx carrying the trace context propagated in the headers.
func (e *Envelope) Context(ctx context.Context) context.Context {
	if len(e.Headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(e.Headers))
}

func (e *Envelope) clone() *Envelope {
	c := *e
	c.Headers = make(map[string]string, len(e.Headers))
	for k, v := range e.Headers {
		c.Headers[k] = v
	}
	return &c
}
