package queue

import (
	"context"
	"errors"
	"fmt"
)

// Publisher sends a payload to a named destination (queue or topic).
// A nil error means the broker accepted the message; nothing is implied about consumers.
type Publisher interface {
	Publish(ctx context.Context, destination string, payload interface{}) error
}

// Receiver pulls messages for one subscription of a destination.
// Queues use an empty subscription name.
type Receiver interface {
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context, destination, subscription string) (Delivery, error)
}

// Delivery is a received message awaiting settlement. Exactly one of
// Complete, Abandon or DeadLetter should be called.
type Delivery interface {
	Envelope() *Envelope
	// Complete acknowledges the message so it is never redelivered.
	Complete(ctx context.Context) error
	// Abandon releases the message for redelivery after the visibility timeout.
	Abandon(ctx context.Context) error
	// DeadLetter moves the message out of the subscription for operator inspection.
	DeadLetter(ctx context.Context, reason string) error
}

// InFlightLimiter is implemented by receivers that hand out at most
// MaxInFlight unsettled deliveries per subscription within one process.
type InFlightLimiter interface {
	MaxInFlight() int
}

// Broker is the full transport used by the services.
type Broker interface {
	Publisher
	Receiver
	// Provision declares a destination and its subscriptions. Publishing to an
	// unprovisioned destination fails with ErrUnknownDestination.
	Provision(ctx context.Context, destination string, subscriptions ...string) error
	Close() error
	Health() error
}

// QueueStats represents queue statistics
type QueueStats struct {
	Driver       string `json:"driver"`
	Destinations int    `json:"destinations"`
	Connected    bool   `json:"connected"`
	MessagesSent int64  `json:"messages_sent"`
	MessagesRecv int64  `json:"messages_received"`
	DeadLettered int64  `json:"dead_lettered"`
}

// Common errors
var (
	ErrQueueClosed          = errors.New("queue is closed")
	ErrUnknownDestination   = errors.New("unknown destination")
	ErrInvalidDestination   = errors.New("destination name is required")
	ErrPublishTimeout       = errors.New("publish timeout")
	ErrAlreadySettled       = errors.New("delivery already settled")
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// PublishError reports a message that the broker did not accept.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func publishError(destination string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PublishError
	if errors.As(err, &pe) {
		return err
	}
	return &PublishError{Destination: destination, Err: err}
}
