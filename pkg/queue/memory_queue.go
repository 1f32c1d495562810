package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryQueueConfig memory queue configuration
type MemoryQueueConfig struct {
	BufferSize        int           `json:"buffer_size"`
	PublishTimeout    time.Duration `json:"publish_timeout"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
}

// DeadLetter is a message moved out of its subscription.
type DeadLetter struct {
	Envelope *Envelope
	Reason   string
	At       time.Time
}

// MemoryQueue is an in-process broker with queue and topic semantics.
// Each subscription of a destination gets its own copy of every message.
type MemoryQueue struct {
	config       *MemoryQueueConfig
	mu           sync.RWMutex
	destinations map[string]map[string]*memorySubscription
	closed       bool
	done         chan struct{}

	sent atomic.Int64
	recv atomic.Int64
	dead atomic.Int64
}

type memorySubscription struct {
	name     string
	messages chan *Envelope

	mu          sync.Mutex
	deadLetters []DeadLetter
}

// NewMemoryQueue creates a new memory queue instance
func NewMemoryQueue(config *MemoryQueueConfig) *MemoryQueue {
	if config == nil {
		config = &MemoryQueueConfig{}
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}

	return &MemoryQueue{
		config:       config,
		destinations: make(map[string]map[string]*memorySubscription),
		done:         make(chan struct{}),
	}
}

// Provision declares destination with the given subscriptions. A destination
// without subscriptions is a queue with a single unnamed subscription.
func (mq *MemoryQueue) Provision(_ context.Context, destination string, subscriptions ...string) error {
	if destination == "" {
		return ErrInvalidDestination
	}
	if len(subscriptions) == 0 {
		subscriptions = []string{""}
	}

	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return ErrQueueClosed
	}

	subs, ok := mq.destinations[destination]
	if !ok {
		subs = make(map[string]*memorySubscription)
		mq.destinations[destination] = subs
	}
	for _, name := range subscriptions {
		if _, exists := subs[name]; exists {
			continue
		}
		subs[name] = &memorySubscription{
			name:     name,
			messages: make(chan *Envelope, mq.config.BufferSize),
		}
	}
	return nil
}

// Publish fans the payload out to every subscription of destination.
func (mq *MemoryQueue) Publish(ctx context.Context, destination string, payload interface{}) error {
	env, err := NewEnvelope(ctx, destination, payload)
	if err != nil {
		return publishError(destination, err)
	}

	mq.mu.RLock()
	if mq.closed {
		mq.mu.RUnlock()
		return publishError(destination, ErrQueueClosed)
	}
	subs, ok := mq.destinations[destination]
	targets := make([]*memorySubscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	mq.mu.RUnlock()

	if !ok {
		return publishError(destination, ErrUnknownDestination)
	}

	timer := time.NewTimer(mq.config.PublishTimeout)
	defer timer.Stop()

	for _, s := range targets {
		msg := env.clone()
		msg.Subscription = s.name
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			return publishError(destination, ctx.Err())
		case <-mq.done:
			return publishError(destination, ErrQueueClosed)
		case <-timer.C:
			return publishError(destination, ErrPublishTimeout)
		}
	}

	mq.sent.Add(1)
	return nil
}

// Receive blocks until a message for the subscription arrives.
func (mq *MemoryQueue) Receive(ctx context.Context, destination, subscription string) (Delivery, error) {
	sub, err := mq.subscription(destination, subscription)
	if err != nil {
		return nil, err
	}

	select {
	case env := <-sub.messages:
		env.DeliveryCount++
		mq.recv.Add(1)
		return &memoryDelivery{queue: mq, sub: sub, env: env}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-mq.done:
		return nil, ErrQueueClosed
	}
}

func (mq *MemoryQueue) subscription(destination, subscription string) (*memorySubscription, error) {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	if mq.closed {
		return nil, ErrQueueClosed
	}
	sub, ok := mq.destinations[destination][subscription]
	if !ok {
		return nil, ErrUnknownDestination
	}
	return sub, nil
}

func (mq *MemoryQueue) requeue(sub *memorySubscription, env *Envelope) {
	select {
	case sub.messages <- env:
	case <-mq.done:
	}
}

// DeadLetters returns the dead-lettered messages of a subscription.
func (mq *MemoryQueue) DeadLetters(destination, subscription string) []DeadLetter {
	mq.mu.RLock()
	sub, ok := mq.destinations[destination][subscription]
	mq.mu.RUnlock()
	if !ok {
		return nil
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	out := make([]DeadLetter, len(sub.deadLetters))
	copy(out, sub.deadLetters)
	return out
}

// Pending returns the number of messages waiting in a subscription.
func (mq *MemoryQueue) Pending(destination, subscription string) int {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	sub, ok := mq.destinations[destination][subscription]
	if !ok {
		return 0
	}
	return len(sub.messages)
}

// Close stops all receivers. Messages still buffered are dropped.
func (mq *MemoryQueue) Close() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.closed {
		return nil
	}
	mq.closed = true
	close(mq.done)
	return nil
}

// Health checks the health of the queue
func (mq *MemoryQueue) Health() error {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	if mq.closed {
		return ErrQueueClosed
	}
	return nil
}

// GetStats returns queue statistics
func (mq *MemoryQueue) GetStats() *QueueStats {
	mq.mu.RLock()
	defer mq.mu.RUnlock()

	return &QueueStats{
		Driver:       "memory",
		Destinations: len(mq.destinations),
		Connected:    !mq.closed,
		MessagesSent: mq.sent.Load(),
		MessagesRecv: mq.recv.Load(),
		DeadLettered: mq.dead.Load(),
	}
}

type memoryDelivery struct {
	queue   *MemoryQueue
	sub     *memorySubscription
	env     *Envelope
	settled atomic.Bool
}

func (d *memoryDelivery) Envelope() *Envelope {
	return d.env
}

func (d *memoryDelivery) Complete(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}

func (d *memoryDelivery) Abandon(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	delay := d.queue.config.VisibilityTimeout
	if delay <= 0 {
		go d.queue.requeue(d.sub, d.env)
		return nil
	}
	time.AfterFunc(delay, func() {
		d.queue.requeue(d.sub, d.env)
	})
	return nil
}

func (d *memoryDelivery) DeadLetter(_ context.Context, reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	d.sub.mu.Lock()
	d.sub.deadLetters = append(d.sub.deadLetters, DeadLetter{
		Envelope: d.env,
		Reason:   reason,
		At:       time.Now(),
	})
	d.sub.mu.Unlock()
	d.queue.dead.Add(1)
	return nil
}
