package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"shop/internal/monitor"
	"shop/pkg/log"
	"shop/pkg/queue"
)

// State is the lifecycle state of a Host.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Handler processes one message. It may be invoked concurrently for
// different messages and must not rely on delivery order.
type Handler func(ctx context.Context, env *queue.Envelope) error

// Subscription binds a handler to one destination/subscription pair.
// Queues leave Name empty.
type Subscription struct {
	Destination   string
	Name          string
	Handler       Handler
	Concurrency   int
	MaxDeliveries int
}

func (s Subscription) String() string {
	if s.Name == "" {
		return s.Destination
	}
	return s.Destination + "/" + s.Name
}

// DeadLetterFunc is called after a message has been moved to dead letter.
type DeadLetterFunc func(sub Subscription, env *queue.Envelope, reason string)

// Options tune a Host.
type Options struct {
	Name                 string
	OnDeadLetter         DeadLetterFunc
	Metrics              *monitor.MetricsCollector
	ErrorBackoff         time.Duration
	DefaultConcurrency   int
	DefaultMaxDeliveries int
}

var (
	ErrHostNotStopped   = errors.New("consumer host is not stopped")
	ErrNoSubscriptions  = errors.New("consumer host has no subscriptions")
	ErrInvalidSubscribe = errors.New("invalid subscription")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the message is dead-lettered
// on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Host runs the receive loops of a set of subscriptions.
type Host struct {
	receiver queue.Receiver
	subs     []Subscription
	opts     Options

	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewHost creates a stopped host.
func NewHost(receiver queue.Receiver, opts Options, subs ...Subscription) *Host {
	if opts.Name == "" {
		opts.Name = "consumer"
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = time.Second
	}
	if opts.DefaultConcurrency <= 0 {
		opts.DefaultConcurrency = 1
	}
	if opts.DefaultMaxDeliveries <= 0 {
		opts.DefaultMaxDeliveries = 10
	}

	limit := 0
	if l, ok := receiver.(queue.InFlightLimiter); ok {
		limit = l.MaxInFlight()
	}

	normalized := make([]Subscription, len(subs))
	for i, s := range subs {
		if s.Concurrency <= 0 {
			s.Concurrency = opts.DefaultConcurrency
		}
		if limit > 0 && s.Concurrency > limit {
			log.WithFields(map[string]interface{}{
				"host":         opts.Name,
				"subscription": s.String(),
				"concurrency":  s.Concurrency,
				"max_inflight": limit,
			}).Warn("Broker limits in-flight deliveries, reducing subscription concurrency")
			s.Concurrency = limit
		}
		if s.MaxDeliveries <= 0 {
			s.MaxDeliveries = opts.DefaultMaxDeliveries
		}
		normalized[i] = s
	}

	return &Host{receiver: receiver, subs: normalized, opts: opts}
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	return State(h.state.Load())
}

func (h *Host) setState(s State) {
	h.state.Store(int32(s))
	h.opts.Metrics.SetConsumerState(h.opts.Name, int(s))
}

// Start launches every subscription loop. A stopped host can be started again.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.State() != StateStopped {
		return ErrHostNotStopped
	}
	if len(h.subs) == 0 {
		return ErrNoSubscriptions
	}
	for _, s := range h.subs {
		if s.Destination == "" || s.Handler == nil {
			return fmt.Errorf("%w: %s", ErrInvalidSubscribe, s)
		}
	}

	h.setState(StateStarting)

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	for _, s := range h.subs {
		for i := 0; i < s.Concurrency; i++ {
			h.wg.Add(1)
			go h.run(loopCtx, s, i)
		}
		log.WithFields(map[string]interface{}{
			"host":           h.opts.Name,
			"subscription":   s.String(),
			"concurrency":    s.Concurrency,
			"max_deliveries": s.MaxDeliveries,
		}).Info("Subscription started")
	}

	h.setState(StateRunning)

	done := h.done
	go func() {
		h.wg.Wait()
		h.setState(StateStopped)
		close(done)
	}()
	return nil
}

// Stop stops receiving and waits for in-flight handlers to finish. Running
// handlers are never cancelled; if ctx expires first Stop returns its error
// and the host reaches Stopped once they drain.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.State() != StateRunning {
		done := h.done
		h.mu.Unlock()
		if done == nil {
			return nil
		}
		return h.wait(ctx, done)
	}
	h.setState(StateStopping)
	h.cancel()
	done := h.done
	h.mu.Unlock()

	log.WithField("host", h.opts.Name).Info("Stopping consumer host")
	return h.wait(ctx, done)
}

func (h *Host) wait(ctx context.Context, done chan struct{}) error {
	select {
	case <-done:
		log.WithField("host", h.opts.Name).Info("Consumer host stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("consumer host %s: waiting for in-flight messages: %w", h.opts.Name, ctx.Err())
	}
}

func (h *Host) run(ctx context.Context, sub Subscription, worker int) {
	defer h.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		d, err := h.receiver.Receive(ctx, sub.Destination, sub.Name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithFields(map[string]interface{}{
				"host":         h.opts.Name,
				"subscription": sub.String(),
				"worker_id":    worker,
				"error":        err.Error(),
			}).Error("Failed to receive message")
			if errors.Is(err, queue.ErrQueueClosed) {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(h.opts.ErrorBackoff):
			}
			continue
		}

		// Handlers and settlement outlive Stop.
		h.process(context.WithoutCancel(ctx), sub, d)
	}
}

func (h *Host) process(ctx context.Context, sub Subscription, d queue.Delivery) {
	env := d.Envelope()
	start := time.Now()

	ctx = log.NewContext(env.Context(ctx), map[string]interface{}{
		"correlation_id": env.CorrelationID,
		"destination":    sub.Destination,
		"subscription":   sub.Name,
		"delivery_count": env.DeliveryCount,
	})
	ctx, span := monitor.StartConsumerSpan(ctx, sub.Destination, sub.Name, env.CorrelationID)
	defer span.End()

	err := h.invoke(ctx, sub, env)
	monitor.RecordError(span, err)

	var result string
	var settleErr error
	switch {
	case err == nil:
		result = "completed"
		settleErr = d.Complete(ctx)
	case IsPermanent(err) || env.DeliveryCount >= sub.MaxDeliveries:
		result = "dead_lettered"
		reason := err.Error()
		if !IsPermanent(err) {
			reason = fmt.Sprintf("max deliveries (%d) reached: %s", sub.MaxDeliveries, reason)
		}
		settleErr = d.DeadLetter(ctx, reason)
		if settleErr == nil {
			log.WithContext(ctx).WithError(err).Error("Message moved to dead letter")
			h.opts.Metrics.RecordDeadLetter(sub.Destination, sub.Name)
			if h.opts.OnDeadLetter != nil {
				h.opts.OnDeadLetter(sub, env, reason)
			}
		}
	default:
		result = "abandoned"
		log.WithContext(ctx).WithError(err).Warn("Handler failed, message abandoned for redelivery")
		settleErr = d.Abandon(ctx)
	}

	if settleErr != nil {
		log.WithContext(ctx).WithError(settleErr).Errorf("Failed to settle message as %s", result)
	}
	h.opts.Metrics.RecordMessage(sub.Destination, sub.Name, result, time.Since(start))
}

func (h *Host) invoke(ctx context.Context, sub Subscription, env *queue.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithContext(ctx).WithField("stack", string(debug.Stack())).Errorf("Handler panic: %v", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.Handler(ctx, env)
}

// StartConsumers creates and starts a host. The returned handle is owned by
// the caller and must be passed to StopConsumers at shutdown.
func StartConsumers(ctx context.Context, receiver queue.Receiver, opts Options, subs ...Subscription) (*Host, error) {
	host := NewHost(receiver, opts, subs...)
	if err := host.Start(ctx); err != nil {
		return nil, err
	}
	return host, nil
}

// StopConsumers stops host; a nil host is a no-op.
func StopConsumers(ctx context.Context, host *Host) error {
	if host == nil {
		return nil
	}
	return host.Stop(ctx)
}
