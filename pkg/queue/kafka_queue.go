package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
)

const kafkaDeadLetterSuffix = ".deadletter"

// KafkaQueueConfig configures the Kafka broker.
type KafkaQueueConfig struct {
	Brokers           []string      `json:"brokers"`
	ClientID          string        `json:"client_id"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	BatchTimeout      time.Duration `json:"batch_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOption customises a KafkaQueue.
type KafkaOption func(*KafkaQueue)

func withKafkaWriter(w messageWriter) KafkaOption {
	return func(q *KafkaQueue) { q.writer = w }
}

func withKafkaReaders(f func(topic, groupID string) messageReader) KafkaOption {
	return func(q *KafkaQueue) { q.newReader = f }
}

// KafkaQueue maps destinations to topics and subscriptions to consumer groups.
// Offsets are committed in order, so each subscription hands out one
// message at a time per process and waits for it to be settled. Extra
// receivers on the same subscription only queue behind the first; throughput
// scales with partitions and processes, not with consumer concurrency.
// Abandoned messages are re-published to the same topic addressed to the
// abandoning subscription, with a not-before header holding back redelivery.
type KafkaQueue struct {
	config    KafkaQueueConfig
	writer    messageWriter
	newReader func(topic, groupID string) messageReader

	mu      sync.Mutex
	known   map[string]struct{}
	readers map[string]*kafkaSubscription
	closed  bool

	sent atomic.Int64
	recv atomic.Int64
	dead atomic.Int64
}

type kafkaSubscription struct {
	reader messageReader
	slot   chan struct{}
}

// NewKafkaQueue creates a Kafka broker.
func NewKafkaQueue(config KafkaQueueConfig, opts ...KafkaOption) (*KafkaQueue, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", ErrInvalidConfiguration)
	}
	if config.ClientID == "" {
		config.ClientID = "shop"
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = 10 * time.Millisecond
	}

	q := &KafkaQueue{
		config:  config,
		known:   make(map[string]struct{}),
		readers: make(map[string]*kafkaSubscription),
	}
	q.writer = &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           config.BatchTimeout,
		AllowAutoTopicCreation: false,
	}
	q.newReader = func(topic, groupID string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  config.Brokers,
			GroupID:  groupID,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}

	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *KafkaQueue) groupID(destination, subscription string) string {
	return fmt.Sprintf("%s.%s.%s", q.config.ClientID, destination, groupName(subscription))
}

// Provision records the destination. Topics themselves are created by the
// cluster operator; a missing topic surfaces as a publish error.
func (q *KafkaQueue) Provision(_ context.Context, destination string, _ ...string) error {
	if destination == "" {
		return ErrInvalidDestination
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.known[destination] = struct{}{}
	return nil
}

// Publish writes the envelope to the destination topic keyed by correlation id.
func (q *KafkaQueue) Publish(ctx context.Context, destination string, payload interface{}) error {
	env, err := NewEnvelope(ctx, destination, payload)
	if err != nil {
		return publishError(destination, err)
	}

	q.mu.Lock()
	closed := q.closed
	_, known := q.known[destination]
	q.mu.Unlock()
	if closed {
		return publishError(destination, ErrQueueClosed)
	}
	if !known {
		return publishError(destination, ErrUnknownDestination)
	}

	if err := q.writer.WriteMessages(ctx, toKafkaMessage(destination, env, nil)); err != nil {
		return publishError(destination, err)
	}
	q.sent.Add(1)
	return nil
}

func (q *KafkaQueue) subscription(destination, subscription string) (*kafkaSubscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if _, ok := q.known[destination]; !ok {
		return nil, ErrUnknownDestination
	}
	key := destination + "/" + subscription
	s, ok := q.readers[key]
	if !ok {
		s = &kafkaSubscription{
			reader: q.newReader(destination, q.groupID(destination, subscription)),
			slot:   make(chan struct{}, 1),
		}
		q.readers[key] = s
	}
	return s, nil
}

// MaxInFlight is always one per subscription.
func (q *KafkaQueue) MaxInFlight() int {
	return 1
}

// Receive fetches the next message addressed to the subscription.
func (q *KafkaQueue) Receive(ctx context.Context, destination, subscription string) (Delivery, error) {
	s, err := q.subscription(destination, subscription)
	if err != nil {
		return nil, err
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-s.slot }

	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			release()
			return nil, err
		}

		env := fromKafkaMessage(destination, m)
		if target := headerValue(m, HeaderSubscription); target != "" && target != subscription {
			if err := s.reader.CommitMessages(ctx, m); err != nil {
				release()
				return nil, err
			}
			continue
		}

		if notBefore, ok := parseTime(headerValue(m, HeaderNotBefore)); ok {
			if wait := time.Until(notBefore); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					release()
					return nil, ctx.Err()
				}
			}
		}

		env.Subscription = subscription
		q.recv.Add(1)
		return &kafkaDelivery{queue: q, sub: s, msg: m, env: env, release: release}, nil
	}
}

// Close closes the writer and every reader.
func (q *KafkaQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	readers := q.readers
	q.readers = make(map[string]*kafkaSubscription)
	q.mu.Unlock()

	var errs []string
	for key, s := range readers {
		if err := s.reader.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("reader %s: %v", key, err))
		}
	}
	if err := q.writer.Close(); err != nil {
		errs = append(errs, fmt.Sprintf("writer: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close kafka queue: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Health checks the health of the queue
func (q *KafkaQueue) Health() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	return nil
}

// GetStats returns queue statistics
func (q *KafkaQueue) GetStats() *QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &QueueStats{
		Driver:       "kafka",
		Destinations: len(q.known),
		Connected:    !q.closed,
		MessagesSent: q.sent.Load(),
		MessagesRecv: q.recv.Load(),
		DeadLettered: q.dead.Load(),
	}
}

func toKafkaMessage(topic string, env *Envelope, extra map[string]string) kafka.Message {
	headers := make([]kafka.Header, 0, len(env.Headers)+len(extra)+3)
	for k, v := range env.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderCorrelationID, Value: []byte(env.CorrelationID)},
		kafka.Header{Key: HeaderPublishedAt, Value: []byte(env.PublishedAt.Format(time.RFC3339Nano))},
		kafka.Header{Key: HeaderDeliveryCount, Value: []byte(strconv.Itoa(env.DeliveryCount))},
	)
	for k, v := range extra {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(env.CorrelationID),
		Value:   env.Payload,
		Headers: headers,
	}
}

func fromKafkaMessage(destination string, m kafka.Message) *Envelope {
	env := &Envelope{
		Destination: destination,
		Headers:     make(map[string]string),
		Payload:     m.Value,
	}
	previous := 0
	for _, h := range m.Headers {
		switch h.Key {
		case HeaderCorrelationID:
			env.CorrelationID = string(h.Value)
		case HeaderPublishedAt:
			env.PublishedAt, _ = time.Parse(time.RFC3339Nano, string(h.Value))
		case HeaderDeliveryCount:
			previous, _ = strconv.Atoi(string(h.Value))
		case HeaderSubscription, HeaderNotBefore, HeaderDeadReason:
		default:
			env.Headers[h.Key] = string(h.Value)
		}
	}
	env.DeliveryCount = previous + 1
	return env
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, err == nil
}

type kafkaDelivery struct {
	queue   *KafkaQueue
	sub     *kafkaSubscription
	msg     kafka.Message
	env     *Envelope
	release func()
	settled atomic.Bool
}

func (d *kafkaDelivery) Envelope() *Envelope {
	return d.env
}

func (d *kafkaDelivery) Complete(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer d.release()
	return d.sub.reader.CommitMessages(ctx, d.msg)
}

func (d *kafkaDelivery) Abandon(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer d.release()

	retry := toKafkaMessage(d.env.Destination, d.env, map[string]string{
		HeaderSubscription: d.env.Subscription,
		HeaderNotBefore:    time.Now().Add(d.queue.config.VisibilityTimeout).UTC().Format(time.RFC3339Nano),
	})
	if err := d.queue.writer.WriteMessages(ctx, retry); err != nil {
		return fmt.Errorf("requeue %s: %w", d.env.CorrelationID, err)
	}
	return d.sub.reader.CommitMessages(ctx, d.msg)
}

func (d *kafkaDelivery) DeadLetter(ctx context.Context, reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	defer d.release()

	dead := toKafkaMessage(d.env.Destination+kafkaDeadLetterSuffix, d.env, map[string]string{
		HeaderSubscription: d.env.Subscription,
		HeaderDeadReason:   reason,
	})
	if err := d.queue.writer.WriteMessages(ctx, dead); err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.env.CorrelationID, err)
	}
	d.queue.dead.Add(1)
	return d.sub.reader.CommitMessages(ctx, d.msg)
}
