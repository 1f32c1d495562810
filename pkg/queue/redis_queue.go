package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamEnvelopeField = "envelope"
	defaultGroup        = "default"
	deadLetterSuffix    = ":deadletter"
)

// RedisQueueConfig configures the Redis Streams broker.
type RedisQueueConfig struct {
	// Consumer identifies this process inside every consumer group.
	Consumer          string        `json:"consumer"`
	VisibilityTimeout time.Duration `json:"visibility_timeout"`
	BlockTimeout      time.Duration `json:"block_timeout"`
	MaxLen            int64         `json:"max_len"`
}

// RedisQueue maps destinations to streams and subscriptions to consumer groups.
// Unacknowledged entries stay in the group's pending list and are claimed
// again once idle for longer than the visibility timeout.
// The client is owned by the caller and is not closed by Close.
type RedisQueue struct {
	client redis.UniversalClient
	config RedisQueueConfig
	closed atomic.Bool

	mu        sync.Mutex
	known     map[string]struct{}
	lastClaim map[string]time.Time

	sent atomic.Int64
	recv atomic.Int64
	dead atomic.Int64
}

// NewRedisQueue creates a streams broker on top of client.
func NewRedisQueue(client redis.UniversalClient, config RedisQueueConfig) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", ErrInvalidConfiguration)
	}
	if config.Consumer == "" {
		return nil, fmt.Errorf("%w: consumer name is required", ErrInvalidConfiguration)
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.BlockTimeout <= 0 {
		config.BlockTimeout = 2 * time.Second
	}

	return &RedisQueue{
		client:    client,
		config:    config,
		known:     make(map[string]struct{}),
		lastClaim: make(map[string]time.Time),
	}, nil
}

func groupName(subscription string) string {
	if subscription == "" {
		return defaultGroup
	}
	return subscription
}

// Provision creates the stream and one consumer group per subscription.
func (q *RedisQueue) Provision(ctx context.Context, destination string, subscriptions ...string) error {
	if destination == "" {
		return ErrInvalidDestination
	}
	if len(subscriptions) == 0 {
		subscriptions = []string{""}
	}

	for _, sub := range subscriptions {
		err := q.client.XGroupCreateMkStream(ctx, destination, groupName(sub), "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", groupName(sub), destination, err)
		}
	}

	q.mu.Lock()
	q.known[destination] = struct{}{}
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) isKnown(ctx context.Context, destination string) (bool, error) {
	q.mu.Lock()
	_, ok := q.known[destination]
	q.mu.Unlock()
	if ok {
		return true, nil
	}

	// provisioned by another process
	n, err := q.client.Exists(ctx, destination).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	q.mu.Lock()
	q.known[destination] = struct{}{}
	q.mu.Unlock()
	return true, nil
}

// Publish appends the envelope to the destination stream.
func (q *RedisQueue) Publish(ctx context.Context, destination string, payload interface{}) error {
	if q.closed.Load() {
		return publishError(destination, ErrQueueClosed)
	}

	env, err := NewEnvelope(ctx, destination, payload)
	if err != nil {
		return publishError(destination, err)
	}

	known, err := q.isKnown(ctx, destination)
	if err != nil {
		return publishError(destination, err)
	}
	if !known {
		return publishError(destination, ErrUnknownDestination)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return publishError(destination, err)
	}

	args := &redis.XAddArgs{
		Stream: destination,
		Values: map[string]interface{}{streamEnvelopeField: body},
	}
	if q.config.MaxLen > 0 {
		args.MaxLen = q.config.MaxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return publishError(destination, err)
	}

	q.sent.Add(1)
	return nil
}

// Receive returns a reclaimed stale entry when one is due, otherwise the next new entry.
func (q *RedisQueue) Receive(ctx context.Context, destination, subscription string) (Delivery, error) {
	group := groupName(subscription)

	for {
		if q.closed.Load() {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if q.claimDue(destination, group) {
			d, err := q.claim(ctx, destination, subscription)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: q.config.Consumer,
			Streams:  []string{destination, ">"},
			Count:    1,
			Block:    q.config.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if strings.Contains(err.Error(), "NOGROUP") {
				return nil, fmt.Errorf("%w: %s/%s", ErrUnknownDestination, destination, group)
			}
			return nil, err
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				d, err := q.delivery(ctx, destination, subscription, msg, 1)
				if err != nil {
					return nil, err
				}
				if d != nil {
					return d, nil
				}
			}
		}
	}
}

// claimDue rate-limits pending-list scans to twice per visibility timeout.
func (q *RedisQueue) claimDue(destination, group string) bool {
	key := destination + "/" + group
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	last, ok := q.lastClaim[key]
	if !ok {
		q.lastClaim[key] = now
		return false
	}
	if now.Sub(last) < q.config.VisibilityTimeout/2 {
		return false
	}
	q.lastClaim[key] = now
	return true
}

func (q *RedisQueue) claim(ctx context.Context, destination, subscription string) (Delivery, error) {
	group := groupName(subscription)
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   destination,
		Group:    group,
		Consumer: q.config.Consumer,
		MinIdle:  q.config.VisibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim pending on %s/%s: %w", destination, group, err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	msg := msgs[0]
	count := 2
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: destination,
		Group:  group,
		Start:  msg.ID,
		End:    msg.ID,
		Count:  1,
	}).Result()
	if err == nil && len(pending) == 1 {
		count = int(pending[0].RetryCount)
	}
	return q.delivery(ctx, destination, subscription, msg, count)
}

// delivery decodes a stream entry. Entries that cannot be decoded are
// dead-lettered at once and nil is returned.
func (q *RedisQueue) delivery(ctx context.Context, destination, subscription string, msg redis.XMessage, count int) (Delivery, error) {
	raw, _ := msg.Values[streamEnvelopeField].(string)

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || raw == "" {
		bad := &redisDelivery{queue: q, destination: destination, group: groupName(subscription), id: msg.ID,
			env: &Envelope{Destination: destination, Subscription: subscription, Payload: json.RawMessage(`null`)}}
		if dlErr := bad.DeadLetter(ctx, "undecodable stream entry"); dlErr != nil {
			return nil, dlErr
		}
		return nil, nil
	}

	env.Subscription = subscription
	env.DeliveryCount = count
	q.recv.Add(1)
	return &redisDelivery{
		queue:       q,
		destination: destination,
		group:       groupName(subscription),
		id:          msg.ID,
		env:         &env,
	}, nil
}

// Close marks the queue closed. Blocked receivers return at the next block timeout.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

// Health pings the server.
func (q *RedisQueue) Health() error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return q.client.Ping(ctx).Err()
}

// GetStats returns queue statistics
func (q *RedisQueue) GetStats() *QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return &QueueStats{
		Driver:       "redis",
		Destinations: len(q.known),
		Connected:    !q.closed.Load(),
		MessagesSent: q.sent.Load(),
		MessagesRecv: q.recv.Load(),
		DeadLettered: q.dead.Load(),
	}
}

type redisDelivery struct {
	queue       *RedisQueue
	destination string
	group       string
	id          string
	env         *Envelope
	settled     atomic.Bool
}

func (d *redisDelivery) Envelope() *Envelope {
	return d.env
}

func (d *redisDelivery) Complete(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.queue.client.XAck(ctx, d.destination, d.group, d.id).Err()
}

// Abandon leaves the entry in the pending list; it is reclaimed after the visibility timeout.
func (d *redisDelivery) Abandon(context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return nil
}

func (d *redisDelivery) DeadLetter(ctx context.Context, reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}

	body, err := json.Marshal(d.env)
	if err != nil {
		return err
	}
	_, err = d.queue.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: d.destination + deadLetterSuffix,
			Values: map[string]interface{}{
				streamEnvelopeField: body,
				"group":             d.group,
				"reason":            reason,
				"source_id":         d.id,
			},
		})
		pipe.XAck(ctx, d.destination, d.group, d.id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s/%s %s: %w", d.destination, d.group, d.id, err)
	}
	d.queue.dead.Add(1)
	return nil
}
