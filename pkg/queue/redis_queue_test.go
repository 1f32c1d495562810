package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q, err := NewRedisQueue(client, RedisQueueConfig{
		Consumer:          "order-service-1",
		VisibilityTimeout: time.Minute,
		BlockTimeout:      50 * time.Millisecond,
		MaxLen:            1000,
	})
	require.NoError(t, err)
	return q, mr, client
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("RequiresConsumerName", func(t *testing.T) {
		_, err := NewRedisQueue(redis.NewClient(&redis.Options{}), RedisQueueConfig{})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("ProvisionCreatesGroups", func(t *testing.T) {
		q, _, client := newTestRedisQueue(t)
		require.NoError(t, q.Provision(ctx, "order-created", "rewards", "email"))
		require.NoError(t, q.Provision(ctx, "order-created", "rewards", "email"))

		for _, group := range []string{"rewards", "email"} {
			err := client.XGroupCreate(ctx, "order-created", group, "0").Err()
			assert.ErrorContains(t, err, "BUSYGROUP")
		}
	})

	t.Run("PublishReceiveComplete", func(t *testing.T) {
		q, _, client := newTestRedisQueue(t)
		require.NoError(t, q.Provision(ctx, "order-created", "rewards"))

		require.NoError(t, q.Publish(ctx, "order-created", rewardPayload{OrderID: 11, Points: 25}))

		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		d, err := q.Receive(rctx, "order-created", "rewards")
		require.NoError(t, err)

		env := d.Envelope()
		assert.Equal(t, "rewards", env.Subscription)
		assert.Equal(t, 1, env.DeliveryCount)
		var got rewardPayload
		require.NoError(t, env.Decode(&got))
		assert.Equal(t, int64(11), got.OrderID)

		require.NoError(t, d.Complete(ctx))
		pending, err := client.XPending(ctx, "order-created", "rewards").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), pending.Count)
	})

	t.Run("DeadLetterMovesEntry", func(t *testing.T) {
		q, _, client := newTestRedisQueue(t)
		require.NoError(t, q.Provision(ctx, "email-cart"))
		require.NoError(t, q.Publish(ctx, "email-cart", rewardPayload{}))

		rctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		d, err := q.Receive(rctx, "email-cart", "")
		require.NoError(t, err)
		require.NoError(t, d.DeadLetter(ctx, "bad payload"))

		n, err := client.XLen(ctx, "email-cart:deadletter").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("UnknownDestination", func(t *testing.T) {
		q, _, _ := newTestRedisQueue(t)
		err := q.Publish(ctx, "nowhere", rewardPayload{})
		assert.ErrorIs(t, err, ErrUnknownDestination)
	})

	t.Run("ProvisionedElsewhere", func(t *testing.T) {
		q, _, client := newTestRedisQueue(t)
		require.NoError(t, client.XGroupCreateMkStream(ctx, "register-user", "default", "0").Err())

		assert.NoError(t, q.Publish(ctx, "register-user", "someone@example.com"))
	})

	t.Run("ReceiveTimesOutWithContext", func(t *testing.T) {
		q, _, _ := newTestRedisQueue(t)
		require.NoError(t, q.Provision(ctx, "q"))

		rctx, cancel := context.WithTimeout(ctx, 120*time.Millisecond)
		defer cancel()
		_, err := q.Receive(rctx, "q", "")
		assert.Error(t, err)
	})

	t.Run("HealthAndClose", func(t *testing.T) {
		q, mr, _ := newTestRedisQueue(t)
		assert.NoError(t, q.Health())

		mr.Close()
		assert.Error(t, q.Health())

		require.NoError(t, q.Close())
		assert.ErrorIs(t, q.Health(), ErrQueueClosed)
	})
}
