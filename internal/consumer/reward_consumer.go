package consumer

import (
	"context"
	"fmt"

	"shop/internal/config"
	"shop/internal/model"
	"shop/internal/service/reward"
	"shop/pkg/queue"
)

// RewardConsumer accrues points for order-completed events.
type RewardConsumer struct {
	rewards reward.RewardService
}

// NewRewardConsumer creates a reward consumer
func NewRewardConsumer(rewards reward.RewardService) *RewardConsumer {
	return &RewardConsumer{rewards: rewards}
}

// Handle decodes the event and accrues it. Storage errors are returned so the
// host abandons the message for redelivery.
func (c *RewardConsumer) Handle(ctx context.Context, env *queue.Envelope) error {
	var msg model.RewardsMessage
	if err := env.Decode(&msg); err != nil {
		return Permanent(err)
	}
	if msg.OrderID <= 0 || msg.UserID == "" {
		return Permanent(fmt.Errorf("rewards message %s lacks order or user id", env.CorrelationID))
	}
	return c.rewards.Accrue(ctx, msg)
}

// Subscriptions returns the rewards subscription of the order-created topic.
func (c *RewardConsumer) Subscriptions(bus config.BusConfig) []Subscription {
	return []Subscription{{
		Destination:   bus.OrderCreatedTopic,
		Name:          bus.RewardsSubscription,
		Handler:       c.Handle,
		Concurrency:   bus.Concurrency,
		MaxDeliveries: bus.MaxDeliveries,
	}}
}
