package consumer

import (
	"context"
	"errors"

	"shop/internal/config"
	"shop/internal/model"
	"shop/internal/service/email"
	"shop/pkg/log"
	"shop/pkg/queue"
	"shop/pkg/utils"
)

// EmailConsumer turns cart, registration and order events into mails.
// Notifications are best-effort: a failed delivery is logged and the
// message completed, but a failed log write is retried.
type EmailConsumer struct {
	emails email.EmailService
}

// NewEmailConsumer creates an email consumer
func NewEmailConsumer(emails email.EmailService) *EmailConsumer {
	return &EmailConsumer{emails: emails}
}

func (c *EmailConsumer) HandleCartEmail(ctx context.Context, env *queue.Envelope) error {
	var msg model.CartEmailMessage
	if err := env.Decode(&msg); err != nil {
		return Permanent(err)
	}
	delivered, err := c.emails.EmailCart(ctx, msg)
	return settleEmail(ctx, "cart", delivered, err)
}

func (c *EmailConsumer) HandleUserRegistered(ctx context.Context, env *queue.Envelope) error {
	var msg model.UserRegisteredMessage
	if err := env.Decode(&msg); err != nil {
		return Permanent(err)
	}
	delivered, err := c.emails.RegisterUser(ctx, msg)
	return settleEmail(ctx, "user_registered", delivered, err)
}

func (c *EmailConsumer) HandleOrderCompleted(ctx context.Context, env *queue.Envelope) error {
	var msg model.RewardsMessage
	if err := env.Decode(&msg); err != nil {
		return Permanent(err)
	}
	delivered, err := c.emails.OrderPlaced(ctx, msg)
	return settleEmail(ctx, "order_placed", delivered, err)
}

func settleEmail(ctx context.Context, kind string, delivered bool, err error) error {
	if err != nil {
		if errors.Is(err, utils.ErrInvalidParam) {
			return Permanent(err)
		}
		return err
	}
	if !delivered {
		log.WithContext(ctx).WithField("kind", kind).Warn("Email not delivered, not retrying")
	}
	return nil
}

// Subscriptions returns the two queues and the email subscription of the order-created topic.
func (c *EmailConsumer) Subscriptions(bus config.BusConfig) []Subscription {
	sub := func(destination, name string, h Handler) Subscription {
		return Subscription{
			Destination:   destination,
			Name:          name,
			Handler:       h,
			Concurrency:   bus.Concurrency,
			MaxDeliveries: bus.MaxDeliveries,
		}
	}
	return []Subscription{
		sub(bus.EmailCartQueue, "", c.HandleCartEmail),
		sub(bus.RegisterUserQueue, "", c.HandleUserRegistered),
		sub(bus.OrderCreatedTopic, bus.EmailSubscription, c.HandleOrderCompleted),
	}
}
