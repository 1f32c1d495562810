package messaging

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"shop/internal/config"
	"shop/pkg/log"
	"shop/pkg/queue"
)

// NewBroker builds the driver selected by cfg.Driver. client is only used by
// the redis driver and stays owned by the caller.
func NewBroker(cfg config.BusConfig, client redis.UniversalClient) (queue.Broker, error) {
	switch cfg.Driver {
	case "memory", "":
		return queue.NewMemoryQueue(&queue.MemoryQueueConfig{
			BufferSize:        cfg.BufferSize,
			PublishTimeout:    cfg.PublishTimeout,
			VisibilityTimeout: cfg.VisibilityTimeout,
		}), nil
	case "redis":
		return queue.NewRedisQueue(client, queue.RedisQueueConfig{
			Consumer:          consumerName(cfg.ClientID),
			VisibilityTimeout: cfg.VisibilityTimeout,
			BlockTimeout:      cfg.BlockTimeout,
			MaxLen:            cfg.StreamMaxLen,
		})
	case "kafka":
		return queue.NewKafkaQueue(queue.KafkaQueueConfig{
			Brokers:           cfg.Brokers,
			ClientID:          cfg.ClientID,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
	default:
		return nil, fmt.Errorf("%w: unknown bus driver %q", queue.ErrInvalidConfiguration, cfg.Driver)
	}
}

func consumerName(clientID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return fmt.Sprintf("%s-%s-%d", clientID, host, os.Getpid())
}

// Destination is a queue (no subscriptions) or a topic with named subscriptions.
type Destination struct {
	Name          string
	Subscriptions []string
}

// OrderCreated is the topic carrying approved orders to rewards and email.
func OrderCreated(cfg config.BusConfig) Destination {
	return Destination{
		Name:          cfg.OrderCreatedTopic,
		Subscriptions: []string{cfg.RewardsSubscription, cfg.EmailSubscription},
	}
}

// EmailCart is the queue of cart summary requests.
func EmailCart(cfg config.BusConfig) Destination {
	return Destination{Name: cfg.EmailCartQueue}
}

// RegisterUser is the queue of new account notifications.
func RegisterUser(cfg config.BusConfig) Destination {
	return Destination{Name: cfg.RegisterUserQueue}
}

// Topology returns every destination of the system.
func Topology(cfg config.BusConfig) []Destination {
	return []Destination{OrderCreated(cfg), EmailCart(cfg), RegisterUser(cfg)}
}

// Provision declares destinations on broker.
func Provision(ctx context.Context, broker queue.Broker, destinations ...Destination) error {
	for _, d := range destinations {
		if err := broker.Provision(ctx, d.Name, d.Subscriptions...); err != nil {
			return fmt.Errorf("provision %s: %w", d.Name, err)
		}
		log.WithFields(map[string]interface{}{
			"destination":   d.Name,
			"subscriptions": d.Subscriptions,
		}).Info("Destination provisioned")
	}
	return nil
}
