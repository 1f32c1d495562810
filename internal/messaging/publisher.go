package messaging

import (
	"context"
	"time"

	"shop/internal/monitor"
	"shop/pkg/log"
	"shop/pkg/queue"
)

// InstrumentedPublisher bounds each publish by a timeout and records the outcome.
type InstrumentedPublisher struct {
	next    queue.Publisher
	timeout time.Duration
	metrics *monitor.MetricsCollector
}

// NewPublisher wraps next. A zero timeout leaves the caller's deadline alone.
func NewPublisher(next queue.Publisher, timeout time.Duration, metrics *monitor.MetricsCollector) *InstrumentedPublisher {
	return &InstrumentedPublisher{next: next, timeout: timeout, metrics: metrics}
}

func (p *InstrumentedPublisher) Publish(ctx context.Context, destination string, payload interface{}) error {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	err := p.next.Publish(ctx, destination, payload)
	p.metrics.RecordPublish(destination, err)
	if err != nil {
		log.WithContext(ctx).WithError(err).WithField("destination", destination).Error("Failed to publish message")
	}
	return err
}
