package order

import (
	"context"
	"encoding/json"
	"time"

	"shop/internal/config"
	"shop/internal/monitor"
	"shop/internal/repository"
	"shop/pkg/lock"
	"shop/pkg/log"
	"shop/pkg/queue"
)

// runEvery calls fn immediately and then on every tick until ctx is done.
func runEvery(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.WithFields(map[string]interface{}{
		"job":      name,
		"interval": interval.String(),
	}).Info("Background job started")

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("job", name).Error("Background job run failed")
		}

		select {
		case <-ctx.Done():
			log.WithField("job", name).Info("Background job stopped")
			return
		case <-ticker.C:
		}
	}
}

// OutboxRelay republishes outbox rows the request path failed to publish.
// Only the replica holding the lock relays in a given round.
type OutboxRelay struct {
	outbox      repository.OutboxRepository
	publisher   queue.Publisher
	locker      lock.Locker
	interval    time.Duration
	batchSize   int
	maxAttempts int
	metrics     *monitor.MetricsCollector
	now         func() time.Time
}

// NewOutboxRelay creates a relay. Rows younger than interval are skipped so the
// request path gets the first chance to publish them.
func NewOutboxRelay(outbox repository.OutboxRepository, publisher queue.Publisher, locker lock.Locker,
	cfg config.OutboxConfig, metrics *monitor.MetricsCollector) *OutboxRelay {
	return &OutboxRelay{
		outbox:      outbox,
		publisher:   publisher,
		locker:      locker,
		interval:    cfg.Interval,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Run relays until ctx is cancelled.
func (r *OutboxRelay) Run(ctx context.Context) {
	runEvery(ctx, "outbox-relay", r.interval, func(ctx context.Context) error {
		_, err := r.RelayOnce(ctx)
		return err
	})
}

// RelayOnce publishes one batch and returns how many rows were sent.
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	sent := 0
	_, err := lock.RunExclusive(ctx, r.locker, func(ctx context.Context) error {
		rows, err := r.outbox.ListPending(ctx, r.now().Add(-r.interval), r.batchSize)
		if err != nil {
			return err
		}

		for _, row := range rows {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := r.publisher.Publish(ctx, row.Destination, json.RawMessage(row.Payload)); err != nil {
				park := r.maxAttempts > 0 && row.Attempts+1 >= r.maxAttempts
				entry := log.WithError(err).WithFields(map[string]interface{}{
					"outbox_id": row.ID,
					"dedup_key": row.DedupKey,
					"attempts":  row.Attempts + 1,
				})
				if park {
					entry.Error("Outbox event parked after repeated publish failures")
				} else {
					entry.Warn("Outbox relay publish failed")
				}
				if merr := r.outbox.MarkFailed(ctx, row.ID, err, park); merr != nil {
					return merr
				}
				continue
			}
			if err := r.outbox.MarkSent(ctx, row.ID); err != nil {
				return err
			}
			sent++
		}

		if sent > 0 {
			log.WithField("count", sent).Info("Outbox events relayed")
		}

		pending, err := r.outbox.CountPending(ctx)
		if err != nil {
			return err
		}
		r.metrics.SetOutboxPending(int(pending))
		return nil
	})
	return sent, err
}

// Reconciler re-validates Pending orders whose payer may have paid without the
// client ever calling back, and reports orders that never reached checkout.
// Each round resumes behind the last order checked, so a backlog of unpaid
// orders is walked in full before the scan starts over from the oldest.
type Reconciler struct {
	orders    repository.OrderRepository
	service   OrderService
	locker    lock.Locker
	interval  time.Duration
	minAge    time.Duration
	maxAge    time.Duration
	batchSize int
	metrics   *monitor.MetricsCollector
	now       func() time.Time

	// cursor is only touched while holding the lock
	cursor *repository.ScanCursor
}

// NewReconciler creates a reconciler for orders between min_age and max_age old.
func NewReconciler(orders repository.OrderRepository, service OrderService, locker lock.Locker,
	cfg config.ReconcileConfig, metrics *monitor.MetricsCollector) *Reconciler {
	return &Reconciler{
		orders:    orders,
		service:   service,
		locker:    locker,
		interval:  cfg.Interval,
		minAge:    cfg.MinAge,
		maxAge:    cfg.MaxAge,
		batchSize: cfg.BatchSize,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run reconciles until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	runEvery(ctx, "payment-reconciler", r.interval, func(ctx context.Context) error {
		_, err := r.ReconcileOnce(ctx)
		return err
	})
}

// ReconcileOnce checks one batch and returns how many orders were approved.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	approved := 0
	_, err := lock.RunExclusive(ctx, r.locker, func(ctx context.Context) error {
		now := r.now()
		cutoff := now.Add(-r.minAge)

		stale, err := r.orders.CountPendingWithoutSession(ctx, cutoff)
		if err != nil {
			return err
		}
		r.metrics.SetStalePendingOrders(int(stale))
		if stale > 0 {
			log.WithField("count", stale).Warn("Pending orders without checkout session")
		}

		scan := repository.PendingScan{Until: cutoff, After: r.cursor, Limit: r.batchSize}
		if r.maxAge > 0 {
			scan.Since = now.Add(-r.maxAge)
		}
		orders, err := r.orders.ListPendingWithSession(ctx, scan)
		if err != nil {
			return err
		}
		if len(orders) < r.batchSize {
			r.cursor = nil
		} else {
			last := orders[len(orders)-1]
			r.cursor = &repository.ScanCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		}

		for _, o := range orders {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			res, err := r.service.ValidatePayment(ctx, o.ID)
			if err != nil {
				log.WithError(err).WithField("order_id", o.ID).Warn("Reconcile validation failed")
				continue
			}
			if res.Approved {
				approved++
			}
		}

		if approved > 0 {
			log.WithField("count", approved).Info("Orders approved by reconciler")
		}
		return nil
	})
	return approved, err
}
