package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector owns a private registry so several collectors can coexist
// in one process (and in tests). All methods are no-ops on a nil receiver.
type MetricsCollector struct {
	registry *prometheus.Registry

	// saga
	orderCreationTotal  *prometheus.CounterVec
	paymentValidation   *prometheus.CounterVec
	statusChangeTotal   *prometheus.CounterVec
	refundTotal         *prometheus.CounterVec
	stalePendingOrders  prometheus.Gauge
	outboxPendingEvents prometheus.Gauge

	// bus
	publishTotal         *prometheus.CounterVec
	messageTotal         *prometheus.CounterVec
	messageDuration      *prometheus.HistogramVec
	deadLetterTotal      *prometheus.CounterVec
	consumerState        *prometheus.GaugeVec
	rewardPointsTotal    prometheus.Counter
	emailDeliveriesTotal *prometheus.CounterVec

	// http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	goroutineCount prometheus.Gauge
}

// NewMetricsCollector creates the collector and registers every metric under namespace.
func NewMetricsCollector(namespace string) *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mc := &MetricsCollector{registry: reg}
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	mc.orderCreationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "order_creation_total",
		Help: "Orders created from cart snapshots",
	}, []string{"status"})
	mc.paymentValidation = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "payment_validation_total",
		Help: "Payment validations by outcome",
	}, []string{"result"})
	mc.statusChangeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "order_status_change_total",
		Help: "Order status transitions",
	}, []string{"from", "to"})
	mc.refundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "refund_total",
		Help: "Refunds requested at the payment gateway",
	}, []string{"status"})
	mc.stalePendingOrders = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "stale_pending_orders",
		Help: "Pending orders older than the reconcile age without a payment session",
	})
	mc.outboxPendingEvents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "outbox_pending_events",
		Help: "Outbox rows not yet published",
	})

	mc.publishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "bus_publish_total",
		Help: "Messages handed to the broker",
	}, []string{"destination", "status"})
	mc.messageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "bus_message_total",
		Help: "Messages processed by consumers, by settlement",
	}, []string{"destination", "subscription", "result"})
	mc.messageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "bus_message_duration_seconds",
		Help:    "Handler duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"destination", "subscription"})
	mc.deadLetterTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "bus_dead_letter_total",
		Help: "Messages moved to dead letter",
	}, []string{"destination", "subscription"})
	mc.consumerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Name: "consumer_host_state",
		Help: "Consumer host state: 0 stopped, 1 starting, 2 running, 3 stopping",
	}, []string{"host"})
	mc.rewardPointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Name: "reward_points_accrued_total",
		Help: "Reward points accrued",
	})
	mc.emailDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "email_delivery_total",
		Help: "Notification emails by kind and delivery outcome",
	}, []string{"kind", "delivered"})

	mc.httpRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Name: "http_requests_total",
		Help: "HTTP requests",
	}, []string{"method", "path", "status"})
	mc.httpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Name: "http_request_duration_seconds",
		Help:    "HTTP request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	mc.goroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Goroutines sampled by the collector loop",
	})

	for _, c := range []prometheus.Collector{
		mc.orderCreationTotal, mc.paymentValidation, mc.statusChangeTotal, mc.refundTotal,
		mc.stalePendingOrders, mc.outboxPendingEvents,
		mc.publishTotal, mc.messageTotal, mc.messageDuration, mc.deadLetterTotal,
		mc.consumerState, mc.rewardPointsTotal, mc.emailDeliveriesTotal,
		mc.httpRequestTotal, mc.httpRequestDuration, mc.goroutineCount,
	} {
		factory(c)
	}
	return mc
}

// Handler exposes the registry for scraping.
func (mc *MetricsCollector) Handler() http.Handler {
	if mc == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (mc *MetricsCollector) Registry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (mc *MetricsCollector) RecordOrderCreated(err error) {
	if mc == nil {
		return
	}
	mc.orderCreationTotal.WithLabelValues(statusLabel(err)).Inc()
}

// RecordPaymentValidation result is approved, pending, already_approved, closed or error.
func (mc *MetricsCollector) RecordPaymentValidation(result string) {
	if mc == nil {
		return
	}
	mc.paymentValidation.WithLabelValues(result).Inc()
}

func (mc *MetricsCollector) RecordStatusChange(from, to string) {
	if mc == nil {
		return
	}
	mc.statusChangeTotal.WithLabelValues(from, to).Inc()
}

func (mc *MetricsCollector) RecordRefund(err error) {
	if mc == nil {
		return
	}
	mc.refundTotal.WithLabelValues(statusLabel(err)).Inc()
}

func (mc *MetricsCollector) SetStalePendingOrders(n int) {
	if mc == nil {
		return
	}
	mc.stalePendingOrders.Set(float64(n))
}

func (mc *MetricsCollector) SetOutboxPending(n int) {
	if mc == nil {
		return
	}
	mc.outboxPendingEvents.Set(float64(n))
}

func (mc *MetricsCollector) RecordPublish(destination string, err error) {
	if mc == nil {
		return
	}
	mc.publishTotal.WithLabelValues(destination, statusLabel(err)).Inc()
}

// RecordMessage result is completed, abandoned or dead_lettered.
func (mc *MetricsCollector) RecordMessage(destination, subscription, result string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.messageTotal.WithLabelValues(destination, subscription, result).Inc()
	mc.messageDuration.WithLabelValues(destination, subscription).Observe(duration.Seconds())
}

func (mc *MetricsCollector) RecordDeadLetter(destination, subscription string) {
	if mc == nil {
		return
	}
	mc.deadLetterTotal.WithLabelValues(destination, subscription).Inc()
}

func (mc *MetricsCollector) SetConsumerState(host string, state int) {
	if mc == nil {
		return
	}
	mc.consumerState.WithLabelValues(host).Set(float64(state))
}

func (mc *MetricsCollector) RecordRewardPoints(points int) {
	if mc == nil {
		return
	}
	mc.rewardPointsTotal.Add(float64(points))
}

func (mc *MetricsCollector) RecordEmail(kind string, delivered bool) {
	if mc == nil {
		return
	}
	label := "false"
	if delivered {
		label = "true"
	}
	mc.emailDeliveriesTotal.WithLabelValues(kind, label).Inc()
}

func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// StartSystemMetricsCollection samples runtime gauges until ctx is done.
func (mc *MetricsCollector) StartSystemMetricsCollection(ctx context.Context, interval time.Duration) {
	if mc == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mc.goroutineCount.Set(float64(runtime.NumGoroutine()))
			}
		}
	}()
}
