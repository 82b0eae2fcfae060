// Package metrics exposes the broker's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the broker's prometheus collectors.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	messagesPublishedTotal *prometheus.CounterVec
	messagesAckedTotal     *prometheus.CounterVec
	messagesRedeliveredTotal *prometheus.CounterVec
	messagesExpiredTotal   *prometheus.CounterVec
	dispatchTotal          *prometheus.CounterVec
	callbackTotal          *prometheus.CounterVec

	callbackDuration *prometheus.HistogramVec

	queueDepth    *prometheus.GaugeVec
	unackedCount  *prometheus.GaugeVec
	consumerCount *prometheus.GaugeVec

	uptime prometheus.GaugeFunc

	startTime time.Time
}

var defaultCallbackBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem under the
// given namespace (default "broker").
func InitPrometheus(namespace string) {
	if namespace == "" {
		namespace = "broker"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()

	pm := &PrometheusMetrics{
		registry:  registry,
		startTime: start,

		messagesPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_published_total",
				Help:      "Total number of messages published, by queue",
			},
			[]string{"queue"},
		),

		messagesAckedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_acked_total",
				Help:      "Total number of messages acknowledged, by queue",
			},
			[]string{"queue"},
		),

		messagesRedeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_redelivered_total",
				Help:      "Total number of messages re-enqueued after an ACK timeout, by queue",
			},
			[]string{"queue"},
		),

		messagesExpiredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_expired_total",
				Help:      "Total number of messages dropped for idle-queue expiry, by queue",
			},
			[]string{"queue"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Total number of dispatch attempts, by queue and outcome",
			},
			[]string{"queue", "outcome"}, // outcome: sent, no_consumer, prefetch_full
		),

		callbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_total",
				Help:      "Total number of consumer callback deliveries, by queue and result",
			},
			[]string{"queue", "result"}, // result: success, failure
		),

		callbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "callback_duration_milliseconds",
				Help:      "Duration of consumer callback POSTs in milliseconds",
				Buckets:   defaultCallbackBuckets,
			},
			[]string{"queue"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current number of pending (undispatched) messages, by queue",
			},
			[]string{"queue"},
		),

		unackedCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unacked_messages",
				Help:      "Current number of in-flight, unacknowledged messages, by queue",
			},
			[]string{"queue"},
		),

		consumerCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "consumers",
				Help:      "Current number of registered consumers, by queue",
			},
			[]string{"queue"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the broker daemon started",
		},
		func() float64 {
			return time.Since(pm.startTime).Seconds()
		},
	)

	registry.MustRegister(
		pm.messagesPublishedTotal,
		pm.messagesAckedTotal,
		pm.messagesRedeliveredTotal,
		pm.messagesExpiredTotal,
		pm.dispatchTotal,
		pm.callbackTotal,
		pm.callbackDuration,
		pm.queueDepth,
		pm.unackedCount,
		pm.consumerCount,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPublish records a published message for a queue.
func RecordPublish(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesPublishedTotal.WithLabelValues(queue).Inc()
}

// RecordAck records an acknowledged message for a queue.
func RecordAck(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesAckedTotal.WithLabelValues(queue).Inc()
}

// RecordRedelivery records an ACK-timeout re-enqueue for a queue.
func RecordRedelivery(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesRedeliveredTotal.WithLabelValues(queue).Inc()
}

// RecordExpiry records an idle-queue message expiry.
func RecordExpiry(queue string) {
	if promMetrics == nil {
		return
	}
	promMetrics.messagesExpiredTotal.WithLabelValues(queue).Inc()
}

// RecordDispatch records a dispatch attempt outcome for a queue.
// outcome is one of "sent", "no_consumer", "prefetch_full".
func RecordDispatch(queue, outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.dispatchTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordCallback records a consumer callback delivery outcome and duration.
func RecordCallback(queue string, success bool, durationMs int64) {
	if promMetrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	promMetrics.callbackTotal.WithLabelValues(queue, result).Inc()
	promMetrics.callbackDuration.WithLabelValues(queue).Observe(float64(durationMs))
}

// SetQueueDepth sets the current pending-message gauge for a queue.
func SetQueueDepth(queue string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// SetUnackedCount sets the current in-flight gauge for a queue.
func SetUnackedCount(queue string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.unackedCount.WithLabelValues(queue).Set(float64(count))
}

// SetConsumerCount sets the current registered-consumer gauge for a queue.
func SetConsumerCount(queue string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.consumerCount.WithLabelValues(queue).Set(float64(count))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
