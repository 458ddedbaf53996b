// Package metrics defines the Prometheus instrumentation for the alert
// pipeline. All collectors hang off a Metrics value bound to a registry so
// tests can assert against an isolated registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the pipeline emits.
type Metrics struct {
	AlertsReceived    *prometheus.CounterVec
	AlertsValid       *prometheus.CounterVec
	AlertsTriggered   *prometheus.CounterVec
	AlertsDuplicate   prometheus.Counter
	AlertsDropped     *prometheus.CounterVec
	DispatchErrors    *prometheus.CounterVec
	PublishRetries    prometheus.Counter
	QueueBackpressure prometheus.Counter
	MQTTReconnects    *prometheus.CounterVec

	QueueDepth    prometheus.Gauge
	OutboxSize    prometheus.Gauge
	IdemStoreSize prometheus.Gauge
	UptimeSeconds prometheus.Gauge

	NormalizeDuration prometheus.Histogram
	PolicyDuration    prometheus.Histogram
	EndToEndDuration  prometheus.Histogram
}

// New registers all pipeline collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AlertsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_received_total",
			Help: "Raw alert payloads received, by source feed.",
		}, []string{"source"}),
		AlertsValid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_valid_total",
			Help: "Alerts that passed normalization, by severity.",
		}, []string{"severity"}),
		AlertsTriggered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_triggered_total",
			Help: "Alerts that triggered dispatch, by severity.",
		}, []string{"severity"}),
		AlertsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "alerts_duplicate_total",
			Help: "Triggered alerts suppressed as duplicates.",
		}),
		AlertsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_dropped_total",
			Help: "Alerts dropped before dispatch, by pipeline stage.",
		}, []string{"stage"}),
		DispatchErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_errors_total",
			Help: "Dispatch attempts abandoned after exhausting retries, by target.",
		}, []string{"target"}),
		PublishRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "publish_retries_total",
			Help: "Individual publish retry attempts.",
		}),
		QueueBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "queue_backpressure_total",
			Help: "Times the producer dropped the oldest queued alert on a full queue.",
		}),
		MQTTReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mqtt_reconnects_total",
			Help: "Broker reconnections, by client role.",
		}, []string{"client"}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Alerts waiting in the internal queue.",
		}),
		OutboxSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_size",
			Help: "Messages persisted in the outbox awaiting publish.",
		}),
		IdemStoreSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "idem_store_size",
			Help: "Live fingerprints in the idempotency store.",
		}),
		UptimeSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "uptime_seconds",
			Help: "Seconds since the service started.",
		}),

		NormalizeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "normalize_duration_seconds",
			Help:    "Time spent normalizing a raw payload.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		PolicyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "policy_duration_seconds",
			Help:    "Time spent evaluating policy for an alert.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}),
		EndToEndDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "end_to_end_duration_seconds",
			Help:    "Time from payload receipt to dispatch completion.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),
	}
}
