// Package ingest is the producer side of the pipeline: it subscribes to the
// remote alert feed and hands raw payloads to the orchestrator.
package ingest

import (
	"saferelay/internal/metrics"
	"saferelay/internal/mqtt"
	"saferelay/internal/types"
)

// Subscriber is the slice of the MQTT client the ingestor needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Ingestor forwards every payload from the feed topic to the forward
// callback. The callback must not block; queue admission is the
// orchestrator's concern.
type Ingestor struct {
	sub     Subscriber
	topic   string
	qos     byte
	source  string
	forward func(payload []byte)
	metrics *metrics.Metrics
	logger  types.Logger
}

func NewIngestor(sub Subscriber, topic string, qos byte, source string, forward func([]byte), m *metrics.Metrics, logger types.Logger) *Ingestor {
	return &Ingestor{
		sub:     sub,
		topic:   topic,
		qos:     qos,
		source:  source,
		forward: forward,
		metrics: m,
		logger:  logger.With("component", "ingest"),
	}
}

// Start subscribes to the feed topic. The subscription persists until the
// underlying client disconnects.
func (i *Ingestor) Start() error {
	return i.sub.Subscribe(i.topic, i.qos, func(topic string, payload []byte) {
		i.metrics.AlertsReceived.WithLabelValues(i.source).Inc()
		i.logger.Info("alert payload received", "topic", topic, "bytes", len(payload))
		i.forward(payload)
	})
}
