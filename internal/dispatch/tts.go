package dispatch

import (
	"context"
	"encoding/json"

	"saferelay/internal/metrics"
	"saferelay/internal/retry"
	"saferelay/internal/types"
	"saferelay/internal/voice"
)

// TTSPublisher announces triggered alerts by publishing the rendered spoken
// message to the TTS topic.
type TTSPublisher struct {
	pub     Publisher
	topic   string
	qos     byte
	voice   voice.Config
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  types.Logger

	// Speaker, when set, additionally plays the announcement on a media
	// player. A playback failure does not fail the announce: the broker
	// publish already succeeded.
	Speaker Speaker
}

func NewTTSPublisher(pub Publisher, topic string, qos byte, voiceCfg voice.Config, policy retry.Policy, m *metrics.Metrics, logger types.Logger) *TTSPublisher {
	return &TTSPublisher{
		pub:     pub,
		topic:   topic,
		qos:     qos,
		voice:   voiceCfg,
		policy:  policy,
		metrics: m,
		logger:  logger.With("component", "tts_publisher"),
	}
}

// Announce renders and publishes the spoken message for a dispatch unit.
// Template failures are terminal; publish failures are retried and counted
// against dispatch_errors on exhaustion.
func (t *TTSPublisher) Announce(ctx context.Context, unit types.DispatchUnit) error {
	msg, err := voice.SpokenMessage(unit.Alert, unit.Decision, t.voice)
	if err != nil {
		return types.NewAppError(types.ErrCodeTemplateMissingPlaceholder, "cannot render spoken message", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return types.NewAppError(types.ErrCodeDispatchPartialFailure, "cannot encode spoken message", err)
	}

	err = retry.Do(ctx, t.policy, t.logger, "tts_publish", func(ctx context.Context) error {
		return t.pub.Publish(ctx, t.topic, t.qos, false, payload)
	})
	if err != nil {
		t.metrics.DispatchErrors.WithLabelValues("tts").Inc()
		return err
	}

	t.logger.Info("spoken alert published",
		"topic", t.topic, "volume", msg.Volume, "trace_id", unit.TraceID)

	if t.Speaker != nil {
		if err := t.Speaker.Speak(ctx, msg, unit.TraceID); err != nil {
			t.logger.Error("media player announcement failed",
				"trace_id", unit.TraceID, "error", err.Error())
		}
	}
	return nil
}
