package dispatch

import (
	"context"
	"fmt"
	"strings"

	"saferelay/internal/metrics"
	"saferelay/internal/retry"
	"saferelay/internal/types"
	"saferelay/internal/voice"
)

// ServiceCaller is the slice of the Home Assistant client the speaker needs.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Speaker plays a rendered announcement on an output device.
type Speaker interface {
	Speak(ctx context.Context, msg voice.Message, traceID string) error
}

// HASpeaker plays announcements through the Home Assistant TTS service on a
// configured media player, setting the playback volume first so the
// announcement comes out at the severity-appropriate level.
type HASpeaker struct {
	ha      ServiceCaller
	domain  string
	service string
	entity  string
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  types.Logger
}

// NewHASpeaker builds a speaker for a "domain.service" TTS service name,
// e.g. "tts.cloud_say".
func NewHASpeaker(ha ServiceCaller, ttsService, mediaPlayerEntity string, policy retry.Policy, m *metrics.Metrics, logger types.Logger) (*HASpeaker, error) {
	domain, service, ok := strings.Cut(ttsService, ".")
	if !ok || domain == "" || service == "" {
		return nil, fmt.Errorf("tts service must be \"domain.service\", got %q", ttsService)
	}
	if mediaPlayerEntity == "" {
		return nil, fmt.Errorf("media player entity is required")
	}
	return &HASpeaker{
		ha:      ha,
		domain:  domain,
		service: service,
		entity:  mediaPlayerEntity,
		policy:  policy,
		metrics: m,
		logger:  logger.With("component", "ha_speaker"),
	}, nil
}

// Speak sets the playback volume and calls the TTS service. The volume call
// failing only logs; losing the announcement over a volume mismatch would be
// the wrong trade.
func (s *HASpeaker) Speak(ctx context.Context, msg voice.Message, traceID string) error {
	if err := s.ha.CallService(ctx, "media_player", "volume_set", map[string]any{
		"entity_id":    s.entity,
		"volume_level": msg.Volume,
	}); err != nil {
		s.logger.Warn("volume set failed", "entity", s.entity,
			"volume", msg.Volume, "error", err.Error())
	}

	err := retry.Do(ctx, s.policy, s.logger, "ha_tts", func(ctx context.Context) error {
		return s.ha.CallService(ctx, s.domain, s.service, map[string]any{
			"entity_id": s.entity,
			"message":   msg.Message,
			"language":  msg.Voice,
		})
	})
	if err != nil {
		s.metrics.DispatchErrors.WithLabelValues("tts").Inc()
		return err
	}

	s.logger.Info("announcement played", "entity", s.entity, "trace_id", traceID)
	return nil
}
