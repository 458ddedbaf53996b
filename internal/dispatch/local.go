package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"saferelay/internal/metrics"
	"saferelay/internal/outbox"
	"saferelay/internal/retry"
	"saferelay/internal/types"
)

// Publisher is the slice of the MQTT client the dispatch side needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// LocalPublisher delivers triggered alerts to the local topic tree through
// the outbox: Dispatch persists the message, the Run loop drains it. A
// broker outage therefore delays delivery instead of losing it.
type LocalPublisher struct {
	repo        outbox.Repository
	pub         Publisher
	topicPrefix string
	qos         byte
	retain      bool
	maxRetries  int
	policy      retry.Policy
	metrics     *metrics.Metrics
	logger      types.Logger
	wake        chan struct{}
}

// LocalPublisherConfig tunes the drain worker.
type LocalPublisherConfig struct {
	TopicPrefix string
	QoS         byte
	Retain      bool
	// MaxRetries is the per-item publish budget; items past it are
	// dropped with a warning.
	MaxRetries int
	Policy     retry.Policy
}

func NewLocalPublisher(repo outbox.Repository, pub Publisher, cfg LocalPublisherConfig, m *metrics.Metrics, logger types.Logger) *LocalPublisher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.Policy.InitialDelay <= 0 {
		cfg.Policy = retry.DefaultPolicy
	}
	return &LocalPublisher{
		repo:        repo,
		pub:         pub,
		topicPrefix: cfg.TopicPrefix,
		qos:         cfg.QoS,
		retain:      cfg.Retain,
		maxRetries:  cfg.MaxRetries,
		policy:      cfg.Policy,
		metrics:     m,
		logger:      logger.With("component", "local_publisher"),
		wake:        make(chan struct{}, 1),
	}
}

// Dispatch persists the alert for publication and nudges the drain worker.
func (p *LocalPublisher) Dispatch(ctx context.Context, unit types.DispatchUnit) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return types.NewAppError(types.ErrCodeDispatchPartialFailure, "cannot encode dispatch unit", err)
	}

	topic := fmt.Sprintf("%s/alerts/%s", p.topicPrefix, unit.Decision.Level)
	id, err := p.repo.Enqueue(ctx, topic, payload, p.qos, p.retain)
	if err != nil {
		return err
	}

	p.logger.Info("alert enqueued for local publish",
		"outbox_id", id, "topic", topic, "trace_id", unit.TraceID)
	p.updateOutboxGauge(ctx)

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drains the outbox until ctx is cancelled. It wakes on new enqueues and
// polls as a fallback so items enqueued by a previous run are picked up.
func (p *LocalPublisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if err := p.drainOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("outbox drain pass failed", "error", err.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// drainOnce publishes outbox items until the outbox is empty or an item
// needs a backoff wait.
func (p *LocalPublisher) drainOnce(ctx context.Context) error {
	for {
		item, found, err := p.repo.PeekOldest(ctx)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		if err := p.pub.Publish(ctx, item.Topic, item.QoS, item.Retain, item.Payload); err != nil {
			return p.handlePublishFailure(ctx, item, err)
		}

		if err := p.repo.Delete(ctx, item.ID); err != nil {
			return err
		}
		p.logger.Info("alert published", "topic", item.Topic, "outbox_id", item.ID)
		p.updateOutboxGauge(ctx)
	}
}

func (p *LocalPublisher) handlePublishFailure(ctx context.Context, item outbox.Item, pubErr error) error {
	attempts := item.Attempts + 1
	if attempts >= p.maxRetries {
		p.logger.Warn("dropping alert after exhausting publish budget",
			"topic", item.Topic, "outbox_id", item.ID, "attempts", attempts, "error", pubErr.Error())
		p.metrics.DispatchErrors.WithLabelValues("local").Inc()
		if err := p.repo.Delete(ctx, item.ID); err != nil {
			return err
		}
		p.updateOutboxGauge(ctx)
		return nil
	}

	if err := p.repo.MarkAttempt(ctx, item.ID); err != nil {
		return err
	}
	p.metrics.PublishRetries.Inc()

	delay := retry.Backoff(p.policy, item.Attempts)
	p.logger.Warn("publish failed, backing off",
		"topic", item.Topic, "outbox_id", item.ID, "attempt", attempts, "delay", delay.String(), "error", pubErr.Error())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *LocalPublisher) updateOutboxGauge(ctx context.Context) {
	if n, err := p.repo.Count(ctx); err == nil {
		p.metrics.OutboxSize.Set(float64(n))
	}
}
