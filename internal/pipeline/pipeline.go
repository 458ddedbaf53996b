// Package pipeline wires the processing stages together: raw payloads come
// in from the upstream feed, flow through normalization, policy, and the
// idempotency check, and triggered alerts fan out to the local broker, Home
// Assistant, and the TTS announcer. Every stage runs as a supervised task so
// a crashing stage restarts with backoff instead of taking the process down.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"saferelay/internal/dedup"
	"saferelay/internal/metrics"
	"saferelay/internal/normalize"
	"saferelay/internal/policy"
	"saferelay/internal/retry"
	"saferelay/internal/types"
)

// State tracks the orchestrator lifecycle. Transitions only move forward:
// Created -> Starting -> Running -> Stopping -> Stopped.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// rawMessage is one payload taken off the upstream broker, stamped with the
// receive time so the end-to-end latency histogram measures from ingress.
type rawMessage struct {
	payload  []byte
	received time.Time
}

// HomeLocator resolves the home coordinates, normally from the Home
// Assistant zone.home entity.
type HomeLocator interface {
	GetZoneHome(ctx context.Context) (lat, lon float64, err error)
}

// StateSink receives triggered alerts on the Home Assistant side: a sensor
// state update plus a bus event automations can listen for.
type StateSink interface {
	SetState(ctx context.Context, entityID, state string, attrs map[string]any) error
	FireEvent(ctx context.Context, event string, data map[string]any) error
}

// Dispatcher commits a triggered alert to the local broker outbox and drains
// it in the background.
type Dispatcher interface {
	Dispatch(ctx context.Context, unit types.DispatchUnit) error
	Run(ctx context.Context) error
}

// Announcer renders and publishes a spoken version of a triggered alert.
type Announcer interface {
	Announce(ctx context.Context, unit types.DispatchUnit) error
}

// ShelterFinder enriches a dispatch with the nearest shelter.
type ShelterFinder interface {
	Nearest(lat, lon float64) (types.ShelterInfo, error)
}

// Config assembles the orchestrator's collaborators and tuning. Locator,
// Sink, Announce, and Shelters are optional; the rest are required.
type Config struct {
	PolicyConfig policy.Config
	Dedup        dedup.Store
	DedupTTL     time.Duration
	Local        Dispatcher
	Sink         StateSink
	Locator      HomeLocator
	Announce     Announcer
	Shelters     ShelterFinder

	// AlertEntityID is the Home Assistant sensor updated on trigger.
	AlertEntityID string
	// AlertEvent is the Home Assistant event fired on trigger.
	AlertEvent string

	QueueSize             int
	TTSQueueSize          int
	MaxConsecutiveRestart int
	RestartBackoff        retry.Policy
	MetricsInterval       time.Duration
	ShutdownGrace         time.Duration
}

// Orchestrator owns the task set and the bounded hand-off queues. Build one
// with New, feed it via Submit, and run it with Run.
type Orchestrator struct {
	cfg     Config
	engine  *policy.Engine
	clock   types.Clock
	metrics *metrics.Metrics
	logger  types.Logger

	queue    chan rawMessage
	ttsQueue chan types.DispatchUnit

	mu      sync.Mutex
	state   State
	failed  map[string]bool
	started time.Time
}

// New validates the config and returns an orchestrator in StateCreated.
// The policy engine is not built here: home coordinates may come from Home
// Assistant, which is only consulted once Run starts.
func New(cfg Config, clock types.Clock, m *metrics.Metrics, logger types.Logger) (*Orchestrator, error) {
	if cfg.Dedup == nil {
		return nil, fmt.Errorf("pipeline: dedup store is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("pipeline: local dispatcher is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.TTSQueueSize <= 0 {
		cfg.TTSQueueSize = 16
	}
	if cfg.MaxConsecutiveRestart <= 0 {
		cfg.MaxConsecutiveRestart = 5
	}
	if cfg.RestartBackoff.MaxRetries == 0 {
		cfg.RestartBackoff = retry.DefaultPolicy
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 10 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.AlertEntityID == "" {
		cfg.AlertEntityID = "sensor.saferelay_alert"
	}
	if cfg.AlertEvent == "" {
		cfg.AlertEvent = "saferelay_alert"
	}
	return &Orchestrator{
		cfg:      cfg,
		clock:    clock,
		metrics:  m,
		logger:   logger,
		queue:    make(chan rawMessage, cfg.QueueSize),
		ttsQueue: make(chan types.DispatchUnit, cfg.TTSQueueSize),
		state:    StateCreated,
		failed:   make(map[string]bool),
	}, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Healthy reports whether the orchestrator is running with no permanently
// failed tasks. Wired into the health probe surface.
func (o *Orchestrator) Healthy() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRunning {
		return fmt.Errorf("pipeline is %s", o.state)
	}
	for name := range o.failed {
		return fmt.Errorf("task %s exceeded its restart budget", name)
	}
	return nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Info("pipeline state changed", "state", s.String())
}

func (o *Orchestrator) markFailed(name string) {
	o.mu.Lock()
	o.failed[name] = true
	o.mu.Unlock()
}

// Submit enqueues a raw payload from the upstream feed. When the queue is
// full the oldest queued message is discarded so fresh alerts keep flowing;
// the discard is counted as backpressure.
func (o *Orchestrator) Submit(payload []byte) {
	msg := rawMessage{payload: payload, received: o.clock.Now()}
	select {
	case o.queue <- msg:
		return
	default:
	}

	select {
	case <-o.queue:
		o.metrics.QueueBackpressure.Inc()
		o.logger.Warn("queue full, dropped oldest message", "capacity", cap(o.queue))
	default:
	}
	select {
	case o.queue <- msg:
	default:
		o.metrics.QueueBackpressure.Inc()
	}
}

// Run resolves the home location, builds the policy engine, and runs the
// task set until ctx is cancelled. It only returns an error when startup
// fails; task failures at runtime are absorbed by supervision and surfaced
// through Healthy.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.setState(StateStarting)
	o.mu.Lock()
	o.started = o.clock.Now()
	o.mu.Unlock()

	engine, err := o.buildEngine(ctx)
	if err != nil {
		o.setState(StateStopped)
		return err
	}
	o.engine = engine

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.supervise(gctx, "consumer", o.consume) })
	g.Go(func() error { return o.supervise(gctx, "publisher", o.cfg.Local.Run) })
	g.Go(func() error { return o.supervise(gctx, "metrics", o.sampleMetrics) })
	if o.cfg.Announce != nil {
		g.Go(func() error { return o.supervise(gctx, "tts", o.announceLoop) })
	}

	o.setState(StateRunning)
	<-ctx.Done()
	o.setState(StateStopping)
	cancel()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	timer := time.NewTimer(o.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case err := <-done:
		o.setState(StateStopped)
		return err
	case <-timer.C:
		o.logger.Warn("shutdown grace elapsed, abandoning remaining tasks",
			"grace", o.cfg.ShutdownGrace.String())
		o.setState(StateStopped)
		return nil
	}
}

// buildEngine resolves home coordinates and constructs the policy engine.
// When the locator fails and no usable coordinates are configured, the
// geographic check is disabled rather than evaluating against a bogus home.
func (o *Orchestrator) buildEngine(ctx context.Context) (*policy.Engine, error) {
	cfg := o.cfg.PolicyConfig

	if o.cfg.Locator != nil {
		lat, lon, err := o.cfg.Locator.GetZoneHome(ctx)
		if err == nil {
			cfg.Home = types.LatLon{Lat: lat, Lon: lon}
			o.logger.Info("home location resolved", "lat", lat, "lon", lon)
		} else {
			o.logger.Warn("home location lookup failed", "error", err.Error())
		}
	}

	zero := types.LatLon{}
	if !cfg.Home.Valid() || cfg.Home == zero {
		o.logger.Warn("no home location available, geographic filtering disabled")
		cfg.GeoDisabled = true
	}
	return policy.NewEngine(cfg, o.clock, o.logger)
}

// supervise runs fn in a restart loop. A panic or error is logged and the
// task restarts with backoff; after MaxConsecutiveRestart failures in a row
// the task is retired and the health surface turns unhealthy. A task that
// ran for a while before failing gets its failure streak reset.
func (o *Orchestrator) supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	const resetAfter = time.Minute

	consecutive := 0
	for {
		startedAt := o.clock.Now()
		err := o.runTask(ctx, name, fn)
		if ctx.Err() != nil {
			return nil
		}
		if o.clock.Now().Sub(startedAt) >= resetAfter {
			consecutive = 0
		}
		consecutive++
		o.logger.Error("task exited, restarting", "task", name,
			"consecutive_failures", consecutive, "error", errString(err))

		if consecutive >= o.cfg.MaxConsecutiveRestart {
			o.markFailed(name)
			o.logger.Error("task exceeded restart budget, giving up", "task", name)
			return nil
		}

		delay := retry.Backoff(o.cfg.RestartBackoff, consecutive-1)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) runTask(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", name, r)
			o.logger.Error("task panic", "task", name, "panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	return fn(ctx)
}

func errString(err error) string {
	if err == nil {
		return "nil"
	}
	return err.Error()
}

// consume is the core stage: normalize, evaluate, dedup, fan out. Per-message
// failures are logged and counted, never returned, so one bad payload cannot
// restart the task.
func (o *Orchestrator) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-o.queue:
			o.processOne(ctx, msg)
		}
	}
}

// processOne returns the decision reached for the payload, false when the
// payload never produced one (normalization failure).
func (o *Orchestrator) processOne(ctx context.Context, msg rawMessage) (types.Decision, bool) {
	normStart := o.clock.Now()
	cae, err := normalize.ToCAE(msg.payload)
	o.metrics.NormalizeDuration.Observe(o.clock.Now().Sub(normStart).Seconds())
	if err != nil {
		o.metrics.AlertsDropped.WithLabelValues("normalize").Inc()
		o.logger.Warn("payload rejected by normalization", "error", err.Error())
		return types.Decision{}, false
	}
	o.metrics.AlertsValid.WithLabelValues(string(cae.Severity)).Inc()

	polStart := o.clock.Now()
	decision := o.engine.Evaluate(cae)
	o.metrics.PolicyDuration.Observe(o.clock.Now().Sub(polStart).Seconds())
	if !decision.Trigger {
		o.metrics.AlertsDropped.WithLabelValues("policy").Inc()
		return decision, true
	}

	inserted, err := o.cfg.Dedup.AddIfAbsent(ctx, cae.Fingerprint(), o.cfg.DedupTTL)
	if err != nil {
		// Fail open: losing an alert is worse than repeating one.
		o.logger.Error("idempotency check failed, dispatching anyway",
			"identifier", cae.Identifier, "error", err.Error())
	} else if !inserted {
		decision = types.Decision{
			Trigger: false,
			Level:   cae.Severity,
			Reason:  types.ReasonDuplicate,
		}
		o.metrics.AlertsDuplicate.Inc()
		o.logger.Info("duplicate alert suppressed",
			"identifier", cae.Identifier,
			"fingerprint", cae.Fingerprint(),
			"reason", string(decision.Reason))
		return decision, true
	}

	o.metrics.AlertsTriggered.WithLabelValues(string(cae.Severity)).Inc()
	unit := types.DispatchUnit{
		Alert:    cae,
		Decision: decision,
		TraceID:  uuid.NewString(),
	}
	o.attachShelter(&unit)
	o.fanOut(ctx, unit)
	o.metrics.EndToEndDuration.Observe(o.clock.Now().Sub(msg.received).Seconds())
	return decision, true
}

// attachShelter enriches the unit with the shelter nearest to the alert's
// first point area, falling back to the configured home location.
func (o *Orchestrator) attachShelter(unit *types.DispatchUnit) {
	if o.cfg.Shelters == nil {
		return
	}
	at, ok := o.referencePoint(unit.Alert)
	if !ok {
		return
	}
	info, err := o.cfg.Shelters.Nearest(at.Lat, at.Lon)
	if err != nil {
		o.logger.Warn("shelter lookup failed", "error", err.Error())
		return
	}
	unit.Shelter = &info
}

func (o *Orchestrator) referencePoint(cae types.CAE) (types.LatLon, bool) {
	for _, area := range cae.Areas {
		if area.Geometry.Kind == types.GeometryPoint {
			return area.Geometry.Point, true
		}
	}
	home := o.cfg.PolicyConfig.Home
	if home.Valid() && home != (types.LatLon{}) {
		return home, true
	}
	return types.LatLon{}, false
}

// fanOut delivers one triggered alert to every enabled target. Targets are
// independent: a Home Assistant outage does not stop the local publish, and
// vice versa.
func (o *Orchestrator) fanOut(ctx context.Context, unit types.DispatchUnit) {
	if err := o.cfg.Local.Dispatch(ctx, unit); err != nil {
		o.metrics.DispatchErrors.WithLabelValues("local").Inc()
		o.logger.Error("local dispatch failed",
			"identifier", unit.Alert.Identifier, "trace_id", unit.TraceID, "error", err.Error())
	}

	if o.cfg.Sink != nil {
		o.updateHomeAssistant(ctx, unit)
	}

	if o.cfg.Announce != nil {
		select {
		case o.ttsQueue <- unit:
		default:
			o.metrics.DispatchErrors.WithLabelValues("tts").Inc()
			o.logger.Warn("tts queue full, announcement dropped",
				"identifier", unit.Alert.Identifier)
		}
	}
}

func (o *Orchestrator) updateHomeAssistant(ctx context.Context, unit types.DispatchUnit) {
	attrs := map[string]any{
		"identifier": unit.Alert.Identifier,
		"headline":   unit.Alert.Headline,
		"severity":   string(unit.Alert.Severity),
		"sent":       unit.Alert.Sent.UTC().Format(time.RFC3339),
		"reason":     string(unit.Decision.Reason),
		"trace_id":   unit.TraceID,
	}
	if unit.Shelter != nil {
		attrs["shelter_name"] = unit.Shelter.Name
		attrs["shelter_distance_km"] = unit.Shelter.DistanceKm
		attrs["shelter_map_url"] = unit.Shelter.MapURL
	}
	if err := o.cfg.Sink.SetState(ctx, o.cfg.AlertEntityID, string(unit.Decision.Level), attrs); err != nil {
		o.metrics.DispatchErrors.WithLabelValues("ha").Inc()
		o.logger.Error("home assistant state update failed",
			"entity", o.cfg.AlertEntityID, "trace_id", unit.TraceID, "error", err.Error())
	}

	data, err := eventData(unit)
	if err != nil {
		o.logger.Error("event payload encoding failed", "trace_id", unit.TraceID, "error", err.Error())
		return
	}
	if err := o.cfg.Sink.FireEvent(ctx, o.cfg.AlertEvent, data); err != nil {
		o.metrics.DispatchErrors.WithLabelValues("ha").Inc()
		o.logger.Error("home assistant event failed",
			"event", o.cfg.AlertEvent, "trace_id", unit.TraceID, "error", err.Error())
	}
}

func eventData(unit types.DispatchUnit) (map[string]any, error) {
	raw, err := json.Marshal(unit)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// announceLoop drains the TTS queue on its own task so slow announcement
// publishing never stalls the consumer.
func (o *Orchestrator) announceLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case unit := <-o.ttsQueue:
			if err := o.cfg.Announce.Announce(ctx, unit); err != nil {
				o.logger.Error("announcement failed",
					"identifier", unit.Alert.Identifier, "trace_id", unit.TraceID, "error", err.Error())
			}
		}
	}
}

// sampleMetrics refreshes the gauges that track derived sizes.
func (o *Orchestrator) sampleMetrics(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.metrics.QueueDepth.Set(float64(len(o.queue)))
			o.mu.Lock()
			started := o.started
			o.mu.Unlock()
			o.metrics.UptimeSeconds.Set(o.clock.Now().Sub(started).Seconds())
			if n, err := o.cfg.Dedup.Len(ctx); err == nil {
				o.metrics.IdemStoreSize.Set(float64(n))
			}
		}
	}
}
