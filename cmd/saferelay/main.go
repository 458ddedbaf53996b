// Package main is the entry point for the saferelay add-on process.
//
// It loads configuration from the environment, connects the upstream and
// local MQTT brokers, the Redis idempotency store, and the Postgres outbox,
// builds the processing pipeline, starts the observability HTTP surface, and
// runs until SIGINT/SIGTERM triggers a graceful drain.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"saferelay/internal/config"
	"saferelay/internal/dedup"
	"saferelay/internal/dispatch"
	"saferelay/internal/ingest"
	"saferelay/internal/metrics"
	"saferelay/internal/mqtt"
	"saferelay/internal/obs"
	"saferelay/internal/outbox"
	"saferelay/internal/pipeline"
	"saferelay/internal/policy"
	"saferelay/internal/retry"
	"saferelay/internal/shelter"
	"saferelay/internal/types"
	"saferelay/internal/voice"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	slogger := newLogger(cfg.LogLevel)
	logger := types.NewSlogAdapter(slogger)
	logger.Info("saferelay starting",
		"version", cfg.Build.Version,
		"build_date", cfg.Build.Date,
		"dry_run", cfg.DryRun,
	)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	clock := types.SystemClock{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	// Idempotency store. Redis unreachable at boot is fatal: without it the
	// at-most-once guarantee is gone.
	store, err := dedup.NewRedisStore(startCtx, dedup.RedisConfig{
		Addr:      cfg.Dedup.RedisAddr,
		Password:  cfg.Dedup.RedisPassword.Unmask(),
		DB:        cfg.Dedup.RedisDB,
		KeyPrefix: cfg.Dedup.KeyPrefix,
	}, clock, logger)
	if err != nil {
		return fmt.Errorf("connecting idempotency store: %w", err)
	}
	defer store.Close()

	// Outbox database.
	db, err := outbox.Open(startCtx, cfg.Outbox.DatabaseURL.Unmask())
	if err != nil {
		return fmt.Errorf("opening outbox database: %w", err)
	}
	defer db.Close()
	repo := outbox.NewPostgresRepository(db)
	if err := repo.Migrate(startCtx); err != nil {
		return fmt.Errorf("migrating outbox schema: %w", err)
	}

	// Local broker first so the state topic goes online before we start
	// consuming the feed.
	localOpts := mqttOptions(cfg.LocalMQTT.LocalConn(), cfg.Service+"-local")
	localOpts.StateTopic = cfg.LocalMQTT.StateTopic
	localOpts.OnlinePayload = "online"
	localOpts.OfflinePayload = "offline"
	localOpts.StateQoS = byte(cfg.LocalMQTT.QoS)
	localOpts.OnReconnect = func() {
		m.MQTTReconnects.WithLabelValues("local").Inc()
	}
	localClient, err := mqtt.NewClient(localOpts, logger)
	if err != nil {
		return fmt.Errorf("connecting local broker: %w", err)
	}
	defer localClient.Disconnect()

	remoteOpts := mqttOptions(cfg.RemoteMQTT.RemoteConn(), cfg.Service+"-remote")
	remoteOpts.OnReconnect = func() {
		m.MQTTReconnects.WithLabelValues("remote").Inc()
	}
	remoteClient, err := mqtt.NewClient(remoteOpts, logger)
	if err != nil {
		return fmt.Errorf("connecting remote broker: %w", err)
	}
	defer remoteClient.Disconnect()

	backoff := retry.Policy{
		MaxRetries:   cfg.Pipeline.PublishMaxRetries,
		InitialDelay: cfg.Pipeline.BackoffInitial,
		MaxDelay:     cfg.Pipeline.BackoffMax,
		Factor:       retry.DefaultPolicy.Factor,
		Jitter:       retry.DefaultPolicy.Jitter,
	}

	var publisher dispatch.Publisher = localClient
	if cfg.DryRun {
		logger.Warn("dry run enabled, local publishes are logged and discarded")
		publisher = dryRunPublisher{logger: logger}
	}

	local := dispatch.NewLocalPublisher(repo, publisher, dispatch.LocalPublisherConfig{
		TopicPrefix: cfg.LocalMQTT.TopicPrefix,
		QoS:         byte(cfg.LocalMQTT.QoS),
		Retain:      cfg.LocalMQTT.Retain,
		MaxRetries:  cfg.Pipeline.PublishMaxRetries,
		Policy:      backoff,
	}, m, logger)

	pipeCfg := pipeline.Config{
		PolicyConfig: policy.Config{
			Threshold:      types.Severity(cfg.Policy.SeverityThreshold),
			Mode:           policy.Mode(cfg.Policy.Mode),
			Home:           types.LatLon{Lat: cfg.Policy.HomeLat, Lon: cfg.Policy.HomeLon},
			RadiusBufferKm: cfg.Policy.RadiusBufferKm,
			Night: policy.NightWindow{
				Enabled:  cfg.Policy.NightModeEnabled,
				Start:    cfg.Policy.NightStart,
				End:      cfg.Policy.NightEnd,
				Timezone: cfg.Policy.NightTimezone,
			},
		},
		Dedup:                 store,
		DedupTTL:              cfg.Dedup.TTL,
		Local:                 local,
		QueueSize:             cfg.Pipeline.QueueSize,
		MaxConsecutiveRestart: cfg.Pipeline.MaxConsecutiveRestart,
		RestartBackoff:        backoff,
		ShutdownGrace:         cfg.Pipeline.ShutdownGrace,
	}

	var ha *dispatch.HomeAssistantClient
	if cfg.HA.Enabled {
		ha, err = dispatch.NewHomeAssistantClient(dispatch.HomeAssistantConfig{
			BaseURL: cfg.HA.BaseURL,
			Token:   cfg.HA.Token.Unmask(),
			Timeout: cfg.HA.Timeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("building home assistant client: %w", err)
		}
		pipeCfg.Sink = ha
		pipeCfg.Locator = ha
	}

	if cfg.TTS.Enabled {
		tts := dispatch.NewTTSPublisher(publisher, cfg.TTS.Topic, byte(cfg.LocalMQTT.QoS), voice.Config{
			Language:    cfg.TTS.Language,
			Template:    cfg.TTS.Template,
			IncludeTime: cfg.TTS.IncludeTime,
		}, backoff, m, logger)
		if ha != nil && cfg.TTS.MediaPlayerEntity != "" {
			speaker, err := dispatch.NewHASpeaker(ha, cfg.TTS.HAService,
				cfg.TTS.MediaPlayerEntity, backoff, m, logger)
			if err != nil {
				return fmt.Errorf("building media player speaker: %w", err)
			}
			tts.Speaker = speaker
		}
		pipeCfg.Announce = tts
	}

	if cfg.Shelter.Enabled {
		nav, err := shelter.NewNavigator(cfg.Shelter.DatasetPath, cfg.Shelter.AppName, logger)
		if err != nil {
			return fmt.Errorf("loading shelter dataset: %w", err)
		}
		pipeCfg.Shelters = nav
	}

	orch, err := pipeline.New(pipeCfg, clock, m, logger)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	// Observability surface.
	probes := []obs.HealthProbe{
		obs.ProbeFunc{ProbeName: "pipeline", Fn: func(context.Context) error {
			return orch.Healthy()
		}},
		obs.ProbeFunc{ProbeName: "redis", Fn: func(ctx context.Context) error {
			_, err := store.Len(ctx)
			return err
		}},
		obs.ProbeFunc{ProbeName: "postgres", Fn: func(ctx context.Context) error {
			return db.PingContext(ctx)
		}},
		obs.ProbeFunc{ProbeName: "mqtt_local", Fn: connectedProbe(localClient)},
		obs.ProbeFunc{ProbeName: "mqtt_remote", Fn: connectedProbe(remoteClient)},
	}
	obsServer := obs.NewServer(obs.Config{
		Service:  cfg.Service,
		Version:  cfg.Build.Version,
		Gatherer: reg,
		Ready:    func() bool { return orch.State() == pipeline.StateRunning },
		Probes:   probes,
		Clock:    clock,

		MetricsEnabled: cfg.Obs.MetricsEnabled,
	}, logger)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Obs.HTTPPort)
		if err := obsServer.Start(addr); err != nil {
			logger.Error("observability server stopped", "error", err.Error())
		}
	}()

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Subscribe only once everything downstream is wired.
	ing := ingest.NewIngestor(remoteClient, cfg.RemoteMQTT.Topic, byte(cfg.RemoteMQTT.QoS),
		"remote", orch.Submit, m, logger)
	if err := ing.Start(); err != nil {
		return fmt.Errorf("subscribing to alert feed: %w", err)
	}

	err = orch.Run(runCtx)

	logger.Info("shutting down")
	shutCtx, shutCancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownGrace)
	defer shutCancel()
	if serr := obsServer.Shutdown(shutCtx); serr != nil {
		logger.Error("observability shutdown error", "error", serr.Error())
	}
	return err
}

// mqttOptions maps the shared connection shape onto client options; the
// caller layers on the per-broker extras (state topic, reconnect hook).
func mqttOptions(conn config.MQTTConnConfig, clientIDPrefix string) mqtt.Options {
	return mqtt.Options{
		BrokerURL:      conn.BrokerURL,
		ClientIDPrefix: clientIDPrefix,
		Username:       conn.Username,
		Password:       conn.Password.Unmask(),
		KeepAlive:      conn.KeepAlive,
		CleanSession:   conn.CleanSession,
		Security:       mqtt.SecurityMode(conn.Security),
		CAFile:         conn.CAFile,
		CertFile:       conn.CertFile,
		KeyFile:        conn.KeyFile,
	}
}

func connectedProbe(c *mqtt.Client) func(context.Context) error {
	return func(context.Context) error {
		if !c.IsConnected() {
			return fmt.Errorf("broker connection down")
		}
		return nil
	}
}

// dryRunPublisher satisfies dispatch.Publisher without touching the broker.
type dryRunPublisher struct {
	logger types.Logger
}

func (p dryRunPublisher) Publish(_ context.Context, topic string, qos byte, retain bool, payload []byte) error {
	p.logger.Info("dry run publish", "topic", topic, "qos", qos, "retain", retain, "bytes", len(payload))
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
