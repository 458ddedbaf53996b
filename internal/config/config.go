// Package config defines the service configuration. Values are loaded once
// at startup from the environment (with an optional .env file) and are
// immutable afterwards. Any missing required value or invalid format fails
// startup immediately.
package config

import (
	"time"

	"saferelay/internal/types"
)

// SecretString re-exports the redacted secret type for config fields.
type SecretString = types.SecretString

// Config is the top-level configuration. Sub-components receive only the
// subsets they require.
type Config struct {
	Service  string `envconfig:"SERVICE_NAME" default:"saferelay"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	DryRun   bool   `envconfig:"DRY_RUN" default:"false"`

	RemoteMQTT RemoteMQTTConfig
	LocalMQTT  LocalMQTTConfig
	HA         HAConfig
	Policy     PolicyConfig
	Dedup      DedupConfig
	Outbox     OutboxConfig
	Pipeline   PipelineConfig
	TTS        TTSConfig
	Shelter    ShelterConfig
	Obs        ObsConfig

	Build BuildInfo
}

// MQTTConnConfig holds the connection parameters shared by both brokers.
type MQTTConnConfig struct {
	BrokerURL    string        `validate:"required"`
	Username     string
	Password     SecretString
	Security     string        `validate:"oneof=none tls mtls"`
	CAFile       string
	CertFile     string
	KeyFile      string
	KeepAlive    time.Duration
	CleanSession bool
}

// RemoteMQTTConfig configures the upstream alert feed subscription.
type RemoteMQTTConfig struct {
	BrokerURL    string        `envconfig:"REMOTE_MQTT_BROKER_URL" default:"tcp://core-mosquitto:1883" validate:"required"`
	Username     string        `envconfig:"REMOTE_MQTT_USERNAME"`
	Password     SecretString  `envconfig:"REMOTE_MQTT_PASSWORD"`
	Security     string        `envconfig:"REMOTE_MQTT_SECURITY" default:"none" validate:"oneof=none tls mtls"`
	CAFile       string        `envconfig:"REMOTE_MQTT_CA_FILE"`
	CertFile     string        `envconfig:"REMOTE_MQTT_CERT_FILE"`
	KeyFile      string        `envconfig:"REMOTE_MQTT_KEY_FILE"`
	KeepAlive    time.Duration `envconfig:"REMOTE_MQTT_KEEPALIVE" default:"30s"`
	CleanSession bool          `envconfig:"REMOTE_MQTT_CLEAN_SESSION" default:"false"`
	Topic        string        `envconfig:"REMOTE_MQTT_TOPIC" default:"pws/cap/#" validate:"required"`
	QoS          int           `envconfig:"REMOTE_MQTT_QOS" default:"1" validate:"min=0,max=2"`
}

// LocalMQTTConfig configures the local dispatch broker.
type LocalMQTTConfig struct {
	BrokerURL    string        `envconfig:"LOCAL_MQTT_BROKER_URL" default:"tcp://core-mosquitto:1883" validate:"required"`
	Username     string        `envconfig:"LOCAL_MQTT_USERNAME"`
	Password     SecretString  `envconfig:"LOCAL_MQTT_PASSWORD"`
	Security     string        `envconfig:"LOCAL_MQTT_SECURITY" default:"none" validate:"oneof=none tls mtls"`
	CAFile       string        `envconfig:"LOCAL_MQTT_CA_FILE"`
	CertFile     string        `envconfig:"LOCAL_MQTT_CERT_FILE"`
	KeyFile      string        `envconfig:"LOCAL_MQTT_KEY_FILE"`
	KeepAlive    time.Duration `envconfig:"LOCAL_MQTT_KEEPALIVE" default:"30s"`
	CleanSession bool          `envconfig:"LOCAL_MQTT_CLEAN_SESSION" default:"false"`
	TopicPrefix  string        `envconfig:"LOCAL_MQTT_TOPIC_PREFIX" default:"saferelay" validate:"required"`
	QoS          int           `envconfig:"LOCAL_MQTT_QOS" default:"1" validate:"min=0,max=2"`
	Retain       bool          `envconfig:"LOCAL_MQTT_RETAIN" default:"false"`
	StateTopic   string        `envconfig:"LOCAL_MQTT_STATE_TOPIC" default:"saferelay/state"`
}

// HAConfig holds the Home Assistant REST API connection.
type HAConfig struct {
	Enabled bool          `envconfig:"HA_ENABLED" default:"true"`
	BaseURL string        `envconfig:"HA_BASE_URL" default:"http://supervisor/core/api"`
	Token   SecretString  `envconfig:"HA_TOKEN"`
	Timeout time.Duration `envconfig:"HA_TIMEOUT" default:"5s"`
}

// PolicyConfig holds the alert trigger policy.
type PolicyConfig struct {
	Mode              string  `envconfig:"POLICY_MODE" default:"AND" validate:"oneof=AND OR"`
	SeverityThreshold string  `envconfig:"POLICY_SEVERITY_THRESHOLD" default:"moderate" validate:"oneof=minor moderate severe critical"`
	HomeLat           float64 `envconfig:"POLICY_HOME_LAT" default:"0" validate:"min=-90,max=90"`
	HomeLon           float64 `envconfig:"POLICY_HOME_LON" default:"0" validate:"min=-180,max=180"`
	RadiusBufferKm    float64 `envconfig:"POLICY_RADIUS_BUFFER_KM" default:"5.0" validate:"min=0"`

	NightModeEnabled bool   `envconfig:"POLICY_NIGHT_MODE_ENABLED" default:"false"`
	NightStart       string `envconfig:"POLICY_NIGHT_START" default:"22:00"`
	NightEnd         string `envconfig:"POLICY_NIGHT_END" default:"07:00"`
	NightTimezone    string `envconfig:"POLICY_NIGHT_TIMEZONE" default:"Asia/Seoul"`
}

// DedupConfig holds the idempotency store settings.
type DedupConfig struct {
	RedisAddr     string        `envconfig:"DEDUP_REDIS_ADDR" default:"localhost:6379" validate:"required"`
	RedisPassword SecretString  `envconfig:"DEDUP_REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"DEDUP_REDIS_DB" default:"0"`
	KeyPrefix     string        `envconfig:"DEDUP_KEY_PREFIX" default:"idem:"`
	TTL           time.Duration `envconfig:"DEDUP_TTL" default:"24h" validate:"required"`
}

// OutboxConfig holds the outbox database connection.
type OutboxConfig struct {
	DatabaseURL SecretString `envconfig:"OUTBOX_DATABASE_URL" validate:"required"`
}

// PipelineConfig tunes the orchestrator.
type PipelineConfig struct {
	QueueSize             int           `envconfig:"PIPELINE_QUEUE_SIZE" default:"1000" validate:"min=1"`
	PublishMaxRetries     int           `envconfig:"PIPELINE_PUBLISH_MAX_RETRIES" default:"10" validate:"min=1"`
	BackoffInitial        time.Duration `envconfig:"PIPELINE_BACKOFF_INITIAL" default:"500ms"`
	BackoffMax            time.Duration `envconfig:"PIPELINE_BACKOFF_MAX" default:"30s"`
	MaxConsecutiveRestart int           `envconfig:"PIPELINE_MAX_CONSECUTIVE_RESTARTS" default:"5" validate:"min=1"`
	ShutdownGrace         time.Duration `envconfig:"PIPELINE_SHUTDOWN_GRACE" default:"10s"`
}

// TTSConfig controls spoken announcements.
type TTSConfig struct {
	Enabled     bool   `envconfig:"TTS_ENABLED" default:"false"`
	Topic       string `envconfig:"TTS_TOPIC" default:"saferelay/tts"`
	Template    string `envconfig:"TTS_TEMPLATE"`
	Language    string `envconfig:"TTS_LANGUAGE" default:"ko-KR"`
	IncludeTime bool   `envconfig:"TTS_INCLUDE_TIME" default:"false"`

	// MediaPlayerEntity, when set, additionally plays announcements via
	// the Home Assistant TTS service on that media player.
	MediaPlayerEntity string `envconfig:"TTS_MEDIA_PLAYER_ENTITY"`
	HAService         string `envconfig:"TTS_HA_SERVICE" default:"tts.cloud_say"`
}

// ShelterConfig controls the shelter navigation feature.
type ShelterConfig struct {
	Enabled     bool   `envconfig:"SHELTER_ENABLED" default:"false"`
	DatasetPath string `envconfig:"SHELTER_DATASET_PATH"`
	AppName     string `envconfig:"SHELTER_NAVER_APP_NAME" default:"saferelay"`
}

// ObsConfig holds the observability HTTP surface settings.
type ObsConfig struct {
	HTTPPort       int  `envconfig:"OBS_HTTP_PORT" default:"8099" validate:"min=1,max=65535"`
	MetricsEnabled bool `envconfig:"OBS_METRICS_ENABLED" default:"true"`
}

// BuildInfo carries linker-injected build metadata.
type BuildInfo struct {
	Version string
	Date    string
}

// RemoteConn maps the remote feed settings onto the shared connection shape.
func (c RemoteMQTTConfig) RemoteConn() MQTTConnConfig {
	return MQTTConnConfig{
		BrokerURL:    c.BrokerURL,
		Username:     c.Username,
		Password:     c.Password,
		Security:     c.Security,
		CAFile:       c.CAFile,
		CertFile:     c.CertFile,
		KeyFile:      c.KeyFile,
		KeepAlive:    c.KeepAlive,
		CleanSession: c.CleanSession,
	}
}

// LocalConn maps the local broker settings onto the shared connection shape.
func (c LocalMQTTConfig) LocalConn() MQTTConnConfig {
	return MQTTConnConfig{
		BrokerURL:    c.BrokerURL,
		Username:     c.Username,
		Password:     c.Password,
		Security:     c.Security,
		CAFile:       c.CAFile,
		CertFile:     c.CertFile,
		KeyFile:      c.KeyFile,
		KeepAlive:    c.KeepAlive,
		CleanSession: c.CleanSession,
	}
}
