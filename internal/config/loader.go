// loader.go implements the configuration loading lifecycle:
//
//  1. Enforce UTC process time to prevent drift bugs.
//  2. Load a .env file via godotenv (non-fatal if absent).
//  3. Process envconfig struct tags.
//  4. Populate BuildInfo from linker-injected variables.
//  5. Validate with go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigErrorType classifies what went wrong during loading.
type ConfigErrorType string

const (
	ConfigErrorParse      ConfigErrorType = "parse"
	ConfigErrorValidation ConfigErrorType = "validation"
)

// ConfigError is the diagnostic error type returned by LoadConfig.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Build metadata injected via -ldflags at release time.
var (
	buildVersion = "dev"
	buildDate    = "unknown"
)

// LoadConfig loads and validates the configuration from the environment.
func LoadConfig() (*Config, error) {
	time.Local = time.UTC

	// Does not override variables already present in the environment.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ConfigErrorParse,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = BuildInfo{Version: buildVersion, Date: buildDate}

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		msgs := make([]string, 0, 4)
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: strings.Join(msgs, "; "),
			Err:     err,
		}
	}

	// Cross-field checks validator tags cannot express.
	if cfg.Shelter.Enabled && cfg.Shelter.DatasetPath == "" {
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: "SHELTER_DATASET_PATH is required when SHELTER_ENABLED is true",
		}
	}
	if cfg.HA.Enabled && cfg.HA.Token.Unmask() == "" {
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: "HA_TOKEN is required when HA_ENABLED is true",
		}
	}
	if cfg.TTS.MediaPlayerEntity != "" && !cfg.HA.Enabled {
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: "TTS_MEDIA_PLAYER_ENTITY requires HA_ENABLED",
		}
	}
	if cfg.Pipeline.BackoffInitial > cfg.Pipeline.BackoffMax {
		return &ConfigError{
			Type:    ConfigErrorValidation,
			Message: "PIPELINE_BACKOFF_INITIAL must not exceed PIPELINE_BACKOFF_MAX",
		}
	}
	return nil
}
