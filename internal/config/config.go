// Package config provides configuration loading and validation for tgbabel.
// Configuration is read from a YAML file with TGBABEL_* environment variable
// overrides, and validated with struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the relay.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Translator TranslatorConfig `mapstructure:"translator"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Session    SessionConfig    `mapstructure:"session"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig controls the sqlite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// TranslatorConfig controls the translation provider.
type TranslatorConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"   validate:"required"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s,max=5m"`
}

// SchedulerConfig controls the deferred-send scheduler.
type SchedulerConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval" validate:"min=1s"`
}

// SessionConfig controls per-account sessions.
type SessionConfig struct {
	MediaDir       string        `mapstructure:"media_dir"       validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"min=1s"`
}

// LoadConfig reads configuration from the given YAML file, applies
// TGBABEL_* environment overrides and defaults, and validates the result.
// A missing config file is not an error; defaults and environment apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("TGBABEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "tgbabel.db")

	v.SetDefault("translator.model", "gemini-2.0-flash")
	v.SetDefault("translator.timeout", 30*time.Second)

	v.SetDefault("scheduler.check_interval", 30*time.Second)

	v.SetDefault("session.media_dir", "media")
	v.SetDefault("session.connect_timeout", 30*time.Second)
}
