// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/

// Package config loads the initiator daemon configuration.
//
// Sources in order of precedence: environment variables (ISCSID_*), the
// configuration file, built-in defaults.
package config

import (
	"fmt"
	"iscsiinitiator/pkg/iscsi_initiator"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix             = "ISCSID"
	DefaultAPISocketPath  = "/tmp/iscsid.sock"
	DefaultMetricsAddress = "localhost:9369"
)

type Config struct {
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Limits        LimitsConfig        `mapstructure:"limits" yaml:"limits"`
	Socket        SocketConfig        `mapstructure:"socket" yaml:"socket"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	API           APIConfig           `mapstructure:"api" yaml:"api"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=ERROR WARN WARNING INFO DEBUG error warn warning info debug"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

// LimitsConfig bounds the session and connection tables.
type LimitsConfig struct {
	MaxSessions              int `mapstructure:"max_sessions" yaml:"max_sessions" validate:"min=1,max=65535"`
	MaxConnectionsPerSession int `mapstructure:"max_connections_per_session" yaml:"max_connections_per_session" validate:"min=1,max=65535"`
}

// SocketConfig tunes the TCP sockets dialed towards target portals.
type SocketConfig struct {
	KeepAlivePeriod   time.Duration `mapstructure:"keepalive_period" yaml:"keepalive_period" validate:"gte=0"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval" validate:"gte=0"`
	KeepAliveCount    int           `mapstructure:"keepalive_count" yaml:"keepalive_count" validate:"gte=0"`
	NoDelay           bool          `mapstructure:"no_delay" yaml:"no_delay"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" validate:"gte=0"`
}

// Options converts the section to the options DialPortal takes.
func (socket SocketConfig) Options() iscsi_initiator.SocketOptions {
	return iscsi_initiator.SocketOptions{
		KeepAlivePeriod:   socket.KeepAlivePeriod,
		KeepAliveInterval: socket.KeepAliveInterval,
		KeepAliveCount:    socket.KeepAliveCount,
		NoDelay:           socket.NoDelay,
		DialTimeout:       socket.DialTimeout,
	}
}

type NotificationsConfig struct {
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size" validate:"min=1"`
}

type APIConfig struct {
	SocketPath string `mapstructure:"socket_path" yaml:"socket_path" validate:"required"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address" validate:"omitempty,hostname_port"`
}

func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Limits.MaxSessions == 0 {
		cfg.Limits.MaxSessions = 16
	}
	if cfg.Limits.MaxConnectionsPerSession == 0 {
		cfg.Limits.MaxConnectionsPerSession = 4
	}
	if cfg.Socket.KeepAlivePeriod == 0 {
		cfg.Socket.KeepAlivePeriod = 60 * time.Second
	}
	if cfg.Socket.KeepAliveInterval == 0 {
		cfg.Socket.KeepAliveInterval = 5 * time.Second
	}
	if cfg.Socket.KeepAliveCount == 0 {
		cfg.Socket.KeepAliveCount = 2
	}
	if cfg.Socket.DialTimeout == 0 {
		cfg.Socket.DialTimeout = 10 * time.Second
	}
	if cfg.Notifications.QueueSize == 0 {
		cfg.Notifications.QueueSize = 64
	}
	if cfg.API.SocketPath == "" {
		cfg.API.SocketPath = DefaultAPISocketPath
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = DefaultMetricsAddress
	}
}

func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

// Load reads configuration from configPath (may be empty), the environment and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	if err := readConfigFile(v); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindKeys(v, reflect.TypeOf(Config{}), "")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
}

// bindKeys registers every leaf key so AutomaticEnv sees it during Unmarshal.
func bindKeys(v *viper.Viper, structType reflect.Type, prefix string) {
	for index := 0; index < structType.NumField(); index++ {
		field := structType.Field(index)
		key := field.Tag.Get("mapstructure")
		if prefix != "" {
			key = prefix + "." + key
		}
		if field.Type.Kind() == reflect.Struct {
			bindKeys(v, field.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func readConfigFile(v *viper.Viper) error {
	if v.ConfigFileUsed() == "" {
		return nil
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook accepts "30s" style strings and integer nanoseconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch value := data.(type) {
		case string:
			return time.ParseDuration(value)
		case int:
			return time.Duration(value), nil
		case int64:
			return time.Duration(value), nil
		case float64:
			return time.Duration(value), nil
		default:
			return data, nil
		}
	}
}
