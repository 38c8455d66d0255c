// Package config loads and validates runtime configuration from YAML files
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Config is the recognized configuration surface of the runtime.
type Config struct {
	// TargetTPS is the expected sustained event rate, used for sizing hints.
	TargetTPS int `yaml:"target_tps"`

	// MaxConcurrentMachines caps the number of live machines per registry.
	MaxConcurrentMachines int `yaml:"max_concurrent_machines"`

	// TimeoutWorkerThreads sizes the timeout scheduler dispatch pool.
	TimeoutWorkerThreads int `yaml:"timeout_worker_threads"`

	// EnablePerformanceMetrics toggles prometheus instrumentation.
	EnablePerformanceMetrics bool `yaml:"enable_performance_metrics"`

	// DebugWebsocketPort serves the monitoring stream when > 0.
	DebugWebsocketPort int `yaml:"debug_websocket_port"`

	// HistoryBatchSize triggers a transition-log flush at this many rows.
	HistoryBatchSize int `yaml:"history_batch_size"`

	// HistoryFlushIntervalMs is the periodic transition-log flush interval.
	HistoryFlushIntervalMs int `yaml:"history_flush_interval_ms"`

	// RegistryBatchSize triggers a registry-event flush at this many rows.
	RegistryBatchSize int `yaml:"registry_batch_size"`

	// RetentionDays bounds the age of history rows.
	RetentionDays int `yaml:"retention_days"`

	// PlaybackMaxSize bounds the per-machine playback ring.
	PlaybackMaxSize int `yaml:"playback_max_size"`

	// PlaybackEnabled toggles transition recording for playback.
	PlaybackEnabled bool `yaml:"playback_enabled"`

	// AutoEvictTTLMs evicts idle live machines older than this; 0 disables
	// the sweep.
	AutoEvictTTLMs int `yaml:"auto_evict_ttl_ms"`
}

// Default returns the runtime defaults.
func Default() *Config {
	return &Config{
		TargetTPS:                1000,
		MaxConcurrentMachines:    100000,
		TimeoutWorkerThreads:     1,
		EnablePerformanceMetrics: false,
		DebugWebsocketPort:       0,
		HistoryBatchSize:         500,
		HistoryFlushIntervalMs:   100,
		RegistryBatchSize:        500,
		RetentionDays:            30,
		PlaybackMaxSize:          1000,
		PlaybackEnabled:          false,
		AutoEvictTTLMs:           0,
	}
}

// HistoryFlushInterval returns the flush interval as a duration.
func (c *Config) HistoryFlushInterval() time.Duration {
	return time.Duration(c.HistoryFlushIntervalMs) * time.Millisecond
}

// AutoEvictTTL returns the idle eviction TTL as a duration.
func (c *Config) AutoEvictTTL() time.Duration {
	return time.Duration(c.AutoEvictTTLMs) * time.Millisecond
}

// Validate fails fast on nonsensical configuration.
func (c *Config) Validate() error {
	if c.TargetTPS < 0 {
		return fmt.Errorf("target_tps cannot be negative")
	}
	if c.MaxConcurrentMachines < 1 {
		return fmt.Errorf("max_concurrent_machines must be positive")
	}
	if c.TimeoutWorkerThreads < 1 {
		return fmt.Errorf("timeout_worker_threads must be positive")
	}
	if c.HistoryBatchSize < 1 || c.HistoryBatchSize > 10000 {
		return fmt.Errorf("history_batch_size %d is out of range [1, 10000]", c.HistoryBatchSize)
	}
	if c.HistoryFlushIntervalMs < 1 {
		return fmt.Errorf("history_flush_interval_ms must be positive")
	}
	if c.RegistryBatchSize < 1 {
		return fmt.Errorf("registry_batch_size must be positive")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be positive")
	}
	if c.PlaybackMaxSize < 1 {
		return fmt.Errorf("playback_max_size must be positive")
	}
	if c.AutoEvictTTLMs < 0 {
		return fmt.Errorf("auto_evict_ttl_ms cannot be negative")
	}
	if c.DebugWebsocketPort < 0 || c.DebugWebsocketPort > 65535 {
		return fmt.Errorf("debug_websocket_port %d is out of range", c.DebugWebsocketPort)
	}
	return nil
}

// Load loads configuration from a YAML file on top of the defaults and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadYAML(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithEnv loads configuration from a file and applies environment
// variable overrides of the form PREFIX_FIELDNAME (e.g. SM_TARGET_TPS).
func LoadWithEnv(path string, prefix string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := LoadYAML(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}
	if err := ApplyEnvOverrides(prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to apply env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to a configuration
// struct. Field names map to PREFIX_UPPER_SNAKE of the yaml tag.
func ApplyEnvOverrides(prefix string, target interface{}) error {
	if prefix == "" {
		prefix = "SM"
	}

	val := reflect.ValueOf(target)
	if val.Kind() != reflect.Ptr || val.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to a struct")
	}
	val = val.Elem()
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !field.CanSet() {
			continue
		}

		tag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		envKey := prefix + "_" + strings.ToUpper(tag)

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldFromEnv(field, envValue); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldFromEnv sets a struct field from an environment variable string
func setFieldFromEnv(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
