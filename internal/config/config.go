// Package config loads the messaging core's YAML configuration: a plain
// struct unmarshaled with yaml.v3, defaults filled in after load, and
// environment overrides for anything secret, following the same
// REDIS_ADDR-style override pattern as the cache layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StreamSpec describes one named stream: its key, its MAXLEN cap, and the
// consumer group readers use (empty when the stream is range-scanned
// instead of consumed via group, e.g. the WAL).
type StreamSpec struct {
	Name   string `yaml:"name"`
	MaxLen int64  `yaml:"maxlen"`
	Group  string `yaml:"group,omitempty"`
}

// RedisConfig holds the Redis connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PipelineConfig holds the retry/breaker/WAL tunables for the pipeline.
type PipelineConfig struct {
	MaxRetries              int `yaml:"max_retries"`
	RetryBaseMs             int `yaml:"retry_base_ms"`
	BreakerFailureThreshold int `yaml:"breaker_failure_threshold"`
	BreakerResetMs          int `yaml:"breaker_reset_ms"`
	WALTimeoutMs            int `yaml:"wal_timeout_ms"`
	MemoryLimitMB           int `yaml:"memory_limit_mb"`
}

// RetryBase returns RetryBaseMs as a time.Duration.
func (p PipelineConfig) RetryBase() time.Duration {
	return time.Duration(p.RetryBaseMs) * time.Millisecond
}

// BreakerReset returns BreakerResetMs as a time.Duration.
func (p PipelineConfig) BreakerReset() time.Duration {
	return time.Duration(p.BreakerResetMs) * time.Millisecond
}

// WALTimeout returns WALTimeoutMs as a time.Duration.
func (p PipelineConfig) WALTimeout() time.Duration {
	return time.Duration(p.WALTimeoutMs) * time.Millisecond
}

// StreamsConfig is the inventory of named streams the core reads/writes.
type StreamsConfig struct {
	WAL      StreamSpec `yaml:"wal"`
	Retry    StreamSpec `yaml:"retry"`
	Fallback StreamSpec `yaml:"fallback"`
	DLQ      StreamSpec `yaml:"dlq"`
	Default  StreamSpec `yaml:"default"`
	Private  StreamSpec `yaml:"private"`
	Group    StreamSpec `yaml:"group"`
	Typing   StreamSpec `yaml:"typing"`
	Read     StreamSpec `yaml:"read"`
	System   StreamSpec `yaml:"system"`
}

// LogConfig controls the logger built by cmd/chatcore's newLogger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the top-level configuration document.
type Config struct {
	Redis    RedisConfig    `yaml:"redis"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Streams  StreamsConfig  `yaml:"streams"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		Redis: RedisConfig{Addr: "localhost:6379"},
		Pipeline: PipelineConfig{
			MaxRetries:              5,
			RetryBaseMs:             100,
			BreakerFailureThreshold: 5,
			BreakerResetMs:          30000,
			WALTimeoutMs:            60000,
			MemoryLimitMB:           512,
		},
		Streams: StreamsConfig{
			WAL:      StreamSpec{Name: "wal:stream", MaxLen: 10000},
			Retry:    StreamSpec{Name: "retry:stream", MaxLen: 5000, Group: "retry-workers"},
			Fallback: StreamSpec{Name: "fallback:stream", MaxLen: 5000, Group: "fallback-workers"},
			DLQ:      StreamSpec{Name: "dlq:stream", MaxLen: 1000, Group: "dlq-processors"},
			Default:  StreamSpec{Name: "messages:stream", MaxLen: 5000},
			Private:  StreamSpec{Name: "stream:messages:private", MaxLen: 10000, Group: "delivery-private"},
			Group:    StreamSpec{Name: "stream:messages:group", MaxLen: 20000, Group: "delivery-group"},
			Typing:   StreamSpec{Name: "stream:events:typing", MaxLen: 2000, Group: "delivery-typing"},
			Read:     StreamSpec{Name: "stream:events:read", MaxLen: 5000, Group: "delivery-read"},
			System:   StreamSpec{Name: "stream:messages:system", MaxLen: 2000, Group: "delivery-notifications"},
		},
		Log: LogConfig{Level: "info", Pretty: false},
	}
}

// Load reads and parses a YAML config file, applying Default() for any
// zero-valued field left unset, then layering environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if lvl := os.Getenv("CHATCORE_LOG_LEVEL"); lvl != "" {
		cfg.Log.Level = lvl
	}
}
