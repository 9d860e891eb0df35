// Package config loads the process configuration from an optional YAML file
// with environment variable overrides, and projects it onto the per-component
// config types.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/occusoft/occuplan/pkg/api"
	"github.com/occusoft/occuplan/pkg/backpressure"
	"github.com/occusoft/occuplan/pkg/estimator"
	"github.com/occusoft/occuplan/pkg/executor"
	"github.com/occusoft/occuplan/pkg/log"
	"github.com/occusoft/occuplan/pkg/monitor"
	"github.com/occusoft/occuplan/pkg/planner"
	"github.com/occusoft/occuplan/pkg/scheduler"
)

type Config struct {
	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	API struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"api"`

	Storage struct {
		// StateDB is the SQLite file holding chunk and dataset state.
		StateDB string `yaml:"state_db"`
		// PresenceDB is the SQLite file with the space tree and sessions.
		PresenceDB string `yaml:"presence_db"`
		// BlobURL is the bucket results are materialized into, in
		// gocloud.dev URL form (file://, s3://, mem://).
		BlobURL string `yaml:"blob_url"`
		// CursorDB is the bbolt file holding scheduler scan cursors.
		CursorDB string `yaml:"cursor_db"`
	} `yaml:"storage"`

	Planner struct {
		TickSeconds int `yaml:"tick_seconds"`
	} `yaml:"planner"`

	Submission struct {
		TickSeconds int `yaml:"tick_seconds"`
		BatchSize   int `yaml:"batch_size"`
	} `yaml:"submission"`

	Dependency struct {
		TickSeconds int `yaml:"tick_seconds"`
		BatchSize   int `yaml:"batch_size"`
	} `yaml:"dependency"`

	Monitor struct {
		TickSeconds int `yaml:"tick_seconds"`
	} `yaml:"monitor"`

	Timeout struct {
		Multiplier   float64 `yaml:"multiplier"`
		MinSeconds   int64   `yaml:"min_seconds"`
		LookbackDays int     `yaml:"lookback_days"`
	} `yaml:"timeout"`

	Backpressure struct {
		ThresholdPercent float64 `yaml:"threshold_percent"`
	} `yaml:"backpressure"`

	Executor struct {
		// Mode selects the execution substrate: "local" or "remote".
		Mode                 string `yaml:"mode"`
		Workers              int    `yaml:"workers"`
		QueueSize            int    `yaml:"queue_size"`
		RemoteURL            string `yaml:"remote_url"`
		RemoteTimeoutSeconds int    `yaml:"remote_timeout_seconds"`
		RemoteToken          string `yaml:"remote_token"`
	} `yaml:"executor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Log.Level = "info"
	cfg.Log.JSON = true
	cfg.API.ListenAddr = ":8080"
	cfg.Storage.StateDB = "occuplan.db"
	cfg.Storage.PresenceDB = "presence.db"
	cfg.Storage.BlobURL = "file://./results"
	cfg.Storage.CursorDB = "cursors.db"
	cfg.Planner.TickSeconds = 10
	cfg.Submission.TickSeconds = 30
	cfg.Submission.BatchSize = 100
	cfg.Dependency.TickSeconds = 30
	cfg.Dependency.BatchSize = 50
	cfg.Monitor.TickSeconds = 60
	cfg.Timeout.Multiplier = 2.0
	cfg.Timeout.MinSeconds = 900
	cfg.Timeout.LookbackDays = 30
	cfg.Backpressure.ThresholdPercent = 80.0
	cfg.Executor.Mode = "local"
	cfg.Executor.Workers = 4
	cfg.Executor.QueueSize = 256
	cfg.Executor.RemoteTimeoutSeconds = 30
	return cfg
}

// Load reads the YAML file at path (when non-empty) over the defaults, then
// applies OCCUPLAN_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr("OCCUPLAN_LOG_LEVEL", &c.Log.Level)
	envStr("OCCUPLAN_LISTEN_ADDR", &c.API.ListenAddr)
	envStr("OCCUPLAN_STATE_DB", &c.Storage.StateDB)
	envStr("OCCUPLAN_PRESENCE_DB", &c.Storage.PresenceDB)
	envStr("OCCUPLAN_BLOB_URL", &c.Storage.BlobURL)
	envStr("OCCUPLAN_CURSOR_DB", &c.Storage.CursorDB)
	envInt("OCCUPLAN_SUBMISSION_BATCH_SIZE", &c.Submission.BatchSize)
	envInt("OCCUPLAN_DEPENDENCY_BATCH_SIZE", &c.Dependency.BatchSize)
	envFloat("OCCUPLAN_BACKPRESSURE_THRESHOLD_PERCENT", &c.Backpressure.ThresholdPercent)
	envFloat("OCCUPLAN_TIMEOUT_MULTIPLIER", &c.Timeout.Multiplier)
	envInt64("OCCUPLAN_TIMEOUT_MIN_SECONDS", &c.Timeout.MinSeconds)
	envInt("OCCUPLAN_TIMEOUT_LOOKBACK_DAYS", &c.Timeout.LookbackDays)
	envStr("OCCUPLAN_EXECUTOR_MODE", &c.Executor.Mode)
	envStr("OCCUPLAN_EXECUTOR_REMOTE_URL", &c.Executor.RemoteURL)
	envStr("OCCUPLAN_EXECUTOR_REMOTE_TOKEN", &c.Executor.RemoteToken)
}

func (c *Config) validate() error {
	switch c.Executor.Mode {
	case "local", "remote":
	default:
		return fmt.Errorf("executor mode must be local or remote, got %q", c.Executor.Mode)
	}
	if c.Executor.Mode == "remote" && c.Executor.RemoteURL == "" {
		return fmt.Errorf("executor remote_url is required in remote mode")
	}
	return nil
}

// Component config projections

func (c *Config) LogConfig() log.Config {
	return log.Config{Level: log.Level(c.Log.Level), JSONOutput: c.Log.JSON}
}

func (c *Config) APIConfig() api.Config {
	return api.Config{ListenAddr: c.API.ListenAddr}
}

func (c *Config) PlannerConfig() planner.Config {
	return planner.Config{TickInterval: time.Duration(c.Planner.TickSeconds) * time.Second}
}

func (c *Config) SubmissionConfig() scheduler.SubmissionConfig {
	return scheduler.SubmissionConfig{
		TickInterval: time.Duration(c.Submission.TickSeconds) * time.Second,
		BatchSize:    c.Submission.BatchSize,
	}
}

func (c *Config) DependencyConfig() scheduler.DependencyConfig {
	return scheduler.DependencyConfig{
		TickInterval: time.Duration(c.Dependency.TickSeconds) * time.Second,
		BatchSize:    c.Dependency.BatchSize,
	}
}

func (c *Config) MonitorConfig() monitor.Config {
	return monitor.Config{TickInterval: time.Duration(c.Monitor.TickSeconds) * time.Second}
}

func (c *Config) EstimatorConfig() estimator.Config {
	return estimator.Config{
		Multiplier:   c.Timeout.Multiplier,
		MinSeconds:   c.Timeout.MinSeconds,
		LookbackDays: c.Timeout.LookbackDays,
	}
}

func (c *Config) BackpressureConfig() backpressure.Config {
	return backpressure.Config{ThresholdPercent: c.Backpressure.ThresholdPercent}
}

func (c *Config) LocalExecutorConfig() executor.LocalConfig {
	return executor.LocalConfig{Workers: c.Executor.Workers, QueueSize: c.Executor.QueueSize}
}

func (c *Config) RemoteExecutorConfig() executor.RemoteConfig {
	return executor.RemoteConfig{
		BaseURL:   c.Executor.RemoteURL,
		Timeout:   time.Duration(c.Executor.RemoteTimeoutSeconds) * time.Second,
		AuthToken: c.Executor.RemoteToken,
	}
}

// Env helpers

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
