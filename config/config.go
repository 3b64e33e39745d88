// Package config loads and validates the workflow configuration from YAML.
// Unknown keys are rejected so typos surface at startup instead of silently
// falling back to defaults.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/remiges-tech/logharbour/logharbour"
	"gopkg.in/yaml.v3"
)

// Config is the full workflow configuration.
type Config struct {
	Logging       LoggingConfig       `yaml:"LOGGING"`
	TaskScheduler TaskSchedulerConfig `yaml:"TASK_SCHEDULER"`
	StatusHandler Component           `yaml:"STATUS_HANDLER"`
	DataProvider  Component           `yaml:"DATA_PROVIDER"`
	ProcEnv       Component           `yaml:"PROC_ENV"`
	Exporter      Component           `yaml:"EXPORTER"`
	// StatusMonitor is optional; without it no reports are pushed.
	StatusMonitor *Component `yaml:"STATUS_MONITOR"`
	// MetricsAddr, when set, serves Prometheus metrics on that address.
	MetricsAddr string `yaml:"METRICS_ADDR"`
}

type LoggingConfig struct {
	Name  string `yaml:"NAME"`
	Dir   string `yaml:"DIR"`
	Level string `yaml:"LEVEL"`
}

type TaskSchedulerConfig struct {
	BatchSize   int    `yaml:"BATCH_SIZE"`
	BatchPrefix string `yaml:"BATCH_PREFIX"`
}

// Component selects a concrete collaborator by TYPE and carries its raw
// CONFIG block. The factory owning the TYPE decodes the block.
type Component struct {
	Type   string    `yaml:"TYPE"`
	Config yaml.Node `yaml:"CONFIG"`
}

// DecodeConfig strictly decodes the component's CONFIG block into out. An
// absent block leaves out untouched.
func (c Component) DecodeConfig(out any) error {
	if c.Config.IsZero() {
		return nil
	}
	raw, err := yaml.Marshal(&c.Config)
	if err != nil {
		return fmt.Errorf("failed to re-encode CONFIG of %s: %w", c.Type, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid CONFIG for %s: %w", c.Type, err)
	}
	return nil
}

// StatusHandlerSettings is the CONFIG block of the database-backed ledger.
type StatusHandlerSettings struct {
	DBConnURL string `yaml:"DB_CONN_URL"`
}

// DANESettings is the CONFIG block of the DANE processing environment.
// Interval and timeout values are in seconds.
type DANESettings struct {
	Host            string `yaml:"DANE_HOST"`
	TaskID          string `yaml:"DANE_TASK_ID"`
	StatusDir       string `yaml:"DANE_STATUS_DIR"`
	MonitorInterval int    `yaml:"DANE_MONITOR_INTERVAL"`
	ESHost          string `yaml:"DANE_ES_HOST"`
	ESPort          int    `yaml:"DANE_ES_PORT"`
	ESIndex         string `yaml:"DANE_ES_INDEX"`
	ESQueryTimeout  int    `yaml:"DANE_ES_QUERY_TIMEOUT"`
	BatchPrefix     string `yaml:"DANE_BATCH_PREFIX"`
}

// MonitorSettings is the CONFIG block of the status monitor.
type MonitorSettings struct {
	WebhookURL string `yaml:"WEBHOOK_URL"`
	// RedisAddr enables the snapshot cache when set, e.g. "localhost:6379".
	RedisAddr string `yaml:"REDIS_ADDR"`
}

// Load reads, strictly parses and validates the configuration file.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var logLevels = map[string]logharbour.LogPriority{
	"DEBUG":    logharbour.Debug0,
	"INFO":     logharbour.Info,
	"WARNING":  logharbour.Warn,
	"ERROR":    logharbour.Err,
	"CRITICAL": logharbour.Crit,
}

// Check validates the loaded configuration.
func (c *Config) Check() error {
	if c.Logging.Name == "" {
		return fmt.Errorf("LOGGING.NAME must be set")
	}
	if _, ok := logLevels[c.Logging.Level]; !ok {
		return fmt.Errorf("invalid LOGGING.LEVEL %q", c.Logging.Level)
	}
	if c.Logging.Dir != "" {
		parent := filepath.Dir(filepath.Clean(c.Logging.Dir))
		if info, err := os.Stat(parent); err != nil || !info.IsDir() {
			return fmt.Errorf("parent of LOGGING.DIR does not exist: %s", parent)
		}
	}
	if c.TaskScheduler.BatchSize <= 0 {
		return fmt.Errorf("TASK_SCHEDULER.BATCH_SIZE must be a positive integer")
	}
	if c.TaskScheduler.BatchPrefix == "" {
		return fmt.Errorf("TASK_SCHEDULER.BATCH_PREFIX must be set")
	}
	for name, component := range map[string]Component{
		"STATUS_HANDLER": c.StatusHandler,
		"DATA_PROVIDER":  c.DataProvider,
		"PROC_ENV":       c.ProcEnv,
		"EXPORTER":       c.Exporter,
	} {
		if component.Type == "" {
			return fmt.Errorf("%s.TYPE must be set", name)
		}
	}
	if c.StatusMonitor != nil && c.StatusMonitor.Type == "" {
		return fmt.Errorf("STATUS_MONITOR.TYPE must be set")
	}
	return nil
}

// Check validates a decoded DANE CONFIG block.
func (s DANESettings) Check() error {
	if s.Host == "" || s.TaskID == "" || s.StatusDir == "" ||
		s.ESHost == "" || s.ESIndex == "" {
		return fmt.Errorf("DANE config incomplete")
	}
	if s.MonitorInterval <= 0 || s.ESPort <= 0 || s.ESQueryTimeout <= 0 {
		return fmt.Errorf("DANE intervals, port and timeout must be positive")
	}
	if info, err := os.Stat(s.StatusDir); err != nil || !info.IsDir() {
		return fmt.Errorf("DANE_STATUS_DIR does not exist: %s", s.StatusDir)
	}
	return nil
}

// LogPriority maps the configured level onto a logging priority.
func (c *Config) LogPriority() logharbour.LogPriority {
	if p, ok := logLevels[c.Logging.Level]; ok {
		return p
	}
	return logharbour.DefaultPriority
}
