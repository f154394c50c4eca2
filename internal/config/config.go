// Package config loads agent configuration from AGENT_* environment
// variables with an optional YAML overlay file on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds all agent configuration. Values come from AGENT_* environment
// variables; an optional YAML file (AGENT_CONFIG_FILE) is applied on top, so
// file values win over the environment when both are set.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP surfaces: the control API consumed by the display layer, and a
	// plain health/metrics server.
	APIListenAddr string `envconfig:"API_LISTEN_ADDR" default:"127.0.0.1:8411"`
	HTTPPort      int    `envconfig:"HTTP_PORT" default:"8410"`

	// Persistence
	DBPath string `envconfig:"DB_PATH" default:"staffwatch.db"`

	// Session engine timers
	TickInterval      time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	AggregateInterval time.Duration `envconfig:"AGGREGATE_INTERVAL" default:"60s"`
	SegmentRotation   time.Duration `envconfig:"SEGMENT_ROTATION" default:"10m"`

	// Idle detection
	IdleThreshold      time.Duration `envconfig:"IDLE_THRESHOLD" default:"300s"`
	SensorPollInterval time.Duration `envconfig:"SENSOR_POLL_INTERVAL" default:"1s"`
	IdleSensorCmd      string        `envconfig:"IDLE_SENSOR_CMD" default:"xprintidle"`

	// Permission gate
	PermissionPollInterval time.Duration `envconfig:"PERMISSION_POLL_INTERVAL" default:"1500ms"`
	PermissionProbeCmd     string        `envconfig:"PERMISSION_PROBE_CMD"`

	// Screenshot capture (disabled when CaptureCmd is empty)
	CaptureCmd         string        `envconfig:"CAPTURE_CMD"`
	CaptureMinInterval time.Duration `envconfig:"CAPTURE_MIN_INTERVAL" default:"5m"`
	CaptureMaxInterval time.Duration `envconfig:"CAPTURE_MAX_INTERVAL" default:"10m"`

	// Evidence upload
	UploadURL           string        `envconfig:"UPLOAD_URL" default:"http://localhost:8000/v1/evidence"`
	UploadToken         string        `envconfig:"UPLOAD_TOKEN"`
	UploadSweepInterval time.Duration `envconfig:"UPLOAD_SWEEP_INTERVAL" default:"2m"`
	UploadMaxAttempts   int           `envconfig:"UPLOAD_MAX_ATTEMPTS" default:"5"`
	UploadBaseDelay     time.Duration `envconfig:"UPLOAD_BASE_DELAY" default:"500ms"`
	UploadMaxDelay      time.Duration `envconfig:"UPLOAD_MAX_DELAY" default:"30s"`

	// Quit
	QuitDrainTimeout time.Duration `envconfig:"QUIT_DRAIN_TIMEOUT" default:"60s"`

	// ConfigFile points at the optional YAML overlay. Only read from the
	// environment, never from the file itself.
	ConfigFile string `envconfig:"CONFIG_FILE"`
}

// Load reads configuration from AGENT_* environment variables, then applies
// the YAML overlay file if one is configured.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("AGENT", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.ConfigFile != "" {
		if err := loadFromFile(cfg.ConfigFile, &cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.IdleThreshold <= 0 {
		return fmt.Errorf("idle threshold must be positive, got %s", c.IdleThreshold)
	}
	if c.PermissionPollInterval <= 0 {
		return fmt.Errorf("permission poll interval must be positive, got %s", c.PermissionPollInterval)
	}
	if c.CaptureMaxInterval < c.CaptureMinInterval {
		return fmt.Errorf("capture max interval %s below min interval %s", c.CaptureMaxInterval, c.CaptureMinInterval)
	}
	if c.UploadMaxAttempts < 1 {
		return fmt.Errorf("upload max attempts must be at least 1, got %d", c.UploadMaxAttempts)
	}
	return nil
}

// CaptureEnabled returns true if a screenshot capture command is configured.
func (c *Config) CaptureEnabled() bool {
	return c.CaptureCmd != ""
}

// fileOverlay mirrors Config for the YAML file. Durations are strings in
// Go duration syntax ("90s", "2m") because yaml.v3 has no native decoding
// for time.Duration; pointers distinguish "unset" from zero values.
type fileOverlay struct {
	Environment *string `yaml:"environment"`
	LogLevel    *string `yaml:"log_level"`

	APIListenAddr *string `yaml:"api_listen_addr"`
	HTTPPort      *int    `yaml:"http_port"`

	DBPath *string `yaml:"db_path"`

	TickInterval      *string `yaml:"tick_interval"`
	AggregateInterval *string `yaml:"aggregate_interval"`
	SegmentRotation   *string `yaml:"segment_rotation"`

	IdleThreshold      *string `yaml:"idle_threshold"`
	SensorPollInterval *string `yaml:"sensor_poll_interval"`
	IdleSensorCmd      *string `yaml:"idle_sensor_cmd"`

	PermissionPollInterval *string `yaml:"permission_poll_interval"`
	PermissionProbeCmd     *string `yaml:"permission_probe_cmd"`

	CaptureCmd         *string `yaml:"capture_cmd"`
	CaptureMinInterval *string `yaml:"capture_min_interval"`
	CaptureMaxInterval *string `yaml:"capture_max_interval"`

	UploadURL           *string `yaml:"upload_url"`
	UploadToken         *string `yaml:"upload_token"`
	UploadSweepInterval *string `yaml:"upload_sweep_interval"`
	UploadMaxAttempts   *int    `yaml:"upload_max_attempts"`
	UploadBaseDelay     *string `yaml:"upload_base_delay"`
	UploadMaxDelay      *string `yaml:"upload_max_delay"`

	QuitDrainTimeout *string `yaml:"quit_drain_timeout"`
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var o fileOverlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	applyString(&cfg.Environment, o.Environment)
	applyString(&cfg.LogLevel, o.LogLevel)
	applyString(&cfg.APIListenAddr, o.APIListenAddr)
	applyInt(&cfg.HTTPPort, o.HTTPPort)
	applyString(&cfg.DBPath, o.DBPath)
	applyString(&cfg.IdleSensorCmd, o.IdleSensorCmd)
	applyString(&cfg.PermissionProbeCmd, o.PermissionProbeCmd)
	applyString(&cfg.CaptureCmd, o.CaptureCmd)
	applyString(&cfg.UploadURL, o.UploadURL)
	applyString(&cfg.UploadToken, o.UploadToken)
	applyInt(&cfg.UploadMaxAttempts, o.UploadMaxAttempts)

	durations := []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&cfg.TickInterval, o.TickInterval, "tick_interval"},
		{&cfg.AggregateInterval, o.AggregateInterval, "aggregate_interval"},
		{&cfg.SegmentRotation, o.SegmentRotation, "segment_rotation"},
		{&cfg.IdleThreshold, o.IdleThreshold, "idle_threshold"},
		{&cfg.SensorPollInterval, o.SensorPollInterval, "sensor_poll_interval"},
		{&cfg.PermissionPollInterval, o.PermissionPollInterval, "permission_poll_interval"},
		{&cfg.CaptureMinInterval, o.CaptureMinInterval, "capture_min_interval"},
		{&cfg.CaptureMaxInterval, o.CaptureMaxInterval, "capture_max_interval"},
		{&cfg.UploadSweepInterval, o.UploadSweepInterval, "upload_sweep_interval"},
		{&cfg.UploadBaseDelay, o.UploadBaseDelay, "upload_base_delay"},
		{&cfg.UploadMaxDelay, o.UploadMaxDelay, "upload_max_delay"},
		{&cfg.QuitDrainTimeout, o.QuitDrainTimeout, "quit_drain_timeout"},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		dur, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.dst = dur
	}
	return nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func applyInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}
