/*
Package config loads the server configuration.

LOAD ORDER (later wins):
  1. Default()
  2. YAML file, if a path is given (durations as strings: "30s", "6h")
  3. .env in the working directory, if present
  4. ALERTS_* environment variables
  Command-line flags are applied by cmd/server after Load.

EXAMPLE (alerts.yaml):
  server:
    addr: ":8080"
    allowed_origins: ["https://admin.example.com"]
  database:
    path: ./data/alerts.db
  dispatch:
    max_attempts: 5
    backoff_base: 1m
    backoff_cap: 6h
  schedule:
    reconcile: "@every 15m"
    stuck_sweep: "@every 1m"
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/warp/renewal-alerts/alerting"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Notify   NotifyConfig   `yaml:"notify"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DispatchConfig is the delivery policy. None of it is hard-coded in the engine.
type DispatchConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
	ClaimTimeout  time.Duration `yaml:"claim_timeout"`
}

// ScheduleConfig holds cron specs for the background sweeps. Empty disables one.
type ScheduleConfig struct {
	Reconcile  string `yaml:"reconcile"`
	StuckSweep string `yaml:"stuck_sweep"`
}

type NotifyConfig struct {
	// WebhookURL receives alerts whose contact has no transport of its own.
	// Empty means such alerts are logged.
	WebhookURL string     `yaml:"webhook_url"`
	SMTP       SMTPConfig `yaml:"smtp"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

func Default() Config {
	d := alerting.DefaultDispatcherConfig()
	return Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
			ShutdownGrace: 30 * time.Second,
		},
		Database: DatabaseConfig{Path: "alerts.db"},
		Log:      LogConfig{Level: "info", Format: "json"},
		Dispatch: DispatchConfig{
			Workers:       d.Workers,
			BatchSize:     d.BatchSize,
			PollInterval:  d.PollInterval,
			MaxAttempts:   d.MaxAttempts,
			BackoffBase:   d.Backoff.Base,
			BackoffCap:    d.Backoff.Cap,
			NotifyTimeout: d.NotifyTimeout,
			ClaimTimeout:  d.ClaimTimeout,
		},
		Schedule: ScheduleConfig{
			Reconcile:  "@every 15m",
			StuckSweep: "@every 1m",
		},
		Notify: NotifyConfig{
			SMTP: SMTPConfig{Port: 587},
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, .env and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Addr = getenv("ALERTS_ADDR", c.Server.Addr)
	if v := os.Getenv("ALERTS_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = splitList(v)
	}
	c.Database.Path = getenv("ALERTS_DB_PATH", c.Database.Path)
	c.Log.Level = getenv("ALERTS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("ALERTS_LOG_FORMAT", c.Log.Format)
	c.Schedule.Reconcile = getenv("ALERTS_RECONCILE_SCHEDULE", c.Schedule.Reconcile)
	c.Schedule.StuckSweep = getenv("ALERTS_STUCK_SWEEP_SCHEDULE", c.Schedule.StuckSweep)
	c.Notify.WebhookURL = getenv("ALERTS_WEBHOOK_URL", c.Notify.WebhookURL)
	c.Notify.SMTP.Host = getenv("ALERTS_SMTP_HOST", c.Notify.SMTP.Host)
	c.Notify.SMTP.Username = getenv("ALERTS_SMTP_USERNAME", c.Notify.SMTP.Username)
	c.Notify.SMTP.Password = getenv("ALERTS_SMTP_PASSWORD", c.Notify.SMTP.Password)
	c.Notify.SMTP.From = getenv("ALERTS_SMTP_FROM", c.Notify.SMTP.From)

	ints := []struct {
		key string
		dst *int
	}{
		{"ALERTS_WORKERS", &c.Dispatch.Workers},
		{"ALERTS_BATCH_SIZE", &c.Dispatch.BatchSize},
		{"ALERTS_MAX_ATTEMPTS", &c.Dispatch.MaxAttempts},
		{"ALERTS_SMTP_PORT", &c.Notify.SMTP.Port},
	}
	for _, e := range ints {
		if v := os.Getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ALERTS_POLL_INTERVAL", &c.Dispatch.PollInterval},
		{"ALERTS_BACKOFF_BASE", &c.Dispatch.BackoffBase},
		{"ALERTS_BACKOFF_CAP", &c.Dispatch.BackoffCap},
		{"ALERTS_NOTIFY_TIMEOUT", &c.Dispatch.NotifyTimeout},
		{"ALERTS_CLAIM_TIMEOUT", &c.Dispatch.ClaimTimeout},
	}
	for _, e := range durations {
		if v := os.Getenv(e.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.key, err)
			}
			*e.dst = d
		}
	}
	return nil
}

// Validate rejects configurations the engine cannot run safely with.
func (c Config) Validate() error {
	var errs []error
	d := c.Dispatch
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if d.Workers < 1 {
		errs = append(errs, errors.New("dispatch.workers must be >= 1"))
	}
	if d.BatchSize < 1 {
		errs = append(errs, errors.New("dispatch.batch_size must be >= 1"))
	}
	if d.PollInterval <= 0 {
		errs = append(errs, errors.New("dispatch.poll_interval must be positive"))
	}
	if d.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch.max_attempts must be >= 1"))
	}
	if d.BackoffBase <= 0 {
		errs = append(errs, errors.New("dispatch.backoff_base must be positive"))
	}
	if d.BackoffCap < d.BackoffBase {
		errs = append(errs, errors.New("dispatch.backoff_cap must be >= backoff_base"))
	}
	if d.NotifyTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.notify_timeout must be positive"))
	}
	// A claim must outlive the notifier call plus the outcome write, each
	// bounded by notify_timeout.
	if d.ClaimTimeout <= 2*d.NotifyTimeout {
		errs = append(errs, errors.New("dispatch.claim_timeout must exceed twice notify_timeout"))
	}
	for name, spec := range map[string]string{
		"schedule.reconcile":   c.Schedule.Reconcile,
		"schedule.stuck_sweep": c.Schedule.StuckSweep,
	} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	if c.Notify.SMTP.Host != "" && c.Notify.SMTP.From == "" {
		errs = append(errs, errors.New("notify.smtp.from is required when smtp.host is set"))
	}
	return errors.Join(errs...)
}

// DispatcherConfig converts the dispatch section for the engine.
func (c Config) DispatcherConfig() alerting.DispatcherConfig {
	d := c.Dispatch
	return alerting.DispatcherConfig{
		Workers:       d.Workers,
		BatchSize:     d.BatchSize,
		PollInterval:  d.PollInterval,
		MaxAttempts:   d.MaxAttempts,
		Backoff:       alerting.Backoff{Base: d.BackoffBase, Cap: d.BackoffCap},
		NotifyTimeout: d.NotifyTimeout,
		ClaimTimeout:  d.ClaimTimeout,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
