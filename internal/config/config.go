// Package config loads and watches the reportd YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Config is the whole reportd configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "2h").
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Source    SourceConfig    `yaml:"source"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// AppConfig is spliced into report bodies via {{app.*}} tokens.
type AppConfig struct {
	Name  string `yaml:"name"`
	URL   string `yaml:"url"`
	Email string `yaml:"email"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`   // debug|info|warn|error
	Console bool   `yaml:"console"` // pretty console writer instead of JSON
}

type ServerConfig struct {
	Listen string `yaml:"listen"` // e.g. ":8080"; empty disables the HTTP server
}

type StoreConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout,omitempty"`
}

// SchedulerConfig controls timer behavior.
//
// Role decides whether this process actually executes pipelines ("primary")
// or only keeps timers armed for failover ("standby"). This is a cooperative
// convention, not a distributed lock.
type SchedulerConfig struct {
	Timezone      string `yaml:"timezone,omitempty"`
	SafetyRefresh string `yaml:"safety_refresh,omitempty"`
	Role          string `yaml:"role,omitempty"` // primary (default) | standby
}

func (c SchedulerConfig) IsPrimary() bool {
	return strings.TrimSpace(strings.ToLower(c.Role)) != "standby"
}

// SourceConfig points at the upstream dashboard service.
type SourceConfig struct {
	BaseAddress string `yaml:"base_address"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
	MinDelay    string `yaml:"min_delay,omitempty"`
	MaxDelay    string `yaml:"max_delay,omitempty"`
}

type PipelineConfig struct {
	StageTimeout string      `yaml:"stage_timeout,omitempty"`
	SpoolDir     string      `yaml:"spool_dir,omitempty"` // rendered attachments land here; empty means a tmp dir
	FetchRetry   RetryConfig `yaml:"fetch_retry,omitempty"`
	SendRetry    RetryConfig `yaml:"send_retry,omitempty"`
}

type NotifyConfig struct {
	Transport     string         `yaml:"transport"` // smtp (default) | telegram
	RatePerMinute int            `yaml:"rate_per_minute,omitempty"`
	GuardTTL      string         `yaml:"guard_ttl,omitempty"`
	SMTP          SMTPConfig     `yaml:"smtp,omitempty"`
	Telegram      TelegramConfig `yaml:"telegram,omitempty"`
}

type SMTPConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port,omitempty"`
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	From     string   `yaml:"from,omitempty"`
	To       []string `yaml:"to,omitempty"`
}

type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
}

// Load reads and strictly decodes the config file. Unknown keys are errors;
// typos in a scheduler config should fail loudly, not silently no-op.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parse(b)
}

func parse(b []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	switch strings.TrimSpace(strings.ToLower(c.Notify.Transport)) {
	case "", "smtp", "telegram":
	default:
		return fmt.Errorf("notify.transport: unknown transport %q", c.Notify.Transport)
	}
	// Durations must at least parse, even when unused until later.
	for _, f := range []struct{ path, raw string }{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"scheduler.safety_refresh", c.Scheduler.SafetyRefresh},
		{"pipeline.stage_timeout", c.Pipeline.StageTimeout},
		{"pipeline.fetch_retry.min_delay", c.Pipeline.FetchRetry.MinDelay},
		{"pipeline.fetch_retry.max_delay", c.Pipeline.FetchRetry.MaxDelay},
		{"pipeline.send_retry.min_delay", c.Pipeline.SendRetry.MinDelay},
		{"pipeline.send_retry.max_delay", c.Pipeline.SendRetry.MaxDelay},
		{"notify.guard_ttl", c.Notify.GuardTTL},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// ParseDurationField parses an optional duration string; empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// MustDuration is ParseDurationField for values already validated at load
// time; it falls back to def on empty/zero.
func MustDuration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationField("", raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
