// Package config is the typed configuration consumed by the three
// binaries (ingestapi, routeworker, deliveryworker). It decodes the
// layered document assembled by pkg/config; business code never reads
// environment variables directly.
package config

import (
	"context"
	"fmt"
	"time"

	pkgconfig "github.com/leadforge/core/pkg/config"
)

type Config struct {
	Env      string         `yaml:"env"`
	LogLevel string         `yaml:"log_level"`
	Server   ServerConfig   `yaml:"server"`
	DB       DBConfig       `yaml:"db"`
	Queue    QueueConfig    `yaml:"queue"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Workers  WorkersConfig  `yaml:"workers"`
	Policies PoliciesConfig `yaml:"policies"`
}

type ServerConfig struct {
	Addr              string `yaml:"addr"`
	ReadTimeoutMS     int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS     int    `yaml:"idle_timeout_ms"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
	// RequestTimeoutMS is the request-wide ingestion deadline; exceeding
	// it surfaces request_timeout to the caller.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

type DBConfig struct {
	DSN              string `yaml:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
	ConnectTimeoutMS int    `yaml:"connect_timeout_ms"`
	QueryTimeoutMS   int    `yaml:"query_timeout_ms"`
}

type QueueConfig struct {
	// Backend is "postgres" (durable) or "memory" (single-process dev).
	Backend             string `yaml:"backend"`
	PollTimeoutMS       int    `yaml:"poll_timeout_ms"`
	VisibilityTimeoutMS int    `yaml:"visibility_timeout_ms"`
}

type WebhookConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// BackoffScheduleMS is the fixed nack-delay schedule; index n is the
	// delay after failed attempt n, so entry 0 (the first attempt's delay)
	// is never used for a requeue. Empty defaults to 0, 5000, 15000.
	BackoffScheduleMS []int `yaml:"backoff_schedule_ms"`
	ConnectTimeoutMS  int   `yaml:"connect_timeout_ms"`
	TotalTimeoutMS    int   `yaml:"total_timeout_ms"`
}

type WorkersConfig struct {
	Route    int `yaml:"route"`
	Delivery int `yaml:"delivery"`
}

type PoliciesConfig struct {
	CacheTTLMS int `yaml:"cache_ttl_ms"`
}

// Load builds the config for one service from the layered files under
// root plus LEADFORGE__-prefixed env overrides, then applies defaults.
func Load(ctx context.Context, root, service, env string) (Config, error) {
	loader, err := pkgconfig.NewLoader(root, pkgconfig.Options{
		Service:   service,
		Env:       env,
		EnvPrefix: "LEADFORGE",
	})
	if err != nil {
		return Config{}, err
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := bundle.Decode(&cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults(env)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(env string) {
	if c.Env == "" {
		c.Env = env
	}
	if c.Env == "" {
		c.Env = "local"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	defInt(&c.Server.ReadTimeoutMS, 5000)
	defInt(&c.Server.WriteTimeoutMS, 10000)
	defInt(&c.Server.IdleTimeoutMS, 60000)
	defInt(&c.Server.ShutdownTimeoutMS, 10000)
	defInt(&c.Server.RequestTimeoutMS, 8000)

	defInt(&c.DB.MaxOpenConns, 20)
	defInt(&c.DB.MaxIdleConns, 5)
	defInt(&c.DB.ConnectTimeoutMS, 3000)
	defInt(&c.DB.QueryTimeoutMS, 5000)

	if c.Queue.Backend == "" {
		c.Queue.Backend = "postgres"
	}
	defInt(&c.Queue.PollTimeoutMS, 2000)
	defInt(&c.Webhook.MaxAttempts, 3)
	defInt(&c.Webhook.ConnectTimeoutMS, 3000)
	defInt(&c.Webhook.TotalTimeoutMS, 10000)
	if len(c.Webhook.BackoffScheduleMS) == 0 {
		c.Webhook.BackoffScheduleMS = []int{0, 5000, 15000}
	}
	// Visibility window must outlast a full webhook attempt.
	minVisibility := c.Webhook.ConnectTimeoutMS + c.Webhook.TotalTimeoutMS + 5000
	if c.Queue.VisibilityTimeoutMS < minVisibility {
		c.Queue.VisibilityTimeoutMS = minVisibility
	}

	defInt(&c.Workers.Route, 4)
	defInt(&c.Workers.Delivery, 4)
	defInt(&c.Policies.CacheTTLMS, 30000)
}

func (c Config) validate() error {
	if c.Queue.Backend != "postgres" && c.Queue.Backend != "memory" {
		return fmt.Errorf("config: queue.backend must be postgres|memory, got %q", c.Queue.Backend)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("config: db.dsn is required")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("config: webhook.max_attempts must be >= 1")
	}
	return nil
}

func defInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func (s ServerConfig) ReadTimeout() time.Duration     { return ms(s.ReadTimeoutMS) }
func (s ServerConfig) WriteTimeout() time.Duration    { return ms(s.WriteTimeoutMS) }
func (s ServerConfig) IdleTimeout() time.Duration     { return ms(s.IdleTimeoutMS) }
func (s ServerConfig) ShutdownTimeout() time.Duration { return ms(s.ShutdownTimeoutMS) }
func (s ServerConfig) RequestTimeout() time.Duration  { return ms(s.RequestTimeoutMS) }

func (d DBConfig) QueryTimeout() time.Duration { return ms(d.QueryTimeoutMS) }

func (q QueueConfig) PollTimeout() time.Duration       { return ms(q.PollTimeoutMS) }
func (q QueueConfig) VisibilityTimeout() time.Duration { return ms(q.VisibilityTimeoutMS) }

func (w WebhookConfig) ConnectTimeout() time.Duration { return ms(w.ConnectTimeoutMS) }
func (w WebhookConfig) TotalTimeout() time.Duration   { return ms(w.TotalTimeoutMS) }

// BackoffSchedule converts the fixed schedule to durations.
func (w WebhookConfig) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(w.BackoffScheduleMS))
	for _, v := range w.BackoffScheduleMS {
		out = append(out, ms(v))
	}
	return out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
