// Package config loads cairn configuration: defaults, then an optional TOML
// file, then CAIRN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CAIRN_"

// Config is the full configuration of a server or client process.
type Config struct {
	Store    StoreConfig    `toml:"store" envPrefix:"STORE_"`
	Server   ServerConfig   `toml:"server" envPrefix:"SERVER_"`
	Auth     AuthConfig     `toml:"auth" envPrefix:"AUTH_"`
	Policy   PolicyConfig   `toml:"policy" envPrefix:"POLICY_"`
	Registry RegistryConfig `toml:"registry" envPrefix:"REGISTRY_"`
	Audit    AuditConfig    `toml:"audit" envPrefix:"AUDIT_"`
	Sync     SyncConfig     `toml:"sync" envPrefix:"SYNC_"`
	Export   ExportConfig   `toml:"export" envPrefix:"EXPORT_"`
	Kafka    KafkaConfig    `toml:"kafka" envPrefix:"KAFKA_"`
	Log      LogConfig      `toml:"log" envPrefix:"LOG_"`
}

// StoreConfig locates the event store.
type StoreConfig struct {
	Path     string `toml:"path" env:"PATH"`
	PageSize int    `toml:"page_size" env:"PAGE_SIZE"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `toml:"addr" env:"ADDR"`
	RateLimit       float64       `toml:"rate_limit" env:"RATE_LIMIT"` // requests per second per client; 0 disables
	RateBurst       int           `toml:"rate_burst" env:"RATE_BURST"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `toml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string        `toml:"issuer" env:"ISSUER"`
	Audience  string        `toml:"audience" env:"AUDIENCE"`
	Leeway    time.Duration `toml:"leeway" env:"LEEWAY"`
}

// PolicyConfig bounds privileged access.
type PolicyConfig struct {
	MaxBreakGlass time.Duration `toml:"max_break_glass" env:"MAX_BREAK_GLASS"`
}

// RegistryConfig lists event type files loaded on top of the builtins.
type RegistryConfig struct {
	Files []string `toml:"files" env:"FILES" envSeparator:","`
}

// AuditConfig schedules background verification. A zero interval disables
// the scheduler.
type AuditConfig struct {
	Interval    time.Duration `toml:"interval" env:"INTERVAL"`
	Parallelism int           `toml:"parallelism" env:"PARALLELISM"`
}

// SyncConfig configures the offline client.
type SyncConfig struct {
	QueuePath   string        `toml:"queue_path" env:"QUEUE_PATH"`
	ServerURL   string        `toml:"server_url" env:"SERVER_URL"`
	Token       string        `toml:"token" env:"TOKEN"`
	Interval    time.Duration `toml:"interval" env:"INTERVAL"`
	BackoffBase time.Duration `toml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax  time.Duration `toml:"backoff_max" env:"BACKOFF_MAX"`
	MaxAttempts int           `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	Rate        float64       `toml:"rate" env:"RATE"` // submissions per second
	Burst       int           `toml:"burst" env:"BURST"`
}

// ExportConfig selects where archives go. Type is "file" or "s3".
type ExportConfig struct {
	Type       string   `toml:"type" env:"TYPE"`
	Dir        string   `toml:"dir" env:"DIR"`
	S3Bucket   string   `toml:"s3_bucket,omitempty" env:"S3_BUCKET"`
	S3Region   string   `toml:"s3_region,omitempty" env:"S3_REGION"`
	S3Endpoint string   `toml:"s3_endpoint,omitempty" env:"S3_ENDPOINT"`
	S3Prefix   string   `toml:"s3_prefix,omitempty" env:"S3_PREFIX"`
	Recipients []string `toml:"recipients" env:"RECIPIENTS" envSeparator:","` // age public keys; empty writes plaintext
}

// KafkaConfig enables publication of accepted events. Empty brokers disable it.
type KafkaConfig struct {
	Brokers string        `toml:"brokers" env:"BROKERS"`
	Topic   string        `toml:"topic" env:"TOPIC"`
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
	// Poll is how often an idle relay rereads the event log.
	Poll time.Duration `toml:"poll" env:"POLL"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `toml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `toml:"format" env:"FORMAT"` // text or json
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Store:  StoreConfig{Path: "cairn.db", PageSize: 256},
		Server: ServerConfig{Addr: ":8080", RateLimit: 50, RateBurst: 100, ShutdownTimeout: 10 * time.Second},
		Auth:   AuthConfig{Leeway: 30 * time.Second},
		Policy: PolicyConfig{MaxBreakGlass: 4 * time.Hour},
		Audit:  AuditConfig{Parallelism: 4},
		Sync: SyncConfig{
			QueuePath:   "outbox.db",
			Interval:    30 * time.Second,
			BackoffBase: time.Second,
			BackoffMax:  5 * time.Minute,
			MaxAttempts: 8,
			Rate:        5,
			Burst:       1,
		},
		Export: ExportConfig{Type: "file", Dir: "exports"},
		Kafka:  KafkaConfig{Topic: "cairn.events", Timeout: 10 * time.Second, Poll: 2 * time.Second},
		Log:    LogConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := cfg.Read(f); err != nil {
			return nil, fmt.Errorf("reading config from %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes TOML from r over the current values. Unknown keys are errors.
func (c *Config) Read(r io.Reader) error {
	md, err := toml.NewDecoder(r).Decode(c)
	if err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// Write encodes the configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Store.PageSize <= 0 {
		errs = append(errs, errors.New("store.page_size must be positive"))
	}
	if c.Policy.MaxBreakGlass <= 0 {
		errs = append(errs, errors.New("policy.max_break_glass must be positive"))
	}
	if c.Audit.Interval < 0 {
		errs = append(errs, errors.New("audit.interval must not be negative"))
	}
	if c.Sync.BackoffBase <= 0 || c.Sync.BackoffMax < c.Sync.BackoffBase {
		errs = append(errs, errors.New("sync.backoff_base must be positive and not above sync.backoff_max"))
	}
	if c.Sync.Rate <= 0 {
		errs = append(errs, errors.New("sync.rate must be positive"))
	}
	switch c.Export.Type {
	case "file":
		if c.Export.Dir == "" {
			errs = append(errs, errors.New("export.dir is required for type file"))
		}
	case "s3":
		if c.Export.S3Bucket == "" {
			errs = append(errs, errors.New("export.s3_bucket is required for type s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("export.type %q must be file or s3", c.Export.Type))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// Handler builds the slog handler writing to w. verbose forces debug level.
func (l LogConfig) Handler(w io.Writer, verbose bool) slog.Handler {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	if verbose {
		lvl = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}
