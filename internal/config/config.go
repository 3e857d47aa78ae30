// Package config loads compiler-server settings from COMPILER_* environment
// variables. Command-line flags in cmd/compiler-server override them.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const EnvPrefix = "COMPILER_"

var ErrInvalidConfig = errors.New("config: invalid config")

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8000"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	StoreDriver       string `env:"STORE_DRIVER" envDefault:"postgres"`
	PostgresDSN       string `env:"POSTGRES_DSN"`
	PostgresDSNSecret string `env:"POSTGRES_DSN_SECRET"`
	SecretsDriver     string `env:"SECRETS_DRIVER" envDefault:"env"`

	ExecBin              string        `env:"EXEC_BIN" envDefault:"contract-compiler"`
	ExecArgs             []string      `env:"EXEC_ARGS" envSeparator:","`
	ExecWorkDir          string        `env:"EXEC_WORKDIR"`
	ExecMaxResponseBytes int64         `env:"EXEC_MAX_RESPONSE_BYTES" envDefault:"33554432"`
	CompileTimeout       time.Duration `env:"COMPILE_TIMEOUT" envDefault:"5m"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10m"`
	MaxPending           int           `env:"MAX_PENDING" envDefault:"0"`

	ArtifactDriver string `env:"ARTIFACT_DRIVER" envDefault:"none"`
	ArtifactBucket string `env:"ARTIFACT_BUCKET"`
	ArtifactPrefix string `env:"ARTIFACT_PREFIX" envDefault:"contracts"`

	EventsDriver        string   `env:"EVENTS_DRIVER" envDefault:"none"`
	EventsBrokers       []string `env:"EVENTS_BROKERS" envSeparator:","`
	EventsCompiledTopic string   `env:"EVENTS_COMPILED_TOPIC" envDefault:"contracts.compiled.v1"`
	EventsFailedTopic   string   `env:"EVENTS_FAILED_TOPIC" envDefault:"contracts.failed.v1"`

	CORSAllowOrigin string  `env:"CORS_ALLOW_ORIGIN" envDefault:"*"`
	RateLimitRPS    float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst  int     `env:"RATE_LIMIT_BURST" envDefault:"40"`
	MaxBodyBytes    int64   `env:"MAX_BODY_BYTES" envDefault:"262144"`

	ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	DrainTimeout      time.Duration `env:"DRAIN_TIMEOUT" envDefault:"15m"`
}

// Load parses the process environment.
func Load() (Config, error) {
	return LoadFrom(nil)
}

// LoadFrom parses environ instead of the process environment when it is
// non-nil. Keys include the COMPILER_ prefix.
func LoadFrom(environ map[string]string) (Config, error) {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return c, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" && strings.TrimSpace(c.PostgresDSNSecret) == "" {
			return fmt.Errorf("%w: postgres store requires a dsn or a dsn secret", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, c.StoreDriver)
	}
	switch c.SecretsDriver {
	case "env", "aws":
	default:
		return fmt.Errorf("%w: unsupported secrets driver %q", ErrInvalidConfig, c.SecretsDriver)
	}

	if strings.TrimSpace(c.ExecBin) == "" {
		return fmt.Errorf("%w: compiler binary is required", ErrInvalidConfig)
	}
	if c.ExecMaxResponseBytes <= 0 {
		return fmt.Errorf("%w: compiler max response bytes must be > 0", ErrInvalidConfig)
	}
	if c.CompileTimeout <= 0 {
		return fmt.Errorf("%w: compile timeout must be > 0", ErrInvalidConfig)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request timeout must be > 0", ErrInvalidConfig)
	}
	if c.MaxPending < 0 {
		return fmt.Errorf("%w: max pending must be >= 0", ErrInvalidConfig)
	}

	switch c.ArtifactDriver {
	case "none", "memory":
	case "s3":
		if strings.TrimSpace(c.ArtifactBucket) == "" {
			return fmt.Errorf("%w: s3 artifact driver requires a bucket", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported artifact driver %q", ErrInvalidConfig, c.ArtifactDriver)
	}
	switch c.EventsDriver {
	case "none", "stdio":
	case "kafka":
		if len(c.EventsBrokers) == 0 {
			return fmt.Errorf("%w: kafka events driver requires brokers", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported events driver %q", ErrInvalidConfig, c.EventsDriver)
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("%w: rate limit rps and burst must be > 0", ErrInvalidConfig)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("%w: max body bytes must be > 0", ErrInvalidConfig)
	}
	if c.ReadHeaderTimeout <= 0 || c.ShutdownTimeout <= 0 || c.DrainTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be > 0", ErrInvalidConfig)
	}
	return nil
}

// writeSlack is the time left after RequestTimeout to write the response.
const writeSlack = 30 * time.Second

// WriteTimeout is the HTTP write deadline. A compile request waits at most
// RequestTimeout for its job however many jobs are queued ahead of it, so
// the deadline only needs to outlast that wait.
func (c Config) WriteTimeout() time.Duration {
	return c.RequestTimeout + writeSlack
}

func ParseLogLevel(v string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(v))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidConfig, v)
	}
	return lvl, nil
}
