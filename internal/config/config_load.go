package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/titanous/json5"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDynamoDB = "dynamodb"
	BackendAMQP     = "amqp"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            18800,
			MaxMessageChars: 32000,
			RateLimitRPM:    600,
		},
		Debounce: DebounceConfig{
			DelayMs:        8000,
			ResidualPolicy: "probe",
		},
		Buffer: BufferConfig{
			Backend:    BackendSQLite,
			SQLitePath: "~/.inboundq/inboundq.db",
		},
		Queue: QueueConfig{
			Backend:       BackendSQLite,
			Name:          "inboundq",
			MaxAttempts:   3,
			KeepCompleted: 1000,
			KeepFailed:    5000,
		},
		Worker:   WorkerConfig{Concurrency: 5},
		Dispatch: DispatchConfig{TimeoutSec: 30},
		Database: DatabaseConfig{MaxOpenConns: 25},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "inboundq",
		},
		Logging: LoggingConfig{Format: "text", Level: "info"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults plus env. A .env file in the working directory is
// loaded into the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("config: could not load .env", "error", err)
	}

	cfg := Default()
	data, err := os.ReadFile(ExpandHome(path))
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Secrets (env only)
	envStr("INBOUNDQ_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("INBOUNDQ_DISPATCH_TOKEN", &c.Dispatch.Token)
	envStr("INBOUNDQ_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("INBOUNDQ_AMQP_URL", &c.Queue.AMQP.URL)

	// Gateway
	envStr("INBOUNDQ_HOST", &c.Gateway.Host)
	if v := os.Getenv("INBOUNDQ_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	if v := os.Getenv("INBOUNDQ_ALLOWED_ORIGINS"); v != "" {
		c.Gateway.AllowedOrigins = strings.Split(v, ",")
	}

	// Debounce
	envInt("INBOUNDQ_DEBOUNCE_MS", &c.Debounce.DelayMs)
	envStr("INBOUNDQ_RESIDUAL_POLICY", &c.Debounce.ResidualPolicy)

	// Backends
	envStr("INBOUNDQ_BUFFER_BACKEND", &c.Buffer.Backend)
	envStr("INBOUNDQ_SQLITE_PATH", &c.Buffer.SQLitePath)
	envStr("INBOUNDQ_DYNAMO_TABLE", &c.Buffer.DynamoTable)
	envStr("INBOUNDQ_DYNAMO_REGION", &c.Buffer.DynamoRegion)
	envStr("INBOUNDQ_DYNAMO_ENDPOINT", &c.Buffer.DynamoEndpoint)
	envStr("INBOUNDQ_QUEUE_BACKEND", &c.Queue.Backend)
	envInt("INBOUNDQ_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	envInt("INBOUNDQ_CONCURRENCY", &c.Worker.Concurrency)

	// Dispatch
	envStr("INBOUNDQ_DISPATCH_URL", &c.Dispatch.URL)
	envStr("INBOUNDQ_DISPATCH_MODE", &c.Dispatch.Mode)

	// Telemetry
	envStr("INBOUNDQ_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("INBOUNDQ_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("INBOUNDQ_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("INBOUNDQ_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envBool("INBOUNDQ_TELEMETRY_INSECURE", &c.Telemetry.Insecure)

	// Logging
	envStr("INBOUNDQ_LOG_FORMAT", &c.Logging.Format)
	envStr("INBOUNDQ_LOG_LEVEL", &c.Logging.Level)
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.Buffer.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	case BackendDynamoDB:
		if c.Buffer.DynamoTable == "" {
			errs = append(errs, errors.New("buffer.dynamo_table is required for the dynamodb backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown buffer.backend %q", c.Buffer.Backend))
	}
	switch c.Queue.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres:
	case BackendAMQP:
		if c.Queue.AMQP.URL == "" {
			errs = append(errs, errors.New("INBOUNDQ_AMQP_URL is required for the amqp queue backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown queue.backend %q", c.Queue.Backend))
	}
	if (c.Buffer.Backend == BackendPostgres || c.Queue.Backend == BackendPostgres) && c.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("INBOUNDQ_POSTGRES_DSN is required for the postgres backend"))
	}
	if c.Buffer.Backend == BackendMemory && c.Queue.Backend != BackendMemory {
		slog.Warn("config: memory buffer with a durable queue loses buffered messages on restart")
	}
	if c.Debounce.DelayMs <= 0 {
		errs = append(errs, fmt.Errorf("debounce.delay_ms must be positive, got %d", c.Debounce.DelayMs))
	}
	switch c.Debounce.ResidualPolicy {
	case "", "probe", "always":
	default:
		errs = append(errs, fmt.Errorf("unknown debounce.residual_policy %q", c.Debounce.ResidualPolicy))
	}
	switch c.Dispatch.Mode {
	case "", "log":
	case "http":
		if c.Dispatch.URL == "" {
			errs = append(errs, errors.New("dispatch.url is required for http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.mode %q", c.Dispatch.Mode))
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// MaskedCopy returns a copy of the config with all secret fields masked.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := &Config{
		Gateway:   c.Gateway,
		Debounce:  c.Debounce,
		Buffer:    c.Buffer,
		Queue:     c.Queue,
		Worker:    c.Worker,
		Dispatch:  c.Dispatch,
		Database:  c.Database,
		Telemetry: c.Telemetry,
		Logging:   c.Logging,
	}
	maskNonEmpty(&cp.Gateway.Token)
	maskNonEmpty(&cp.Dispatch.Token)
	maskNonEmpty(&cp.Database.PostgresDSN)
	maskNonEmpty(&cp.Queue.AMQP.URL)
	if len(c.Telemetry.Headers) > 0 {
		cp.Telemetry.Headers = make(map[string]string, len(c.Telemetry.Headers))
		for k := range c.Telemetry.Headers {
			cp.Telemetry.Headers[k] = secretMask
		}
	}
	return cp
}

const secretMask = "***"

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
