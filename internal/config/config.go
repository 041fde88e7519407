package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the inboundq service.
type Config struct {
	Gateway   GatewayConfig   `json:"gateway"`
	Debounce  DebounceConfig  `json:"debounce"`
	Buffer    BufferConfig    `json:"buffer"`
	Queue     QueueConfig     `json:"queue"`
	Worker    WorkerConfig    `json:"worker"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	mu        sync.RWMutex
}

// GatewayConfig configures the ingest HTTP server.
type GatewayConfig struct {
	Host            string              `json:"host"`
	Port            int                 `json:"port"`
	Token           string              `json:"-"`                           // from env INBOUNDQ_GATEWAY_TOKEN only
	AllowedOrigins  FlexibleStringSlice `json:"allowed_origins,omitempty"`   // CORS whitelist (empty = allow all)
	MaxMessageChars int                 `json:"max_message_chars,omitempty"` // max message characters (default 32000)
	RateLimitRPM    int                 `json:"rate_limit_rpm,omitempty"`    // requests per minute per client (default 600, 0 = disabled)
	DedupeTTL       string              `json:"dedupe_ttl,omitempty"`        // drop repeated message_id within this window (default "20m", "0" = off)
}

// DebounceConfig is the coalescing policy.
type DebounceConfig struct {
	DelayMs         int    `json:"delay_ms"`                   // quiet period before a burst is dispatched (default 8000)
	ResidualPolicy  string `json:"residual_policy,omitempty"`  // "probe" (default) or "always"
	DispatchTimeout string `json:"dispatch_timeout,omitempty"` // overrides dispatch.timeout_sec when set (Go duration)
}

// BufferConfig selects the BufferStore backend.
type BufferConfig struct {
	Backend        string `json:"backend"`                   // "memory", "sqlite", "postgres", "dynamodb"
	SQLitePath     string `json:"sqlite_path,omitempty"`     // default ~/.inboundq/inboundq.db
	DynamoTable    string `json:"dynamo_table,omitempty"`
	DynamoRegion   string `json:"dynamo_region,omitempty"`
	DynamoEndpoint string `json:"dynamo_endpoint,omitempty"` // DynamoDB Local / LocalStack
}

// QueueConfig selects and tunes the delayed job queue.
type QueueConfig struct {
	Backend         string     `json:"backend"`                    // "memory", "sqlite", "postgres", "amqp"
	Name            string     `json:"name,omitempty"`             // default "inboundq"
	MaxAttempts     int        `json:"max_attempts,omitempty"`     // default 3
	BackoffBase     string     `json:"backoff_base,omitempty"`     // default "2s"
	BackoffMax      string     `json:"backoff_max,omitempty"`      // default "1m"
	Lease           string     `json:"lease,omitempty"`            // default "1m"
	PollInterval    string     `json:"poll_interval,omitempty"`    // default "250ms"
	KeepCompleted   int        `json:"keep_completed,omitempty"`   // default 1000
	KeepFailed      int        `json:"keep_failed,omitempty"`      // default 5000
	JanitorSchedule string     `json:"janitor_schedule,omitempty"` // cron expression (default every minute)
	AMQP            AMQPConfig `json:"amqp,omitempty"`
}

// AMQPConfig configures the RabbitMQ queue backend.
// The URL carries credentials and comes from env INBOUNDQ_AMQP_URL only.
type AMQPConfig struct {
	URL      string `json:"-"`
	Exchange string `json:"exchange,omitempty"`
	Prefetch int    `json:"prefetch,omitempty"` // default worker.concurrency
}

// WorkerConfig configures the dispatch worker pool.
type WorkerConfig struct {
	Concurrency int `json:"concurrency,omitempty"` // default 5
}

// DispatchConfig configures the downstream chat pipeline client.
type DispatchConfig struct {
	Mode       string `json:"mode,omitempty"`        // "http" or "log" (default: http when url is set)
	URL        string `json:"url,omitempty"`
	Token      string `json:"-"`                     // from env INBOUNDQ_DISPATCH_TOKEN only
	TimeoutSec int    `json:"timeout_sec,omitempty"` // default 30
}

// DatabaseConfig configures Postgres.
// PostgresDSN is NEVER read from the config file, only from env INBOUNDQ_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN  string `json:"-"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"` // default 25
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend (Jaeger, Tempo, Datadog, etc.)
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317", "https://otel.example.com:4318")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext transport (local collectors)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "inboundq")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Format string `json:"format,omitempty"` // "text" (default) or "json"
	Level  string `json:"level,omitempty"`  // "debug", "info" (default), "warn", "error"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// Delay returns the debounce delay.
func (d DebounceConfig) Delay() time.Duration {
	if d.DelayMs <= 0 {
		return 8000 * time.Millisecond
	}
	return time.Duration(d.DelayMs) * time.Millisecond
}

// DispatchTimeout resolves the per-call dispatch bound.
func (c *Config) DispatchTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Debounce.DispatchTimeout != "" {
		return parseDuration(c.Debounce.DispatchTimeout, 30*time.Second)
	}
	if c.Dispatch.TimeoutSec > 0 {
		return time.Duration(c.Dispatch.TimeoutSec) * time.Second
	}
	return 30 * time.Second
}

// DedupeWindow returns how long a message_id is remembered. Zero disables it.
func (g GatewayConfig) DedupeWindow() time.Duration {
	if g.DedupeTTL == "0" {
		return 0
	}
	return parseDuration(g.DedupeTTL, 20*time.Minute)
}

func (q QueueConfig) BackoffBaseDuration() time.Duration { return parseDuration(q.BackoffBase, 2*time.Second) }
func (q QueueConfig) BackoffMaxDuration() time.Duration  { return parseDuration(q.BackoffMax, time.Minute) }
func (q QueueConfig) LeaseDuration() time.Duration       { return parseDuration(q.Lease, time.Minute) }
func (q QueueConfig) PollDuration() time.Duration {
	return parseDuration(q.PollInterval, 250*time.Millisecond)
}
