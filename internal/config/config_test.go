package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Debounce.Delay(); got != 8*time.Second {
		t.Errorf("Delay = %v, want 8s", got)
	}
	if cfg.Worker.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Worker.Concurrency)
	}
	if cfg.Queue.KeepCompleted != 1000 || cfg.Queue.KeepFailed != 5000 {
		t.Errorf("retention = %d/%d", cfg.Queue.KeepCompleted, cfg.Queue.KeepFailed)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadJSON5AndEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// comments are fine
		debounce: { delay_ms: 2500, residual_policy: "always" },
		buffer: { backend: "memory" },
		queue: { backend: "memory", backoff_base: "500ms" },
		dispatch: { url: "http://pipeline.local/dispatch", timeout_sec: 12 },
		gateway: { allowed_origins: ["https://a.example"] },
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("INBOUNDQ_CONCURRENCY", "9")
	t.Setenv("INBOUNDQ_DISPATCH_TOKEN", "tok")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Debounce.Delay(); got != 2500*time.Millisecond {
		t.Errorf("Delay = %v", got)
	}
	if cfg.Debounce.ResidualPolicy != "always" {
		t.Errorf("ResidualPolicy = %q", cfg.Debounce.ResidualPolicy)
	}
	if got := cfg.Queue.BackoffBaseDuration(); got != 500*time.Millisecond {
		t.Errorf("BackoffBase = %v", got)
	}
	if got := cfg.DispatchTimeout(); got != 12*time.Second {
		t.Errorf("DispatchTimeout = %v", got)
	}
	if cfg.Worker.Concurrency != 9 {
		t.Errorf("Concurrency = %d, want env override 9", cfg.Worker.Concurrency)
	}
	if cfg.Dispatch.Token != "tok" {
		t.Errorf("Dispatch.Token not read from env")
	}
	if len(cfg.Gateway.AllowedOrigins) != 1 {
		t.Errorf("AllowedOrigins = %v", cfg.Gateway.AllowedOrigins)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("INBOUNDQ_DEBOUNCE_MS=1234\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("INBOUNDQ_DEBOUNCE_MS") })

	cfg, err := Load(filepath.Join(dir, "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Debounce.DelayMs != 1234 {
		t.Errorf("DelayMs = %d, want 1234 from .env", cfg.Debounce.DelayMs)
	}
}

func TestSecretsNotReadFromFile(t *testing.T) {
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json5")
	os.WriteFile(path, []byte(`{database: {postgres_dsn: "postgres://leak"}, gateway: {token: "leak"}}`), 0o600)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.PostgresDSN != "" || cfg.Gateway.Token != "" {
		t.Errorf("secret fields read from file: dsn=%q token=%q", cfg.Database.PostgresDSN, cfg.Gateway.Token)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown buffer", func(c *Config) { c.Buffer.Backend = "redis" }, `buffer.backend "redis"`},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "sqs" }, `queue.backend "sqs"`},
		{"postgres without dsn", func(c *Config) { c.Buffer.Backend = BackendPostgres }, "INBOUNDQ_POSTGRES_DSN"},
		{"amqp without url", func(c *Config) { c.Queue.Backend = BackendAMQP }, "INBOUNDQ_AMQP_URL"},
		{"dynamo without table", func(c *Config) { c.Buffer.Backend = BackendDynamoDB }, "dynamo_table"},
		{"zero delay", func(c *Config) { c.Debounce.DelayMs = 0 }, "delay_ms"},
		{"bad policy", func(c *Config) { c.Debounce.ResidualPolicy = "sometimes" }, "residual_policy"},
		{"http without url", func(c *Config) { c.Dispatch.Mode = "http" }, "dispatch.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Token = "secret"
	cfg.Database.PostgresDSN = "postgres://u:p@h/db"
	masked := cfg.MaskedCopy()
	if masked.Gateway.Token != "***" || masked.Database.PostgresDSN != "***" {
		t.Errorf("masked = %+v / %+v", masked.Gateway, masked.Database)
	}
	if masked.Dispatch.Token != "" {
		t.Errorf("empty secret masked: %q", masked.Dispatch.Token)
	}
	if cfg.Gateway.Token != "secret" {
		t.Error("MaskedCopy mutated the original")
	}
}

func TestDurationFallbacks(t *testing.T) {
	q := QueueConfig{Lease: "garbage", PollInterval: "-1s"}
	if q.LeaseDuration() != time.Minute {
		t.Errorf("LeaseDuration = %v", q.LeaseDuration())
	}
	if q.PollDuration() != 250*time.Millisecond {
		t.Errorf("PollDuration = %v", q.PollDuration())
	}
	if (GatewayConfig{DedupeTTL: "0"}).DedupeWindow() != 0 {
		t.Error("dedupe_ttl 0 should disable")
	}
}
