package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var allEnvVars = []string{
	"PRIMARY_PROVIDER", "FALLBACK_PROVIDER",
	"RETRY_MAX_ATTEMPTS", "RETRY_INITIAL_INTERVAL", "RETRY_BACKOFF_MULTIPLIER",
	"RETRY_MAX_INTERVAL", "RETRY_TIMEOUT", "RETRY_ATTEMPT_TIMEOUT",
	"STORE_DRIVER", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "STORE_KEY_PREFIX", "STORE_LEASE_TTL",
	"BREAKER_ENABLED", "BREAKER_CONSECUTIVE_FAILURES", "BREAKER_OPEN_TIMEOUT",
	"SES_REGION", "SES_ACCESS_KEY_ID", "SES_SECRET_ACCESS_KEY", "SES_SENDER", "SES_CONFIGURATION_SET",
	"SENDGRID_API_KEY", "SENDGRID_SENDER", "SENDGRID_ENDPOINT", "SENDGRID_SANDBOX_MODE",
	"GRAPH_TENANT_ID", "GRAPH_CLIENT_ID", "GRAPH_CLIENT_SECRET", "GRAPH_SENDER",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_SENDER",
	"SMTP_TLS_DISABLED", "SMTP_TLS_CA_FILE", "SMTP_TLS_CERT_FILE", "SMTP_TLS_KEY_FILE", "SMTP_TLS_INSECURE_SKIP_VERIFY",
	"LISTEN_ADDR", "LISTEN_HOSTNAME", "LISTEN_USERNAME", "LISTEN_PASSWORD",
	"LISTEN_MAX_MESSAGE_SIZE", "LISTEN_MAX_CONNECTIONS", "LISTEN_CONCURRENCY",
	"LISTEN_TLS_DISABLED", "LISTEN_TLS_CERT_FILE", "LISTEN_TLS_KEY_FILE",
	"LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		t.Setenv(env, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Routing.Primary != "ses" || cfg.Routing.Fallback != "smtp" {
		t.Errorf("Routing: got %+v", cfg.Routing)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts: got %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialInterval != 30*time.Second {
		t.Errorf("Retry.InitialInterval: got %s", cfg.Retry.InitialInterval)
	}
	if cfg.Retry.BackoffMultiplier != 2.0 {
		t.Errorf("Retry.BackoffMultiplier: got %v", cfg.Retry.BackoffMultiplier)
	}
	if cfg.Retry.MaxInterval != 5*time.Minute {
		t.Errorf("Retry.MaxInterval: got %s", cfg.Retry.MaxInterval)
	}
	if cfg.Retry.Timeout != 10*time.Minute {
		t.Errorf("Retry.Timeout: got %s", cfg.Retry.Timeout)
	}
	if cfg.Retry.AttemptTimeout != 30*time.Second {
		t.Errorf("Retry.AttemptTimeout: got %s", cfg.Retry.AttemptTimeout)
	}
	if cfg.Store.Driver != StoreMemory {
		t.Errorf("Store.Driver: got %q", cfg.Store.Driver)
	}
	if cfg.Store.LeaseTTL != 15*time.Minute {
		t.Errorf("Store.LeaseTTL: got %s", cfg.Store.LeaseTTL)
	}
	if cfg.Breaker.Enabled {
		t.Error("Breaker.Enabled: got true, want false")
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("SMTP.Port: got %d, want 587", cfg.SMTP.Port)
	}
	if cfg.Listener.Addr != ":2525" || cfg.Listener.Hostname != "localhost" {
		t.Errorf("Listener: got %+v", cfg.Listener)
	}
	if cfg.Listener.MaxMessageSize != 10<<20 || cfg.Listener.MaxConnections != 100 || cfg.Listener.Concurrency != 4 {
		t.Errorf("Listener limits: got %+v", cfg.Listener)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level: got %q, want %q", cfg.Logging.Level, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PRIMARY_PROVIDER", "sendgrid")
	t.Setenv("FALLBACK_PROVIDER", "graph")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("RETRY_INITIAL_INTERVAL", "2s")
	t.Setenv("RETRY_BACKOFF_MULTIPLIER", "1.5")
	t.Setenv("RETRY_MAX_INTERVAL", "1m")
	t.Setenv("RETRY_TIMEOUT", "0s")
	t.Setenv("RETRY_ATTEMPT_TIMEOUT", "5s")
	t.Setenv("STORE_DRIVER", "REDIS")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("STORE_LEASE_TTL", "2m")
	t.Setenv("BREAKER_ENABLED", "true")
	t.Setenv("BREAKER_CONSECUTIVE_FAILURES", "7")
	t.Setenv("SENDGRID_API_KEY", "SG.key")
	t.Setenv("SENDGRID_SENDER", "noreply@example.com")
	t.Setenv("SENDGRID_SANDBOX_MODE", "1")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_TLS_CA_FILE", "/etc/ssl/relay-ca.pem")
	t.Setenv("SMTP_TLS_DISABLED", "false")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Routing.Primary != "sendgrid" || cfg.Routing.Fallback != "graph" {
		t.Errorf("Routing: got %+v", cfg.Routing)
	}

	policy := cfg.RetryPolicy()
	if policy.MaxAttempts != 5 || policy.InitialInterval != 2*time.Second ||
		policy.BackoffMultiplier != 1.5 || policy.MaxInterval != time.Minute || policy.Timeout != 0 {
		t.Errorf("RetryPolicy: got %+v", policy)
	}
	if cfg.Retry.AttemptTimeout != 5*time.Second {
		t.Errorf("Retry.AttemptTimeout: got %s", cfg.Retry.AttemptTimeout)
	}
	if cfg.Store.Driver != StoreRedis || cfg.Store.RedisAddr != "redis:6379" || cfg.Store.RedisDB != 2 {
		t.Errorf("Store: got %+v", cfg.Store)
	}
	if cfg.Store.LeaseTTL != 2*time.Minute {
		t.Errorf("Store.LeaseTTL: got %s", cfg.Store.LeaseTTL)
	}
	if !cfg.Breaker.Enabled || cfg.Breaker.ConsecutiveFailures != 7 {
		t.Errorf("Breaker: got %+v", cfg.Breaker)
	}
	if !cfg.SendGridConfigured() || !cfg.SendGrid.SandboxMode {
		t.Errorf("SendGrid: got %+v", cfg.SendGrid)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("SMTP.Port: got %d", cfg.SMTP.Port)
	}
	if cfg.SMTP.TLS.CAFile != "/etc/ssl/relay-ca.pem" || cfg.SMTP.TLS.Disabled {
		t.Errorf("SMTP.TLS: got %+v", cfg.SMTP.TLS)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level: got %q", cfg.Logging.Level)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoad_InvalidEnvValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("RETRY_MAX_ATTEMPTS", "three")
	t.Setenv("RETRY_TIMEOUT", "ten minutes")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"RETRY_MAX_ATTEMPTS", "RETRY_TIMEOUT"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoadFromFile_YAMLThenEnv(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
routing:
  primary: graph
  fallback: ""
retry:
  max_attempts: 4
  initial_interval: 10s
  max_interval: 2m
store:
  driver: redis
  redis_addr: cache:6379
graph:
  tenant_id: tid
  client_id: cid
  client_secret: secret
  sender: sender@example.com
smtp:
  host: smtp.example.com
  sender: relay@example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RETRY_MAX_ATTEMPTS", "6")

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Routing.Primary != "graph" || cfg.Routing.Fallback != "" {
		t.Errorf("Routing: got %+v", cfg.Routing)
	}
	if cfg.Retry.MaxAttempts != 6 {
		t.Errorf("env should override YAML: got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.InitialInterval != 10*time.Second || cfg.Retry.MaxInterval != 2*time.Minute {
		t.Errorf("Retry: got %+v", cfg.Retry)
	}
	if cfg.Retry.BackoffMultiplier != 2.0 {
		t.Errorf("unset YAML keys keep defaults: got %v", cfg.Retry.BackoffMultiplier)
	}
	if cfg.Store.Driver != StoreRedis || cfg.Store.RedisAddr != "cache:6379" {
		t.Errorf("Store: got %+v", cfg.Store)
	}
	if !cfg.GraphConfigured() {
		t.Error("GraphConfigured: got false")
	}
	if !cfg.SMTPConfigured() || cfg.SMTP.Port != 587 {
		t.Errorf("SMTP: got %+v", cfg.SMTP)
	}
	if cfg.SESConfigured() || cfg.SendGridConfigured() {
		t.Error("unset providers should not be configured")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoadFromFile_Missing(t *testing.T) {
	clearEnv(t)

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFromFile_InvalidYAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("retry: [unclosed"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SES_REGION=eu-west-1\nSES_SENDER=from-file@example.com\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("SES_SENDER", "from-env@example.com")
	// godotenv only fills variables that are absent, not empty.
	os.Unsetenv("SES_REGION")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("SES_REGION"); got != "eu-west-1" {
		t.Errorf("SES_REGION: got %q", got)
	}
	if got := os.Getenv("SES_SENDER"); got != "from-env@example.com" {
		t.Errorf("existing variables must not be overridden: got %q", got)
	}
}

func TestLoadDotEnv_MissingFileIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown primary", func(c *Config) { c.Routing.Primary = "postmark" }, "unknown primary provider"},
		{"unknown fallback", func(c *Config) { c.Routing.Fallback = "postmark" }, "unknown fallback provider"},
		{"bad policy", func(c *Config) { c.Retry.MaxAttempts = 0 }, "invalid retry policy"},
		{"negative attempt timeout", func(c *Config) { c.Retry.AttemptTimeout = -time.Second }, "attempt timeout"},
		{"unknown store", func(c *Config) { c.Store.Driver = "etcd" }, "unknown store driver"},
		{"redis without addr", func(c *Config) { c.Store.Driver = StoreRedis; c.Store.RedisAddr = "" }, "requires an address"},
		{"zero lease", func(c *Config) { c.Store.LeaseTTL = 0 }, "lease TTL"},
		{"lease shorter than backoff", func(c *Config) { c.Store.LeaseTTL = c.Retry.MaxInterval }, "must exceed the longest backoff"},
		{"lease equal to backoff plus attempt", func(c *Config) {
			c.Retry.MaxInterval = time.Minute
			c.Retry.AttemptTimeout = 10 * time.Second
			c.Store.LeaseTTL = 80 * time.Second
		}, "must exceed the longest backoff"},
		{"zero message size", func(c *Config) { c.Listener.MaxMessageSize = 0 }, "max message size"},
		{"zero connections", func(c *Config) { c.Listener.MaxConnections = 0 }, "max connections"},
		{"zero concurrency", func(c *Config) { c.Listener.Concurrency = 0 }, "listener concurrency"},
		{"cert without key", func(c *Config) { c.Listener.TLSCertFile = "cert.pem" }, "both cert and key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestValidate_LeaseCoversBackoff(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg.Retry.MaxInterval = time.Minute
	cfg.Retry.AttemptTimeout = 10 * time.Second
	cfg.Store.LeaseTTL = 81 * time.Second

	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_ListenerEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", "127.0.0.1:587")
	t.Setenv("LISTEN_HOSTNAME", "mx.example.com")
	t.Setenv("LISTEN_USERNAME", "submitter")
	t.Setenv("LISTEN_PASSWORD", "s3cret")
	t.Setenv("LISTEN_MAX_MESSAGE_SIZE", "1048576")
	t.Setenv("LISTEN_MAX_CONNECTIONS", "8")
	t.Setenv("LISTEN_TLS_DISABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := cfg.Listener
	if l.Addr != "127.0.0.1:587" || l.Hostname != "mx.example.com" {
		t.Errorf("address: got %+v", l)
	}
	if l.Username != "submitter" || l.Password != "s3cret" {
		t.Errorf("credentials: got %q/%q", l.Username, l.Password)
	}
	if l.MaxMessageSize != 1<<20 || l.MaxConnections != 8 {
		t.Errorf("limits: got %d/%d", l.MaxMessageSize, l.MaxConnections)
	}
	if !l.TLSDisabled {
		t.Error("TLSDisabled: got false")
	}
}
