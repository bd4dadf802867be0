// Package config provides layered configuration loading for the dispatcher:
// defaults, then an optional YAML file, then environment variables, with an
// optional .env file feeding the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shineum/mail-dispatch/internal/workflow"
)

// Store drivers.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// knownProviders lists the provider names the dispatcher can register.
var knownProviders = map[string]bool{
	"ses":      true,
	"sendgrid": true,
	"graph":    true,
	"smtp":     true,
	"stdout":   true,
}

// Config holds the complete application configuration.
type Config struct {
	Routing  RoutingConfig  `yaml:"routing"`
	Retry    RetryConfig    `yaml:"retry"`
	Store    StoreConfig    `yaml:"store"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	SES      SESConfig      `yaml:"ses"`
	SendGrid SendGridConfig `yaml:"sendgrid"`
	Graph    GraphConfig    `yaml:"graph"`
	SMTP     SMTPConfig     `yaml:"smtp"`
	Listener ListenerConfig `yaml:"listener"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// RoutingConfig names the primary and fallback providers.
type RoutingConfig struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// RetryConfig holds the retry envelope policy.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialInterval   time.Duration `yaml:"initial_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxInterval       time.Duration `yaml:"max_interval"`
	Timeout           time.Duration `yaml:"timeout"`

	// AttemptTimeout bounds each individual provider call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// StoreConfig selects where envelope state is persisted.
type StoreConfig struct {
	Driver        string        `yaml:"driver"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	KeyPrefix     string        `yaml:"key_prefix"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
}

// BreakerConfig holds per-provider circuit breaker settings.
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// SendGridConfig holds SendGrid configuration.
type SendGridConfig struct {
	APIKey      string `yaml:"api_key"`
	Sender      string `yaml:"sender"`
	Endpoint    string `yaml:"endpoint"`
	SandboxMode bool   `yaml:"sandbox_mode"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// SMTPConfig holds the outbound SMTP relay configuration.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Sender   string `yaml:"sender"`

	TLS SMTPTLSConfig `yaml:"tls"`
}

// SMTPTLSConfig controls STARTTLS towards the relay.
type SMTPTLSConfig struct {
	Disabled           bool   `yaml:"disabled"`
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ListenerConfig holds the inbound SMTP submission listener settings used by
// the serve command.
type ListenerConfig struct {
	Addr           string `yaml:"addr"`
	Hostname       string `yaml:"hostname"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	MaxMessageSize int64  `yaml:"max_message_size"`
	MaxConnections int    `yaml:"max_connections"`
	Concurrency    int    `yaml:"concurrency"`

	// TLS is offered via STARTTLS unless disabled. Without cert and key
	// files a self-signed certificate is generated at startup.
	TLSDisabled bool   `yaml:"tls_disabled"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// A .env file in the working directory, if present, is read first without
// overriding variables already set.
func Load() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDotEnv loads path into the process environment. A missing file is not
// an error; variables already set are never overridden.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// RetryPolicy returns the envelope policy described by the retry section.
func (c *Config) RetryPolicy() workflow.RetryPolicy {
	return workflow.RetryPolicy{
		MaxAttempts:       c.Retry.MaxAttempts,
		InitialInterval:   c.Retry.InitialInterval,
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		MaxInterval:       c.Retry.MaxInterval,
		Timeout:           c.Retry.Timeout,
	}
}

// Validate reports every setting that would prevent the dispatcher from
// running.
func (c *Config) Validate() error {
	var errs []error

	if !knownProviders[c.Routing.Primary] {
		errs = append(errs, fmt.Errorf("unknown primary provider %q", c.Routing.Primary))
	}
	if c.Routing.Fallback != "" && !knownProviders[c.Routing.Fallback] {
		errs = append(errs, fmt.Errorf("unknown fallback provider %q", c.Routing.Fallback))
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Retry.AttemptTimeout < 0 {
		errs = append(errs, fmt.Errorf("attempt timeout must not be negative, got %s", c.Retry.AttemptTimeout))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("redis store requires an address"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Store.LeaseTTL <= 0 {
		errs = append(errs, fmt.Errorf("lease TTL must be positive, got %s", c.Store.LeaseTTL))
	} else if hold := c.leaseHold(); c.Store.LeaseTTL <= hold {
		errs = append(errs, fmt.Errorf("lease TTL %s must exceed the longest backoff plus one attempt (%s)", c.Store.LeaseTTL, hold))
	}

	if c.Listener.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("listener max message size must be positive, got %d", c.Listener.MaxMessageSize))
	}
	if c.Listener.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("listener max connections must be positive, got %d", c.Listener.MaxConnections))
	}
	if c.Listener.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("listener concurrency must be positive, got %d", c.Listener.Concurrency))
	}
	if (c.Listener.TLSCertFile == "") != (c.Listener.TLSKeyFile == "") {
		errs = append(errs, errors.New("listener TLS requires both cert and key files"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// leaseHold is the longest a lease goes unrefreshed: one capped backoff
// followed by an attempt that may call both the primary and the fallback.
func (c *Config) leaseHold() time.Duration {
	return c.Retry.MaxInterval + 2*c.Retry.AttemptTimeout
}

// SESConfigured returns true if a region and sender are set. Credentials may
// come from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// SendGridConfigured returns true if an API key and sender are set.
func (c *Config) SendGridConfigured() bool {
	return c.SendGrid.APIKey != "" && c.SendGrid.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SMTPConfigured returns true if a relay host and sender are set.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != "" && c.SMTP.Sender != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.Routing.Primary = "ses"
	c.Routing.Fallback = "smtp"

	policy := workflow.DefaultRetryPolicy()
	c.Retry.MaxAttempts = policy.MaxAttempts
	c.Retry.InitialInterval = policy.InitialInterval
	c.Retry.BackoffMultiplier = policy.BackoffMultiplier
	c.Retry.MaxInterval = policy.MaxInterval
	c.Retry.Timeout = policy.Timeout
	c.Retry.AttemptTimeout = 30 * time.Second

	c.Store.Driver = StoreMemory
	c.Store.RedisAddr = "localhost:6379"
	c.Store.KeyPrefix = "mail-dispatch:"
	c.Store.LeaseTTL = 15 * time.Minute

	c.Breaker.ConsecutiveFailures = 5
	c.Breaker.OpenTimeout = time.Minute

	c.SMTP.Port = 587

	c.Listener.Addr = ":2525"
	c.Listener.Hostname = "localhost"
	c.Listener.MaxMessageSize = 10 << 20
	c.Listener.MaxConnections = 100
	c.Listener.Concurrency = 4

	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error

	setString("PRIMARY_PROVIDER", &c.Routing.Primary)
	setString("FALLBACK_PROVIDER", &c.Routing.Fallback)

	errs = append(errs,
		setInt("RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts),
		setDuration("RETRY_INITIAL_INTERVAL", &c.Retry.InitialInterval),
		setFloat("RETRY_BACKOFF_MULTIPLIER", &c.Retry.BackoffMultiplier),
		setDuration("RETRY_MAX_INTERVAL", &c.Retry.MaxInterval),
		setDuration("RETRY_TIMEOUT", &c.Retry.Timeout),
		setDuration("RETRY_ATTEMPT_TIMEOUT", &c.Retry.AttemptTimeout),
	)

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	setString("REDIS_ADDR", &c.Store.RedisAddr)
	setString("REDIS_PASSWORD", &c.Store.RedisPassword)
	setString("STORE_KEY_PREFIX", &c.Store.KeyPrefix)
	errs = append(errs,
		setInt("REDIS_DB", &c.Store.RedisDB),
		setDuration("STORE_LEASE_TTL", &c.Store.LeaseTTL),
		setBool("BREAKER_ENABLED", &c.Breaker.Enabled),
		setDuration("BREAKER_OPEN_TIMEOUT", &c.Breaker.OpenTimeout),
	)
	if v := os.Getenv("BREAKER_CONSECUTIVE_FAILURES"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("BREAKER_CONSECUTIVE_FAILURES: %w", err))
		} else {
			c.Breaker.ConsecutiveFailures = uint32(n)
		}
	}

	setString("SES_REGION", &c.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	setString("SES_SENDER", &c.SES.Sender)
	setString("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	setString("SENDGRID_API_KEY", &c.SendGrid.APIKey)
	setString("SENDGRID_SENDER", &c.SendGrid.Sender)
	setString("SENDGRID_ENDPOINT", &c.SendGrid.Endpoint)
	errs = append(errs, setBool("SENDGRID_SANDBOX_MODE", &c.SendGrid.SandboxMode))

	setString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	setString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	setString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	setString("GRAPH_SENDER", &c.Graph.Sender)

	setString("SMTP_HOST", &c.SMTP.Host)
	errs = append(errs, setInt("SMTP_PORT", &c.SMTP.Port))
	setString("SMTP_USERNAME", &c.SMTP.Username)
	setString("SMTP_PASSWORD", &c.SMTP.Password)
	setString("SMTP_SENDER", &c.SMTP.Sender)
	setString("SMTP_TLS_CA_FILE", &c.SMTP.TLS.CAFile)
	setString("SMTP_TLS_CERT_FILE", &c.SMTP.TLS.CertFile)
	setString("SMTP_TLS_KEY_FILE", &c.SMTP.TLS.KeyFile)
	errs = append(errs,
		setBool("SMTP_TLS_DISABLED", &c.SMTP.TLS.Disabled),
		setBool("SMTP_TLS_INSECURE_SKIP_VERIFY", &c.SMTP.TLS.InsecureSkipVerify),
	)

	setString("LISTEN_ADDR", &c.Listener.Addr)
	setString("LISTEN_HOSTNAME", &c.Listener.Hostname)
	setString("LISTEN_USERNAME", &c.Listener.Username)
	setString("LISTEN_PASSWORD", &c.Listener.Password)
	setString("LISTEN_TLS_CERT_FILE", &c.Listener.TLSCertFile)
	setString("LISTEN_TLS_KEY_FILE", &c.Listener.TLSKeyFile)
	errs = append(errs,
		setInt64("LISTEN_MAX_MESSAGE_SIZE", &c.Listener.MaxMessageSize),
		setInt("LISTEN_MAX_CONNECTIONS", &c.Listener.MaxConnections),
		setInt("LISTEN_CONCURRENCY", &c.Listener.Concurrency),
		setBool("LISTEN_TLS_DISABLED", &c.Listener.TLSDisabled),
	)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid environment: %w", err)
	}
	return nil
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}
