// Package main is the entry point for the mail dispatcher CLI.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/shineum/mail-dispatch/internal/config"
	"github.com/shineum/mail-dispatch/internal/delivery"
	"github.com/shineum/mail-dispatch/internal/provider"
	"github.com/shineum/mail-dispatch/internal/provider/graph"
	"github.com/shineum/mail-dispatch/internal/provider/sendgrid"
	"github.com/shineum/mail-dispatch/internal/provider/ses"
	"github.com/shineum/mail-dispatch/internal/provider/smtprelay"
	"github.com/shineum/mail-dispatch/internal/provider/stdout"
	smtptls "github.com/shineum/mail-dispatch/internal/tls"
	"github.com/shineum/mail-dispatch/internal/workflow"
	"github.com/shineum/mail-dispatch/internal/workflow/store"
)

const usage = `usage: mail-dispatch [-config file] <command> [flags]

commands:
  send     send one message, or every recipient of an .eml file
  resume   resume every unfinished send recorded in the store
  serve    accept SMTP submissions and dispatch them
`

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file (optional)")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging
	setupLogger(cfg.Logging.Level)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		sig := <-sigCh
		slog.Info("received signal, stopping; unfinished sends stay resumable", "signal", sig)
		cancel()
	}()

	app, err := newApp(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "send":
		err = app.runSend(ctx, args)
	case "resume":
		err = app.runResume(ctx, args)
	case "serve":
		err = app.runServe(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		slog.Error("command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

// app holds the wired dispatch stack shared by the commands.
type app struct {
	cfg      *config.Config
	envelope *workflow.Envelope
	closers  []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	st, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	orchestrator := delivery.New(registry,
		delivery.WithLogger(slog.Default()),
		delivery.WithAttemptTimeout(cfg.Retry.AttemptTimeout),
	)
	a.envelope = workflow.New(orchestrator, st,
		workflow.WithLogger(slog.Default()),
		workflow.WithLeaseTTL(cfg.Store.LeaseTTL),
	)

	slog.Info("mail-dispatch ready",
		"primary", cfg.Routing.Primary,
		"fallback", cfg.Routing.Fallback,
		"providers", registry.Names(),
		"store", cfg.Store.Driver,
		"breaker", cfg.Breaker.Enabled,
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (workflow.Store, error) {
	switch a.cfg.Store.Driver {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.Store.RedisAddr,
			Password: a.cfg.Store.RedisPassword,
			DB:       a.cfg.Store.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", a.cfg.Store.RedisAddr, err)
		}
		a.closers = append(a.closers, client.Close)
		return store.NewRedis(client, a.cfg.Store.KeyPrefix), nil
	default:
		slog.Warn("using in-memory store; unfinished sends will not survive a restart")
		return store.NewMemory(), nil
	}
}

// Close releases store connections.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// loadConfig loads configuration from the specified path (YAML + env override)
// or from environment variables only if no path is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// setupLogger configures the global slog logger with JSON output and the
// specified log level. Logs go to stderr so command output stays on stdout.
func setupLogger(level string) {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// buildRegistry registers every provider with enough configuration to run.
// The stdout provider is always available.
func buildRegistry(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()

	register := func(adapter provider.Adapter) {
		if cfg.Breaker.Enabled {
			adapter = provider.WithBreaker(adapter, provider.BreakerConfig{
				ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
				OpenTimeout:         cfg.Breaker.OpenTimeout,
				HalfOpenRequests:    1,
			}, slog.Default())
		}
		registry.Register(adapter.Name(), adapter)
	}

	if cfg.SESConfigured() {
		p, err := ses.New(ctx, ses.SESProviderConfig{
			Region:           cfg.SES.Region,
			AccessKeyID:      cfg.SES.AccessKeyID,
			SecretAccessKey:  cfg.SES.SecretAccessKey,
			Sender:           cfg.SES.Sender,
			ConfigurationSet: cfg.SES.ConfigurationSet,
		})
		if err != nil {
			return nil, fmt.Errorf("create SES provider: %w", err)
		}
		register(p)
	}

	if cfg.SendGridConfigured() {
		register(sendgrid.New(sendgrid.SendGridProviderConfig{
			APIKey:      cfg.SendGrid.APIKey,
			Sender:      cfg.SendGrid.Sender,
			Endpoint:    cfg.SendGrid.Endpoint,
			SandboxMode: cfg.SendGrid.SandboxMode,
		}))
	}

	if cfg.GraphConfigured() {
		register(graph.New(graph.GraphProviderConfig{
			TenantID:     cfg.Graph.TenantID,
			ClientID:     cfg.Graph.ClientID,
			ClientSecret: cfg.Graph.ClientSecret,
			Sender:       cfg.Graph.Sender,
		}))
	}

	if cfg.SMTPConfigured() {
		var tlsConfig *tls.Config
		if !cfg.SMTP.TLS.Disabled {
			c, err := smtptls.ClientConfig(smtptls.ClientOptions{
				ServerName:         cfg.SMTP.Host,
				CAFile:             cfg.SMTP.TLS.CAFile,
				CertFile:           cfg.SMTP.TLS.CertFile,
				KeyFile:            cfg.SMTP.TLS.KeyFile,
				InsecureSkipVerify: cfg.SMTP.TLS.InsecureSkipVerify,
			})
			if err != nil {
				return nil, fmt.Errorf("setup SMTP relay TLS: %w", err)
			}
			tlsConfig = c
		}

		p, err := smtprelay.New(smtprelay.RelayConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Sender:   cfg.SMTP.Sender,
		}, smtprelay.WithTLSConfig(tlsConfig))
		if err != nil {
			return nil, fmt.Errorf("create SMTP relay provider: %w", err)
		}
		register(p)
	}

	register(stdout.New())

	for _, name := range []string{cfg.Routing.Primary, cfg.Routing.Fallback} {
		if name == "" {
			continue
		}
		if _, err := registry.Resolve(name); err != nil {
			slog.Warn("routed provider is not configured", "provider", name)
		}
	}

	return registry, nil
}
