package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"

	"github.com/shineum/mail-dispatch/internal/smtp"
	smtptls "github.com/shineum/mail-dispatch/internal/tls"
)

// runServe accepts SMTP submissions and dispatches every RCPT TO recipient
// through the retry envelope until ctx is cancelled.
func (a *app) runServe(ctx context.Context, args []string) error {
	l := a.cfg.Listener

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", l.Addr, "listen address")
	primary := fs.String("primary", a.cfg.Routing.Primary, "primary provider")
	fallback := fs.String("fallback", a.cfg.Routing.Fallback, "fallback provider")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var tlsConfig *tls.Config
	if !l.TLSDisabled {
		c, err := smtptls.ServerConfig(smtptls.ServerOptions{
			CertFile: l.TLSCertFile,
			KeyFile:  l.TLSKeyFile,
			Hostname: l.Hostname,
		})
		if err != nil {
			return fmt.Errorf("setup listener TLS: %w", err)
		}
		tlsConfig = c
	}

	dispatcher := smtp.NewDispatcher(a.envelope, smtp.DispatcherConfig{
		Primary:     *primary,
		Fallback:    *fallback,
		Policy:      a.cfg.RetryPolicy(),
		Concurrency: l.Concurrency,
	}, slog.Default())

	srv := smtp.New(smtp.ServerConfig{
		ListenAddr:     *addr,
		Hostname:       l.Hostname,
		Handler:        dispatcher,
		TLSConfig:      tlsConfig,
		AuthUsername:   l.Username,
		AuthPassword:   l.Password,
		MaxMessageSize: l.MaxMessageSize,
		MaxConnections: l.MaxConnections,
		Logger:         slog.Default(),
	})

	return srv.ListenAndServe(ctx)
}
