// Package smtprelay implements an Adapter that hands messages to an upstream
// SMTP relay.
package smtprelay

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Name is the registry name of the SMTP relay adapter.
const Name = "smtp"

// RelayConfig holds the configuration for creating a RelayProvider.
type RelayConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Sender   string
}

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Option configures a RelayProvider.
type Option func(*RelayProvider)

// WithDialer swaps the network dialer used to reach the relay.
func WithDialer(d Dialer) Option {
	return func(p *RelayProvider) {
		if d != nil {
			p.dialer = d
		}
	}
}

// WithTLSConfig overrides the STARTTLS configuration. A nil config disables
// STARTTLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(p *RelayProvider) {
		p.tlsConfig = cfg
	}
}

// WithClock replaces the clock used for Date headers and AcceptedAt.
func WithClock(now func() time.Time) Option {
	return func(p *RelayProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// RelayProvider delivers messages through an SMTP relay, one session per Send.
type RelayProvider struct {
	host      string
	port      int
	sender    string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	now       func() time.Time
	helloName string
}

// New creates a RelayProvider. Credentials are optional; when present they
// are offered with AUTH PLAIN if the relay advertises it.
func New(cfg RelayConfig, opts ...Option) (*RelayProvider, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp relay: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp relay: invalid port %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.Sender) == "" {
		return nil, errors.New("smtp relay: sender is required")
	}

	p := &RelayProvider{
		host:   cfg.Host,
		port:   cfg.Port,
		sender: strings.TrimSpace(cfg.Sender),
		dialer: &net.Dialer{Timeout: 30 * time.Second},
		now:    time.Now,
		tlsConfig: &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		},
		helloName: "localhost",
	}

	if strings.TrimSpace(cfg.Username) != "" {
		p.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	return p, nil
}

// Send delivers one message in a single SMTP session.
func (p *RelayProvider) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	messageID := uuid.NewString()

	message, err := p.buildMessage(params, messageID)
	if err != nil {
		return nil, provider.NewFatal(Name, "failed to build message", err)
	}

	if err := p.deliver(ctx, params.Recipient, message); err != nil {
		perr := classifySMTPError(err)
		slog.Warn("SMTP relay error",
			"provider", Name,
			"kind", perr.Kind.String(),
			"error", err,
		)
		return nil, perr
	}

	return &email.SendResponse{
		ProviderName: Name,
		MessageID:    messageID,
		AcceptedAt:   p.now(),
	}, nil
}

// Name returns the provider name.
func (p *RelayProvider) Name() string {
	return Name
}

func (p *RelayProvider) deliver(ctx context.Context, recipient string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(p.host, strconv.Itoa(p.port))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, p.host)
	if err != nil {
		return fmt.Errorf("greeting: %w", err)
	}
	defer client.Close()

	if err := client.Hello(p.helloName); err != nil {
		return fmt.Errorf("hello: %w", err)
	}

	if p.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errNoStartTLS
		}
		if err := client.StartTLS(p.tlsConfig.Clone()); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if p.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(p.auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}
		}
	}

	if err := client.Mail(p.sender); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(recipient); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := writer.Write(message); err != nil {
		_ = writer.Close()
		return fmt.Errorf("data write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("SMTP relay quit failed after acceptance", "error", err)
	}

	return nil
}

// buildMessage renders an RFC 5322 message. Both bodies produce a
// multipart/alternative message with the plain part first.
func (p *RelayProvider) buildMessage(params email.Params, messageID string) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(key, value string) {
		buf.WriteString(key)
		buf.WriteString(": ")
		buf.WriteString(value)
		buf.WriteString("\r\n")
	}

	writeHeader("From", p.sender)
	writeHeader("To", params.Recipient)
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", sanitizeHeaderValue(params.Subject)))
	writeHeader("Date", p.now().UTC().Format(time.RFC1123Z))
	writeHeader("Message-Id", fmt.Sprintf("<%s@%s>", messageID, p.helloName))
	writeHeader("MIME-Version", "1.0")

	switch {
	case params.HTMLBody != "" && params.Body != "":
		mw := multipart.NewWriter(&buf)
		writeHeader("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
		buf.WriteString("\r\n")

		for _, part := range []struct{ contentType, body string }{
			{"text/plain; charset=UTF-8", params.Body},
			{"text/html; charset=UTF-8", params.HTMLBody},
		} {
			header := textproto.MIMEHeader{}
			header.Set("Content-Type", part.contentType)
			w, err := mw.CreatePart(header)
			if err != nil {
				return nil, err
			}
			if _, err := io.WriteString(w, normalizeBody(part.body)); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	case params.HTMLBody != "":
		writeHeader("Content-Type", "text/html; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeBody(params.HTMLBody))
	default:
		writeHeader("Content-Type", "text/plain; charset=UTF-8")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeBody(params.Body))
	}

	return buf.Bytes(), nil
}

func normalizeBody(body string) string {
	normalized := strings.ReplaceAll(body, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.ReplaceAll(normalized, "\n", "\r\n")
}

func sanitizeHeaderValue(value string) string {
	clean := strings.ReplaceAll(value, "\r", " ")
	clean = strings.ReplaceAll(clean, "\n", " ")
	return strings.TrimSpace(clean)
}

// errNoStartTLS is returned when TLS is configured but the relay does not
// offer STARTTLS. The message is not sent in plaintext.
var errNoStartTLS = errors.New("relay does not support STARTTLS")

// classifySMTPError maps a relay failure. Permanent 5xx replies and a missing
// STARTTLS are fatal; transient 4xx replies and connection problems are
// retryable.
func classifySMTPError(err error) *provider.Error {
	if errors.Is(err, errNoStartTLS) {
		return provider.NewFatal(Name, errNoStartTLS.Error(), err)
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		msg := fmt.Sprintf("%d %s", tpErr.Code, strings.TrimSpace(tpErr.Msg))
		if tpErr.Code >= 500 {
			return provider.NewFatal(Name, msg, err)
		}
		return provider.NewRetryable(Name, msg, err)
	}
	return provider.Classify(Name, err)
}
