package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// shutdownTimeout is the maximum time to wait for in-flight sessions during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// DefaultMaxConnections bounds concurrent sessions when none is configured.
const DefaultMaxConnections = 100

// ServerConfig holds the configuration for the submission listener.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is announced in greetings.
	Hostname string

	// Handler receives every accepted transaction.
	Handler Handler

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword enable SMTP AUTH when both are set.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize defaults to DefaultMaxMessageSize.
	MaxMessageSize int64

	// MaxConnections defaults to DefaultMaxConnections. Clients beyond the
	// limit are answered 421 and disconnected.
	MaxConnections int

	Logger *slog.Logger
}

// Server accepts SMTP submissions and hands them to a Handler.
type Server struct {
	config  ServerConfig
	session SessionConfig
	slots   *semaphore.Weighted
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight sessions for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a Server.
func New(cfg ServerConfig) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		config: cfg,
		session: SessionConfig{
			Hostname:       cfg.Hostname,
			Auth:           NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
			Handler:        cfg.Handler,
			TLSConfig:      cfg.TLSConfig,
			MaxMessageSize: cfg.MaxMessageSize,
			Logger:         logger,
		},
		slots:  semaphore.NewWeighted(int64(cfg.MaxConnections)),
		logger: logger,
	}
}

// ListenAndServe listens on ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then stops
// accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.logger.Info("SMTP submission listener started",
		"addr", ln.Addr().String(),
		"auth_enabled", s.session.Auth.Enabled(),
		"tls_enabled", s.config.TLSConfig != nil,
		"max_connections", s.config.MaxConnections,
	)

	stop := context.AfterFunc(ctx, func() {
		s.logger.Info("shutting down SMTP submission listener")
		ln.Close()
	})
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.waitForSessions()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", "error", err)
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.refuse(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.Release(1)
			NewSession(conn, s.session).Serve(ctx)
		}()
	}
}

// refuse answers a connection over the limit and closes it.
func (s *Server) refuse(conn net.Conn) {
	s.logger.Warn("connection limit reached, refusing client", "remote", conn.RemoteAddr().String())
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write([]byte("421 4.7.0 " + s.config.Hostname + " too many connections, try again later\r\n"))
	conn.Close()
}

// waitForSessions waits for in-flight sessions, giving up after
// shutdownTimeout.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		s.logger.Warn("shutdown timeout reached, abandoning sessions")
	}
}

// Addr returns the listener address, or an empty string before Serve.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
