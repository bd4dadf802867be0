package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/mail-dispatch/internal/email"
)

// DefaultMaxMessageSize bounds DATA when no limit is configured (10 MB).
const DefaultMaxMessageSize = 10 << 20

const (
	// idleTimeout bounds the wait for the next command and for each reply write.
	idleTimeout = 60 * time.Second

	// dataTimeout bounds reading one message body.
	dataTimeout = 5 * time.Minute

	maxRecipients = 100
)

// phase tracks how far the client is through a mail transaction.
type phase int

const (
	phaseConnected phase = iota
	phaseGreeted
	phaseMail
	phaseRcpt
)

var errAuthCancelled = errors.New("authentication cancelled")

// SessionConfig is shared by every session a server starts.
type SessionConfig struct {
	// Hostname is announced in the greeting and EHLO reply.
	Hostname string

	// Auth gates MAIL FROM when enabled. Nil disables AUTH.
	Auth *Authenticator

	// Handler receives each completed transaction.
	Handler Handler

	// TLSConfig enables STARTTLS when non-nil.
	TLSConfig *tls.Config

	// MaxMessageSize is advertised via SIZE and enforced on DATA.
	MaxMessageSize int64

	Logger *slog.Logger
}

// Session runs the ESMTP dialogue for one client connection.
type Session struct {
	cfg    SessionConfig
	conn   net.Conn
	text   *textproto.Conn
	logger *slog.Logger

	phase     phase
	authed    bool
	tlsActive bool
	tx        Transaction
}

// NewSession creates a session for conn.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	if cfg.Auth == nil {
		cfg.Auth = NewAuthenticator("", "")
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		cfg:    cfg,
		conn:   conn,
		text:   textproto.NewConn(conn),
		logger: logger.With("remote", conn.RemoteAddr().String()),
	}
}

// Serve processes commands until the client quits, the connection fails, or
// ctx is cancelled. The connection is closed on return.
func (s *Session) Serve(ctx context.Context) {
	defer s.conn.Close()

	// Unblock a pending read on shutdown. TLS conns delegate deadlines to
	// the raw conn, so this stays valid after STARTTLS.
	raw := s.conn
	stop := context.AfterFunc(ctx, func() {
		_ = raw.SetReadDeadline(time.Now())
	})
	defer stop()

	s.reply(220, "%s ESMTP mail-dispatch ready", s.cfg.Hostname)

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.logger.Error("failed to set read deadline", "error", err)
			return
		}
		if ctx.Err() != nil {
			s.reply(421, "4.3.2 %s shutting down", s.cfg.Hostname)
			return
		}

		line, err := s.text.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				s.reply(421, "4.3.2 %s shutting down", s.cfg.Hostname)
				return
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("connection read failed", "error", err)
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		verb, arg := splitCommand(line)
		if quit := s.exec(ctx, verb, arg); quit {
			return
		}
	}
}

// exec runs one command and reports whether the session should end.
func (s *Session) exec(ctx context.Context, verb, arg string) bool {
	switch verb {
	case "EHLO", "HELO":
		s.greet(verb, arg)
	case "STARTTLS":
		return s.startTLS(ctx)
	case "AUTH":
		s.authenticate(arg)
	case "MAIL":
		s.mail(arg)
	case "RCPT":
		s.rcpt(arg)
	case "DATA":
		return s.data(ctx)
	case "RSET":
		s.reset()
		s.reply(250, "2.0.0 OK")
	case "NOOP":
		s.reply(250, "2.0.0 OK")
	case "VRFY":
		s.reply(252, "2.5.0 Cannot VRFY user")
	case "QUIT":
		s.reply(221, "2.0.0 Bye")
		return true
	default:
		s.reply(500, "5.5.2 Unrecognized command")
	}
	return false
}

func (s *Session) greet(verb, arg string) {
	if arg == "" {
		s.reply(501, "5.5.4 Syntax: %s hostname", verb)
		return
	}

	s.reset()
	s.phase = phaseGreeted

	if verb == "HELO" {
		s.reply(250, "%s Hello %s", s.cfg.Hostname, arg)
		return
	}

	lines := []string{
		fmt.Sprintf("%s Hello %s", s.cfg.Hostname, arg),
		"8BITMIME",
		fmt.Sprintf("SIZE %d", s.cfg.MaxMessageSize),
	}
	if s.cfg.TLSConfig != nil && !s.tlsActive {
		lines = append(lines, "STARTTLS")
	}
	if s.cfg.Auth.Enabled() {
		lines = append(lines, "AUTH PLAIN LOGIN")
	}
	lines = append(lines, "ENHANCEDSTATUSCODES")
	s.replyLines(250, lines...)
}

func (s *Session) startTLS(ctx context.Context) bool {
	switch {
	case s.cfg.TLSConfig == nil:
		s.reply(454, "4.7.0 TLS not available")
		return false
	case s.tlsActive:
		s.reply(503, "5.5.1 TLS already active")
		return false
	}

	s.reply(220, "2.0.0 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.cfg.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.logger.Warn("TLS handshake failed", "error", err)
		return true
	}

	// The client must greet again; nothing from before the upgrade carries over.
	s.conn = tlsConn
	s.text = textproto.NewConn(tlsConn)
	s.tlsActive = true
	s.authed = false
	s.reset()
	s.phase = phaseConnected
	return false
}

func (s *Session) authenticate(arg string) {
	switch {
	case s.phase < phaseGreeted:
		s.reply(503, "5.5.1 Send EHLO/HELO first")
		return
	case !s.cfg.Auth.Enabled():
		s.reply(503, "5.5.1 AUTH not available")
		return
	case s.authed:
		s.reply(503, "5.5.1 Already authenticated")
		return
	case s.phase > phaseGreeted:
		s.reply(503, "5.5.1 AUTH not permitted during a mail transaction")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")

	var err error
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		err = s.authPlain(strings.TrimSpace(initial))
	case "LOGIN":
		err = s.authLogin(strings.TrimSpace(initial))
	default:
		s.reply(504, "5.5.4 Unrecognized authentication type")
		return
	}

	switch {
	case err == nil:
		s.authed = true
		s.reply(235, "2.7.0 Authentication successful")
	case errors.Is(err, errAuthCancelled):
		s.reply(501, "5.0.0 Authentication cancelled")
	case errors.Is(err, ErrAuthMalformed):
		s.reply(501, "5.5.2 Cannot decode response")
	case errors.Is(err, ErrAuthFailed):
		s.logger.Info("authentication failed", "mechanism", strings.ToUpper(mechanism))
		s.reply(535, "5.7.8 Authentication credentials invalid")
	default:
		s.logger.Debug("authentication exchange aborted", "error", err)
	}
}

func (s *Session) authPlain(initial string) error {
	response := initial
	if response == "" {
		var err error
		if response, err = s.challenge(""); err != nil {
			return err
		}
	}
	return s.cfg.Auth.VerifyPlain(response)
}

func (s *Session) authLogin(initial string) error {
	user := initial
	if user == "" {
		var err error
		// "Username:"
		if user, err = s.challenge("VXNlcm5hbWU6"); err != nil {
			return err
		}
	}
	// "Password:"
	pass, err := s.challenge("UGFzc3dvcmQ6")
	if err != nil {
		return err
	}
	return s.cfg.Auth.VerifyLogin(user, pass)
}

// challenge sends a 334 continuation and reads the client's response.
func (s *Session) challenge(prompt string) (string, error) {
	s.reply(334, "%s", prompt)
	line, err := s.text.ReadLine()
	if err != nil {
		return "", err
	}
	line = strings.TrimSpace(line)
	if line == "*" {
		return "", errAuthCancelled
	}
	return line, nil
}

func (s *Session) mail(arg string) {
	switch {
	case s.phase < phaseGreeted:
		s.reply(503, "5.5.1 Send EHLO/HELO first")
		return
	case s.cfg.Auth.Enabled() && !s.authed:
		s.reply(530, "5.7.0 Authentication required")
		return
	case s.phase >= phaseMail:
		s.reply(503, "5.5.1 Nested MAIL command")
		return
	}

	from, params, ok := parsePath(arg, "FROM:")
	if !ok {
		s.reply(501, "5.5.4 Syntax: MAIL FROM:<address>")
		return
	}
	if from != "" {
		normalized, err := email.NormalizeAddress(from)
		if err != nil {
			s.reply(553, "5.1.7 Bad sender address syntax")
			return
		}
		from = normalized
	}
	if size, ok := params["SIZE"]; ok {
		if n, err := strconv.ParseInt(size, 10, 64); err == nil && n > s.cfg.MaxMessageSize {
			s.reply(552, "5.3.4 Message size exceeds fixed limit")
			return
		}
	}

	s.tx = Transaction{From: from}
	s.phase = phaseMail
	s.reply(250, "2.1.0 OK")
}

func (s *Session) rcpt(arg string) {
	if s.phase < phaseMail {
		s.reply(503, "5.5.1 Send MAIL FROM first")
		return
	}

	to, _, ok := parsePath(arg, "TO:")
	if !ok || to == "" {
		s.reply(501, "5.5.4 Syntax: RCPT TO:<address>")
		return
	}
	normalized, err := email.NormalizeAddress(to)
	if err != nil {
		s.reply(553, "5.1.3 Bad recipient address syntax")
		return
	}

	if !slices.Contains(s.tx.Recipients, normalized) {
		if len(s.tx.Recipients) >= maxRecipients {
			s.reply(452, "4.5.3 Too many recipients")
			return
		}
		s.tx.Recipients = append(s.tx.Recipients, normalized)
	}
	s.phase = phaseRcpt
	s.reply(250, "2.1.5 OK")
}

// data reads the message body and hands the transaction to the handler. It
// reports whether the connection is no longer usable.
func (s *Session) data(ctx context.Context) bool {
	if s.phase < phaseRcpt {
		s.reply(503, "5.5.1 Send RCPT TO first")
		return false
	}

	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	if err := s.conn.SetReadDeadline(time.Now().Add(dataTimeout)); err != nil {
		s.logger.Error("failed to set read deadline", "error", err)
		return true
	}

	body := s.text.DotReader()
	data, err := io.ReadAll(io.LimitReader(body, s.cfg.MaxMessageSize+1))
	if err != nil {
		s.logger.Debug("failed to read message data", "error", err)
		return true
	}
	if int64(len(data)) > s.cfg.MaxMessageSize {
		if _, err := io.Copy(io.Discard, body); err != nil {
			return true
		}
		s.reset()
		s.reply(552, "5.3.4 Message size exceeds fixed limit")
		return false
	}

	tx := s.tx
	tx.Data = data
	s.reset()

	s.logger.Debug("message received",
		"from", tx.From,
		"recipients", len(tx.Recipients),
		"size", len(data),
	)

	if err := s.cfg.Handler.HandleTransaction(ctx, &tx); err != nil {
		r := replyFor(err)
		s.logger.Warn("message not accepted", "code", r.Code, "error", err)
		s.reply(r.Code, "%s %s", r.Status, r.Message)
		return false
	}

	s.reply(250, "2.0.0 OK message accepted")
	return false
}

// reset clears the current transaction but keeps greeting and auth state.
func (s *Session) reset() {
	s.tx = Transaction{}
	if s.phase > phaseGreeted {
		s.phase = phaseGreeted
	}
}

func (s *Session) reply(code int, format string, args ...any) {
	s.replyLines(code, fmt.Sprintf(format, args...))
}

// replyLines writes a single or multiline reply.
func (s *Session) replyLines(code int, lines ...string) {
	if err := s.conn.SetWriteDeadline(time.Now().Add(idleTimeout)); err != nil {
		s.logger.Debug("failed to set write deadline", "error", err)
	}
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		if err := s.text.PrintfLine("%d%s%s", code, sep, line); err != nil {
			s.logger.Debug("failed to write reply", "error", err)
			return
		}
	}
}

// splitCommand returns the upper-cased verb and the raw argument.
func splitCommand(line string) (string, string) {
	verb, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// parsePath parses "FROM:<addr> PARAM=value ..." style arguments. The
// angle-bracket form may be empty; the bare form may not.
func parsePath(arg, keyword string) (string, map[string]string, bool) {
	if len(arg) < len(keyword) || !strings.EqualFold(arg[:len(keyword)], keyword) {
		return "", nil, false
	}
	rest := strings.TrimSpace(arg[len(keyword):])

	var path string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, false
		}
		path, rest = rest[1:end], rest[end+1:]
	} else {
		path, rest, _ = strings.Cut(rest, " ")
		if path == "" {
			return "", nil, false
		}
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(rest) {
		key, value, _ := strings.Cut(field, "=")
		params[strings.ToUpper(key)] = value
	}
	return path, params, true
}
