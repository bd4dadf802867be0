// Package parser turns a composed RFC 5322 message (an .eml file) into the
// per-recipient message parameters the dispatcher sends.
package parser

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/mail-dispatch/internal/email"
)

// ErrNoRecipients is returned when a message has no To addresses.
var ErrNoRecipients = errors.New("message has no recipients")

// Message is the dispatchable content of a parsed message.
type Message struct {
	MessageID string
	To        string
	Subject   string
	TextBody  string
	HTMLBody  string
}

// Parse parses raw and returns one Params per distinct To recipient, in
// header order.
func Parse(raw []byte) ([]email.Params, error) {
	msg, err := ParseMessage(raw)
	if err != nil {
		return nil, err
	}
	recipients, err := ParseRecipients(msg.To)
	if err != nil {
		return nil, err
	}
	return msg.ParamsFor(recipients), nil
}

// ParamsFor expands the message into one Params per recipient. Recipients
// are expected to be normalized already.
func (m *Message) ParamsFor(recipients []string) []email.Params {
	out := make([]email.Params, 0, len(recipients))
	for _, rcpt := range recipients {
		p := email.Params{Recipient: rcpt, Subject: m.Subject, Body: m.TextBody}
		if m.HTMLBody != "" {
			p = p.WithHTML(m.HTMLBody)
		}
		out = append(out, p)
	}
	return out
}

// ParseMessage parses a raw RFC 5322 message. It handles plain text and HTML
// bodies, multipart/alternative and multipart/mixed containers, and base64
// or quoted-printable transfer encodings. Attachments are skipped. The To
// header is kept raw; see ParseRecipients.
func ParseMessage(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		MessageID: strings.TrimSpace(msg.Header.Get("Message-Id")),
		To:        msg.Header.Get("To"),
		Subject:   decodeHeader(msg.Header.Get("Subject")),
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		result.HTMLBody = string(body)
	case "text/plain":
		result.TextBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type", "content_type", mediaType)
		result.TextBody = string(body)
	}
	return result, nil
}

// parseMultipart walks a multipart body, keeping the first text/plain and
// text/html parts found at any depth.
func parseMultipart(body io.Reader, boundary string, result *Message) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nested, result); err != nil {
				slog.Warn("failed to parse nested multipart", "error", err)
			}
			continue
		}

		if strings.HasPrefix(part.Header.Get("Content-Disposition"), "attachment") || part.FileName() != "" {
			slog.Debug("skipping attachment",
				"content_type", mediaType,
				"filename", part.FileName(),
			)
			continue
		}

		// multipart.Reader already strips quoted-printable.
		content, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"))
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HTMLBody == "" {
				result.HTMLBody = string(content)
			}
		default:
			slog.Warn("unrecognized MIME part, skipping", "content_type", mediaType)
		}
	}
}

func decodeBody(r io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		raw, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		cleaned := strings.NewReplacer("\r", "", "\n", "", " ", "").Replace(string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 content: %w", err)
			}
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

// ParseRecipients returns the normalized, de-duplicated addresses of an
// address-list header value.
func ParseRecipients(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, ErrNoRecipients
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", email.ErrInvalidRecipient, err)
	}

	seen := make(map[string]struct{}, len(addresses))
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		normalized, err := email.NormalizeAddress(addr.Address)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

var wordDecoder = new(mime.WordDecoder)

// decodeHeader decodes RFC 2047 encoded-words, returning value unchanged if
// it cannot be decoded.
func decodeHeader(value string) string {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
