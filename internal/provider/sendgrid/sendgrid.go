// Package sendgrid implements an Adapter that sends emails via the SendGrid
// v3 Mail Send API.
package sendgrid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Name is the registry name of the SendGrid adapter.
const Name = "sendgrid"

// DefaultEndpoint is the SendGrid v3 API base URL.
const DefaultEndpoint = "https://api.sendgrid.com"

// SendGridProviderConfig holds the configuration for creating a SendGridProvider.
type SendGridProviderConfig struct {
	APIKey   string
	Sender   string
	Endpoint string

	// SandboxMode validates requests without delivering them.
	SandboxMode bool
}

// SendGridProvider sends emails via the SendGrid HTTP API.
type SendGridProvider struct {
	apiKey      string
	sender      string
	sendURL     string
	sandboxMode bool
	httpClient  *http.Client
	now         func() time.Time
}

// New creates a new SendGridProvider with the given configuration.
func New(cfg SendGridProviderConfig) *SendGridProvider {
	return NewWithClient(cfg, &http.Client{Timeout: 30 * time.Second})
}

// NewWithClient creates a SendGridProvider with a custom HTTP client.
func NewWithClient(cfg SendGridProviderConfig, client *http.Client) *SendGridProvider {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &SendGridProvider{
		apiKey:      cfg.APIKey,
		sender:      cfg.Sender,
		sendURL:     strings.TrimRight(endpoint, "/") + "/v3/mail/send",
		sandboxMode: cfg.SandboxMode,
		httpClient:  client,
		now:         time.Now,
	}
}

type mailSendRequest struct {
	Personalizations []personalization `json:"personalizations"`
	From             address           `json:"from"`
	Subject          string            `json:"subject"`
	Content          []content         `json:"content"`
	MailSettings     *mailSettings     `json:"mail_settings,omitempty"`
}

type personalization struct {
	To []address `json:"to"`
}

type address struct {
	Email string `json:"email"`
}

type content struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailSettings struct {
	SandboxMode enableSetting `json:"sandbox_mode"`
}

type enableSetting struct {
	Enable bool `json:"enable"`
}

type errorResponse struct {
	Errors []struct {
		Message string `json:"message"`
		Field   string `json:"field"`
	} `json:"errors"`
}

// buildRequest converts email.Params into a Mail Send body. SendGrid requires
// text/plain to precede text/html.
func buildRequest(sender string, params email.Params, sandbox bool) *mailSendRequest {
	req := &mailSendRequest{
		Personalizations: []personalization{{To: []address{{Email: params.Recipient}}}},
		From:             address{Email: sender},
		Subject:          params.Subject,
	}
	if params.Body != "" || params.HTMLBody == "" {
		req.Content = append(req.Content, content{Type: "text/plain", Value: params.Body})
	}
	if params.HTMLBody != "" {
		req.Content = append(req.Content, content{Type: "text/html", Value: params.HTMLBody})
	}
	if sandbox {
		req.MailSettings = &mailSettings{SandboxMode: enableSetting{Enable: true}}
	}
	return req
}

// Send delivers one message with a single Mail Send request.
func (s *SendGridProvider) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	bodyJSON, err := json.Marshal(buildRequest(s.sender, params, s.sandboxMode))
	if err != nil {
		return nil, provider.NewFatal(Name, "failed to marshal request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.sendURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, provider.NewFatal(Name, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		messageID := resp.Header.Get("X-Message-Id")
		if messageID == "" {
			messageID = uuid.NewString()
		}
		return &email.SendResponse{
			ProviderName: Name,
			MessageID:    messageID,
			AcceptedAt:   s.now(),
		}, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	perr := classifyResponse(resp.StatusCode, errorMessage(body), resp.Header.Get("Retry-After"))
	slog.Warn("SendGrid API error",
		"provider", Name,
		"status", resp.StatusCode,
		"kind", perr.Kind.String(),
	)
	return nil, perr
}

// Name returns the provider name.
func (s *SendGridProvider) Name() string {
	return Name
}

func errorMessage(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && len(er.Errors) > 0 {
		msgs := make([]string, 0, len(er.Errors))
		for _, e := range er.Errors {
			msgs = append(msgs, e.Message)
		}
		return strings.Join(msgs, "; ")
	}
	return strings.TrimSpace(string(body))
}

// classifyResponse maps a non-2xx status to a provider error. Throttling and
// server faults are retryable; every other rejection is fatal.
func classifyResponse(statusCode int, message, retryAfter string) *provider.Error {
	detail := fmt.Sprintf("HTTP %d: %s", statusCode, message)
	cause := fmt.Errorf("sendgrid API error (HTTP %d)", statusCode)

	var perr *provider.Error
	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode == http.StatusRequestTimeout,
		statusCode >= 500:
		perr = provider.NewRetryable(Name, detail, cause)
	default:
		perr = provider.NewFatal(Name, detail, cause)
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		perr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return perr
}
