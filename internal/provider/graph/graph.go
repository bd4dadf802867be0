package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/mail-dispatch/internal/email"
	"github.com/shineum/mail-dispatch/internal/provider"
)

// Name is the registry name of the Graph adapter.
const Name = "graph"

// GraphProviderConfig holds the configuration for creating a GraphProvider.
type GraphProviderConfig struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// GraphProvider sends emails via the Microsoft Graph API using OAuth2
// client credentials authentication.
type GraphProvider struct {
	sender     string
	graphURL   string
	httpClient *http.Client
	token      *tokenSource
	now        func() time.Time
}

// New creates a new GraphProvider with the given configuration.
func New(cfg GraphProviderConfig) *GraphProvider {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		cfg.TenantID,
	)

	client := &http.Client{Timeout: 30 * time.Second}

	return newWithOverrides(
		cfg,
		fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", cfg.Sender),
		tokenURL,
		client,
	)
}

// newWithOverrides creates a GraphProvider with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg GraphProviderConfig, graphURL, tokenURL string, client *http.Client) *GraphProvider {
	return &GraphProvider{
		sender:     cfg.Sender,
		graphURL:   graphURL,
		httpClient: client,
		token:      newTokenSource(tokenURL, cfg.ClientID, cfg.ClientSecret, client),
		now:        time.Now,
	}
}

// Send delivers one message via the Microsoft Graph API with a single
// sendMail request. A 401 invalidates the cached token so the next attempt
// acquires a fresh one.
func (g *GraphProvider) Send(ctx context.Context, params email.Params) (*email.SendResponse, error) {
	bodyJSON, err := json.Marshal(newSendMailRequest(params))
	if err != nil {
		return nil, provider.NewFatal(Name, "failed to marshal request body", err)
	}

	token, err := g.token.Token(ctx)
	if err != nil {
		return nil, classifyTokenError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.graphURL, bytes.NewReader(bodyJSON))
	if err != nil {
		return nil, provider.NewFatal(Name, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, provider.Classify(Name, err)
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		messageID := resp.Header.Get("request-id")
		if messageID == "" {
			messageID = uuid.NewString()
		}
		return &email.SendResponse{
			ProviderName: Name,
			MessageID:    messageID,
			AcceptedAt:   g.now(),
		}, nil
	}

	body, _ := io.ReadAll(resp.Body)
	message := string(body)
	var graphErrResp graphErrorResponse
	if jsonErr := json.Unmarshal(body, &graphErrResp); jsonErr == nil && graphErrResp.Error.Message != "" {
		message = graphErrResp.Error.Message
	}

	if resp.StatusCode == http.StatusUnauthorized {
		slog.Info("invalidating Graph API token after 401")
		g.token.Invalidate()
	}

	perr := classifyError(resp.StatusCode, message, resp.Header.Get("Retry-After"))
	slog.Warn("Graph API error",
		"provider", Name,
		"status", resp.StatusCode,
		"kind", perr.Kind.String(),
	)
	return nil, perr
}

// Name returns the provider name.
func (g *GraphProvider) Name() string {
	return Name
}

// classifyError categorizes an HTTP error response.
func classifyError(statusCode int, message, retryAfter string) *provider.Error {
	detail := fmt.Sprintf("HTTP %d: %s", statusCode, message)
	cause := fmt.Errorf("graph API error (HTTP %d)", statusCode)

	var perr *provider.Error
	switch {
	case statusCode == http.StatusUnauthorized:
		perr = provider.NewRetryable(Name, detail, cause)
	case statusCode == http.StatusTooManyRequests:
		perr = provider.NewRetryable(Name, detail, cause)
	case statusCode == http.StatusRequestTimeout:
		perr = provider.NewRetryable(Name, detail, cause)
	case statusCode >= 500:
		perr = provider.NewRetryable(Name, detail, cause)
	default:
		perr = provider.NewFatal(Name, detail, cause)
	}
	perr.RetryAfter = parseRetryAfter(retryAfter)
	return perr
}

// classifyTokenError maps a token acquisition failure. Rejected credentials
// are fatal; an unreachable or failing identity endpoint is retryable.
func classifyTokenError(err error) *provider.Error {
	var te *tokenError
	if errors.As(err, &te) && te.statusCode >= 400 && te.statusCode < 500 && te.statusCode != http.StatusTooManyRequests {
		return provider.NewFatal(Name, "token acquisition rejected", err)
	}
	if provider.IsTimeout(err) {
		return provider.NewRetryable(Name, "timeout", err)
	}
	return provider.NewRetryable(Name, "token acquisition failed", err)
}

// parseRetryAfter parses a Retry-After header given in seconds.
func parseRetryAfter(retryAfter string) time.Duration {
	if retryAfter == "" {
		return 0
	}
	seconds, err := strconv.Atoi(retryAfter)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
