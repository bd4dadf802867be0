package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// refreshMargin is how long before expiry a cached token is replaced.
	// Short-lived tokens are replaced at half their lifetime instead.
	refreshMargin = 5 * time.Minute

	maxTokenResponse = 1 << 20
)

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// tokenSource fetches OAuth2 client-credentials tokens and caches them until
// shortly before expiry. Concurrent callers share a single refresh request.
type tokenSource struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu      sync.RWMutex
	current cachedToken

	refresh singleflight.Group
}

// tokenError is returned when the token endpoint rejects the request.
type tokenError struct {
	statusCode int
	code       string
	detail     string
}

func (e *tokenError) Error() string {
	if e.code != "" {
		return fmt.Sprintf("token endpoint returned %d (%s): %s", e.statusCode, e.code, e.detail)
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.statusCode, e.detail)
}

func newTokenSource(endpoint, clientID, clientSecret string, client *http.Client) *tokenSource {
	return &tokenSource{
		endpoint: endpoint,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: client,
		now:    time.Now,
	}
}

// Token returns a cached token or fetches a new one. A caller whose ctx ends
// stops waiting, but a refresh already in flight completes for the others.
func (ts *tokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}

	ch := ts.refresh.DoChan("token", func() (any, error) {
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		return ts.fetch(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached token. Used after the API answers 401.
func (ts *tokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.current = cachedToken{}
}

func (ts *tokenSource) cached() (string, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	if ts.current.value == "" || !ts.now().Before(ts.current.expiresAt) {
		return "", false
	}
	return ts.current.value, true
}

func (ts *tokenSource) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, strings.NewReader(ts.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		te := &tokenError{statusCode: resp.StatusCode, detail: string(body)}
		var oauthErr oauthErrorResponse
		if json.Unmarshal(body, &oauthErr) == nil && oauthErr.Error != "" {
			te.code = oauthErr.Error
			te.detail = oauthErr.Description
		}
		return "", te
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	margin := refreshMargin
	if lifetime < 2*margin {
		margin = lifetime / 2
	}

	ts.mu.Lock()
	ts.current = cachedToken{value: tr.AccessToken, expiresAt: ts.now().Add(lifetime - margin)}
	ts.mu.Unlock()

	return tr.AccessToken, nil
}
