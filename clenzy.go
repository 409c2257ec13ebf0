// Package clenzy is the Go client for the Clenzy PMS platform: the REST API,
// the STOMP realtime channel, and a query cache kept consistent with both.
//
// Example:
//
//	auth := clenzy.NewAuthStore(clenzy.Identity{UserID: "kc-42", AccessToken: token})
//	session := clenzy.NewSession(auth, clenzy.SessionConfig{})
//	session.Start(auth.Current())
//	defer session.Close()
//
//	// Optimistic: the cached status flips before the request returns.
//	err := session.Locks.Lock(ctx, 3)
//
//	// Cached queries, kept fresh by realtime events.
//	threads, _ := session.Contact.Threads(ctx)
package clenzy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
	Local      Environment = "local"
)

var environments = map[Environment]string{
	Production: "https://app.clenzy.fr",
	Staging:    "https://staging.clenzy.fr",
	Local:      "http://localhost:8084",
}

// BaseURLFor returns the API base URL of env.
func BaseURLFor(env Environment) (string, bool) {
	u, ok := environments[env]
	return u, ok
}

const (
	DefaultBaseURL = "https://app.clenzy.fr"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client calls the Clenzy REST API with the identity held by an AuthStore.
type Client struct {
	auth       *AuthStore
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	Contact       *ContactClient
	Conversations *ConversationsClient
	Notifications *NotificationsClient
	Preferences   *PreferencesClient
	SmartLocks    *SmartLocksClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a REST client. A nil auth sends unauthenticated requests.
func NewClient(auth *AuthStore, opts ...ClientOption) *Client {
	if auth == nil {
		auth = NewAuthStore(Identity{})
	}
	c := &Client{
		auth:    auth,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Contact = &ContactClient{client: c}
	c.Conversations = &ConversationsClient{client: c}
	c.Notifications = &NotificationsClient{client: c}
	c.Preferences = &PreferencesClient{client: c}
	c.SmartLocks = &SmartLocksClient{client: c}
	return c
}

// BaseURL returns the API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Auth returns the identity store the client reads its token from.
func (c *Client) Auth() *AuthStore { return c.auth }

// Health checks that the API is reachable.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodGet, "/api/health", nil, nil)
	return err
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.auth.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.logger.Debug("api request", "method", method, "path", path, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newAPIError(resp.StatusCode, data)
	}
	return data, nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{}
	if len(body) > 0 {
		_ = json.Unmarshal(body, apiErr)
		if apiErr.Message == "" && !json.Valid(body) {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	apiErr.StatusCode = status
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// fetchJSON issues a request and decodes the response body into T.
func fetchJSON[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T
	data, err := c.doRequest(ctx, method, path, body, nil)
	if err != nil {
		return zero, err
	}
	v, err := decodeJSON[T](data)
	if err != nil {
		return zero, err
	}
	return *v, nil
}
