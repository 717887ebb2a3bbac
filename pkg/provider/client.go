// Package provider implements the REST client for the cloud browser
// provider: create, query, and release remote sessions.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shrey150/stagehand-jobs/pkg/core"
)

// DefaultBaseURL is the provider's public API endpoint.
const DefaultBaseURL = "https://api.browserbase.com"

// RemoteSession is the provider's view of a browser session.
type RemoteSession struct {
	ID         string             `json:"id"`
	Status     core.SessionStatus `json:"status"`
	ConnectURL string             `json:"connectUrl"`
	DebugURL   string             `json:"seleniumRemoteUrl,omitempty"`
	Region     string             `json:"region,omitempty"`
	ExpiresAt  *time.Time         `json:"expiresAt,omitempty"`
	Usage      core.SessionUsage  `json:"usage,omitempty"`
}

// API is the surface the session registry consumes. Tests substitute fakes.
type API interface {
	CreateSession(ctx context.Context, creds core.Credentials, opts core.SessionOptions) (*RemoteSession, error)
	GetSession(ctx context.Context, creds core.Credentials, sessionID string) (*RemoteSession, error)
	ReleaseSession(ctx context.Context, creds core.Credentials, sessionID string) (*RemoteSession, error)
}

// Client talks to the provider's REST API. Credentials are passed per call,
// never held on the client, so one client serves every tenant.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL overrides the provider endpoint (used against test servers).
func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a provider client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type createSessionRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	Region    string `json:"region,omitempty"`
	Timeout   int    `json:"timeout,omitempty"`
	KeepAlive bool   `json:"keepAlive,omitempty"`
	Proxies   bool   `json:"proxies,omitempty"`
}

type releaseSessionRequest struct {
	ProjectID string `json:"projectId,omitempty"`
	Status    string `json:"status"`
}

// CreateSession provisions a new remote browser session.
func (c *Client) CreateSession(ctx context.Context, creds core.Credentials, opts core.SessionOptions) (*RemoteSession, error) {
	body := createSessionRequest{
		ProjectID: creds.ProjectID,
		Region:    opts.Region,
		Timeout:   opts.TimeoutSeconds,
		KeepAlive: opts.KeepAlive,
		Proxies:   opts.Proxy,
	}
	return c.do(ctx, creds, http.MethodPost, "/v1/sessions", body)
}

// GetSession polls the provider for current status and metrics.
func (c *Client) GetSession(ctx context.Context, creds core.Credentials, sessionID string) (*RemoteSession, error) {
	return c.do(ctx, creds, http.MethodGet, "/v1/sessions/"+sessionID, nil)
}

// ReleaseSession asks the provider to end the session.
func (c *Client) ReleaseSession(ctx context.Context, creds core.Credentials, sessionID string) (*RemoteSession, error) {
	body := releaseSessionRequest{
		ProjectID: creds.ProjectID,
		Status:    "REQUEST_RELEASE",
	}
	return c.do(ctx, creds, http.MethodPost, "/v1/sessions/"+sessionID, body)
}

func (c *Client) do(ctx context.Context, creds core.Credentials, method, path string, body any) (*RemoteSession, error) {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("provider: error marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("provider: error creating request: %w", err)
	}
	req.Header.Set("X-BB-API-Key", creds.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("provider: error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &core.ProviderError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var session RemoteSession
	if err := json.Unmarshal(respBody, &session); err != nil {
		return nil, fmt.Errorf("provider: error unmarshaling response: %w", err)
	}
	return &session, nil
}
