// Package httputil provides the HTTP client used to talk to the session
// bundle server.
package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Velora-App/ota_layer/internal/app/domain/bundle"
)

// ErrSessionNotFound reports a manifest poll that hit a 404: the session no
// longer exists on the server.
var ErrSessionNotFound = errors.New("session not found")

// Client fetches bundle manifests and bundle source from a session server.
type Client struct {
	httpClient *http.Client
	authToken  string
	maxRetries int
	maxBytes   int64
}

// ClientConfig configures the bundle client.
type ClientConfig struct {
	Timeout    time.Duration
	AuthToken  string
	MaxRetries int
	// MaxBundleBytes caps the accepted bundle body size.
	MaxBundleBytes int64
}

// NewClient creates a bundle client with sane defaults.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	maxBytes := cfg.MaxBundleBytes
	if maxBytes == 0 {
		maxBytes = 10 << 20
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		authToken:  cfg.AuthToken,
		maxRetries: maxRetries,
		maxBytes:   maxBytes,
	}
}

// manifestEnvelope is the wire shape of the manifest endpoint.
type manifestEnvelope struct {
	Success bool           `json:"success"`
	Bundle  *bundle.Record `json:"bundle,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// FetchManifest polls the session's bundle manifest. A nil record with nil
// error means the session currently has no bundle for the platform.
// ErrSessionNotFound is returned for 404 responses so callers can stop
// polling the session for good.
func (c *Client) FetchManifest(ctx context.Context, serverURL, sessionID, platform string) (*bundle.Record, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}

	endpoint := strings.TrimRight(serverURL, "/") + "/api/sessions/" + url.PathEscape(sessionID) + "/bundle"
	if platform != "" {
		endpoint += "?platform=" + url.QueryEscape(platform)
	}

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusNotFound {
		drain(resp)
		return nil, ErrSessionNotFound
	}

	var envelope manifestEnvelope
	if err := DecodeResponse(resp, &envelope); err != nil {
		return nil, fmt.Errorf("manifest request: %w", err)
	}
	if !envelope.Success {
		if envelope.Error != "" {
			return nil, fmt.Errorf("manifest request rejected: %s", envelope.Error)
		}
		return nil, fmt.Errorf("manifest request rejected by server")
	}
	return envelope.Bundle, nil
}

// FetchBundle downloads bundle source text. bundleURL may be absolute or
// relative to serverURL.
func (c *Client) FetchBundle(ctx context.Context, serverURL, bundleURL string) ([]byte, error) {
	if bundleURL == "" {
		return nil, fmt.Errorf("bundle url is required")
	}
	endpoint := resolveURL(serverURL, bundleURL)

	resp, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, truncated, readErr := ReadAllWithLimit(resp.Body, 4<<10)
		if readErr != nil {
			return nil, fmt.Errorf("bundle fetch failed with status %d", resp.StatusCode)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return nil, fmt.Errorf("bundle fetch failed with status %d: %s", resp.StatusCode, msg)
	}

	data, err := ReadAllStrict(resp.Body, c.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("read bundle body: %w", err)
	}
	return data, nil
}

// get issues a GET with auth headers, retrying transient upstream failures.
func (c *Client) get(ctx context.Context, endpoint string) (*http.Response, error) {
	var resp *http.Response
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err = c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		if !isTransientStatus(resp.StatusCode) || attempt >= c.maxRetries {
			return resp, nil
		}
		drain(resp)
	}
}

func isTransientStatus(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func resolveURL(serverURL, bundleURL string) string {
	if strings.HasPrefix(bundleURL, "http://") || strings.HasPrefix(bundleURL, "https://") {
		return bundleURL
	}
	base := strings.TrimRight(serverURL, "/")
	if !strings.HasPrefix(bundleURL, "/") {
		bundleURL = "/" + bundleURL
	}
	return base + bundleURL
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// DecodeResponse decodes a JSON response into the target struct.
func DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, truncated, err := ReadAllWithLimit(resp.Body, 64<<10)
		if err != nil {
			return fmt.Errorf("read error response body: %w", err)
		}
		msg := strings.TrimSpace(string(body))
		if truncated {
			msg += "...(truncated)"
		}
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}

	if target == nil {
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<20)); err != nil {
			return fmt.Errorf("discard response body: %w", err)
		}
		return nil
	}

	body, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
