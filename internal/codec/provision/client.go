// Package provision talks to the model provisioning service, which reports
// whether the encoder artifact exists and converts it on demand.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config contains provisioning client configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration // applies to status probes; Convert is bounded by its context
}

// Client implements codec.Provisioner over HTTP
type Client struct {
	config       Config
	statusClient *http.Client
	// conversion can take minutes, so only the caller's context bounds it
	convertClient *http.Client
}

// StatusResponse is returned by GET {base}/status
type StatusResponse struct {
	Available bool   `json:"available"`
	Model     string `json:"model,omitempty"`
}

// ConvertResponse is returned by POST {base}/convert
type ConvertResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewClient creates a provisioning client
func NewClient(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("provision URL cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config:        config,
		statusClient:  &http.Client{Timeout: config.Timeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		convertClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}, nil
}

// Status reports whether the encoder artifact is available
func (c *Client) Status(ctx context.Context) (bool, error) {
	var status StatusResponse
	if err := c.do(ctx, c.statusClient, http.MethodGet, "/status", &status); err != nil {
		return false, err
	}
	return status.Available, nil
}

// Convert triggers conversion and waits for it to complete
func (c *Client) Convert(ctx context.Context) error {
	var result ConvertResponse
	if err := c.do(ctx, c.convertClient, http.MethodPost, "/convert", &result); err != nil {
		return err
	}

	if !result.Success {
		if result.Error != "" {
			return fmt.Errorf("conversion failed: %s", result.Error)
		}
		return fmt.Errorf("conversion failed")
	}

	return nil
}

func (c *Client) do(ctx context.Context, client *http.Client, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "niv-encoder/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}

	return nil
}
