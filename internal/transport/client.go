package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Teo-Te/niv-task/internal/payload"
)

// maxErrorBody caps how much of an error response is kept in messages
const maxErrorBody = 512

// Client sends envelopes to the remote reconstruction endpoint.
// It performs exactly one attempt per Send; retry policy belongs to the caller.
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	failuresByKind  map[ErrorKind]uint64
	avgResponseTime time.Duration
	lastError       string

	mu sync.RWMutex
}

// Config contains transport client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
}

// Request is the body posted to the reconstruction endpoint
type Request struct {
	EncodedData []*payload.Envelope `json:"encoded_data"`
	SampleRate  int                 `json:"sample_rate"`
	Channels    int                 `json:"channels"`
}

// Result is a successful reconstruction response
type Result struct {
	Message     string `json:"message"`
	DownloadURL string `json:"download_url,omitempty"`
	Status      string `json:"status,omitempty"`
	Filename    string `json:"filename,omitempty"`
	TotalChunks int    `json:"total_chunks,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64            `json:"total_requests"`
	SuccessRequests uint64            `json:"success_requests"`
	FailedRequests  uint64            `json:"failed_requests"`
	SuccessRate     float64           `json:"success_rate"`
	FailuresByKind  map[string]uint64 `json:"failures_by_kind"`
	AvgResponseTime time.Duration     `json:"avg_response_time"`
	ActiveRequests  int               `json:"active_requests"`
	LastError       string            `json:"last_error,omitempty"`
}

// NewClient creates a new transport client
func NewClient(config Config) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		// Carries the request's trace context to the reconstruction endpoint
		Transport: otelhttp.NewTransport(&http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}),
	}

	return &Client{
		config:         config,
		httpClient:     httpClient,
		semaphore:      make(chan struct{}, config.MaxConcurrent),
		failuresByKind: make(map[ErrorKind]uint64),
	}, nil
}

// Endpoint returns the reconstruction endpoint URL
func (c *Client) Endpoint() string {
	return c.config.Endpoint
}

// Send posts one envelope and waits for the reconstruction response.
// Every failure is returned as *Error.
func (c *Client) Send(ctx context.Context, env *payload.Envelope) (*Result, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	// Never transmit a malformed envelope
	if err := env.Validate(); err != nil {
		return nil, err
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, &Error{Kind: classify(ctx, ctx.Err()), Err: ctx.Err()}
	}

	startTime := time.Now()
	c.incrementTotalRequests()

	result, err := c.doRequest(ctx, env)
	if err != nil {
		var terr *Error
		if errors.As(err, &terr) {
			c.recordFailure(terr)
		}
		return nil, err
	}

	c.recordSuccess(time.Since(startTime))
	return result, nil
}

// doRequest performs a single HTTP request to the reconstruction endpoint
func (c *Client) doRequest(ctx context.Context, env *payload.Envelope) (*Result, error) {
	body, err := json.Marshal(Request{
		EncodedData: []*payload.Envelope{env},
		SampleRate:  env.SampleRate,
		Channels:    env.Channels,
	})
	if err != nil {
		return nil, &Error{Kind: KindMalformed, Err: fmt.Errorf("failed to marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "niv-encoder/1.0")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: classify(ctx, err), Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Kind: classify(ctx, err), StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{
			Kind:       KindStatus,
			StatusCode: resp.StatusCode,
			Err:        errors.New(errorMessage(respBody)),
		}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: fmt.Errorf("failed to parse response JSON: %w", err)}
	}

	if result.Message == "" && result.DownloadURL == "" {
		return nil, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: errors.New("response has neither message nor download_url")}
	}

	return &result, nil
}

// classify maps a client error to timeout or unreachable
func classify(ctx context.Context, err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return KindTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	return KindUnreachable
}

// errorMessage extracts a readable message from an error body.
// Bodies shaped {"detail": ...} or {"error": ...} are unwrapped.
func errorMessage(body []byte) string {
	var parsed struct {
		Detail interface{} `json:"detail"`
		Error  string      `json:"error"`
	}

	if err := json.Unmarshal(body, &parsed); err == nil {
		switch d := parsed.Detail.(type) {
		case string:
			if d != "" {
				return d
			}
		case nil:
		default:
			if raw, err := json.Marshal(d); err == nil {
				return string(raw)
			}
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody] + "..."
	}
	if msg == "" {
		msg = "empty response body"
	}
	return msg
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) recordSuccess(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successRequests++

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

func (c *Client) recordFailure(err *Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failedRequests++
	c.failuresByKind[err.Kind]++
	c.lastError = err.Error()
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	byKind := make(map[string]uint64, len(c.failuresByKind))
	for kind, n := range c.failuresByKind {
		byKind[string(kind)] = n
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		FailuresByKind:  byKind,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
		LastError:       c.lastError,
	}
}

// Close waits for in-flight requests and releases idle connections
func (c *Client) Close() error {
	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	c.httpClient.CloseIdleConnections()
	return nil
}
