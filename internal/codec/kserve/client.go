// Package kserve implements codec.Model over the Open Inference (KServe v2)
// HTTP protocol, as served by Triton, KServe and compatible runtimes.
package kserve

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Teo-Te/niv-task/internal/codec"
	"github.com/Teo-Te/niv-task/internal/observe"
)

// Tensor names exchanged with the encoder model
const (
	InputAudio      = "audio"
	OutputCodes     = "codes"
	OutputScale     = "scale"
	OutputNQ        = "n_q"
	OutputChannels  = "channels"
	OutputTimeSteps = "time_steps"
)

// Config contains model runtime client configuration
type Config struct {
	BaseURL   string
	ModelName string
	APIKey    string
	Timeout   time.Duration

	// Metrics records inference calls when set
	Metrics *observe.ModelMetrics
}

// Client is a codec.Model backed by a remote inference runtime
type Client struct {
	config     Config
	httpClient *http.Client
	inferURL   string
	readyURL   string
}

// Tensor is one named input or output of an inference request
type Tensor struct {
	Name     string    `json:"name"`
	Shape    []int     `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float64 `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

// InferRequest is the v2 inference request body
type InferRequest struct {
	ID      string            `json:"id,omitempty"`
	Inputs  []Tensor          `json:"inputs"`
	Outputs []requestedOutput `json:"outputs,omitempty"`
}

// InferResponse is the v2 inference response body
type InferResponse struct {
	ModelName string   `json:"model_name"`
	ID        string   `json:"id,omitempty"`
	Outputs   []Tensor `json:"outputs"`
	Error     string   `json:"error,omitempty"`
}

// New creates a runtime client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("runtime URL cannot be empty")
	}

	if config.ModelName == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid runtime URL: %w", err)
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	base := strings.TrimRight(config.BaseURL, "/") + "/v2/models/" + url.PathEscape(config.ModelName)

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
			Transport: otelhttp.NewTransport(&http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			}),
		},
		inferURL: base + "/infer",
		readyURL: base + "/ready",
	}, nil
}

// Opener returns a codec.Opener that creates a client for config
func Opener(config Config) codec.Opener {
	return func(ctx context.Context) (codec.Model, error) {
		return New(config)
	}
}

// Ready probes the runtime's model readiness endpoint
func (c *Client) Ready(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.readyURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("readiness probe failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model %s not ready: HTTP %d", c.config.ModelName, resp.StatusCode)
	}

	return nil
}

// Encode runs one frame through the encoder as an FP32 [1, 1, F] tensor
func (c *Client) Encode(ctx context.Context, samples []float32) (*codec.Output, error) {
	startTime := time.Now()
	out, err := c.infer(ctx, samples)
	c.config.Metrics.RecordInfer(ctx, c.config.ModelName, len(samples), time.Since(startTime), err)
	return out, err
}

func (c *Client) infer(ctx context.Context, samples []float32) (*codec.Output, error) {
	data := make([]float64, len(samples))
	for i, s := range samples {
		data[i] = float64(s)
	}

	request := InferRequest{
		Inputs: []Tensor{{
			Name:     InputAudio,
			Shape:    []int{1, 1, len(samples)},
			Datatype: "FP32",
			Data:     data,
		}},
		Outputs: []requestedOutput{
			{Name: OutputCodes},
			{Name: OutputScale},
			{Name: OutputNQ},
			{Name: OutputChannels},
			{Name: OutputTimeSteps},
		},
	}

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.inferURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var inferResp InferResponse
	if err := json.Unmarshal(respBody, &inferResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK || inferResp.Error != "" {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, inferResp.Error)
	}

	return parseOutputs(inferResp.Outputs)
}

// parseOutputs maps named output tensors onto a codec.Output
func parseOutputs(tensors []Tensor) (*codec.Output, error) {
	byName := make(map[string]*Tensor, len(tensors))
	for i := range tensors {
		byName[tensors[i].Name] = &tensors[i]
	}

	scalar := func(name string) (float64, error) {
		t, ok := byName[name]
		if !ok {
			return 0, fmt.Errorf("missing output %q", name)
		}
		if len(t.Data) != 1 {
			return 0, fmt.Errorf("output %q: expected scalar, got %d values", name, len(t.Data))
		}
		return t.Data[0], nil
	}

	out := &codec.Output{}

	dims := []struct {
		name string
		dst  *int
	}{
		{OutputNQ, &out.NQ},
		{OutputChannels, &out.Channels},
		{OutputTimeSteps, &out.TimeSteps},
	}
	for _, d := range dims {
		v, err := scalar(d.name)
		if err != nil {
			return nil, err
		}
		if v != math.Trunc(v) || v <= 0 {
			return nil, fmt.Errorf("output %q: expected positive integer, got %v", d.name, v)
		}
		*d.dst = int(v)
	}

	scale, err := scalar(OutputScale)
	if err != nil {
		return nil, err
	}
	out.Scale = float32(scale)

	codes, ok := byName[OutputCodes]
	if !ok {
		return nil, fmt.Errorf("missing output %q", OutputCodes)
	}

	out.Codes = make([]int64, len(codes.Data))
	for i, v := range codes.Data {
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("output %q: non-integer code %v at %d", OutputCodes, v, i)
		}
		out.Codes[i] = int64(v)
	}

	if len(out.Codes) != out.Size() {
		return nil, fmt.Errorf("output %q: %d codes do not match %dx%dx%d",
			OutputCodes, len(out.Codes), out.NQ, out.Channels, out.TimeSteps)
	}

	return out, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "niv-encoder/1.0")
}

// Close releases idle connections
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
