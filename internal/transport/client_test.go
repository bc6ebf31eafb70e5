package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Teo-Te/niv-task/internal/payload"
)

func testEnvelope(t *testing.T) *payload.Envelope {
	t.Helper()

	records := []payload.CodeRecord{
		{ChunkIndex: 0, Codes: []int64{1, 2}, Scale: 1, Structure: payload.Structure{NQ: 2, Channels: 1, TimeSteps: 1}, OriginalLength: 10},
		{ChunkIndex: 1, Codes: []int64{3, 4}, Scale: 1, Structure: payload.Structure{NQ: 2, Channels: 1, TimeSteps: 1}, OriginalLength: 5, WasPadded: true},
	}

	env, err := payload.Assemble(records, payload.Meta{TotalSamples: 15, ChunkSize: 10, SampleRate: 24000, Channels: 1})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return env
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}

func TestSendSuccess(t *testing.T) {
	var received Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Expected JSON content type, got %q", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key" {
			t.Errorf("Expected bearer auth, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":       "success",
			"message":      "Successfully decoded 2 chunks",
			"download_url": "/download/out.wav",
			"filename":     "out.wav",
			"total_chunks": 2,
			"sample_rate":  24000,
		})
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, APIKey: "key", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	result, err := client.Send(context.Background(), testEnvelope(t))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if result.Message != "Successfully decoded 2 chunks" {
		t.Errorf("Unexpected message %q", result.Message)
	}
	if result.DownloadURL != "/download/out.wav" {
		t.Errorf("Unexpected download URL %q", result.DownloadURL)
	}
	if result.TotalChunks != 2 {
		t.Errorf("Expected 2 total chunks, got %d", result.TotalChunks)
	}

	if len(received.EncodedData) != 1 {
		t.Fatalf("Expected 1 envelope in encoded_data, got %d", len(received.EncodedData))
	}
	if received.SampleRate != 24000 || received.Channels != 1 {
		t.Errorf("Unexpected request format %d Hz / %d ch", received.SampleRate, received.Channels)
	}
	if env := received.EncodedData[0]; env.NumChunks != 2 || !env.ClientEncoded {
		t.Errorf("Envelope not transmitted intact: %+v", env)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestSendFailureKinds(t *testing.T) {
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		timeout    time.Duration
		kind       ErrorKind
		statusCode int
		errText    string
	}{
		{
			name: "server error with detail",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"detail": "Decoding failed: bad codes"}`))
			},
			kind:       KindStatus,
			statusCode: 500,
			errText:    "Decoding failed: bad codes",
		},
		{
			name: "plain text rejection",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			},
			kind:       KindStatus,
			statusCode: 413,
			errText:    "payload too large",
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("<html>ok</html>"))
			},
			kind:       KindMalformed,
			statusCode: 200,
		},
		{
			name: "empty result",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{}`))
			},
			kind:       KindMalformed,
			statusCode: 200,
		},
		{
			name: "slow endpoint",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-time.After(2 * time.Second):
				case <-r.Context().Done():
				}
			},
			timeout: 50 * time.Millisecond,
			kind:    KindTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			timeout := tt.timeout
			if timeout == 0 {
				timeout = time.Second
			}

			client, _ := NewClient(Config{Endpoint: server.URL, Timeout: timeout})
			result, err := client.Send(context.Background(), testEnvelope(t))

			if result != nil {
				t.Error("Expected no result on failure")
			}

			var terr *Error
			if !errors.As(err, &terr) {
				t.Fatalf("Expected *Error, got %T: %v", err, err)
			}
			if terr.Kind != tt.kind {
				t.Errorf("Expected kind %s, got %s", tt.kind, terr.Kind)
			}
			if tt.statusCode != 0 && terr.StatusCode != tt.statusCode {
				t.Errorf("Expected status %d, got %d", tt.statusCode, terr.StatusCode)
			}
			if tt.errText != "" && !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got %v", tt.errText, err)
			}

			stats := client.GetStats()
			if stats.FailedRequests != 1 || stats.FailuresByKind[string(tt.kind)] != 1 {
				t.Errorf("Unexpected stats %+v", stats)
			}
		})
	}
}

func TestSendUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	endpoint := server.URL
	server.Close()

	client, _ := NewClient(Config{Endpoint: endpoint, Timeout: time.Second})
	_, err := client.Send(context.Background(), testEnvelope(t))

	var terr *Error
	if !errors.As(err, &terr) || terr.Kind != KindUnreachable {
		t.Errorf("Expected unreachable error, got %v", err)
	}
}

func TestSendDoesNotRetry(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, _ := NewClient(Config{Endpoint: server.URL})
	if _, err := client.Send(context.Background(), testEnvelope(t)); err == nil {
		t.Fatal("Expected error but got none")
	}

	if calls != 1 {
		t.Errorf("Expected exactly 1 attempt, got %d", calls)
	}
}

func TestSendRejectsInvalidEnvelope(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	client, _ := NewClient(Config{Endpoint: server.URL})

	env := testEnvelope(t)
	env.NumChunks = 5

	_, err := client.Send(context.Background(), env)
	if !errors.Is(err, payload.ErrInvariant) {
		t.Errorf("Expected ErrInvariant, got %v", err)
	}
	if calls != 0 {
		t.Error("Malformed envelope reached the endpoint")
	}

	if _, err := client.Send(context.Background(), nil); err == nil {
		t.Error("Expected error for nil envelope")
	}
}

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		body     string
		expected string
	}{
		{`{"detail": "No encoded data provided"}`, "No encoded data provided"},
		{`{"detail": [{"msg": "field required"}]}`, `[{"msg":"field required"}]`},
		{`{"error": "bad"}`, "bad"},
		{`  oops  `, "oops"},
		{``, "empty response body"},
	}

	for _, tt := range tests {
		if got := errorMessage([]byte(tt.body)); got != tt.expected {
			t.Errorf("errorMessage(%q) = %q, want %q", tt.body, got, tt.expected)
		}
	}

	long := strings.Repeat("x", maxErrorBody+10)
	if got := errorMessage([]byte(long)); len(got) != maxErrorBody+3 {
		t.Errorf("Expected truncated message, got length %d", len(got))
	}
}

func TestSendPropagatesTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	origTP, origProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
		_ = tp.Shutdown(context.Background())
	})

	var traceparent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
		json.NewEncoder(w).Encode(map[string]string{"message": "ok"})
	}))
	defer server.Close()

	client, err := NewClient(Config{Endpoint: server.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, span := tp.Tracer("test").Start(context.Background(), "send")
	defer span.End()

	if _, err := client.Send(ctx, testEnvelope(t)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	traceID := span.SpanContext().TraceID().String()
	if !strings.Contains(traceparent, traceID) {
		t.Errorf("Expected traceparent to carry trace %s, got %q", traceID, traceparent)
	}
}
