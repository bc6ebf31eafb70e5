package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("Expected error for empty URL")
	}
}

func TestStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		available bool
		wantErr   bool
	}{
		{"available", http.StatusOK, `{"available": true, "model": "encodec"}`, true, false},
		{"missing", http.StatusOK, `{"available": false}`, false, false},
		{"server error", http.StatusInternalServerError, `boom`, false, true},
		{"malformed", http.StatusOK, `available`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/status" || r.Method != http.MethodGet {
					t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, err := NewClient(Config{BaseURL: server.URL + "/"})
			if err != nil {
				t.Fatalf("NewClient failed: %v", err)
			}

			available, err := client.Status(context.Background())
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}

			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if available != tt.available {
				t.Errorf("Expected available %v, got %v", tt.available, available)
			}
		})
	}
}

func TestConvert(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		errText string
	}{
		{"success", `{"success": true, "message": "converted"}`, ""},
		{"failure with reason", `{"success": false, "error": "no weights"}`, "no weights"},
		{"failure without reason", `{"success": false}`, "conversion failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/convert" || r.Method != http.MethodPost {
					t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, _ := NewClient(Config{BaseURL: server.URL})
			err := client.Convert(context.Background())

			if tt.errText == "" {
				if err != nil {
					t.Errorf("Convert failed: %v", err)
				}
				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got %v", tt.errText, err)
			}
		})
	}
}

func TestConvertHonoursContext(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, _ := NewClient(Config{BaseURL: server.URL})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := client.Convert(ctx); err == nil {
		t.Error("Expected conversion to be abandoned on deadline")
	}
}

func TestRequestsPropagateTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	origTP, origProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origProp)
		_ = tp.Shutdown(context.Background())
	})

	var mu sync.Mutex
	traceparents := make(map[string]string)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		traceparents[r.URL.Path] = r.Header.Get("traceparent")
		mu.Unlock()

		if r.URL.Path == "/status" {
			w.Write([]byte(`{"available": true}`))
			return
		}
		w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ctx, span := tp.Tracer("test").Start(context.Background(), "provision")
	defer span.End()

	if _, err := client.Status(ctx); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if err := client.Convert(ctx); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	traceID := span.SpanContext().TraceID().String()
	for _, path := range []string{"/status", "/convert"} {
		if !strings.Contains(traceparents[path], traceID) {
			t.Errorf("Expected %s traceparent to carry trace %s, got %q", path, traceID, traceparents[path])
		}
	}
}
