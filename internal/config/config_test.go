package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validConfig returns a configuration that passes validation
func validConfig() Config {
	c := Default()
	c.Model.RuntimeURL = "http://localhost:8000"
	c.Reconstruction.Endpoint = "https://decoder.example.com/decode"
	return c
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:   "valid configuration",
			mutate: func(c *Config) {},
		},
		{
			name:        "invalid server port",
			mutate:      func(c *Config) { c.Server.Port = 70000 },
			expectError: true,
			errorMsg:    "port must be between 1 and 65535",
		},
		{
			name:        "stereo audio",
			mutate:      func(c *Config) { c.Audio.Channels = 2 },
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name:        "zero chunk size",
			mutate:      func(c *Config) { c.Audio.ChunkSize = 0 },
			expectError: true,
			errorMsg:    "chunk_size must be at least 1",
		},
		{
			name:        "negative max duration",
			mutate:      func(c *Config) { c.Audio.MaxDuration = -1 },
			expectError: true,
			errorMsg:    "max_duration cannot be negative",
		},
		{
			name:        "unknown runtime",
			mutate:      func(c *Config) { c.Model.Runtime = "onnx" },
			expectError: true,
			errorMsg:    "runtime must be 'kserve' or 'mock'",
		},
		{
			name:        "kserve without url",
			mutate:      func(c *Config) { c.Model.RuntimeURL = "" },
			expectError: true,
			errorMsg:    "runtime_url cannot be empty",
		},
		{
			name: "mock runtime without url",
			mutate: func(c *Config) {
				c.Model.Runtime = "mock"
				c.Model.RuntimeURL = ""
			},
		},
		{
			name:        "bad provision url",
			mutate:      func(c *Config) { c.Model.ProvisionURL = "ftp://models" },
			expectError: true,
			errorMsg:    "provision_url",
		},
		{
			name:        "too many workers",
			mutate:      func(c *Config) { c.Encoder.Workers = 100 },
			expectError: true,
			errorMsg:    "workers must be between 1 and 64",
		},
		{
			name:        "missing reconstruction endpoint",
			mutate:      func(c *Config) { c.Reconstruction.Endpoint = "" },
			expectError: true,
			errorMsg:    "reconstruction config: endpoint cannot be empty",
		},
		{
			name:        "relative reconstruction endpoint",
			mutate:      func(c *Config) { c.Reconstruction.Endpoint = "/decode" },
			expectError: true,
			errorMsg:    "scheme must be http or https",
		},
		{
			name:        "sample ratio out of range",
			mutate:      func(c *Config) { c.Tracing.SampleRatio = 1.5 },
			expectError: true,
			errorMsg:    "sample_ratio",
		},
		{
			name:        "invalid log level",
			mutate:      func(c *Config) { c.Logging.Level = "trace" },
			expectError: true,
			errorMsg:    "level must be one of",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(&config)

			err := config.Validate()

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
		check       func(t *testing.T, c *Config)
	}{
		{
			name: "full configuration",
			configYAML: `
server:
  port: 9090
  address: "127.0.0.1"
audio:
  sample_rate: 24000
  chunk_size: 48000
  ffmpeg_path: "ffmpeg"
model:
  runtime: kserve
  name: encodec_24khz
  runtime_url: "http://triton:8000"
  provision_url: "http://triton-provisioner:9000"
encoder:
  workers: 4
reconstruction:
  endpoint: "https://decoder.example.com/decode"
  api_key: "secret"
  timeout: 60
logging:
  level: debug
  format: text
`,
			check: func(t *testing.T, c *Config) {
				if c.Server.Port != 9090 {
					t.Errorf("Expected port 9090, got %d", c.Server.Port)
				}
				if c.Audio.ChunkSize != 48000 {
					t.Errorf("Expected chunk size 48000, got %d", c.Audio.ChunkSize)
				}
				if c.Encoder.Workers != 4 {
					t.Errorf("Expected 4 workers, got %d", c.Encoder.Workers)
				}
				if c.Reconstruction.GetTimeoutDuration() != time.Minute {
					t.Errorf("Expected 1 minute timeout, got %v", c.Reconstruction.GetTimeoutDuration())
				}
				if c.Logging.Format != "text" {
					t.Errorf("Expected text format, got %s", c.Logging.Format)
				}
			},
		},
		{
			name: "defaults fill omitted keys",
			configYAML: `
model:
  runtime: mock
reconstruction:
  endpoint: "http://localhost:8001/decode"
`,
			check: func(t *testing.T, c *Config) {
				if c.Audio.SampleRate != 24000 || c.Audio.ChunkSize != 45000 {
					t.Errorf("Expected default 24000 Hz / 45000 samples, got %d / %d", c.Audio.SampleRate, c.Audio.ChunkSize)
				}
				if c.Model.EncodingMethod != "encodec_24khz_client_chunks_v1" {
					t.Errorf("Unexpected default encoding method %q", c.Model.EncodingMethod)
				}
				if c.Encoder.Workers != 1 {
					t.Errorf("Expected sequential encoding by default, got %d workers", c.Encoder.Workers)
				}
				if c.Server.Port != 8080 {
					t.Errorf("Expected default port 8080, got %d", c.Server.Port)
				}
			},
		},
		{
			name:        "invalid yaml",
			configYAML:  "server: [unclosed",
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
model:
  runtime: mock
`,
			expectError: true,
			errorMsg:    "endpoint cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(tempDir, "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.configYAML), 0644); err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Expected no error but got: %v", err)
			}
			if tt.check != nil {
				tt.check(t, config)
			}
		})
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	c := validConfig()

	tests := []struct {
		name     string
		got      time.Duration
		expected time.Duration
	}{
		{"read timeout", c.Server.GetReadTimeoutDuration(), 60 * time.Second},
		{"write timeout", c.Server.GetWriteTimeoutDuration(), 10 * time.Minute},
		{"job retention", c.Server.GetJobRetentionDuration(), time.Hour},
		{"model request", c.Model.GetRequestTimeoutDuration(), 30 * time.Second},
		{"model load", c.Model.GetLoadTimeoutDuration(), time.Minute},
		{"model convert", c.Model.GetConvertTimeoutDuration(), 10 * time.Minute},
		{"reconstruction", c.Reconstruction.GetTimeoutDuration(), 2 * time.Minute},
		{"chunk duration", c.Audio.GetChunkDuration(), 1875 * time.Millisecond},
		{"max audio duration", c.Audio.GetMaxDuration(), time.Hour},
	}

	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.expected, tt.got)
		}
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{"valid json to stdout", LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, true},
		{"valid text to file", LoggingConfig{Level: "debug", Format: "text", Output: "/var/log/niv.log"}, true},
		{"invalid log level", LoggingConfig{Level: "trace", Format: "json", Output: "stdout"}, false},
		{"invalid format", LoggingConfig{Level: "info", Format: "xml", Output: "stdout"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
