package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Audio          AudioConfig          `yaml:"audio"`
	Model          ModelConfig          `yaml:"model"`
	Encoder        EncoderConfig        `yaml:"encoder"`
	Reconstruction ReconstructionConfig `yaml:"reconstruction"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Logging        LoggingConfig        `yaml:"logging"`
}

// ServerConfig contains HTTP API server configuration
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Address        string `yaml:"address"`
	ReadTimeout    int    `yaml:"read_timeout"`     // seconds
	WriteTimeout   int    `yaml:"write_timeout"`    // seconds
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	JobRetention   int    `yaml:"job_retention"`    // seconds
	MaxJobs        int    `yaml:"max_jobs"`
}

// AudioConfig contains normalization and framing parameters
type AudioConfig struct {
	SampleRate    int    `yaml:"sample_rate"`
	Channels      int    `yaml:"channels"`
	ChunkSize     int    `yaml:"chunk_size"` // samples per frame
	MaxInputBytes int64  `yaml:"max_input_bytes"`
	MaxDuration   int    `yaml:"max_duration"` // seconds of decoded audio, 0 disables
	FFmpegPath    string `yaml:"ffmpeg_path"`  // empty disables the fallback
}

// ModelConfig contains encoder model runtime configuration
type ModelConfig struct {
	Runtime        string `yaml:"runtime"` // "kserve" or "mock"
	Name           string `yaml:"name"`
	RuntimeURL     string `yaml:"runtime_url"`
	ProvisionURL   string `yaml:"provision_url"` // optional
	APIKey         string `yaml:"api_key"`
	RequestTimeout int    `yaml:"request_timeout"` // seconds
	LoadTimeout    int    `yaml:"load_timeout"`    // seconds
	ConvertTimeout int    `yaml:"convert_timeout"` // seconds
	EncodingMethod string `yaml:"encoding_method"`
}

// EncoderConfig contains frame encoding configuration
type EncoderConfig struct {
	Workers int `yaml:"workers"`
}

// ReconstructionConfig contains the remote decoder endpoint configuration
type ReconstructionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used for keys absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			Address:        "0.0.0.0",
			ReadTimeout:    60,
			WriteTimeout:   600,
			MaxUploadBytes: 200 << 20,
			JobRetention:   3600,
			MaxJobs:        1000,
		},
		Audio: AudioConfig{
			SampleRate:    24000,
			Channels:      1,
			ChunkSize:     45000,
			MaxInputBytes: 200 << 20,
			MaxDuration:   3600,
		},
		Model: ModelConfig{
			Runtime:        "kserve",
			Name:           "encodec_encoder",
			RequestTimeout: 30,
			LoadTimeout:    60,
			ConvertTimeout: 600,
			EncodingMethod: "encodec_24khz_client_chunks_v1",
		},
		Encoder: EncoderConfig{
			Workers: 1,
		},
		Reconstruction: ReconstructionConfig{
			Timeout:       120,
			MaxConcurrent: 10,
		},
		Tracing: TracingConfig{
			ServiceName: "niv-encoder",
			SampleRatio: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model config: %w", err)
	}

	if err := c.Encoder.Validate(); err != nil {
		return fmt.Errorf("encoder config: %w", err)
	}

	if err := c.Reconstruction.Validate(); err != nil {
		return fmt.Errorf("reconstruction config: %w", err)
	}

	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if s.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", s.ReadTimeout)
	}

	if s.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", s.WriteTimeout)
	}

	if s.MaxUploadBytes < 1024 {
		return fmt.Errorf("max_upload_bytes must be at least 1024 bytes, got %d", s.MaxUploadBytes)
	}

	if s.JobRetention < 1 {
		return fmt.Errorf("job_retention must be at least 1 second, got %d", s.JobRetention)
	}

	if s.MaxJobs < 1 {
		return fmt.Errorf("max_jobs must be at least 1, got %d", s.MaxJobs)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate < 8000 || a.SampleRate > 192000 {
		return fmt.Errorf("sample_rate must be between 8000 and 192000 Hz, got %d", a.SampleRate)
	}

	if a.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono), got %d", a.Channels)
	}

	if a.ChunkSize < 1 {
		return fmt.Errorf("chunk_size must be at least 1 sample, got %d", a.ChunkSize)
	}

	if a.MaxInputBytes < 0 {
		return fmt.Errorf("max_input_bytes cannot be negative, got %d", a.MaxInputBytes)
	}

	if a.MaxDuration < 0 {
		return fmt.Errorf("max_duration cannot be negative, got %d", a.MaxDuration)
	}

	return nil
}

// Validate validates model configuration
func (m *ModelConfig) Validate() error {
	switch m.Runtime {
	case "mock":
	case "kserve":
		if m.RuntimeURL == "" {
			return fmt.Errorf("runtime_url cannot be empty for the kserve runtime")
		}
		if err := validateURL(m.RuntimeURL); err != nil {
			return fmt.Errorf("runtime_url: %w", err)
		}
	default:
		return fmt.Errorf("runtime must be 'kserve' or 'mock', got '%s'", m.Runtime)
	}

	if m.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	if m.ProvisionURL != "" {
		if err := validateURL(m.ProvisionURL); err != nil {
			return fmt.Errorf("provision_url: %w", err)
		}
	}

	if m.RequestTimeout < 1 {
		return fmt.Errorf("request_timeout must be at least 1 second, got %d", m.RequestTimeout)
	}

	if m.LoadTimeout < 1 {
		return fmt.Errorf("load_timeout must be at least 1 second, got %d", m.LoadTimeout)
	}

	if m.ConvertTimeout < 1 {
		return fmt.Errorf("convert_timeout must be at least 1 second, got %d", m.ConvertTimeout)
	}

	if m.EncodingMethod == "" {
		return fmt.Errorf("encoding_method cannot be empty")
	}

	return nil
}

// Validate validates encoder configuration
func (e *EncoderConfig) Validate() error {
	if e.Workers < 1 || e.Workers > 64 {
		return fmt.Errorf("workers must be between 1 and 64, got %d", e.Workers)
	}

	return nil
}

// Validate validates reconstruction configuration
func (r *ReconstructionConfig) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if err := validateURL(r.Endpoint); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}

	if r.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", r.Timeout)
	}

	if r.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", r.MaxConcurrent)
	}

	return nil
}

// Validate validates tracing configuration
func (t *TracingConfig) Validate() error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample_ratio must be between 0 and 1, got %f", t.SampleRatio)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output may be stdout, stderr or a file path
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got '%s'", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}

// GetReadTimeoutDuration returns the HTTP read timeout as a time.Duration
func (s *ServerConfig) GetReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// GetWriteTimeoutDuration returns the HTTP write timeout as a time.Duration
func (s *ServerConfig) GetWriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// GetJobRetentionDuration returns how long finished jobs are kept
func (s *ServerConfig) GetJobRetentionDuration() time.Duration {
	return time.Duration(s.JobRetention) * time.Second
}

// GetRequestTimeoutDuration returns the per-frame inference timeout
func (m *ModelConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(m.RequestTimeout) * time.Second
}

// GetLoadTimeoutDuration returns the model load timeout
func (m *ModelConfig) GetLoadTimeoutDuration() time.Duration {
	return time.Duration(m.LoadTimeout) * time.Second
}

// GetConvertTimeoutDuration returns the model conversion timeout
func (m *ModelConfig) GetConvertTimeoutDuration() time.Duration {
	return time.Duration(m.ConvertTimeout) * time.Second
}

// GetTimeoutDuration returns the reconstruction timeout as a time.Duration
func (r *ReconstructionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(r.Timeout) * time.Second
}

// GetMaxDuration returns the decoded audio limit, 0 when unlimited
func (a *AudioConfig) GetMaxDuration() time.Duration {
	return time.Duration(a.MaxDuration) * time.Second
}

// GetChunkDuration returns the audio length of one frame
func (a *AudioConfig) GetChunkDuration() time.Duration {
	return time.Duration(a.ChunkSize) * time.Second / time.Duration(a.SampleRate)
}
