package codec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the lifecycle state of the model handle
type State int

const (
	StateUnloaded State = iota
	StateLoading
	StateReady
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ManagerConfig contains configuration for the model manager
type ManagerConfig struct {
	Name           string
	LoadTimeout    time.Duration
	ConvertTimeout time.Duration

	// OnStateChange is called after every transition, outside the manager lock
	OnStateChange func(State)
}

// Manager owns the encoder model handle. It is initialized once with Load,
// shared read-only by all requests and torn down with Close.
type Manager struct {
	config      ManagerConfig
	open        Opener
	provisioner Provisioner
	logger      *slog.Logger

	state     State
	model     Model
	lastErr   error
	loadedAt  time.Time
	loadTime  time.Duration
	converted bool
	attempts  uint64

	mu sync.RWMutex
}

// ManagerStats represents model manager statistics
type ManagerStats struct {
	Name      string        `json:"name"`
	State     string        `json:"state"`
	LastError string        `json:"last_error,omitempty"`
	LoadedAt  time.Time     `json:"loaded_at"`
	LoadTime  time.Duration `json:"load_time"`
	Converted bool          `json:"converted"`
	Attempts  uint64        `json:"attempts"`
}

// NewManager creates a manager in the Unloaded state. provisioner may be nil
// when the artifact is always present.
func NewManager(config ManagerConfig, open Opener, provisioner Provisioner, logger *slog.Logger) (*Manager, error) {
	if open == nil {
		return nil, fmt.Errorf("model opener cannot be nil")
	}

	if config.LoadTimeout <= 0 {
		config.LoadTimeout = 60 * time.Second
	}

	if config.ConvertTimeout <= 0 {
		config.ConvertTimeout = 10 * time.Minute
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:      config,
		open:        open,
		provisioner: provisioner,
		logger:      logger.With(slog.String("component", "codec"), slog.String("model", config.Name)),
	}, nil
}

// Load moves the handle from Unloaded or Failed to Ready. It probes the
// provisioner, triggers conversion when the artifact is missing, opens the
// model and waits for it to report ready. A Ready handle is left as is.
func (m *Manager) Load(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateReady:
		m.mu.Unlock()
		return nil
	case StateLoading:
		m.mu.Unlock()
		return fmt.Errorf("%w: load already in progress", ErrModelUnavailable)
	}
	m.state = StateLoading
	m.attempts++
	m.mu.Unlock()
	m.notify(StateLoading)

	m.logger.Info("Loading encoder model")
	startTime := time.Now()

	model, converted, err := m.load(ctx)

	m.mu.Lock()
	if err != nil {
		m.state = StateFailed
		m.lastErr = err
		m.mu.Unlock()
		m.notify(StateFailed)

		m.logger.Error("Encoder model failed to load", slog.String("error", err.Error()))
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	m.state = StateReady
	m.model = model
	m.lastErr = nil
	m.converted = converted
	m.loadedAt = time.Now()
	m.loadTime = time.Since(startTime)
	loadTime := m.loadTime
	m.mu.Unlock()
	m.notify(StateReady)

	m.logger.Info("Encoder model ready",
		slog.Duration("load_time", loadTime),
		slog.Bool("converted", converted),
	)

	return nil
}

// load runs the provisioning sequence without holding the lock
func (m *Manager) load(ctx context.Context) (Model, bool, error) {
	converted := false

	if m.provisioner != nil {
		available, err := m.provisioner.Status(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("model status probe failed: %w", err)
		}

		if !available {
			m.logger.Info("Model artifact missing, starting conversion",
				slog.Duration("timeout", m.config.ConvertTimeout))

			convertCtx, cancel := context.WithTimeout(ctx, m.config.ConvertTimeout)
			err := m.provisioner.Convert(convertCtx)
			cancel()
			if err != nil {
				return nil, false, fmt.Errorf("model conversion failed: %w", err)
			}
			converted = true
		}
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.config.LoadTimeout)
	defer cancel()

	model, err := m.open(loadCtx)
	if err != nil {
		return nil, converted, fmt.Errorf("failed to open model: %w", err)
	}

	if err := model.Ready(loadCtx); err != nil {
		model.Close()
		return nil, converted, fmt.Errorf("model not ready: %w", err)
	}

	return model, converted, nil
}

// Model returns the loaded model, or an error wrapping ErrModelUnavailable
// when the handle is not Ready
func (m *Manager) Model() (Model, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateReady {
		if m.lastErr != nil {
			return nil, fmt.Errorf("%w: model is %s: %v", ErrModelUnavailable, m.state, m.lastErr)
		}
		return nil, fmt.Errorf("%w: model is %s", ErrModelUnavailable, m.state)
	}

	return m.model, nil
}

// State returns the current lifecycle state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsReady returns whether the model can serve encode calls
func (m *Manager) IsReady() bool {
	return m.State() == StateReady
}

// Err returns the error from the last failed load, if any
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// GetStats returns current manager statistics
func (m *Manager) GetStats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := ManagerStats{
		Name:      m.config.Name,
		State:     m.state.String(),
		LoadedAt:  m.loadedAt,
		LoadTime:  m.loadTime,
		Converted: m.converted,
		Attempts:  m.attempts,
	}
	if m.lastErr != nil {
		stats.LastError = m.lastErr.Error()
	}

	return stats
}

// Close releases the model and returns the handle to Unloaded
func (m *Manager) Close() error {
	m.mu.Lock()
	model := m.model
	m.model = nil
	changed := m.state != StateUnloaded
	m.state = StateUnloaded
	m.mu.Unlock()

	if changed {
		m.notify(StateUnloaded)
	}

	if model == nil {
		return nil
	}

	m.logger.Info("Encoder model unloaded")
	return model.Close()
}

func (m *Manager) notify(state State) {
	if m.config.OnStateChange != nil {
		m.config.OnStateChange(state)
	}
}
