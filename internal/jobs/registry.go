package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Teo-Te/niv-task/internal/payload"
	"github.com/Teo-Te/niv-task/internal/pipeline"
)

const cleanupInterval = 30 * time.Second

var (
	// ErrRegistryFull is returned by Create when every retained job is still in flight
	ErrRegistryFull = errors.New("too many jobs in flight")

	// ErrDuplicateJob is returned by Create for an ID that is already tracked
	ErrDuplicateJob = errors.New("job already exists")
)

// State is the lifecycle position of a job
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

func (s State) finished() bool {
	return s == StateSucceeded || s == StateFailed
}

// Config contains registry configuration
type Config struct {
	// Retention is how long finished jobs stay visible
	Retention time.Duration

	// MaxJobs bounds the number of tracked jobs; finished jobs are evicted first
	MaxJobs int
}

// Info is a snapshot of one job for monitoring and APIs
type Info struct {
	ID           string                           `json:"id"`
	Filename     string                           `json:"filename,omitempty"`
	State        State                            `json:"state"`
	Stage        pipeline.Stage                   `json:"stage,omitempty"`
	Timings      map[pipeline.Stage]time.Duration `json:"timings"`
	NumChunks    int                              `json:"num_chunks,omitempty"`
	TotalSamples int                              `json:"total_samples,omitempty"`
	DownloadURL  string                           `json:"download_url,omitempty"`
	ErrorKind    pipeline.Kind                    `json:"error_kind,omitempty"`
	Error        string                           `json:"error,omitempty"`
	Retryable    bool                             `json:"retryable"`
	Resends      int                              `json:"resends,omitempty"`
	CreatedAt    time.Time                        `json:"created_at"`
	FinishedAt   *time.Time                       `json:"finished_at,omitempty"`
}

type job struct {
	info     Info
	envelope *payload.Envelope
}

// Registry tracks encode requests from submission until they expire
type Registry struct {
	jobs   map[string]*job
	mu     sync.RWMutex
	logger *slog.Logger
	config Config
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry creates a registry and starts its cleanup routine
func NewRegistry(config Config, logger *slog.Logger) *Registry {
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.MaxJobs <= 0 {
		config.MaxJobs = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		jobs:    make(map[string]*job),
		logger:  logger.With(slog.String("component", "jobs")),
		config:  config,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go r.startCleanupRoutine()

	return r
}

// Create registers a pending job
func (r *Registry) Create(id, filename string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return Info{}, ErrDuplicateJob
	}

	if len(r.jobs) >= r.config.MaxJobs && !r.evictOldestFinishedLocked() {
		return Info{}, ErrRegistryFull
	}

	j := &job{info: Info{
		ID:        id,
		Filename:  filename,
		State:     StatePending,
		Timings:   make(map[pipeline.Stage]time.Duration),
		CreatedAt: r.now(),
	}}
	r.jobs[id] = j

	return j.info.snapshot(), nil
}

// RecordStage notes a finished pipeline stage. Its signature matches
// pipeline.Config.OnStage.
func (r *Registry) RecordStage(id string, stage pipeline.Stage, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, exists := r.jobs[id]
	if !exists || j.info.State.finished() {
		return
	}

	j.info.State = StateRunning
	j.info.Stage = stage
	if elapsed > 0 {
		j.info.Timings[stage] = elapsed
	}
}

// Complete marks a job succeeded
func (r *Registry) Complete(id string, result *pipeline.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, exists := r.jobs[id]
	if !exists {
		return
	}

	now := r.now()
	j.info.State = StateSucceeded
	j.info.ErrorKind = ""
	j.info.Error = ""
	j.info.Retryable = false
	j.info.FinishedAt = &now
	j.envelope = nil

	if result != nil {
		j.info.NumChunks = result.NumChunks
		j.info.TotalSamples = result.TotalSamples
		if result.Response != nil {
			j.info.DownloadURL = result.Response.DownloadURL
		}
	}
}

// Fail marks a job failed. A result carrying an envelope keeps it for Resend.
func (r *Registry) Fail(id string, result *pipeline.Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, exists := r.jobs[id]
	if !exists {
		return
	}

	now := r.now()
	j.info.State = StateFailed
	j.info.ErrorKind = pipeline.KindOf(err)
	j.info.FinishedAt = &now
	if err != nil {
		j.info.Error = err.Error()
	}

	var perr *pipeline.Error
	j.info.Retryable = errors.As(err, &perr) && perr.Retryable()

	if result != nil && result.Envelope != nil {
		j.envelope = result.Envelope
		j.info.NumChunks = result.NumChunks
		j.info.TotalSamples = result.TotalSamples
	}
}

// ClaimEnvelope hands out the retained envelope of a retryable failed job
// and moves the job back to running. Later claims fail until Complete or
// Fail records the outcome of the resend.
func (r *Registry) ClaimEnvelope(id string) (*payload.Envelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, exists := r.jobs[id]
	if !exists || j.info.State != StateFailed || !j.info.Retryable || j.envelope == nil {
		return nil, false
	}

	j.info.State = StateRunning
	j.info.Stage = pipeline.StageTransmit
	j.info.Retryable = false
	j.info.FinishedAt = nil
	j.info.Resends++
	return j.envelope, true
}

// Get returns a snapshot of one job
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, exists := r.jobs[id]
	if !exists {
		return Info{}, false
	}
	return j.info.snapshot(), true
}

// List returns snapshots of all jobs, newest first
func (r *Registry) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.jobs))
	for _, j := range r.jobs {
		infos = append(infos, j.info.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(a, b int) bool {
		if infos[a].CreatedAt.Equal(infos[b].CreatedAt) {
			return infos[a].ID < infos[b].ID
		}
		return infos[a].CreatedAt.After(infos[b].CreatedAt)
	})

	return infos
}

// ActiveCount returns the number of jobs that have not finished
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, j := range r.jobs {
		if !j.info.State.finished() {
			count++
		}
	}
	return count
}

// Len returns the number of tracked jobs
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Stop stops the cleanup routine
func (r *Registry) Stop() {
	r.cancel()
	<-r.cleanup

	r.logger.Info("Job registry stopped",
		slog.Int("remaining_jobs", r.Len()),
		slog.Int("active_jobs", r.ActiveCount()),
	)
}

func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	r.logger.Debug("Job cleanup routine started",
		slog.Duration("retention", r.config.Retention),
		slog.Duration("check_interval", cleanupInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpired()
		}
	}
}

// cleanupExpired removes finished jobs older than the retention period
func (r *Registry) cleanupExpired() int {
	now := r.now()

	r.mu.Lock()
	removed := 0
	for id, j := range r.jobs {
		if j.info.FinishedAt != nil && now.Sub(*j.info.FinishedAt) > r.config.Retention {
			delete(r.jobs, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.logger.Info("Cleaned up expired jobs", slog.Int("expired_count", removed))
	}
	return removed
}

func (r *Registry) evictOldestFinishedLocked() bool {
	var oldestID string
	var oldest time.Time

	for id, j := range r.jobs {
		if j.info.FinishedAt == nil {
			continue
		}
		if oldestID == "" || j.info.FinishedAt.Before(oldest) {
			oldestID = id
			oldest = *j.info.FinishedAt
		}
	}

	if oldestID == "" {
		return false
	}
	delete(r.jobs, oldestID)
	return true
}

func (i Info) snapshot() Info {
	timings := make(map[pipeline.Stage]time.Duration, len(i.Timings))
	for stage, elapsed := range i.Timings {
		timings[stage] = elapsed
	}
	i.Timings = timings
	if i.FinishedAt != nil {
		finished := *i.FinishedAt
		i.FinishedAt = &finished
	}
	return i
}
