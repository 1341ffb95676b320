// Package jobs runs analyses in the background for the REST API
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/internal/analysis"
	"github.com/ajitpratap0/foldwise/internal/metrics"
	"github.com/ajitpratap0/foldwise/internal/strategies"
	"github.com/ajitpratap0/foldwise/pkg/backtest"
)

// JobStatus represents the status of an analysis job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Finished reports whether the status is terminal
func (s JobStatus) Finished() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrJobFinished   = errors.New("job already finished")
	ErrUnknownKind   = errors.New("unknown job kind")
	ErrShuttingDown  = errors.New("job manager is shutting down")
	errMissingRunner = errors.New("job manager has no runner")
)

// Job is one submitted analysis and, once finished, its outcome
type Job struct {
	ID          uuid.UUID        `json:"id"`
	Kind        string           `json:"kind"`
	Status      JobStatus        `json:"status"`
	Request     analysis.Request `json:"request"`
	RunID       string           `json:"run_id,omitempty"`
	Score       float64          `json:"score"`
	Result      interface{}      `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Runner executes analyses. *analysis.Service implements it.
type Runner interface {
	WalkForward(ctx context.Context, req analysis.Request) (*backtest.WalkForwardReport, error)
	MonteCarlo(ctx context.Context, req analysis.Request) (*backtest.MonteCarloReport, error)
	Ablation(ctx context.Context, req analysis.Request) ([]*strategies.AblationResult, error)
}

// Manager runs jobs with bounded concurrency and keeps them in memory
type Manager struct {
	runner Runner
	sem    chan struct{}

	mu      sync.RWMutex
	jobs    map[uuid.UUID]*Job
	cancels map[uuid.UUID]context.CancelFunc
	done    map[uuid.UUID]chan struct{}
	active  int
	closed  bool

	wg sync.WaitGroup
}

// NewManager creates a manager running at most maxConcurrent jobs at once
func NewManager(runner Runner, maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		runner:  runner,
		sem:     make(chan struct{}, maxConcurrent),
		jobs:    make(map[uuid.UUID]*Job),
		cancels: make(map[uuid.UUID]context.CancelFunc),
		done:    make(map[uuid.UUID]chan struct{}),
	}
}

// Submit queues a job and returns a snapshot of it
func (m *Manager) Submit(kind string, req analysis.Request) (*Job, error) {
	switch kind {
	case analysis.KindWalkForward, analysis.KindMonteCarlo, analysis.KindAblation:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if m.runner == nil {
		return nil, errMissingRunner
	}

	job := &Job{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    JobStatusPending,
		Request:   req,
		CreatedAt: time.Now(),
	}
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, ErrShuttingDown
	}
	m.jobs[job.ID] = job
	m.cancels[job.ID] = cancel
	m.done[job.ID] = make(chan struct{})
	snapshot := *job
	m.mu.Unlock()

	log.Info().
		Str("job_id", job.ID.String()).
		Str("kind", kind).
		Msg("Created analysis job")

	m.wg.Add(1)
	go m.run(ctx, job.ID)
	return &snapshot, nil
}

func (m *Manager) run(ctx context.Context, id uuid.UUID) {
	defer m.wg.Done()

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		m.finish(ctx, id, nil, "", 0, ctx.Err())
		return
	}
	defer func() { <-m.sem }()
	if ctx.Err() != nil {
		m.finish(ctx, id, nil, "", 0, ctx.Err())
		return
	}

	m.mu.Lock()
	job := m.jobs[id]
	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	kind, req := job.Kind, job.Request
	m.active++
	metrics.UpdateActiveJobs(m.active)
	m.mu.Unlock()

	log.Info().Str("job_id", id.String()).Str("kind", kind).Msg("Job started")
	result, runID, score, err := m.execute(ctx, kind, req)

	m.mu.Lock()
	m.active--
	metrics.UpdateActiveJobs(m.active)
	m.mu.Unlock()

	m.finish(ctx, id, result, runID, score, err)
}

// execute dispatches to the runner and extracts what the job list shows
func (m *Manager) execute(ctx context.Context, kind string, req analysis.Request) (interface{}, string, float64, error) {
	switch kind {
	case analysis.KindWalkForward:
		report, err := m.runner.WalkForward(ctx, req)
		if report == nil {
			return nil, "", 0, err
		}
		return report, report.RunID, report.Aggregate.ObjectiveOOSMean, err
	case analysis.KindMonteCarlo:
		report, err := m.runner.MonteCarlo(ctx, req)
		if report == nil {
			return nil, "", 0, err
		}
		return report, "", report.ObjectivePercentiles.P50, err
	case analysis.KindAblation:
		results, err := m.runner.Ablation(ctx, req)
		if len(results) == 0 {
			return nil, "", 0, err
		}
		return results, "", results[0].Score, err
	}
	return nil, "", 0, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
}

// finish moves the job to its terminal status. A cancelled context wins
// over whatever error the run reported.
func (m *Manager) finish(ctx context.Context, id uuid.UUID, result interface{}, runID string, score float64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := m.jobs[id]
	now := time.Now()
	job.CompletedAt = &now
	job.Result = result
	job.RunID = runID
	job.Score = score

	switch {
	case ctx.Err() != nil:
		job.Status = JobStatusCancelled
		job.Error = "cancelled"
	case err != nil:
		job.Status = JobStatusFailed
		job.Error = err.Error()
	default:
		job.Status = JobStatusCompleted
	}

	m.cancels[id]()
	delete(m.cancels, id)
	close(m.done[id])

	event := log.Info()
	if job.Status == JobStatusFailed {
		event = log.Error().Str("error", job.Error)
	}
	event.
		Str("job_id", id.String()).
		Str("kind", job.Kind).
		Str("status", string(job.Status)).
		Msg("Job finished")
}

// Get returns a snapshot of the job
func (m *Manager) Get(id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	snapshot := *job
	return &snapshot, nil
}

// List returns snapshots of every job, newest first
func (m *Manager) List() []*Job {
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		snapshot := *job
		out = append(out, &snapshot)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Cancel stops a pending or running job
func (m *Manager) Cancel(id uuid.UUID) error {
	m.mu.RLock()
	job, ok := m.jobs[id]
	if !ok {
		m.mu.RUnlock()
		return ErrJobNotFound
	}
	cancel, running := m.cancels[id]
	finished := job.Status.Finished()
	m.mu.RUnlock()

	if finished || !running {
		return ErrJobFinished
	}
	cancel()
	log.Info().Str("job_id", id.String()).Msg("Job cancellation requested")
	return nil
}

// Wait blocks until the job finishes or ctx is done
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (*Job, error) {
	m.mu.RLock()
	done, ok := m.done[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	select {
	case <-done:
		return m.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active returns the number of running jobs
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Shutdown rejects new jobs, cancels the rest and waits for them to stop
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, cancel := range m.cancels {
		cancel()
	}
	m.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
