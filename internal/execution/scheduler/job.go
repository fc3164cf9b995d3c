package scheduler

import (
	"context"
	"sync"
	"time"

	"runbox/internal/execution/model"
)

// Job is one execution request moving through the scheduler.
type Job struct {
	ID      string
	Request model.ExecutionRequest
	// Deadline bounds the whole job once it holds a slot. Zero disables it.
	Deadline time.Duration
	// Owner is the caller that submitted the job, empty without auth.
	Owner string

	mu         sync.Mutex
	state      model.JobState
	queuedAt   time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancelRun  context.CancelFunc

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// NewJob creates a queued job.
func NewJob(id string, req model.ExecutionRequest, deadline time.Duration) *Job {
	return &Job{
		ID:        id,
		Request:   req,
		Deadline:  deadline,
		state:     model.StateQueued,
		queuedAt:  time.Now(),
		cancelled: make(chan struct{}),
	}
}

// State returns the current state.
func (j *Job) State() model.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job forward. Illegal or backward moves, including
// any move out of a terminal state, are ignored and report false.
func (j *Job) Transition(to model.JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !model.CanTransition(j.state, to) {
		return false
	}
	j.state = to
	now := time.Now()
	if to == model.StateRunning {
		j.startedAt = now
	}
	if to.Terminal() {
		j.finishedAt = now
	}
	return true
}

// QueuedAt, StartedAt and FinishedAt report lifecycle timestamps.
func (j *Job) QueuedAt() time.Time {
	return j.queuedAt
}

func (j *Job) StartedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.startedAt
}

func (j *Job) FinishedAt() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt
}

// Cancel requests cancellation. Safe to call any number of times.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancelled) })
	j.mu.Lock()
	cancel := j.cancelRun
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (j *Job) Cancelled() bool {
	select {
	case <-j.cancelled:
		return true
	default:
		return false
	}
}

// bindRun attaches the cancel func of the running context. A cancel that
// arrived before the job started takes effect immediately.
func (j *Job) bindRun(cancel context.CancelFunc) {
	j.mu.Lock()
	j.cancelRun = cancel
	j.mu.Unlock()
	if j.Cancelled() {
		cancel()
	}
}
