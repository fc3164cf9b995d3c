package scheduler

import (
	"container/list"
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"runbox/internal/execution/model"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config controls admission.
type Config struct {
	PoolSize   int
	QueueDepth int
	QueueWait  time.Duration
}

const (
	defaultQueueDepth = 64
	defaultQueueWait  = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.PoolSize <= 0 {
		c.PoolSize = runtime.NumCPU()
	}
	if c.QueueDepth < 0 {
		c.QueueDepth = 0
	} else if c.QueueDepth == 0 {
		c.QueueDepth = defaultQueueDepth
	}
	if c.QueueWait <= 0 {
		c.QueueWait = defaultQueueWait
	}
	return c
}

// Task is the body of a job. It runs while the job holds a slot and must
// drive the job into a terminal state.
type Task func(ctx context.Context, job *Job)

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Busy       int `json:"busy"`
	Size       int `json:"size"`
	Queued     int `json:"queued"`
	QueueDepth int `json:"queueDepth"`
}

type waiter struct {
	job     *Job
	ready   chan struct{}
	granted bool
}

// Scheduler admits jobs onto a SlotPool. A released slot goes straight to
// the head of the queue, so a new arrival never overtakes a waiting job.
type Scheduler struct {
	cfg   Config
	slots *SlotPool

	mu     sync.Mutex
	queue  *list.List
	jobs   map[string]*Job
	closed bool
	done   chan struct{}

	wg sync.WaitGroup
}

// New creates a scheduler.
func New(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:   cfg,
		slots: NewSlotPool(cfg.PoolSize),
		queue: list.New(),
		jobs:  make(map[string]*Job),
		done:  make(chan struct{}),
	}
}

// Schedule admits job and runs task once it holds a slot. It blocks until
// task returns. Admission failures are returned without running task:
// QueueFull when the queue is at capacity, QueueTimeout when the job waited
// longer than QueueWait, JobCancelled when the job or ctx was cancelled
// while still queued.
func (s *Scheduler) Schedule(ctx context.Context, job *Job, task Task) error {
	if job == nil || job.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return appErr.New(appErr.ServiceUnavailable).WithMessage("scheduler is shutting down")
	}
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return appErr.Newf(appErr.InvalidParams, "job %s already scheduled", job.ID)
	}
	var w *waiter
	var elem *list.Element
	switch {
	case s.queue.Len() == 0 && s.slots.TryAcquire():
	case s.queue.Len() < s.cfg.QueueDepth:
		w = &waiter{job: job, ready: make(chan struct{})}
		elem = s.queue.PushBack(w)
	default:
		s.mu.Unlock()
		return appErr.New(appErr.QueueFull).WithMessage("execution queue is full")
	}
	s.jobs[job.ID] = job
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if w != nil {
		if err := s.await(ctx, w, elem); err != nil {
			s.forget(job.ID)
			return err
		}
	}
	s.run(ctx, job, task)
	return nil
}

// await blocks until w is granted a slot. A grant racing with a timeout or
// cancellation wins, so the slot is never leaked.
func (s *Scheduler) await(ctx context.Context, w *waiter, elem *list.Element) error {
	timer := time.NewTimer(s.cfg.QueueWait)
	defer timer.Stop()

	var reason error
	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		reason = appErr.New(appErr.QueueTimeout).WithMessage("timed out waiting for a worker slot")
	case <-ctx.Done():
		reason = appErr.Wrapf(ctx.Err(), appErr.JobCancelled, "cancelled while queued")
	case <-w.job.cancelled:
		reason = appErr.New(appErr.JobCancelled).WithMessage("cancelled while queued")
	case <-s.done:
		reason = appErr.New(appErr.ServiceUnavailable).WithMessage("scheduler is shutting down")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.granted {
		return nil
	}
	s.queue.Remove(elem)
	if appErr.Is(reason, appErr.JobCancelled) {
		w.job.Transition(model.StateKilled)
	}
	return reason
}

func (s *Scheduler) run(ctx context.Context, job *Job, task Task) {
	defer s.forget(job.ID)
	defer s.release()

	if !job.Transition(model.StateRunning) {
		return
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if job.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	job.bindRun(cancel)

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "job panicked", zap.String("job_id", job.ID), zap.Any("panic", rec), zap.Stack("stack"))
			job.Transition(model.StateInternalError)
		}
	}()
	task(runCtx, job)
	if !job.State().Terminal() {
		logger.Error(ctx, "job finished without a terminal state", zap.String("job_id", job.ID))
		job.Transition(model.StateInternalError)
	}
}

// release hands the slot to the queue head or returns it to the pool.
func (s *Scheduler) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if front := s.queue.Front(); front != nil {
		w := s.queue.Remove(front).(*waiter)
		w.granted = true
		close(w.ready)
		return
	}
	s.slots.Release()
}

func (s *Scheduler) forget(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

// CancelOwned cancels a queued or running job submitted by owner. It reports
// whether such a job was known; cancelling twice or after completion has no
// further effect.
func (s *Scheduler) CancelOwned(jobID, owner string) bool {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok || job.Owner != owner {
		return false
	}
	job.Cancel()
	return true
}

// Stats returns slot and queue occupancy.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	queued := s.queue.Len()
	s.mu.Unlock()
	return Stats{
		Busy:       s.slots.Busy(),
		Size:       s.slots.Size(),
		Queued:     queued,
		QueueDepth: s.cfg.QueueDepth,
	}
}

// Shutdown stops admission, fails queued jobs and waits for running jobs.
// When ctx expires first the remaining jobs are cancelled and awaited.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, job := range s.jobs {
		job.Cancel()
	}
	s.mu.Unlock()
	<-finished
	return errors.New("scheduler shutdown forced running jobs to cancel")
}
