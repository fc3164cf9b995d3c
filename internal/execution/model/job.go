// Package model defines the execution request, job state and result types.
package model

import "time"

// JobState is the lifecycle state of one execution job.
type JobState string

const (
	StateQueued        JobState = "Queued"
	StateRunning       JobState = "Running"
	StateCompleted     JobState = "Completed"
	StateCompileFailed JobState = "CompileFailed"
	StateTimedOut      JobState = "TimedOut"
	StateKilled        JobState = "Killed"
	StateInternalError JobState = "InternalError"
)

// Terminal reports whether no further transition is possible from s.
func (s JobState) Terminal() bool {
	switch s {
	case StateCompleted, StateCompileFailed, StateTimedOut, StateKilled, StateInternalError:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal forward move.
// Queued may only go to Running or, when cancelled before admission, Killed.
func CanTransition(from, to JobState) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateKilled
	case StateRunning:
		return to.Terminal()
	}
	return false
}

// ExecutionRequest is an immutable description of what to run.
type ExecutionRequest struct {
	language    string
	source      string
	stdin       string
	submittedAt time.Time
}

// NewExecutionRequest captures a validated request.
func NewExecutionRequest(language, source, stdin string, submittedAt time.Time) ExecutionRequest {
	return ExecutionRequest{
		language:    language,
		source:      source,
		stdin:       stdin,
		submittedAt: submittedAt,
	}
}

func (r ExecutionRequest) Language() string       { return r.language }
func (r ExecutionRequest) Source() string         { return r.source }
func (r ExecutionRequest) Stdin() string          { return r.stdin }
func (r ExecutionRequest) SubmittedAt() time.Time { return r.submittedAt }
