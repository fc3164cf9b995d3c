package model

const (
	// TimeoutMarker terminates stderr of every job that hit a deadline.
	TimeoutMarker = "\n[runbox] execution terminated: time limit exceeded\n"
	// KilledMarker terminates stderr of jobs cancelled or killed by the sandbox.
	KilledMarker = "\n[runbox] execution terminated: killed\n"
	// InternalErrorMarker replaces any detail about sandbox faults.
	InternalErrorMarker = "\n[runbox] internal error: execution could not be completed\n"
)

// ExecutionResult is returned for every admitted job.
type ExecutionResult struct {
	JobID      string   `json:"jobId"`
	Language   string   `json:"language"`
	State      JobState `json:"state"`
	Stdout     string   `json:"stdout"`
	Stderr     string   `json:"stderr"`
	ExitCode   *int     `json:"exitCode"`
	Signal     string   `json:"signal,omitempty"`
	TimedOut   bool     `json:"timedOut"`
	Killed     bool     `json:"killed"`
	Truncated  bool     `json:"truncated"`
	DurationMs int64    `json:"durationMs"`
	CPUTimeMs  int64    `json:"cpuTimeMs"`
	MemoryKB   int64    `json:"memoryKb"`
}

// EventType classifies execution events.
type EventType string

const (
	EventFinished EventType = "execution.finished"
	// EventAlert marks jobs that ended in InternalError.
	EventAlert EventType = "execution.alert"
)

// ExecutionEvent is published once per finished job. Program output is
// never included.
type ExecutionEvent struct {
	Type       EventType `json:"type"`
	JobID      string    `json:"jobId"`
	Language   string    `json:"language"`
	State      JobState  `json:"state"`
	ExitCode   *int      `json:"exitCode"`
	Truncated  bool      `json:"truncated"`
	DurationMs int64     `json:"durationMs"`
	CreatedAt  int64     `json:"createdAt"`
}
