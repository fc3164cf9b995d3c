// Package result defines raw sandbox execution results.
package result

// RunResult captures what one sandboxed command produced.
// ExitCode is nil whenever the process did not exit on its own.
type RunResult struct {
	ExitCode        *int
	Signal          string
	TimedOut        bool
	Killed          bool
	OomKilled       bool
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	CPUTimeMs       int64
	WallTimeMs      int64
	MemoryKB        int64
}

// Truncated reports whether either stream hit its cap.
func (r RunResult) Truncated() bool {
	return r.StdoutTruncated || r.StderrTruncated
}

// Succeeded reports a normal exit with status zero.
func (r RunResult) Succeeded() bool {
	return r.ExitCode != nil && *r.ExitCode == 0 && !r.TimedOut && !r.Killed
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
