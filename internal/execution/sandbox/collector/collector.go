// Package collector captures process output into bounded buffers.
package collector

import (
	"bytes"
	"sync"
)

// Stream is an io.Writer that keeps at most limit bytes.
// Excess bytes are dropped and the stream is marked truncated, but Write
// still reports success so the producer is never blocked or failed.
type Stream struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	total     int64
	truncated bool
}

// NewStream creates a stream capped at limit bytes. A non-positive limit keeps nothing.
func NewStream(limit int64) *Stream {
	if limit < 0 {
		limit = 0
	}
	return &Stream{limit: limit}
}

func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += int64(len(p))
	remaining := s.limit - int64(s.buf.Len())
	if remaining <= 0 {
		if len(p) > 0 {
			s.truncated = true
		}
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		s.buf.Write(p[:remaining])
		s.truncated = true
		return len(p), nil
	}
	s.buf.Write(p)
	return len(p), nil
}

// String returns the retained bytes.
func (s *Stream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Truncated reports whether any byte was discarded.
func (s *Stream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Total is the number of bytes offered to the stream, kept or not.
func (s *Stream) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Pair bundles the stdout and stderr collectors of one command.
type Pair struct {
	Stdout *Stream
	Stderr *Stream
}

// NewPair creates both streams with the same per-stream cap.
func NewPair(limit int64) Pair {
	return Pair{Stdout: NewStream(limit), Stderr: NewStream(limit)}
}
