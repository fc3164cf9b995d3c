// Package sandbox owns the per-job isolation unit: a private scratch
// directory plus every process group and cgroup started on its behalf.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"runbox/internal/execution/sandbox/engine"
	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/spec"
	"runbox/internal/execution/sandbox/workspace"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config controls where scratch space lives.
type Config struct {
	WorkRoot string
	// Namespaced reports whether commands see the work directory at
	// workspace.GuestWorkDir instead of its host path.
	Namespaced bool
	// StaleAfter bounds how old a leftover job directory must be before
	// SweepStale removes it. Zero means defaultStaleAfter.
	StaleAfter time.Duration
}

const defaultStaleAfter = 10 * time.Minute

// Manager creates sandboxes and reclaims those a crashed process left behind.
type Manager struct {
	cfg    Config
	engine engine.Engine

	mu   sync.Mutex
	live map[string]struct{}
}

// NewManager creates a sandbox manager backed by eng.
func NewManager(cfg Config, eng engine.Engine) (*Manager, error) {
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.StaleAfter < 0 {
		return nil, fmt.Errorf("stale after must not be negative")
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	root, err := filepath.Abs(cfg.WorkRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve work root: %w", err)
	}
	cfg.WorkRoot = root
	if err := os.MkdirAll(cfg.WorkRoot, 0o711); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Manager{cfg: cfg, engine: eng, live: make(map[string]struct{})}, nil
}

// Create allocates the scratch directory of jobID.
func (m *Manager) Create(ctx context.Context, jobID string) (*Sandbox, error) {
	layout, err := workspace.New(m.cfg.WorkRoot, jobID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "sandbox layout")
	}
	if err := layout.Create(); err != nil {
		// Never touch a directory owned by another job.
		if !errors.Is(err, os.ErrExist) {
			_ = layout.Remove()
		}
		return nil, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create sandbox")
	}
	logger.Debug(ctx, "sandbox created", zap.String("dir", layout.RootDir))
	m.mu.Lock()
	m.live[jobID] = struct{}{}
	m.mu.Unlock()
	return &Sandbox{
		layout:     layout,
		engine:     m.engine,
		namespaced: m.cfg.Namespaced,
		onClose:    m.forget,
	}, nil
}

func (m *Manager) forget(jobID string) {
	m.mu.Lock()
	delete(m.live, jobID)
	m.mu.Unlock()
}

func (m *Manager) isLive(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[jobID]
	return ok
}

// SweepStale removes scratch directories and cgroups older than the
// configured age that no open sandbox owns. It runs at startup and then
// periodically.
func (m *Manager) SweepStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.StaleAfter)
	stale, err := workspace.Stale(m.cfg.WorkRoot, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale sandboxes: %w", err)
	}
	var errs []error
	removed := 0
	for _, layout := range stale {
		if m.isLive(layout.JobID) {
			continue
		}
		if err := m.engine.KillJob(ctx, layout.JobID); err != nil {
			errs = append(errs, err)
		}
		if err := layout.Remove(); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", layout.RootDir, err))
			continue
		}
		removed++
	}
	if err := m.engine.SweepStale(ctx); err != nil {
		errs = append(errs, err)
	}
	return removed, errors.Join(errs...)
}

// Sandbox is the isolation unit of exactly one job.
type Sandbox struct {
	layout     workspace.Layout
	engine     engine.Engine
	namespaced bool
	onClose    func(jobID string)

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// JobID returns the owning job id.
func (s *Sandbox) JobID() string {
	return s.layout.JobID
}

// GuestDir is the work directory as seen by sandboxed commands.
func (s *Sandbox) GuestDir() string {
	if s.namespaced {
		return workspace.GuestWorkDir
	}
	return s.layout.WorkDir
}

// WriteFile stores data under the work directory and returns the path
// commands use to reach it.
func (s *Sandbox) WriteFile(name string, data []byte) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", appErr.New(appErr.SandboxError).WithMessage("sandbox is closed")
	}
	hostPath, err := s.layout.Path(name)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxError, "invalid sandbox path")
	}
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o700); err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxError, "create sandbox dir")
	}
	if err := os.WriteFile(hostPath, data, 0o600); err != nil {
		return "", appErr.Wrapf(err, appErr.SandboxError, "write sandbox file")
	}
	rel, _ := filepath.Rel(s.layout.WorkDir, hostPath)
	return filepath.Join(s.GuestDir(), rel), nil
}

// Run executes cmd in the sandbox and blocks until its process group is gone.
func (s *Sandbox) Run(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return result.RunResult{}, appErr.New(appErr.SandboxError).WithMessage("sandbox is closed")
	}

	stdinPath := ""
	if cmd.StdinFile != "" {
		path, err := s.layout.Path(cmd.StdinFile)
		if err != nil {
			return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxError, "invalid stdin path")
		}
		stdinPath = path
	}
	return s.engine.Run(ctx, spec.RunSpec{
		JobID:     s.layout.JobID,
		Phase:     cmd.Phase,
		WorkDir:   s.layout.WorkDir,
		GuestDir:  workspace.GuestWorkDir,
		RootFS:    s.layout.RootFS,
		Cmd:       cmd.Argv,
		Env:       cmd.Env,
		StdinPath: stdinPath,
		Limits:    cmd.Limits,
	})
}

// Close kills anything still running for the job and removes its scratch
// directory. Only the first call does work; later calls return its error.
func (s *Sandbox) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		var errs []error
		if err := s.engine.KillJob(ctx, s.layout.JobID); err != nil {
			errs = append(errs, err)
		}
		if err := s.layout.Remove(); err != nil {
			errs = append(errs, err)
		}
		if s.onClose != nil {
			s.onClose(s.layout.JobID)
		}
		if len(errs) > 0 {
			s.closeErr = appErr.Wrapf(errors.Join(errs...), appErr.SandboxLeak, "sandbox teardown failed")
			logger.Error(ctx, "sandbox teardown failed", zap.String("dir", s.layout.RootDir), zap.Error(s.closeErr))
			return
		}
		logger.Debug(ctx, "sandbox removed", zap.String("dir", s.layout.RootDir))
	})
	return s.closeErr
}
