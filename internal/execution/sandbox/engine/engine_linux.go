//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"runbox/internal/execution/sandbox/collector"
	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/security"
	"runbox/internal/execution/sandbox/spec"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const maxSetupErrorBytes = 4096

type tracked struct {
	pgids   map[int]struct{}
	cgroups map[string]struct{}
}

type linuxEngine struct {
	cfg       Config
	seccomp   *security.SeccompProfile
	registry  map[string]*tracked
	registryM sync.Mutex

	// joinCgroup moves the helper into its run cgroup.
	joinCgroup func(cgroupPath string, pid int) error
}

// NewEngine creates a Linux sandbox engine.
func NewEngine(cfg Config) (Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.EnableSeccomp && cfg.Isolation.SeccompProfile == "" {
		return nil, fmt.Errorf("seccomp profile is required when seccomp is enabled")
	}
	if !filepath.IsAbs(cfg.HelperPath) {
		path, err := exec.LookPath(cfg.HelperPath)
		if err != nil {
			return nil, fmt.Errorf("resolve helper: %w", err)
		}
		cfg.HelperPath = path
	}
	var profile *security.SeccompProfile
	if cfg.EnableSeccomp {
		loaded, err := security.LoadSeccompProfile(cfg.Isolation.SeccompProfile)
		if err != nil {
			return nil, err
		}
		profile = loaded
	}
	if cfg.EnableCgroup {
		if err := prepareCgroupRoot(cfg.CgroupRoot); err != nil {
			return nil, fmt.Errorf("prepare cgroup root: %w", err)
		}
	}
	return &linuxEngine{
		cfg:        cfg,
		seccomp:    profile,
		registry:   make(map[string]*tracked),
		joinCgroup: addProcessToCgroup,
	}, nil
}

func (e *linuxEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	if err := validateRunSpec(runSpec); err != nil {
		return result.RunResult{}, err
	}

	cgroupPath := ""
	if e.cfg.EnableCgroup {
		path, err := createRunCgroup(e.cfg.CgroupRoot, runSpec.JobID, string(runSpec.Phase))
		if err != nil {
			return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create cgroup")
		}
		cgroupPath = path
		e.trackCgroup(runSpec.JobID, cgroupPath)
		defer func() {
			e.untrackCgroup(runSpec.JobID, cgroupPath)
			if err := removeCgroup(cgroupPath); err != nil {
				logger.Warn(ctx, "remove cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
			}
		}()
		if err := applyCgroupLimits(cgroupPath, runSpec.Limits); err != nil {
			return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "apply cgroup limits")
		}
	}

	if err := e.prepareOwnership(runSpec.WorkDir); err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "prepare work dir")
	}

	stdin, err := openStdin(runSpec.StdinPath)
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "open stdin")
	}
	defer stdin.Close()

	initR, initW, err := os.Pipe()
	if err != nil {
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create init pipe")
	}
	defer initW.Close()
	statusR, statusW, err := os.Pipe()
	if err != nil {
		_ = initR.Close()
		return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "create status pipe")
	}
	defer statusR.Close()

	out := collector.NewPair(e.cfg.OutputLimitBytes)
	cmd := exec.Command(e.cfg.HelperPath)
	cmd.Env = []string{}
	cmd.Stdin = stdin
	cmd.Stdout = out.Stdout
	cmd.Stderr = out.Stderr
	// fd 3 carries the init request, fd 4 reports setup failures and is
	// closed by exec on success.
	cmd.ExtraFiles = []*os.File{initR, statusW}
	cmd.SysProcAttr = e.buildSysProcAttr()
	cmd.WaitDelay = e.cfg.GracePeriod

	start := time.Now()
	startErr := cmd.Start()
	_ = initR.Close()
	_ = statusW.Close()
	if startErr != nil {
		return result.RunResult{}, appErr.Wrapf(startErr, appErr.HelperStartFailed, "start helper")
	}
	pgid := cmd.Process.Pid
	e.trackGroup(runSpec.JobID, pgid)
	defer e.untrackGroup(runSpec.JobID, pgid)

	// The helper blocks on fd 3, so joining the cgroup before writing the
	// request keeps every user instruction under the cgroup limits. A helper
	// that cannot join never receives its request.
	if cgroupPath != "" {
		if err := e.joinCgroup(cgroupPath, pgid); err != nil {
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			_ = initW.Close()
			_ = cmd.Wait()
			if reapErr := e.reap(pgid, cgroupPath, true); reapErr != nil {
				logger.Error(ctx, "reap helper after cgroup failure", zap.Error(reapErr))
			}
			return result.RunResult{}, appErr.Wrapf(err, appErr.SandboxSetupFailed, "join cgroup %s", cgroupPath)
		}
	}

	setupCh := make(chan string, 1)
	go func() {
		data, _ := io.ReadAll(io.LimitReader(statusR, maxSetupErrorBytes))
		setupCh <- string(data)
	}()

	if err := json.NewEncoder(initW).Encode(e.buildInitRequest(runSpec)); err != nil {
		logger.Warn(ctx, "write init request failed", zap.Error(err))
	}
	_ = initW.Close()

	var timedOut, cancelled atomic.Bool
	done := make(chan struct{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		var wallTimer <-chan time.Time
		if wall := durationFromMs(runSpec.Limits.WallTimeMs); wall > 0 {
			timer := time.NewTimer(wall)
			defer timer.Stop()
			wallTimer = timer.C
		}
		select {
		case <-done:
			return
		case <-wallTimer:
			timedOut.Store(true)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timedOut.Store(true)
			} else {
				cancelled.Store(true)
			}
		}
		e.terminate(pgid, cgroupPath, done)
	}()

	waitErr := cmd.Wait()
	wallTime := time.Since(start)
	close(done)
	<-watchDone
	setupErr := <-setupCh

	if waitErr != nil && !isExitError(waitErr) {
		logger.Warn(ctx, "helper wait returned", zap.Error(waitErr))
	}

	runResult := result.RunResult{
		Stdout:          out.Stdout.String(),
		Stderr:          out.Stderr.String(),
		StdoutTruncated: out.Stdout.Truncated(),
		StderrTruncated: out.Stderr.Truncated(),
		CPUTimeMs:       cpuTimeMs(cmd.ProcessState),
		WallTimeMs:      wallTime.Milliseconds(),
		MemoryKB:        memoryPeakKB(cgroupPath, cmd.ProcessState),
		OomKilled:       wasOomKilled(cgroupPath),
	}
	applyExitStatus(&runResult, cmd.ProcessState, timedOut.Load(), cancelled.Load())

	reapErr := e.reap(pgid, cgroupPath, true)
	if setupErr != "" {
		return runResult, appErr.Newf(appErr.SandboxSetupFailed, "sandbox setup: %s", setupErr)
	}
	if reapErr != nil {
		return runResult, appErr.Wrapf(reapErr, appErr.SandboxLeak, "reap job %s", runSpec.JobID)
	}
	return runResult, nil
}

// applyExitStatus maps the wait status into exit code and flags.
// Only a normal exit carries an exit code.
func applyExitStatus(r *result.RunResult, state *os.ProcessState, timedOut, cancelled bool) {
	if state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok {
			switch {
			case ws.Exited():
				r.ExitCode = result.IntPtr(ws.ExitStatus())
			case ws.Signaled():
				r.Signal = unix.SignalName(ws.Signal())
				if ws.Signal() == syscall.SIGXCPU {
					timedOut = true
				} else {
					r.Killed = true
				}
			}
		}
	}
	if r.OomKilled {
		r.Killed = true
	}
	switch {
	case timedOut:
		r.TimedOut = true
		r.Killed = false
		r.ExitCode = nil
	case cancelled:
		r.Killed = true
		r.ExitCode = nil
	case r.Killed:
		r.ExitCode = nil
	}
}

// terminate sends SIGTERM to the group, then SIGKILL once the grace period
// elapses unless the leader exits first.
func (e *linuxEngine) terminate(pgid int, cgroupPath string, done <-chan struct{}) {
	_ = syscall.Kill(-pgid, syscall.SIGTERM)
	grace := time.NewTimer(e.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	if cgroupPath != "" {
		_ = killCgroup(cgroupPath)
	}
}

func (e *linuxEngine) KillJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	pgids, cgroups := e.snapshot(jobID)
	for _, pgid := range pgids {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Warn(ctx, "kill process group failed", zap.Int("pgid", pgid), zap.Error(err))
		}
	}
	for _, cgroupPath := range cgroups {
		if err := killCgroup(cgroupPath); err != nil {
			logger.Warn(ctx, "kill cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	var errs []error
	for _, pgid := range pgids {
		if err := e.reap(pgid, "", false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *linuxEngine) SweepStale(ctx context.Context) error {
	if !e.cfg.EnableCgroup {
		return nil
	}
	removed, err := sweepCgroups(e.cfg.CgroupRoot, e.activeJobs())
	if removed > 0 {
		logger.Info(ctx, "removed stale cgroups", zap.Int("count", removed))
	}
	return err
}

func (e *linuxEngine) entry(jobID string) *tracked {
	t, ok := e.registry[jobID]
	if !ok {
		t = &tracked{pgids: make(map[int]struct{}), cgroups: make(map[string]struct{})}
		e.registry[jobID] = t
	}
	return t
}

func (e *linuxEngine) release(jobID string) {
	if t, ok := e.registry[jobID]; ok && len(t.pgids) == 0 && len(t.cgroups) == 0 {
		delete(e.registry, jobID)
	}
}

func (e *linuxEngine) trackGroup(jobID string, pgid int) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.entry(jobID).pgids[pgid] = struct{}{}
}

func (e *linuxEngine) untrackGroup(jobID string, pgid int) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	if t, ok := e.registry[jobID]; ok {
		delete(t.pgids, pgid)
	}
	e.release(jobID)
}

func (e *linuxEngine) trackCgroup(jobID, cgroupPath string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	e.entry(jobID).cgroups[cgroupPath] = struct{}{}
}

func (e *linuxEngine) untrackCgroup(jobID, cgroupPath string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	if t, ok := e.registry[jobID]; ok {
		delete(t.cgroups, cgroupPath)
	}
	e.release(jobID)
}

func (e *linuxEngine) snapshot(jobID string) ([]int, []string) {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	t, ok := e.registry[jobID]
	if !ok {
		return nil, nil
	}
	pgids := make([]int, 0, len(t.pgids))
	for pgid := range t.pgids {
		pgids = append(pgids, pgid)
	}
	cgroups := make([]string, 0, len(t.cgroups))
	for path := range t.cgroups {
		cgroups = append(cgroups, path)
	}
	return pgids, cgroups
}

func (e *linuxEngine) activeJobs() map[string]struct{} {
	e.registryM.Lock()
	defer e.registryM.Unlock()
	out := make(map[string]struct{}, len(e.registry))
	for jobID := range e.registry {
		out[jobID] = struct{}{}
	}
	return out
}

func (e *linuxEngine) buildInitRequest(runSpec spec.RunSpec) initRequest {
	req := initRequest{
		WorkDir:       runSpec.WorkDir,
		GuestDir:      runSpec.WorkDir,
		Cmd:           runSpec.Cmd,
		Env:           runSpec.Env,
		Limits:        runSpec.Limits,
		EnableSeccomp: e.cfg.EnableSeccomp,
		EnableNs:      e.cfg.EnableNamespaces,
	}
	if e.cfg.EnableSeccomp {
		req.Seccomp = e.seccomp
	}
	if !e.cfg.EnableNamespaces {
		return req
	}
	req.RootFS = runSpec.RootFS
	req.GuestDir = runSpec.GuestDir
	req.TmpfsSizeMB = e.cfg.Isolation.TmpfsSizeMB
	for _, path := range e.cfg.Isolation.SystemMounts {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		req.BindMounts = append(req.BindMounts, spec.MountSpec{Source: path, Target: path, ReadOnly: true})
	}
	req.BindMounts = append(req.BindMounts, runSpec.BindMounts...)
	req.BindMounts = append(req.BindMounts, spec.MountSpec{Source: runSpec.WorkDir, Target: runSpec.GuestDir})
	return req
}

func (e *linuxEngine) buildSysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !e.cfg.EnableNamespaces {
		if e.cfg.RunAsUID != os.Getuid() || e.cfg.RunAsGID != os.Getgid() {
			attr.Credential = &syscall.Credential{Uid: uint32(e.cfg.RunAsUID), Gid: uint32(e.cfg.RunAsGID)}
		}
		return attr
	}

	// A fresh network namespace has only a down loopback, so nothing is reachable.
	attr.Cloneflags = syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWNET | syscall.CLONE_NEWUSER
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: e.cfg.RunAsUID, Size: 1}}
	attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: e.cfg.RunAsGID, Size: 1}}
	return attr
}

// prepareOwnership hands the work directory to the sandbox user when it
// differs from the service user.
func (e *linuxEngine) prepareOwnership(workDir string) error {
	if e.cfg.RunAsUID == os.Getuid() && e.cfg.RunAsGID == os.Getgid() {
		return nil
	}
	return filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Lchown(path, e.cfg.RunAsUID, e.cfg.RunAsGID)
	})
}

func validateRunSpec(runSpec spec.RunSpec) error {
	if runSpec.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if runSpec.WorkDir == "" {
		return appErr.ValidationError("work_dir", "required")
	}
	if len(runSpec.Cmd) == 0 {
		return appErr.ValidationError("cmd", "required")
	}
	if runSpec.Phase != spec.PhaseCompile && runSpec.Phase != spec.PhaseRun {
		return appErr.ValidationError("phase", "unknown")
	}
	return nil
}

func openStdin(path string) (*os.File, error) {
	if path == "" {
		path = os.DevNull
	}
	return os.Open(path)
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}
