package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/spec"
	"runbox/internal/execution/sandbox/workspace"
	appErr "runbox/pkg/errors"
)

type fakeEngine struct {
	mu       sync.Mutex
	runs     []spec.RunSpec
	kills    []string
	sweeps   int
	killErr  error
	runStdin string
}

func (f *fakeEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runSpec)
	if runSpec.StdinPath != "" {
		data, err := os.ReadFile(runSpec.StdinPath)
		if err != nil {
			return result.RunResult{}, err
		}
		f.runStdin = string(data)
	}
	return result.RunResult{ExitCode: result.IntPtr(0)}, nil
}

func (f *fakeEngine) KillJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, jobID)
	return f.killErr
}

func (f *fakeEngine) SweepStale(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return nil
}

func newTestManager(t *testing.T, namespaced bool) (*Manager, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	mgr, err := NewManager(Config{WorkRoot: t.TempDir(), Namespaced: namespaced, StaleAfter: time.Hour}, eng)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, eng
}

func TestSandboxLifecycle(t *testing.T) {
	mgr, eng := newTestManager(t, false)
	ctx := context.Background()

	sb, err := mgr.Create(ctx, "job-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	guestPath, err := sb.WriteFile("main.py", []byte("print(1)"))
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	if guestPath != filepath.Join(sb.GuestDir(), "main.py") {
		t.Fatalf("unexpected guest path: %s", guestPath)
	}
	if _, err := sb.WriteFile(workspace.StdinFile, []byte("input")); err != nil {
		t.Fatalf("write stdin: %v", err)
	}

	if _, err := sb.Run(ctx, spec.Command{Phase: spec.PhaseRun, Argv: []string{"python3", guestPath}, StdinFile: workspace.StdinFile}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(eng.runs) != 1 || eng.runs[0].JobID != "job-1" || eng.runs[0].Phase != spec.PhaseRun {
		t.Fatalf("unexpected runs: %+v", eng.runs)
	}
	if eng.runStdin != "input" {
		t.Fatalf("stdin not passed through: %q", eng.runStdin)
	}

	root := filepath.Dir(sb.layout.WorkDir)
	if err := sb.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sb.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(eng.kills) != 1 {
		t.Fatalf("teardown must run exactly once, got %d", len(eng.kills))
	}
	if _, err := os.Stat(root); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("scratch dir still present: %v", err)
	}
	if _, err := sb.Run(ctx, spec.Command{Phase: spec.PhaseRun, Argv: []string{"true"}}); !appErr.Is(err, appErr.SandboxError) {
		t.Fatalf("run after close should fail, got %v", err)
	}
	if _, err := sb.WriteFile("x", nil); err == nil {
		t.Fatalf("write after close should fail")
	}
}

func TestSandboxGuestDir(t *testing.T) {
	mgr, _ := newTestManager(t, true)
	sb, err := mgr.Create(context.Background(), "job-ns")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sb.Close(context.Background())

	if sb.GuestDir() != workspace.GuestWorkDir {
		t.Fatalf("expected %s, got %s", workspace.GuestWorkDir, sb.GuestDir())
	}
	path, err := sb.WriteFile("main.cpp", []byte("int main(){}"))
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	if path != workspace.GuestWorkDir+"/main.cpp" {
		t.Fatalf("unexpected guest path: %s", path)
	}
	path, err = sb.WriteFile("../escape", []byte("x"))
	if err != nil {
		t.Fatalf("write file: %v", err)
	}
	if path != workspace.GuestWorkDir+"/escape" {
		t.Fatalf("path escaped the work dir: %s", path)
	}
}

func TestSandboxCloseReportsLeak(t *testing.T) {
	mgr, eng := newTestManager(t, false)
	eng.killErr = errors.New("group survived")
	sb, err := mgr.Create(context.Background(), "job-leak")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sb.Close(context.Background()); !appErr.Is(err, appErr.SandboxLeak) {
		t.Fatalf("expected leak error, got %v", err)
	}
}

func TestManagerCreateDuplicate(t *testing.T) {
	mgr, _ := newTestManager(t, false)
	sb, err := mgr.Create(context.Background(), "job-dup")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer sb.Close(context.Background())
	if _, err := mgr.Create(context.Background(), "job-dup"); !appErr.Is(err, appErr.SandboxSetupFailed) {
		t.Fatalf("expected setup failure, got %v", err)
	}
}

func TestManagerSweepStale(t *testing.T) {
	mgr, eng := newTestManager(t, false)
	ctx := context.Background()
	past := time.Now().Add(-2 * time.Hour)

	// Left behind by a crashed process: nothing in this manager owns it.
	orphan, err := workspace.New(mgr.cfg.WorkRoot, "job-orphan")
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if err := orphan.Create(); err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if err := os.Chtimes(orphan.RootDir, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	// Old but still running.
	busy, err := mgr.Create(ctx, "job-busy")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := os.Chtimes(busy.layout.RootDir, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	fresh, err := mgr.Create(ctx, "job-fresh")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer fresh.Close(ctx)

	removed, err := mgr.SweepStale(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if eng.sweeps != 1 {
		t.Fatalf("engine sweep not called")
	}
	if _, err := os.Stat(orphan.RootDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("orphan dir still present")
	}
	for _, sb := range []*Sandbox{busy, fresh} {
		if _, err := os.Stat(sb.layout.RootDir); err != nil {
			t.Fatalf("live sandbox %s removed: %v", sb.JobID(), err)
		}
	}

	// Once closed the job is no longer protected.
	if err := busy.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if mgr.isLive("job-busy") {
		t.Fatalf("closed sandbox still tracked")
	}
}

func TestNewManagerStaleAfter(t *testing.T) {
	eng := &fakeEngine{}
	if _, err := NewManager(Config{WorkRoot: t.TempDir(), StaleAfter: -time.Second}, eng); err == nil {
		t.Fatalf("negative stale age must be rejected")
	}
	mgr, err := NewManager(Config{WorkRoot: t.TempDir()}, eng)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if mgr.cfg.StaleAfter != defaultStaleAfter {
		t.Fatalf("expected default stale age, got %v", mgr.cfg.StaleAfter)
	}
}
