package dispatcher

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"runbox/internal/execution/language"
	"runbox/internal/execution/model"
	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/spec"
	"runbox/internal/execution/scheduler"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
)

type phaseFunc func(ctx context.Context, cmd spec.Command) (result.RunResult, error)

type fakeSandbox struct {
	mu       sync.Mutex
	files    map[string]string
	phases   []spec.Phase
	run      phaseFunc
	closeErr error
	closed   int
}

func (s *fakeSandbox) WriteFile(name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = string(data)
	return "/work/" + name, nil
}

func (s *fakeSandbox) GuestDir() string {
	return "/work"
}

func (s *fakeSandbox) Run(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
	s.mu.Lock()
	s.phases = append(s.phases, cmd.Phase)
	s.mu.Unlock()
	return s.run(ctx, cmd)
}

func (s *fakeSandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

type fakeFactory struct {
	mu        sync.Mutex
	run       phaseFunc
	closeErr  error
	createErr error
	created   []*fakeSandbox
}

func (f *fakeFactory) Create(ctx context.Context, jobID string) (Sandbox, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	sb := &fakeSandbox{files: make(map[string]string), run: f.run, closeErr: f.closeErr}
	f.created = append(f.created, sb)
	return sb, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type recordingObserver struct {
	mu       sync.Mutex
	results  []model.ExecutionResult
	rejected []appErr.ErrorCode
}

func (o *recordingObserver) ObserveResult(ctx context.Context, res model.ExecutionResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, res)
}

func (o *recordingObserver) ObserveRejected(ctx context.Context, lang string, code appErr.ErrorCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected = append(o.rejected, code)
}

func exitWith(code int, stdout, stderr string) result.RunResult {
	return result.RunResult{ExitCode: result.IntPtr(code), Stdout: stdout, Stderr: stderr}
}

func newTestDispatcher(t *testing.T, factory *fakeFactory, schedCfg scheduler.Config) (*Dispatcher, *recordingObserver) {
	t.Helper()
	reg, err := language.NewRegistry(nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	obs := &recordingObserver{}
	d, err := New(Config{
		Registry:  reg,
		Scheduler: scheduler.New(schedCfg),
		Sandboxes: factory,
		Observer:  obs,
	})
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d, obs
}

func TestRunValidation(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		return exitWith(0, "", ""), nil
	}}
	d, obs := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})

	cases := []struct {
		name string
		req  RunRequest
		code appErr.ErrorCode
	}{
		{name: "unsupported_language", req: RunRequest{Language: "cobol", Source: "x"}, code: appErr.LanguageNotSupported},
		{name: "source_too_large", req: RunRequest{Language: "python", Source: strings.Repeat("x", 64*1024+1)}, code: appErr.CodeTooLarge},
		{name: "empty_source", req: RunRequest{Language: "python"}, code: appErr.ValidationFailed},
		{name: "stdin_too_large", req: RunRequest{Language: "python", Source: "x", Stdin: strings.Repeat("x", 1024*1024+1)}, code: appErr.CustomInputTooLarge},
		{name: "job_id_path", req: RunRequest{Language: "python", Source: "x", JobID: "../etc"}, code: appErr.ValidationFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := d.Run(context.Background(), tc.req)
			if appErr.GetCode(err) != tc.code {
				t.Fatalf("expected %d, got %v", tc.code, err)
			}
		})
	}
	if factory.count() != 0 {
		t.Fatalf("validation failures must not allocate sandboxes")
	}
	if len(obs.rejected) != len(cases) {
		t.Fatalf("expected %d rejections, got %d", len(cases), len(obs.rejected))
	}
}

func TestRunPythonCompleted(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		return exitWith(0, "hello\n", ""), nil
	}}
	d, obs := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})

	res, err := d.Run(context.Background(), RunRequest{Language: "python", Source: "print('hello')", Stdin: "42\n"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != model.StateCompleted || res.Stdout != "hello\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0")
	}
	if res.JobID == "" || res.Language != "python" {
		t.Fatalf("missing identity: %+v", res)
	}
	sb := factory.created[0]
	if sb.files["main.py"] != "print('hello')" || sb.files["stdin.txt"] != "42\n" {
		t.Fatalf("unexpected sandbox files: %v", sb.files)
	}
	if sb.closed != 1 {
		t.Fatalf("sandbox must be closed exactly once, got %d", sb.closed)
	}
	if len(obs.results) != 1 {
		t.Fatalf("result not observed")
	}
}

func TestRunNonZeroExitIsCompleted(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		return exitWith(2, "", "Traceback\n"), nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})
	res, err := d.Run(context.Background(), RunRequest{Language: "py", Source: "raise SystemExit(2)"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != model.StateCompleted || res.ExitCode == nil || *res.ExitCode != 2 || res.Stderr != "Traceback\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestRunCppCompileFailedNeverExecutes(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		if cmd.Phase == spec.PhaseCompile {
			return exitWith(1, "", "main.cpp:1:1: error: expected ';'\n"), nil
		}
		return exitWith(0, "should not run", ""), nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})

	res, err := d.Run(context.Background(), RunRequest{Language: "cpp", Source: "int main() { return 0 }"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != model.StateCompileFailed {
		t.Fatalf("expected CompileFailed, got %s", res.State)
	}
	if !strings.Contains(res.Stderr, "expected ';'") {
		t.Fatalf("diagnostics must pass through: %q", res.Stderr)
	}
	sb := factory.created[0]
	if len(sb.phases) != 1 || sb.phases[0] != spec.PhaseCompile {
		t.Fatalf("execute must never run after a failed compile: %v", sb.phases)
	}
	if sb.closed != 1 {
		t.Fatalf("sandbox not closed")
	}
}

func TestRunCppCompilesThenRuns(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		if cmd.Phase == spec.PhaseCompile {
			return exitWith(0, "", ""), nil
		}
		return exitWith(0, "3\n", ""), nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})
	res, err := d.Run(context.Background(), RunRequest{Language: "c++", Source: "int main(){}"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != model.StateCompleted || res.Stdout != "3\n" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if phases := factory.created[0].phases; len(phases) != 2 || phases[1] != spec.PhaseRun {
		t.Fatalf("unexpected phases: %v", phases)
	}
}

func TestRunOutcomes(t *testing.T) {
	cases := []struct {
		name       string
		run        result.RunResult
		wantState  model.JobState
		wantMarker string
	}{
		{
			name:       "timeout",
			run:        result.RunResult{TimedOut: true, Stdout: "partial"},
			wantState:  model.StateTimedOut,
			wantMarker: model.TimeoutMarker,
		},
		{
			name:       "killed_by_signal",
			run:        result.RunResult{Killed: true, Signal: "SIGSEGV"},
			wantState:  model.StateKilled,
			wantMarker: model.KilledMarker,
		},
		{
			name:      "truncated_completed",
			run:       result.RunResult{ExitCode: result.IntPtr(0), Stdout: "aaaa", StdoutTruncated: true},
			wantState: model.StateCompleted,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
				return tc.run, nil
			}}
			d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})
			res, err := d.Run(context.Background(), RunRequest{Language: "javascript", Source: "while(true){}"})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if res.State != tc.wantState {
				t.Fatalf("expected %s, got %s", tc.wantState, res.State)
			}
			if tc.wantMarker != "" {
				if !strings.HasSuffix(res.Stderr, tc.wantMarker) {
					t.Fatalf("stderr must end with marker: %q", res.Stderr)
				}
				if res.ExitCode != nil {
					t.Fatalf("abnormal termination must have nil exit code")
				}
			}
			if res.Stdout != tc.run.Stdout || res.Truncated != tc.run.Truncated() {
				t.Fatalf("output not carried over: %+v", res)
			}
		})
	}
}

func TestRunCompileTimeout(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		return result.RunResult{TimedOut: true}, nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})
	res, err := d.Run(context.Background(), RunRequest{Language: "cpp", Source: "template hell"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != model.StateTimedOut || !res.TimedOut || !strings.HasSuffix(res.Stderr, model.TimeoutMarker) {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCallerCancelDuringCompileIsKilled(t *testing.T) {
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		<-ctx.Done()
		return result.RunResult{Killed: true}, nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	res, err := d.Run(ctx, RunRequest{Language: "cpp", Source: "int main() { for (;;); }"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.State != model.StateKilled || !res.Killed || !strings.HasSuffix(res.Stderr, model.KilledMarker) {
		t.Fatalf("expected killed result, got %+v", res)
	}
	if res.ExitCode != nil {
		t.Fatalf("killed compile must not report an exit code: %+v", res)
	}
	if phases := factory.created[0].phases; len(phases) != 1 || phases[0] != spec.PhaseCompile {
		t.Fatalf("execute must not run after a cancelled compile: %v", phases)
	}
}

func TestCompileOutcome(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()

	cases := []struct {
		name      string
		ctx       context.Context
		out       language.CompileOutput
		cancelled bool
		want      model.JobState
	}{
		{name: "compile_error", ctx: live, out: language.CompileOutput{ExitCode: result.IntPtr(1), Stderr: "error"}, want: model.StateCompileFailed},
		{name: "compile_timeout", ctx: live, out: language.CompileOutput{TimedOut: true}, want: model.StateTimedOut},
		{name: "cancel_by_id", ctx: live, out: language.CompileOutput{Killed: true}, cancelled: true, want: model.StateKilled},
		{name: "caller_gone", ctx: cancelled, out: language.CompileOutput{Killed: true}, want: model.StateKilled},
		{name: "backstop_expired", ctx: expired, out: language.CompileOutput{Killed: true}, want: model.StateTimedOut},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := compileOutcome(tc.ctx, model.ExecutionResult{}, tc.out, tc.cancelled)
			if res.State != tc.want {
				t.Fatalf("compileOutcome() state = %s, want %s", res.State, tc.want)
			}
		})
	}
}

func TestRunInternalErrors(t *testing.T) {
	cases := []struct {
		name    string
		factory *fakeFactory
	}{
		{
			name:    "create_failed",
			factory: &fakeFactory{createErr: errors.New("disk full")},
		},
		{
			name: "engine_failed",
			factory: &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
				return result.RunResult{}, appErr.New(appErr.SandboxSetupFailed).WithMessage("secret detail")
			}},
		},
		{
			name: "teardown_failed",
			factory: &fakeFactory{
				run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
					return exitWith(0, "ok", ""), nil
				},
				closeErr: errors.New("group survived"),
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, _ := newTestDispatcher(t, tc.factory, scheduler.Config{PoolSize: 1})
			res, err := d.Run(context.Background(), RunRequest{Language: "python", Source: "print(1)"})
			if err != nil {
				t.Fatalf("internal errors are results, not errors: %v", err)
			}
			if res.State != model.StateInternalError || res.Stderr != model.InternalErrorMarker {
				t.Fatalf("unexpected result: %+v", res)
			}
			if res.Stdout != "" || strings.Contains(res.Stderr, "secret") {
				t.Fatalf("internal detail leaked: %+v", res)
			}
		})
	}
}

func TestRunQueueFull(t *testing.T) {
	unblock := make(chan struct{})
	started := make(chan struct{}, 1)
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		started <- struct{}{}
		<-unblock
		return exitWith(0, "", ""), nil
	}}
	d, obs := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1, QueueDepth: -1})

	done := make(chan error, 1)
	go func() {
		_, err := d.Run(context.Background(), RunRequest{Language: "python", Source: "1"})
		done <- err
	}()
	<-started

	_, err := d.Run(context.Background(), RunRequest{Language: "python", Source: "2"})
	if !appErr.Is(err, appErr.QueueFull) {
		t.Fatalf("expected QueueFull, got %v", err)
	}
	close(unblock)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if factory.count() != 1 {
		t.Fatalf("rejected job must not allocate a sandbox")
	}
	if len(obs.rejected) != 1 || obs.rejected[0] != appErr.QueueFull {
		t.Fatalf("rejection not observed: %v", obs.rejected)
	}
}

func TestCancelRunningJob(t *testing.T) {
	started := make(chan struct{}, 1)
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return result.RunResult{Killed: true, Signal: "SIGTERM"}, nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})

	resCh := make(chan model.ExecutionResult, 1)
	go func() {
		res, _ := d.Run(context.Background(), RunRequest{Language: "python", Source: "while True: pass", JobID: "job-cancel"})
		resCh <- res
	}()
	<-started
	if !d.Cancel(context.Background(), "job-cancel") {
		t.Fatalf("cancel must find the running job")
	}
	select {
	case res := <-resCh:
		if res.State != model.StateKilled || !res.Killed || !strings.HasSuffix(res.Stderr, model.KilledMarker) {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled job did not finish")
	}
	if d.Cancel(context.Background(), "job-cancel") {
		t.Fatalf("cancel after completion must be a no-op")
	}
}

func TestCancelRequiresOwner(t *testing.T) {
	started := make(chan struct{}, 1)
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return result.RunResult{Killed: true}, nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1})
	asUser := func(user string) context.Context {
		return context.WithValue(context.Background(), contextkey.UserID, user)
	}

	resCh := make(chan model.ExecutionResult, 1)
	go func() {
		res, _ := d.Run(asUser("alice"), RunRequest{Language: "python", Source: "while True: pass", JobID: "alice-job"})
		resCh <- res
	}()
	<-started

	if d.Cancel(asUser("mallory"), "alice-job") {
		t.Fatalf("another user must not cancel the job")
	}
	if d.Cancel(context.Background(), "alice-job") {
		t.Fatalf("an anonymous caller must not cancel an owned job")
	}
	select {
	case res := <-resCh:
		t.Fatalf("job finished after a rejected cancel: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	if !d.Cancel(asUser("alice"), "alice-job") {
		t.Fatalf("owner must be able to cancel")
	}
	select {
	case res := <-resCh:
		if res.State != model.StateKilled {
			t.Fatalf("unexpected result: %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("cancelled job did not finish")
	}
}

func TestCancelQueuedJobYieldsKilledResult(t *testing.T) {
	unblock := make(chan struct{})
	started := make(chan struct{}, 1)
	factory := &fakeFactory{run: func(ctx context.Context, cmd spec.Command) (result.RunResult, error) {
		started <- struct{}{}
		<-unblock
		return exitWith(0, "", ""), nil
	}}
	d, _ := newTestDispatcher(t, factory, scheduler.Config{PoolSize: 1, QueueDepth: 2, QueueWait: time.Minute})

	go func() { _, _ = d.Run(context.Background(), RunRequest{Language: "python", Source: "1"}) }()
	<-started
	resCh := make(chan model.ExecutionResult, 1)
	go func() {
		res, err := d.Run(context.Background(), RunRequest{Language: "python", Source: "2", JobID: "queued"})
		if err != nil {
			t.Errorf("queued job cancelled by id must yield a result: %v", err)
		}
		resCh <- res
	}()
	deadline := time.Now().Add(2 * time.Second)
	for d.Stats().Queued != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("job never queued")
		}
		time.Sleep(time.Millisecond)
	}
	d.Cancel(context.Background(), "queued")
	res := <-resCh
	close(unblock)
	if res.State != model.StateKilled || res.JobID != "queued" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if factory.count() != 1 {
		t.Fatalf("cancelled queued job must not allocate a sandbox")
	}
}

func TestLanguages(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeFactory{}, scheduler.Config{PoolSize: 1})
	langs := d.Languages()
	if len(langs) != 3 {
		t.Fatalf("expected 3 languages, got %d", len(langs))
	}
	for _, info := range langs {
		if (info.Name == "cpp") != (info.CompileLimits != nil) {
			t.Fatalf("only cpp has compile limits: %+v", info)
		}
		if info.RunLimits.WallTimeMs <= 0 {
			t.Fatalf("run limits missing: %+v", info)
		}
	}
}

func TestBackstopDeadline(t *testing.T) {
	d, _ := newTestDispatcher(t, &fakeFactory{}, scheduler.Config{PoolSize: 1})
	reg, _ := language.NewRegistry(nil)
	cpp, _ := reg.Get(language.Cpp)
	py, _ := reg.Get(language.Python)
	if got := d.backstop(language.Cpp, cpp); got != 15*time.Second+2*defaultGracePeriod {
		t.Fatalf("unexpected cpp backstop: %v", got)
	}
	if got := d.backstop(language.Python, py); got != 5*time.Second+2*defaultGracePeriod {
		t.Fatalf("unexpected python backstop: %v", got)
	}
}
