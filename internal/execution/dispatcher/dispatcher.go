// Package dispatcher is the entry point of code execution: it validates a
// request, admits it through the scheduler and turns the sandbox outcome
// into an ExecutionResult.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"runbox/internal/execution/language"
	"runbox/internal/execution/model"
	"runbox/internal/execution/repository"
	"runbox/internal/execution/sandbox"
	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/spec"
	"runbox/internal/execution/sandbox/workspace"
	"runbox/internal/execution/scheduler"
	appErr "runbox/pkg/errors"
	"runbox/pkg/utils/contextkey"
	"runbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultMaxSourceBytes = 64 * 1024
	defaultMaxStdinBytes  = 1024 * 1024
	defaultGracePeriod    = 500 * time.Millisecond
	publishTimeout        = 2 * time.Second
)

// Client-chosen job ids name sandbox directories.
var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// RunRequest is one client submission. JobID is optional.
type RunRequest struct {
	Language string
	Source   string
	Stdin    string
	JobID    string
}

// Sandbox is a per-job isolation unit.
type Sandbox interface {
	language.Workspace
	Close(ctx context.Context) error
}

// SandboxFactory creates one sandbox per job.
type SandboxFactory interface {
	Create(ctx context.Context, jobID string) (Sandbox, error)
}

type managerFactory struct {
	manager *sandbox.Manager
}

// FromManager adapts a sandbox manager to SandboxFactory.
func FromManager(m *sandbox.Manager) SandboxFactory {
	return managerFactory{manager: m}
}

func (f managerFactory) Create(ctx context.Context, jobID string) (Sandbox, error) {
	sb, err := f.manager.Create(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return sb, nil
}

// Observer receives job outcomes for metrics.
type Observer interface {
	ObserveResult(ctx context.Context, res model.ExecutionResult)
	ObserveRejected(ctx context.Context, language string, code appErr.ErrorCode)
}

type noopObserver struct{}

func (noopObserver) ObserveResult(context.Context, model.ExecutionResult) {}

func (noopObserver) ObserveRejected(context.Context, string, appErr.ErrorCode) {}

// Config wires a Dispatcher.
type Config struct {
	Registry       *language.Registry
	Scheduler      *scheduler.Scheduler
	Sandboxes      SandboxFactory
	Observer       Observer
	Events         repository.ResultEventPublisher
	MaxSourceBytes int
	MaxStdinBytes  int
	GracePeriod    time.Duration
}

// LanguageInfo describes one supported language.
type LanguageInfo struct {
	Name          string              `json:"name"`
	Compiled      bool                `json:"compiled"`
	CompileLimits *spec.ResourceLimit `json:"compileLimits,omitempty"`
	RunLimits     spec.ResourceLimit  `json:"runLimits"`
}

// Dispatcher runs execution requests end to end.
type Dispatcher struct {
	registry       *language.Registry
	scheduler      *scheduler.Scheduler
	sandboxes      SandboxFactory
	observer       Observer
	events         repository.ResultEventPublisher
	maxSourceBytes int
	maxStdinBytes  int
	grace          time.Duration
}

// New creates a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil || cfg.Scheduler == nil || cfg.Sandboxes == nil {
		return nil, fmt.Errorf("registry, scheduler and sandbox factory are required")
	}
	d := &Dispatcher{
		registry:       cfg.Registry,
		scheduler:      cfg.Scheduler,
		sandboxes:      cfg.Sandboxes,
		observer:       cfg.Observer,
		events:         cfg.Events,
		maxSourceBytes: cfg.MaxSourceBytes,
		maxStdinBytes:  cfg.MaxStdinBytes,
		grace:          cfg.GracePeriod,
	}
	if d.observer == nil {
		d.observer = noopObserver{}
	}
	if d.maxSourceBytes <= 0 {
		d.maxSourceBytes = defaultMaxSourceBytes
	}
	if d.maxStdinBytes <= 0 {
		d.maxStdinBytes = defaultMaxStdinBytes
	}
	if d.grace <= 0 {
		d.grace = defaultGracePeriod
	}
	return d, nil
}

// Run validates req, waits for a worker slot and executes it. Validation
// and admission failures are returned as errors before anything is
// allocated; every admitted job yields a result.
func (d *Dispatcher) Run(ctx context.Context, req RunRequest) (model.ExecutionResult, error) {
	lang, adapter, err := d.validate(req)
	if err != nil {
		d.observer.ObserveRejected(ctx, rejectLabel(req.Language), appErr.GetCode(err))
		return model.ExecutionResult{}, err
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	ctx = context.WithValue(ctx, contextkey.JobID, jobID)
	ctx = context.WithValue(ctx, contextkey.Language, string(lang))

	job := scheduler.NewJob(jobID, model.NewExecutionRequest(string(lang), req.Source, req.Stdin, time.Now()), d.backstop(lang, adapter))
	job.Owner = ownerOf(ctx)
	var res model.ExecutionResult
	err = d.scheduler.Schedule(ctx, job, func(runCtx context.Context, job *scheduler.Job) {
		res = d.execute(runCtx, job, adapter)
	})
	if err != nil {
		if !job.Cancelled() {
			logger.Warn(ctx, "job not admitted", zap.Error(err))
			d.observer.ObserveRejected(ctx, string(lang), appErr.GetCode(err))
			return model.ExecutionResult{}, err
		}
		// Cancelled through Cancel while still queued.
		res = model.ExecutionResult{
			JobID:    jobID,
			Language: string(lang),
			State:    model.StateKilled,
			Killed:   true,
			Stderr:   model.KilledMarker,
		}
	}
	if res.JobID == "" {
		// The job body panicked before producing a result.
		res = internalError(model.ExecutionResult{JobID: jobID, Language: string(lang)})
	}

	d.observer.ObserveResult(ctx, res)
	d.publish(ctx, res)
	logger.Info(ctx, "job finished",
		zap.String("state", string(res.State)),
		zap.Int64("duration_ms", res.DurationMs),
		zap.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// Cancel cancels a queued or running job submitted by the caller in ctx.
// A job owned by someone else is reported as not found.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) bool {
	return d.scheduler.CancelOwned(jobID, ownerOf(ctx))
}

func ownerOf(ctx context.Context) string {
	owner, _ := ctx.Value(contextkey.UserID).(string)
	return owner
}

// Languages lists the supported languages and their limits.
func (d *Dispatcher) Languages() []LanguageInfo {
	var out []LanguageInfo
	for _, lang := range language.All() {
		adapter, err := d.registry.Get(lang)
		if err != nil {
			continue
		}
		compile, run := adapter.Limits()
		info := LanguageInfo{Name: string(lang), Compiled: lang.Compiled(), RunLimits: run}
		if lang.Compiled() {
			info.CompileLimits = &compile
		}
		out = append(out, info)
	}
	return out
}

// Stats reports scheduler occupancy.
func (d *Dispatcher) Stats() scheduler.Stats {
	return d.scheduler.Stats()
}

func (d *Dispatcher) validate(req RunRequest) (language.Language, language.Adapter, error) {
	lang, err := language.Parse(req.Language)
	if err != nil {
		return "", nil, err
	}
	if len(req.Source) > d.maxSourceBytes {
		return "", nil, appErr.LimitError(appErr.CodeTooLarge, "code", len(req.Source), d.maxSourceBytes)
	}
	if len(req.Source) == 0 {
		return "", nil, appErr.ValidationError("code", "required")
	}
	if len(req.Stdin) > d.maxStdinBytes {
		return "", nil, appErr.LimitError(appErr.CustomInputTooLarge, "stdin", len(req.Stdin), d.maxStdinBytes)
	}
	if req.JobID != "" && !jobIDPattern.MatchString(req.JobID) {
		return "", nil, appErr.ValidationError("job_id", "must be 1-64 letters, digits, '-' or '_'")
	}
	adapter, err := d.registry.Get(lang)
	if err != nil {
		return "", nil, err
	}
	return lang, adapter, nil
}

// rejectLabel keeps metric labels within the closed language set.
func rejectLabel(name string) string {
	lang, err := language.Parse(name)
	if err != nil {
		return "unknown"
	}
	return string(lang)
}

// backstop is the whole-job deadline: every phase plus two grace periods.
func (d *Dispatcher) backstop(lang language.Language, adapter language.Adapter) time.Duration {
	compile, run := adapter.Limits()
	total := time.Duration(run.WallTimeMs) * time.Millisecond
	if lang.Compiled() {
		total += time.Duration(compile.WallTimeMs) * time.Millisecond
	}
	if total <= 0 {
		return 0
	}
	return total + 2*d.grace
}

// execute runs one job inside its own sandbox and moves it to a terminal state.
func (d *Dispatcher) execute(ctx context.Context, job *scheduler.Job, adapter language.Adapter) model.ExecutionResult {
	start := time.Now()
	res := d.runInSandbox(ctx, job, adapter)
	res.DurationMs = time.Since(start).Milliseconds()
	job.Transition(res.State)
	return res
}

func (d *Dispatcher) runInSandbox(ctx context.Context, job *scheduler.Job, adapter language.Adapter) (res model.ExecutionResult) {
	res = model.ExecutionResult{JobID: job.ID, Language: job.Request.Language()}

	sb, err := d.sandboxes.Create(ctx, job.ID)
	if err != nil {
		logger.Error(ctx, "create sandbox failed", zap.Error(err))
		return internalError(res)
	}
	defer func() {
		// Teardown must run even when the job context is already done.
		if closeErr := sb.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.Error(ctx, "sandbox teardown failed", zap.Error(closeErr))
			res = internalError(res)
		}
	}()

	src, err := adapter.Prepare(sb, job.Request.Source())
	if err != nil {
		logger.Error(ctx, "prepare source failed", zap.Error(err))
		return internalError(res)
	}
	hasStdin := job.Request.Stdin() != ""
	if hasStdin {
		if _, err := sb.WriteFile(workspace.StdinFile, []byte(job.Request.Stdin())); err != nil {
			logger.Error(ctx, "write stdin failed", zap.Error(err))
			return internalError(res)
		}
	}

	compiled, err := adapter.Compile(ctx, sb, src)
	if err != nil {
		logger.Error(ctx, "compile phase failed", zap.Error(err))
		return internalError(res)
	}
	if !compiled.OK {
		return compileOutcome(ctx, res, compiled, job.Cancelled())
	}

	runRes, err := adapter.Execute(ctx, sb, compiled.Target, hasStdin)
	if err != nil {
		logger.Error(ctx, "execute phase failed", zap.Error(err))
		return internalError(res)
	}
	return runOutcome(res, runRes)
}

// compileOutcome maps a failed compile. A compiler stopped by a deadline, a
// cancel or the caller going away is reported as such; anything else is a
// compile failure.
func compileOutcome(ctx context.Context, res model.ExecutionResult, out language.CompileOutput, cancelled bool) model.ExecutionResult {
	res.Stdout = out.Stdout
	res.Stderr = out.Stderr
	res.Truncated = out.Truncated
	ctxErr := ctx.Err()
	switch {
	case out.TimedOut || errors.Is(ctxErr, context.DeadlineExceeded):
		res.State = model.StateTimedOut
		res.TimedOut = true
		res.Stderr += model.TimeoutMarker
	case cancelled || out.Killed || ctxErr != nil:
		res.State = model.StateKilled
		res.Killed = true
		res.Stderr += model.KilledMarker
	default:
		res.State = model.StateCompileFailed
		res.ExitCode = out.ExitCode
	}
	return res
}

func runOutcome(res model.ExecutionResult, run result.RunResult) model.ExecutionResult {
	res.Stdout = run.Stdout
	res.Stderr = run.Stderr
	res.Truncated = run.Truncated()
	res.Signal = run.Signal
	res.CPUTimeMs = run.CPUTimeMs
	res.MemoryKB = run.MemoryKB
	switch {
	case run.TimedOut:
		res.State = model.StateTimedOut
		res.TimedOut = true
		res.Stderr += model.TimeoutMarker
	case run.Killed:
		res.State = model.StateKilled
		res.Killed = true
		res.Stderr += model.KilledMarker
	default:
		res.State = model.StateCompleted
		res.ExitCode = run.ExitCode
	}
	return res
}

// internalError hides sandbox detail from the caller.
func internalError(res model.ExecutionResult) model.ExecutionResult {
	return model.ExecutionResult{
		JobID:      res.JobID,
		Language:   res.Language,
		State:      model.StateInternalError,
		Stderr:     model.InternalErrorMarker,
		DurationMs: res.DurationMs,
	}
}

func (d *Dispatcher) publish(ctx context.Context, res model.ExecutionResult) {
	if d.events == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := d.events.PublishResult(pubCtx, res); err != nil {
			logger.Warn(pubCtx, "publish result event failed", zap.Error(err))
		}
	}()
}
