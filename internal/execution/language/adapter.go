package language

import (
	"context"
	"path"
	"strings"

	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/spec"
	"runbox/internal/execution/sandbox/workspace"
	appErr "runbox/pkg/errors"

	"github.com/google/shlex"
)

// Workspace is the part of a sandbox an adapter needs.
type Workspace interface {
	// WriteFile stores data in the work directory and returns its guest path.
	WriteFile(name string, data []byte) (string, error)
	// GuestDir is the work directory as seen by sandboxed commands.
	GuestDir() string
	Run(ctx context.Context, cmd spec.Command) (result.RunResult, error)
}

// CompileOutput is the outcome of the compile phase.
type CompileOutput struct {
	OK        bool
	Target    string
	Stdout    string
	Stderr    string
	ExitCode  *int
	TimedOut  bool
	Killed    bool
	Truncated bool
	TimeMs    int64
}

// Adapter prepares, compiles and executes programs of one language.
type Adapter interface {
	Language() Language
	Limits() (compile spec.ResourceLimit, run spec.ResourceLimit)
	// Prepare writes source into the work directory and returns its guest path.
	Prepare(ws Workspace, source string) (string, error)
	// Compile turns the prepared source into something Execute can run.
	// Interpreted languages return the source unchanged.
	Compile(ctx context.Context, ws Workspace, sourceFile string) (CompileOutput, error)
	// Execute runs target with stdin, if any, already in the work directory.
	Execute(ctx context.Context, ws Workspace, target string, hasStdin bool) (result.RunResult, error)
}

type baseAdapter struct {
	lang    Language
	profile Profile
}

func (a baseAdapter) Language() Language {
	return a.lang
}

func (a baseAdapter) Limits() (spec.ResourceLimit, spec.ResourceLimit) {
	return a.profile.CompileLimits, a.profile.RunLimits
}

func (a baseAdapter) Prepare(ws Workspace, source string) (string, error) {
	return ws.WriteFile(a.profile.SourceFile, []byte(source))
}

// Compile of an interpreted language is the identity.
func (a baseAdapter) Compile(ctx context.Context, ws Workspace, sourceFile string) (CompileOutput, error) {
	return CompileOutput{OK: true, Target: sourceFile}, nil
}

func (a baseAdapter) Execute(ctx context.Context, ws Workspace, target string, hasStdin bool) (result.RunResult, error) {
	argv, err := a.command(a.profile.RunCmdTpl, ws.GuestDir(), target)
	if err != nil {
		return result.RunResult{}, err
	}
	return a.run(ctx, ws, argv, hasStdin)
}

func (a baseAdapter) run(ctx context.Context, ws Workspace, argv []string, hasStdin bool) (result.RunResult, error) {
	cmd := spec.Command{
		Phase:  spec.PhaseRun,
		Argv:   argv,
		Env:    a.profile.Env,
		Limits: a.profile.RunLimits,
	}
	if hasStdin {
		cmd.StdinFile = workspace.StdinFile
	}
	return ws.Run(ctx, cmd)
}

// command expands a template for the given work directory. target is the
// source for interpreted languages and the binary for compiled ones.
func (a baseAdapter) command(tpl, workDir, target string) ([]string, error) {
	return buildCommand(tpl, map[string]string{
		"{src}":     path.Join(workDir, a.profile.SourceFile),
		"{bin}":     path.Join(workDir, a.profile.BinaryFile),
		"{workdir}": workDir,
		"{target}":  target,
	})
}

func buildCommand(tpl string, vars map[string]string) ([]string, error) {
	if strings.TrimSpace(tpl) == "" {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("command is empty after expansion")
	}
	// Expand after splitting so paths never get re-tokenized.
	for i, field := range fields {
		for key, val := range vars {
			field = strings.ReplaceAll(field, key, val)
		}
		fields[i] = field
	}
	return fields, nil
}
