package language

import (
	"context"
	"path"
	"strings"

	"runbox/internal/execution/sandbox/spec"
)

type cppAdapter struct {
	baseAdapter
}

func newCppAdapter(profile Profile) *cppAdapter {
	return &cppAdapter{baseAdapter{lang: Cpp, profile: profile}}
}

// Compile runs the compiler under the compile limits. Any nonzero exit,
// signal, timeout or diagnostic output fails the compile.
func (a *cppAdapter) Compile(ctx context.Context, ws Workspace, sourceFile string) (CompileOutput, error) {
	argv, err := a.command(a.profile.CompileCmdTpl, ws.GuestDir(), sourceFile)
	if err != nil {
		return CompileOutput{}, err
	}
	res, err := ws.Run(ctx, spec.Command{
		Phase:  spec.PhaseCompile,
		Argv:   argv,
		Env:    a.profile.Env,
		Limits: a.profile.CompileLimits,
	})
	if err != nil {
		return CompileOutput{}, err
	}
	out := CompileOutput{
		OK:        res.Succeeded(),
		Target:    path.Join(ws.GuestDir(), a.profile.BinaryFile),
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		Killed:    res.Killed,
		Truncated: res.Truncated(),
		TimeMs:    res.WallTimeMs,
	}
	if a.profile.failOnDiagnostics() && strings.TrimSpace(res.Stderr) != "" {
		out.OK = false
	}
	return out, nil
}
