//go:build !linux

package engine

import (
	"context"

	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/spec"
	appErr "runbox/pkg/errors"
)

type stubEngine struct{}

func NewEngine(cfg Config) (Engine, error) {
	return &stubEngine{}, nil
}

func (s *stubEngine) Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error) {
	return result.RunResult{}, appErr.New(appErr.SandboxError).WithMessage("sandbox engine is only supported on linux")
}

func (s *stubEngine) KillJob(ctx context.Context, jobID string) error {
	return nil
}

func (s *stubEngine) SweepStale(ctx context.Context) error {
	return nil
}
