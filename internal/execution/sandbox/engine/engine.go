package engine

import (
	"context"
	"time"

	"runbox/internal/execution/sandbox/result"
	"runbox/internal/execution/sandbox/security"
	"runbox/internal/execution/sandbox/spec"
)

// Engine executes a RunSpec inside an isolated sandbox.
type Engine interface {
	// Run blocks until the command and every process in its group are gone.
	Run(ctx context.Context, runSpec spec.RunSpec) (result.RunResult, error)
	// KillJob force-kills anything still tracked for jobID.
	KillJob(ctx context.Context, jobID string) error
	// SweepStale reclaims cgroups left behind by a previous process.
	SweepStale(ctx context.Context) error
}

// Config controls sandbox engine behavior.
type Config struct {
	HelperPath       string
	CgroupRoot       string
	Isolation        security.IsolationProfile
	OutputLimitBytes int64
	GracePeriod      time.Duration
	ReapTimeout      time.Duration
	RunAsUID         int
	RunAsGID         int
	EnableSeccomp    bool
	EnableCgroup     bool
	EnableNamespaces bool
}

const (
	defaultOutputLimitBytes int64 = 64 * 1024
	defaultGracePeriod            = 500 * time.Millisecond
	defaultReapTimeout            = 2 * time.Second
)

func (c Config) withDefaults() Config {
	if c.OutputLimitBytes <= 0 {
		c.OutputLimitBytes = defaultOutputLimitBytes
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.ReapTimeout <= 0 {
		c.ReapTimeout = defaultReapTimeout
	}
	c.Isolation = c.Isolation.WithDefaults()
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	return c
}
