// Package security defines sandbox isolation and security profiles.
package security

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// DefaultSystemMounts are exposed read-only inside the per-job root.
var DefaultSystemMounts = []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc/alternatives", "/etc/ld.so.cache"}

// IsolationProfile describes namespace and seccomp settings for one run.
// Network is never reachable when namespaces are enabled.
type IsolationProfile struct {
	SeccompProfile string   `yaml:"seccompProfile"`
	SystemMounts   []string `yaml:"systemMounts"`
	TmpfsSizeMB    int64    `yaml:"tmpfsSizeMb"`
}

// DefaultTmpfsSizeMB bounds the private /tmp of every sandbox.
const DefaultTmpfsSizeMB = 64

// WithDefaults fills unset fields.
func (p IsolationProfile) WithDefaults() IsolationProfile {
	if len(p.SystemMounts) == 0 {
		p.SystemMounts = DefaultSystemMounts
	}
	if p.TmpfsSizeMB <= 0 {
		p.TmpfsSizeMB = DefaultTmpfsSizeMB
	}
	return p
}

// SeccompProfile is a syscall filter: a default action plus per-syscall
// overrides. Actions are SCMP_ACT_ALLOW, SCMP_ACT_ERRNO, SCMP_ACT_KILL and
// SCMP_ACT_KILL_PROCESS.
type SeccompProfile struct {
	DefaultAction string        `json:"defaultAction"`
	Syscalls      []SeccompRule `json:"syscalls"`
}

// SeccompRule applies Action to every syscall in Names.
type SeccompRule struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

var seccompActions = map[string]struct{}{
	"SCMP_ACT_ALLOW":        {},
	"SCMP_ACT_ERRNO":        {},
	"SCMP_ACT_KILL":         {},
	"SCMP_ACT_KILL_PROCESS": {},
}

// LoadSeccompProfile reads and validates a profile on the host. The helper
// cannot read it itself once it has entered the per-job root.
func LoadSeccompProfile(path string) (*SeccompProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seccomp profile: %w", err)
	}
	var profile SeccompProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse seccomp profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("seccomp profile %s: %w", path, err)
	}
	return &profile, nil
}

// Validate checks that every action is known.
func (p SeccompProfile) Validate() error {
	if !knownAction(p.DefaultAction) {
		return fmt.Errorf("unsupported default action %q", p.DefaultAction)
	}
	for _, rule := range p.Syscalls {
		if !knownAction(rule.Action) {
			return fmt.Errorf("unsupported action %q", rule.Action)
		}
		if len(rule.Names) == 0 {
			return fmt.Errorf("rule with action %s names no syscalls", rule.Action)
		}
	}
	return nil
}

func knownAction(action string) bool {
	_, ok := seccompActions[strings.ToUpper(action)]
	return ok
}
