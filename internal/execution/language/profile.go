package language

import (
	"strings"

	"runbox/internal/execution/sandbox/spec"
)

// Profile defines how one language is compiled and run.
type Profile struct {
	SourceFile    string             `yaml:"sourceFile"`
	BinaryFile    string             `yaml:"binaryFile"`
	CompileCmdTpl string             `yaml:"compileCmd"`
	RunCmdTpl     string             `yaml:"runCmd"`
	Env           []string           `yaml:"env"`
	CompileLimits spec.ResourceLimit `yaml:"compileLimits"`
	RunLimits     spec.ResourceLimit `yaml:"runLimits"`
	// FailOnDiagnostics makes any compiler stderr output fail the compile.
	FailOnDiagnostics *bool `yaml:"failOnDiagnostics"`
}

var baseEnv = []string{"PATH=/usr/local/bin:/usr/bin:/bin", "LANG=C.UTF-8", "HOME=/tmp"}

// DefaultProfiles returns the built-in profile of every language.
func DefaultProfiles() map[Language]Profile {
	return map[Language]Profile{
		Python: {
			SourceFile: "main.py",
			RunCmdTpl:  "python3 -B -s {src}",
			Env:        append(append([]string{}, baseEnv...), "PYTHONHASHSEED=0", "PYTHONDONTWRITEBYTECODE=1"),
			RunLimits: spec.ResourceLimit{
				CPUTimeMs: 5000, WallTimeMs: 5000, MemoryMB: 256, AddressSpaceMB: 256,
				StackMB: 8, FileSizeMB: 16, OpenFiles: 64, PIDs: 16,
			},
		},
		Cpp: {
			SourceFile:    "main.cpp",
			BinaryFile:    "main",
			CompileCmdTpl: "g++ -std=c++17 -O2 -pipe -w -fdiagnostics-color=never -o {bin} {src}",
			RunCmdTpl:     "{bin}",
			Env:           append([]string{}, baseEnv...),
			CompileLimits: spec.ResourceLimit{
				CPUTimeMs: 10000, WallTimeMs: 10000, MemoryMB: 512, AddressSpaceMB: 512,
				StackMB: 8, FileSizeMB: 64, OpenFiles: 128, PIDs: 32,
			},
			RunLimits: spec.ResourceLimit{
				CPUTimeMs: 5000, WallTimeMs: 5000, MemoryMB: 256, AddressSpaceMB: 256,
				StackMB: 64, FileSizeMB: 16, OpenFiles: 64, PIDs: 16,
			},
		},
		JavaScript: {
			SourceFile: "main.js",
			RunCmdTpl:  "node {src}",
			Env:        append([]string{}, baseEnv...),
			// V8 reserves far more address space than it uses, so memory is
			// bounded by the heap flag and the cgroup instead of RLIMIT_AS.
			RunLimits: spec.ResourceLimit{
				CPUTimeMs: 5000, WallTimeMs: 5000, MemoryMB: 256,
				StackMB: 8, FileSizeMB: 16, OpenFiles: 64, PIDs: 32,
			},
		},
	}
}

// Merge fills every unset field of p from fallback.
func (p Profile) Merge(fallback Profile) Profile {
	if p.SourceFile == "" {
		p.SourceFile = fallback.SourceFile
	}
	if p.BinaryFile == "" {
		p.BinaryFile = fallback.BinaryFile
	}
	if strings.TrimSpace(p.CompileCmdTpl) == "" {
		p.CompileCmdTpl = fallback.CompileCmdTpl
	}
	if strings.TrimSpace(p.RunCmdTpl) == "" {
		p.RunCmdTpl = fallback.RunCmdTpl
	}
	if len(p.Env) == 0 {
		p.Env = fallback.Env
	}
	if p.FailOnDiagnostics == nil {
		p.FailOnDiagnostics = fallback.FailOnDiagnostics
	}
	p.CompileLimits = p.CompileLimits.Merge(fallback.CompileLimits)
	p.RunLimits = p.RunLimits.Merge(fallback.RunLimits)
	return p
}

func (p Profile) failOnDiagnostics() bool {
	return p.FailOnDiagnostics == nil || *p.FailOnDiagnostics
}
