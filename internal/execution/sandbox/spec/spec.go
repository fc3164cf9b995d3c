// Package spec defines the execution specification and resource limits.
package spec

// Phase distinguishes the compile and run steps of one job.
type Phase string

const (
	PhaseCompile Phase = "compile"
	PhaseRun     Phase = "run"
)

// ResourceLimit describes hard limits enforced by the sandbox.
// Zero disables a limit.
type ResourceLimit struct {
	CPUTimeMs      int64 `yaml:"cpuTimeMs" json:"cpuTimeMs"`
	WallTimeMs     int64 `yaml:"wallTimeMs" json:"wallTimeMs"`
	MemoryMB       int64 `yaml:"memoryMb" json:"memoryMb"`
	AddressSpaceMB int64 `yaml:"addressSpaceMb" json:"addressSpaceMb"`
	StackMB        int64 `yaml:"stackMb" json:"stackMb"`
	FileSizeMB     int64 `yaml:"fileSizeMb" json:"fileSizeMb"`
	OpenFiles      int64 `yaml:"openFiles" json:"openFiles"`
	PIDs           int64 `yaml:"pids" json:"pids"`
}

// Merge returns l with every zero field filled from fallback.
func (l ResourceLimit) Merge(fallback ResourceLimit) ResourceLimit {
	pick := func(v, d int64) int64 {
		if v == 0 {
			return d
		}
		return v
	}
	return ResourceLimit{
		CPUTimeMs:      pick(l.CPUTimeMs, fallback.CPUTimeMs),
		WallTimeMs:     pick(l.WallTimeMs, fallback.WallTimeMs),
		MemoryMB:       pick(l.MemoryMB, fallback.MemoryMB),
		AddressSpaceMB: pick(l.AddressSpaceMB, fallback.AddressSpaceMB),
		StackMB:        pick(l.StackMB, fallback.StackMB),
		FileSizeMB:     pick(l.FileSizeMB, fallback.FileSizeMB),
		OpenFiles:      pick(l.OpenFiles, fallback.OpenFiles),
		PIDs:           pick(l.PIDs, fallback.PIDs),
	}
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Command is what a language adapter asks the sandbox to run.
// StdinFile is relative to the job work directory; empty means no input.
type Command struct {
	Phase     Phase
	Argv      []string
	Env       []string
	StdinFile string
	Limits    ResourceLimit
}

// RunSpec is the unified execution specification handed to the engine.
type RunSpec struct {
	JobID      string
	Phase      Phase
	WorkDir    string
	GuestDir   string
	RootFS     string
	Cmd        []string
	Env        []string
	StdinPath  string
	BindMounts []MountSpec
	Limits     ResourceLimit
}
