package engine

import (
	"runbox/internal/execution/sandbox/security"
	"runbox/internal/execution/sandbox/spec"
)

// initRequest is decoded by the sandbox-init helper from fd 3.
type initRequest struct {
	WorkDir    string
	GuestDir   string
	RootFS     string
	Cmd        []string
	Env        []string
	BindMounts []spec.MountSpec
	Limits     spec.ResourceLimit
	// Seccomp travels inline: the helper cannot read host files after chroot.
	Seccomp       *security.SeccompProfile
	TmpfsSizeMB   int64
	EnableSeccomp bool
	EnableNs      bool
}
