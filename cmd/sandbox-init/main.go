//go:build linux

// Command sandbox-init prepares isolation for one sandboxed command and
// replaces itself with it. The request arrives as JSON on fd 3; setup
// failures are written to fd 4, which exec closes on success.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

const (
	requestFD = 3
	statusFD  = 4

	defaultPath = "PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
	setupFailed = 126
)

func main() {
	status := os.NewFile(statusFD, "status")
	unix.CloseOnExec(statusFD)
	if err := run(); err != nil {
		if status != nil {
			_, _ = io.WriteString(status, err.Error())
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
		}
		os.Exit(setupFailed)
	}
}

func run() error {
	reqFile := os.NewFile(requestFD, "request")
	if reqFile == nil {
		return fmt.Errorf("request fd is not open")
	}
	req, err := decodeRequest(reqFile)
	_ = reqFile.Close()
	if err != nil {
		return err
	}
	if err := validateRequest(req); err != nil {
		return err
	}

	workDir := req.WorkDir
	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := buildRoot(req); err != nil {
			return err
		}
		if err := unix.Chroot(req.RootFS); err != nil {
			return fmt.Errorf("chroot: %w", err)
		}
		if err := os.Chdir("/"); err != nil {
			return fmt.Errorf("chdir root: %w", err)
		}
		workDir = req.GuestDir
		if err := unix.Sethostname([]byte("sandbox")); err != nil {
			return fmt.Errorf("set hostname: %w", err)
		}
	} else if req.RootFS != "" && len(req.BindMounts) > 0 {
		return fmt.Errorf("namespaces disabled with rootfs or bind mounts")
	}

	if err := os.Chdir(workDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}

	env := buildEnv(req.Env)
	cmdPath, err := lookPath(req.Cmd[0], env)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}

	if err := applyRlimits(req.Limits, req.EnableNs); err != nil {
		return err
	}
	if err := closeExtraFDs(); err != nil {
		return err
	}
	if req.EnableSeccomp {
		if err := applySeccomp(*req.Seccomp); err != nil {
			return err
		}
	} else if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}

	return unix.Exec(cmdPath, req.Cmd, env)
}

func decodeRequest(r io.Reader) (initRequest, error) {
	dec := json.NewDecoder(r)
	var req initRequest
	if err := dec.Decode(&req); err != nil {
		return initRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func validateRequest(req initRequest) error {
	if len(req.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}
	if req.EnableNs && (req.RootFS == "" || req.GuestDir == "") {
		return fmt.Errorf("rootfs and guest dir are required with namespaces")
	}
	if req.EnableSeccomp && req.Seccomp == nil {
		return fmt.Errorf("seccomp rules are required when seccomp is enabled")
	}
	return nil
}

// buildRoot assembles the per-job root: read-only system directories, the
// writable work directory, a private /tmp, /proc of the new pid namespace
// and a minimal /dev.
func buildRoot(req initRequest) error {
	if err := unix.Mount("tmpfs", req.RootFS, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0755,size=16m"); err != nil {
		return fmt.Errorf("mount root tmpfs: %w", err)
	}
	if err := applyBindMounts(req.RootFS, req.BindMounts); err != nil {
		return err
	}
	tmpOpts := "mode=1777"
	if req.TmpfsSizeMB > 0 {
		tmpOpts = fmt.Sprintf("mode=1777,size=%dm", req.TmpfsSizeMB)
	}
	tmpPath := filepath.Join(req.RootFS, "tmp")
	if err := os.MkdirAll(tmpPath, 0o1777); err != nil {
		return fmt.Errorf("mkdir tmp: %w", err)
	}
	if err := unix.Mount("tmpfs", tmpPath, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, tmpOpts); err != nil {
		return fmt.Errorf("mount tmp: %w", err)
	}
	procPath := filepath.Join(req.RootFS, "proc")
	if err := os.MkdirAll(procPath, 0o755); err != nil {
		return fmt.Errorf("mkdir proc: %w", err)
	}
	if err := unix.Mount("proc", procPath, "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil && !errors.Is(err, unix.EBUSY) {
		return fmt.Errorf("mount proc: %w", err)
	}
	for _, dev := range []string{"/dev/null", "/dev/zero", "/dev/urandom", "/dev/random"} {
		if _, err := os.Stat(dev); err != nil {
			continue
		}
		if err := bindMount(dev, filepath.Join(req.RootFS, dev), false); err != nil {
			return err
		}
	}
	// Best effort: the root tmpfs stays writable on kernels that refuse this.
	_ = unix.Mount("", req.RootFS, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY|unix.MS_NOSUID|unix.MS_NODEV, "")
	return nil
}

func applyBindMounts(rootfs string, mounts []mountSpec) error {
	for _, m := range mounts {
		if m.Source == "" || m.Target == "" {
			return fmt.Errorf("invalid mount spec")
		}
		if err := bindMount(m.Source, filepath.Join(rootfs, m.Target), m.ReadOnly); err != nil {
			return err
		}
	}
	return nil
}

func bindMount(source, target string, readOnly bool) error {
	if err := ensureMountTarget(source, target); err != nil {
		return err
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %s: %w", source, err)
	}
	if !readOnly {
		return nil
	}
	// Flags locked by the outer namespace must be carried into the remount.
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY)
	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err == nil {
		for _, f := range []struct{ st, ms int64 }{
			{unix.ST_NOSUID, unix.MS_NOSUID},
			{unix.ST_NODEV, unix.MS_NODEV},
			{unix.ST_NOEXEC, unix.MS_NOEXEC},
			{unix.ST_NOATIME, unix.MS_NOATIME},
			{unix.ST_NODIRATIME, unix.MS_NODIRATIME},
			{unix.ST_RELATIME, unix.MS_RELATIME},
		} {
			if int64(st.Flags)&f.st != 0 {
				flags |= uintptr(f.ms)
			}
		}
	}
	if err := unix.Mount("", target, "", flags, ""); err != nil {
		return fmt.Errorf("remount readonly %s: %w", source, err)
	}
	return nil
}

func ensureMountTarget(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("stat mount source: %w", err)
	}
	if info.IsDir() {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("mkdir mount target: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir mount target dir: %w", err)
	}
	file, err := os.OpenFile(target, os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("create mount target file: %w", err)
	}
	return file.Close()
}

// RLIMIT_NPROC counts every process of the real uid, so it is only applied
// inside a user namespace where the count starts from zero. Outside one,
// pids.max of the cgroup bounds process creation.
func applyRlimits(limits resourceLimit, ownUserNs bool) error {
	const mb = 1024 * 1024
	set := func(resource int, value uint64, name string) error {
		if err := unix.Setrlimit(resource, &unix.Rlimit{Cur: value, Max: value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", name, err)
		}
		return nil
	}
	if limits.CPUTimeMs > 0 {
		// Soft limit delivers SIGXCPU, the hard limit one second later SIGKILL.
		seconds := uint64((limits.CPUTimeMs + 999) / 1000)
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: seconds, Max: seconds + 1}); err != nil {
			return fmt.Errorf("set rlimit cpu: %w", err)
		}
	}
	if limits.AddressSpaceMB > 0 {
		if err := set(unix.RLIMIT_AS, uint64(limits.AddressSpaceMB)*mb, "as"); err != nil {
			return err
		}
	}
	if limits.FileSizeMB > 0 {
		if err := set(unix.RLIMIT_FSIZE, uint64(limits.FileSizeMB)*mb, "fsize"); err != nil {
			return err
		}
	}
	if limits.StackMB > 0 {
		if err := set(unix.RLIMIT_STACK, uint64(limits.StackMB)*mb, "stack"); err != nil {
			return err
		}
	}
	if limits.OpenFiles > 0 {
		if err := set(unix.RLIMIT_NOFILE, uint64(limits.OpenFiles), "nofile"); err != nil {
			return err
		}
	}
	if limits.PIDs > 0 && ownUserNs {
		if err := set(unix.RLIMIT_NPROC, uint64(limits.PIDs), "nproc"); err != nil {
			return err
		}
	}
	return set(unix.RLIMIT_CORE, 0, "core")
}

// closeExtraFDs marks every descriptor above stderr close-on-exec so
// nothing but stdio reaches the program.
func closeExtraFDs() error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// No /proc, fall back to the descriptors this process knows about.
		unix.CloseOnExec(requestFD)
		unix.CloseOnExec(statusFD)
		return nil
	}
	for _, entry := range entries {
		var fd int
		if _, err := fmt.Sscanf(entry.Name(), "%d", &fd); err != nil || fd <= 2 {
			continue
		}
		unix.CloseOnExec(fd)
	}
	return nil
}

func buildEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for _, kv := range env {
		if !strings.Contains(kv, "=") {
			continue
		}
		if strings.HasPrefix(kv, "PATH=") {
			hasPath = true
		}
		out = append(out, kv)
	}
	if !hasPath {
		out = append(out, defaultPath)
	}
	return out
}

func lookPath(name string, env []string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			if err := os.Setenv("PATH", strings.TrimPrefix(kv, "PATH=")); err != nil {
				return "", err
			}
		}
	}
	return exec.LookPath(name)
}

func applySeccomp(cfg seccompConfig) error {
	defaultAction, err := parseSeccompAction(cfg.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	defer filter.Release()
	for _, rule := range cfg.Syscalls {
		action, err := parseSeccompAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			call, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// Syscalls unknown to this architecture are skipped.
				continue
			}
			if err := filter.AddRule(call, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

type seccompConfig struct {
	DefaultAction string           `json:"defaultAction"`
	Syscalls      []seccompSyscall `json:"syscalls"`
}

type seccompSyscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
}

func parseSeccompAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}

type initRequest struct {
	WorkDir       string         `json:"WorkDir"`
	GuestDir      string         `json:"GuestDir"`
	RootFS        string         `json:"RootFS"`
	Cmd           []string       `json:"Cmd"`
	Env           []string       `json:"Env"`
	BindMounts    []mountSpec    `json:"BindMounts"`
	Limits        resourceLimit  `json:"Limits"`
	Seccomp       *seccompConfig `json:"Seccomp"`
	TmpfsSizeMB   int64          `json:"TmpfsSizeMB"`
	EnableSeccomp bool           `json:"EnableSeccomp"`
	EnableNs      bool           `json:"EnableNs"`
}

type mountSpec struct {
	Source   string `json:"Source"`
	Target   string `json:"Target"`
	ReadOnly bool   `json:"ReadOnly"`
}

type resourceLimit struct {
	CPUTimeMs      int64 `json:"cpuTimeMs"`
	WallTimeMs     int64 `json:"wallTimeMs"`
	MemoryMB       int64 `json:"memoryMb"`
	AddressSpaceMB int64 `json:"addressSpaceMb"`
	StackMB        int64 `json:"stackMb"`
	FileSizeMB     int64 `json:"fileSizeMb"`
	OpenFiles      int64 `json:"openFiles"`
	PIDs           int64 `json:"pids"`
}
