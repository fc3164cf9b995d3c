//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const reapPollInterval = 10 * time.Millisecond

// reap force-kills whatever is left of the process group and waits until
// the kernel reports it empty. collect also waits for zombie members that
// are children of this process, which happens when the service is pid 1.
func (e *linuxEngine) reap(pgid int, cgroupPath string, collect bool) error {
	if pgid <= 0 {
		return nil
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
	if cgroupPath != "" {
		_ = killCgroup(cgroupPath)
	}
	deadline := time.Now().Add(e.cfg.ReapTimeout)
	for {
		if collect {
			collectZombies(pgid)
		}
		if !groupAlive(pgid) && (cgroupPath == "" || !cgroupPopulated(cgroupPath)) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("process group %d survived teardown", pgid)
		}
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		time.Sleep(reapPollInterval)
	}
}

func collectZombies(pgid int) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-pgid, &ws, unix.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}

// groupAlive reports whether any process still belongs to pgid.
func groupAlive(pgid int) bool {
	err := syscall.Kill(-pgid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func durationFromMs(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func cpuTimeMs(state *os.ProcessState) int64 {
	if state == nil {
		return 0
	}
	return (state.UserTime() + state.SystemTime()).Milliseconds()
}
