//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"runbox/internal/execution/sandbox/spec"
)

var controllers = []string{"+pids", "+memory", "+cpu"}

// prepareCgroupRoot creates the delegated root and enables the controllers
// its job subtrees need.
func prepareCgroupRoot(root string) error {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("create cgroup root: %w", err)
	}
	return enableControllers(root)
}

func enableControllers(path string) error {
	for _, c := range controllers {
		if err := writeCgroupValue(path, "cgroup.subtree_control", c); err != nil {
			return fmt.Errorf("enable %s in %s: %w", c, path, err)
		}
	}
	return nil
}

// createRunCgroup returns <root>/<jobID>/<phase>-<nanos>. Processes only live
// in leaves, so the job directory itself stays empty.
func createRunCgroup(root, jobID, phase string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("cgroup root is required")
	}
	jobDir := filepath.Join(root, jobID)
	if err := os.Mkdir(jobDir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return "", fmt.Errorf("create job cgroup: %w", err)
	}
	if err := enableControllers(jobDir); err != nil {
		return "", err
	}
	cgroupPath := filepath.Join(jobDir, fmt.Sprintf("%s-%d", phase, time.Now().UnixNano()))
	if err := os.Mkdir(cgroupPath, 0o750); err != nil {
		return "", fmt.Errorf("create run cgroup: %w", err)
	}
	return cgroupPath, nil
}

func applyCgroupLimits(cgroupPath string, limits spec.ResourceLimit) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		bytes := strconv.FormatInt(limits.MemoryMB*1024*1024, 10)
		if err := writeCgroupValue(cgroupPath, "memory.max", bytes); err != nil {
			return err
		}
		// No swap, so memory.max is a hard ceiling. Absent without swap accounting.
		if err := writeCgroupValue(cgroupPath, "memory.swap.max", "0"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	// One full CPU per run.
	return writeCgroupValue(cgroupPath, "cpu.max", "100000 100000")
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0o600)
}

// removeCgroup removes the leaf and, once empty, its job directory.
// Cgroup directories are removed with rmdir; their control files cannot be unlinked.
func removeCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	var err error
	for attempt := 0; attempt < 20; attempt++ {
		err = syscall.Rmdir(cgroupPath)
		if err == nil || errors.Is(err, syscall.ENOENT) {
			err = nil
			break
		}
		if !errors.Is(err, syscall.EBUSY) {
			break
		}
		_ = killCgroup(cgroupPath)
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", cgroupPath, err)
	}
	if rmErr := syscall.Rmdir(filepath.Dir(cgroupPath)); rmErr != nil &&
		!errors.Is(rmErr, syscall.ENOENT) && !errors.Is(rmErr, syscall.EBUSY) && !errors.Is(rmErr, syscall.ENOTEMPTY) {
		return fmt.Errorf("rmdir job cgroup: %w", rmErr)
	}
	return nil
}

// sweepCgroups removes job cgroups under root that belong to no active job.
func sweepCgroups(root string, active map[string]struct{}) (int, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := active[entry.Name()]; ok {
			continue
		}
		jobDir := filepath.Join(root, entry.Name())
		leaves, err := os.ReadDir(jobDir)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, leaf := range leaves {
			if !leaf.IsDir() {
				continue
			}
			if err := removeCgroup(filepath.Join(jobDir, leaf.Name())); err != nil {
				errs = append(errs, err)
			}
		}
		if err := syscall.Rmdir(jobDir); err != nil && !errors.Is(err, syscall.ENOENT) {
			errs = append(errs, fmt.Errorf("rmdir %s: %w", jobDir, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

func cgroupPopulated(cgroupPath string) bool {
	data, err := os.ReadFile(filepath.Join(cgroupPath, "cgroup.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "populated" {
			return fields[1] != "0"
		}
	}
	return false
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func memoryPeakKB(cgroupPath string, state *os.ProcessState) int64 {
	if cgroupPath != "" {
		if val, err := readCgroupInt(cgroupPath, "memory.peak"); err == nil && val > 0 {
			return val / 1024
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

func readCgroupInt(cgroupPath, name string) (int64, error) {
	data, err := os.ReadFile(filepath.Join(cgroupPath, name))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0o640)
}
