// Package workspace defines the per-job scratch directory layout.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	workDirName = "work"
	rootDirName = "root"
	// GuestWorkDir is where the work directory appears inside the sandbox root.
	GuestWorkDir = "/work"
	// StdinFile is the name of the materialized standard input.
	StdinFile = "stdin.txt"
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Layout describes the filesystem layout of one job.
type Layout struct {
	JobID   string
	RootDir string
	WorkDir string
	RootFS  string
}

// New computes the layout of jobID under base without touching the filesystem.
func New(base, jobID string) (Layout, error) {
	if base == "" {
		return Layout{}, fmt.Errorf("work root is required")
	}
	if !jobIDPattern.MatchString(jobID) || strings.Contains(jobID, "..") {
		return Layout{}, fmt.Errorf("invalid job id %q", jobID)
	}
	root := filepath.Join(base, jobID)
	return Layout{
		JobID:   jobID,
		RootDir: root,
		WorkDir: filepath.Join(root, workDirName),
		RootFS:  filepath.Join(root, rootDirName),
	}, nil
}

// Create makes the private directories of the layout. It fails if the job
// directory already exists so two jobs can never share scratch space.
func (l Layout) Create() error {
	if err := os.MkdirAll(filepath.Dir(l.RootDir), 0o711); err != nil {
		return fmt.Errorf("create work root: %w", err)
	}
	// Traversable but not listable, so a sandbox user other than the
	// service user can still reach its work directory.
	if err := os.Mkdir(l.RootDir, 0o711); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	if err := os.Mkdir(l.WorkDir, 0o700); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	if err := os.Mkdir(l.RootFS, 0o700); err != nil {
		return fmt.Errorf("create rootfs dir: %w", err)
	}
	return nil
}

// Path returns the host path of name inside the work directory.
// Names that would escape the work directory are rejected.
func (l Layout) Path(name string) (string, error) {
	clean := filepath.Clean("/" + name)
	if clean == "/" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return filepath.Join(l.WorkDir, clean), nil
}

// Remove deletes everything under the job directory.
// Files left read-only by the program are made writable first.
func (l Layout) Remove() error {
	err := os.RemoveAll(l.RootDir)
	if err == nil {
		return nil
	}
	_ = filepath.Walk(l.RootDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr == nil && info.IsDir() {
			_ = os.Chmod(path, 0o700)
		}
		return nil
	})
	return os.RemoveAll(l.RootDir)
}

// Stale lists job directories under base last modified before cutoff.
func Stale(base string, cutoff time.Time) ([]Layout, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Layout
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		layout, err := New(base, entry.Name())
		if err != nil {
			continue
		}
		out = append(out, layout)
	}
	return out, nil
}
