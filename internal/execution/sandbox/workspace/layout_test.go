package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRejectsUnsafeJobIDs(t *testing.T) {
	base := t.TempDir()
	cases := []struct {
		name  string
		jobID string
		ok    bool
	}{
		{name: "uuid", jobID: "4b0e0f6e-0a36-4f4c-9a0c-0a6f1f1b8c11", ok: true},
		{name: "empty", jobID: ""},
		{name: "traversal", jobID: "../etc"},
		{name: "slash", jobID: "a/b"},
		{name: "dots", jobID: "a..b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(base, tc.jobID)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected error for %q", tc.jobID)
			}
		})
	}
}

func TestCreateIsExclusiveAndRemoveCleans(t *testing.T) {
	base := t.TempDir()
	layout, err := New(base, "job-1")
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	if err := layout.Create(); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := layout.Create(); err == nil {
		t.Fatalf("second create should fail")
	}
	path, err := layout.Path("sub/main.py")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("print(1)"), 0o400); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.Chmod(filepath.Dir(path), 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := layout.Remove(); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(layout.RootDir); !os.IsNotExist(err) {
		t.Fatalf("job dir still exists: %v", err)
	}
}

func TestPathStaysInsideWorkDir(t *testing.T) {
	layout, err := New(t.TempDir(), "job-2")
	if err != nil {
		t.Fatalf("new layout: %v", err)
	}
	path, err := layout.Path("../../escape")
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if filepath.Dir(path) != layout.WorkDir {
		t.Fatalf("path %s escaped %s", path, layout.WorkDir)
	}
	if _, err := layout.Path(""); err == nil {
		t.Fatalf("empty name should be rejected")
	}
}

func TestStale(t *testing.T) {
	base := t.TempDir()
	old, _ := New(base, "old-job")
	fresh, _ := New(base, "fresh-job")
	for _, l := range []Layout{old, fresh} {
		if err := l.Create(); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old.RootDir, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	stale, err := Stale(base, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if len(stale) != 1 || stale[0].JobID != "old-job" {
		t.Fatalf("stale = %+v, want only old-job", stale)
	}
}
