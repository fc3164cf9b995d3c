package language

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"runbox/internal/execution/sandbox/result"
)

const heapFlag = "--max-old-space-size"

type javascriptAdapter struct {
	baseAdapter
}

func newJavaScriptAdapter(profile Profile) *javascriptAdapter {
	return &javascriptAdapter{baseAdapter{lang: JavaScript, profile: profile}}
}

func (a *javascriptAdapter) Execute(ctx context.Context, ws Workspace, target string, hasStdin bool) (result.RunResult, error) {
	argv, err := a.command(a.profile.RunCmdTpl, ws.GuestDir(), target)
	if err != nil {
		return result.RunResult{}, err
	}
	return a.run(ctx, ws, withHeapLimit(argv, a.profile.RunLimits.MemoryMB), hasStdin)
}

// withHeapLimit caps the V8 heap below the memory limit so the runtime
// fails with its own error before the cgroup kills it.
func withHeapLimit(argv []string, memoryMB int64) []string {
	if memoryMB <= 0 || len(argv) == 0 || filepath.Base(argv[0]) != "node" {
		return argv
	}
	for _, arg := range argv[1:] {
		if strings.HasPrefix(arg, heapFlag) {
			return argv
		}
	}
	heap := memoryMB * 3 / 4
	if heap < 16 {
		heap = 16
	}
	out := make([]string, 0, len(argv)+1)
	out = append(out, argv[0], heapFlag+"="+strconv.FormatInt(heap, 10))
	return append(out, argv[1:]...)
}
