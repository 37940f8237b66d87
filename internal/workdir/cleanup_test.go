package workdir

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"matchscope/internal/logging"
	"matchscope/internal/queue"
)

func mkdir(t *testing.T, base, name string, age time.Duration) string {
	t.Helper()
	path := filepath.Join(base, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if err := os.WriteFile(filepath.Join(path, "self.ts"), []byte("data"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if age > 0 {
		stamp := time.Now().Add(-age)
		if err := os.Chtimes(path, stamp, stamp); err != nil {
			t.Fatalf("set time: %v", err)
		}
	}
	return path
}

func lookupFrom(statuses map[int64]queue.OrderStatus) StatusLookup {
	return func(_ context.Context, id int64) (queue.OrderStatus, error) {
		status, ok := statuses[id]
		if !ok {
			return "", fmt.Errorf("order %d: %w", id, queue.ErrNotFound)
		}
		return status, nil
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCleanInvalidPaths(t *testing.T) {
	for _, dir := range []string{"", "   ", "/nonexistent/path/12345"} {
		result := Clean(context.Background(), dir, nil, Options{MaxAge: time.Hour}, logging.NewNop())
		if len(result.Removed) != 0 || len(result.Errors) != 0 {
			t.Errorf("expected empty result for path %q", dir)
		}
	}
}

func TestCleanByOrderStatus(t *testing.T) {
	base := t.TempDir()
	completed := mkdir(t, base, "order-1", 0)
	running := mkdir(t, base, "order-2", 48*time.Hour)
	failedRecent := mkdir(t, base, "order-3", 0)
	failedOld := mkdir(t, base, "order-4", 48*time.Hour)
	orphanOld := mkdir(t, base, "order-99", 48*time.Hour)
	orphanRecent := mkdir(t, base, "order-100", 0)
	foreignOld := mkdir(t, base, "scratch", 48*time.Hour)

	lookup := lookupFrom(map[int64]queue.OrderStatus{
		1: queue.OrderCompleted,
		2: queue.OrderRunning,
		3: queue.OrderFailed,
		4: queue.OrderFailed,
	})
	result := Clean(context.Background(), base, lookup, Options{MaxAge: 24 * time.Hour}, logging.NewNop())

	if len(result.Errors) != 0 {
		t.Fatalf("unexpected errors: %+v", result.Errors)
	}
	for _, gone := range []string{completed, failedOld, orphanOld, foreignOld} {
		if exists(gone) {
			t.Errorf("%s should have been removed", filepath.Base(gone))
		}
	}
	for _, kept := range []string{running, failedRecent, orphanRecent} {
		if !exists(kept) {
			t.Errorf("%s should have been kept", filepath.Base(kept))
		}
	}
	if len(result.Removed) != 4 || result.Kept != 3 {
		t.Fatalf("removed=%d kept=%d, want 4 and 3", len(result.Removed), result.Kept)
	}
}

func TestCleanZeroMaxAgeOnlyRemovesCompleted(t *testing.T) {
	base := t.TempDir()
	completed := mkdir(t, base, "order-1", 0)
	failedOld := mkdir(t, base, "order-2", 1000*time.Hour)

	lookup := lookupFrom(map[int64]queue.OrderStatus{1: queue.OrderCompleted, 2: queue.OrderFailed})
	Clean(context.Background(), base, lookup, Options{}, logging.NewNop())

	if exists(completed) {
		t.Error("completed order directory should have been removed")
	}
	if !exists(failedOld) {
		t.Error("failed order directory must survive when max age is zero")
	}
}

func TestCleanDryRunKeepsDirectories(t *testing.T) {
	base := t.TempDir()
	completed := mkdir(t, base, "order-1", 0)

	result := Clean(context.Background(), base, lookupFrom(map[int64]queue.OrderStatus{1: queue.OrderCompleted}),
		Options{DryRun: true}, logging.NewNop())

	if len(result.Removed) != 1 || result.Removed[0] != completed {
		t.Fatalf("dry run reported %v", result.Removed)
	}
	if !exists(completed) {
		t.Fatal("dry run must not delete")
	}
}

func TestCleanIgnoresFiles(t *testing.T) {
	base := t.TempDir()
	file := filepath.Join(base, "order-1")
	if err := os.WriteFile(file, []byte("test"), 0o644); err != nil {
		t.Fatalf("create file: %v", err)
	}

	result := Clean(context.Background(), base, lookupFrom(map[int64]queue.OrderStatus{1: queue.OrderCompleted}),
		Options{MaxAge: time.Nanosecond}, logging.NewNop())

	if len(result.Removed) != 0 {
		t.Errorf("expected no removals for files, got %d", len(result.Removed))
	}
	if !exists(file) {
		t.Error("file should not have been removed")
	}
}

func TestParseOrderID(t *testing.T) {
	cases := map[string]int64{"order-1": 1, "order-42": 42, "order-": 0, "order-x": 0, "order--3": 0, "queue-1": 0}
	for name, want := range cases {
		got, ok := ParseOrderID(name)
		if got != want || ok != (want > 0) {
			t.Errorf("ParseOrderID(%q) = %d, %v", name, got, ok)
		}
	}
}

func TestListDirectoriesReportsSize(t *testing.T) {
	base := t.TempDir()
	mkdir(t, base, "order-7", 0)

	dirs, err := ListDirectories(base)
	if err != nil {
		t.Fatalf("ListDirectories: %v", err)
	}
	if len(dirs) != 1 || dirs[0].Name != "order-7" || dirs[0].Size != 4 {
		t.Fatalf("unexpected listing %+v", dirs)
	}
}
