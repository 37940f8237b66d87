package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCleanupRemovesUnknownOrderDirs(t *testing.T) {
	env := setupCLITestEnv(t)
	orphan := env.cfg.OrderWorkDir(4242)
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	recent := filepath.Join(env.cfg.Paths.WorkDir, "order-4243")
	if err := os.MkdirAll(recent, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Only the orphan is past retention.
	stamp := time.Now().Add(-1000 * time.Hour)
	if err := os.Chtimes(orphan, stamp, stamp); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	out, _, err := runCLI(t, []string{"cleanup", "--dry-run"}, env.configPath)
	if err != nil {
		t.Fatalf("cleanup --dry-run: %v", err)
	}
	requireContains(t, out, "Would remove "+orphan)
	if _, err := os.Stat(orphan); err != nil {
		t.Fatal("dry run removed the directory")
	}

	out, _, err = runCLI(t, []string{"cleanup"}, env.configPath)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	requireContains(t, out, "Removed 1 directories")
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("orphaned work directory should be gone")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Fatal("recent directory should survive")
	}
}

func TestTestNotifyPostsToTopic(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify disabled: %v", err)
	}
	requireContains(t, out, "disabled")

	var title string
	ntfy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		title = r.Header.Get("Title")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ntfy.Close)
	env.cfg.Notifications.NtfyTopic = ntfy.URL
	writeTestConfig(t, env.configPath, env.cfg)

	out, _, err = runCLI(t, []string{"test-notify"}, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Test notification sent")
	if title != "Matchscope - Test" {
		t.Fatalf("ntfy title = %q", title)
	}
}

func TestLogsShowsTrailingLines(t *testing.T) {
	env := setupCLITestEnv(t)
	path := filepath.Join(env.cfg.Paths.LogDir, "matchscope.log")
	if err := os.MkdirAll(env.cfg.Paths.LogDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := "first\nsecond order_id=3\nthird\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "-n", "2"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "second order_id=3\nthird\n" {
		t.Fatalf("unexpected output %q", out)
	}

	out, _, err = runCLI(t, []string{"logs", "--order", "3"}, env.configPath)
	if err != nil {
		t.Fatalf("logs --order: %v", err)
	}
	if out != "second order_id=3\n" {
		t.Fatalf("unexpected filtered output %q", out)
	}
}
