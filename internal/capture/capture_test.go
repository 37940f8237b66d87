package capture_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"matchscope/internal/capture"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
	"matchscope/internal/testsupport"
)

func newJob(t *testing.T, captureURL string, progress *[]float64) *stage.Job {
	t.Helper()
	return &stage.Job{
		Task:      &queue.Task{ID: 1, Kind: queue.KindCapture, MediaFileID: 2},
		Order:     &queue.Order{ID: 7},
		MediaFile: &queue.MediaFile{ID: 2, Role: queue.RoleCompetitor, Ordinal: 1, CaptureURL: captureURL},
		WorkDir:   filepath.Join(t.TempDir(), "order-7"),
		Progress: func(pct float64, _ string) {
			if progress != nil {
				*progress = append(*progress, pct)
			}
		},
	}
}

func TestCaptureRecordsAndUploads(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Stages.CaptureMaxDuration = 100
	store, err := storage.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	// The media position lags the wall clock; progress must follow the clock.
	runner := &testsupport.FakeRunner{}
	runner.Script = func(cmd stageexec.Command) (stageexec.Result, error) {
		cmd.OnLine("out_time_us=10000000")
		cmd.OnLine("progress=continue")
		cmd.OnLine("out_time_us=12000000")
		return stageexec.Result{}, testsupport.WriteOutput(cmd.Args[len(cmd.Args)-1], "ts-data")
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Duration{0, 25 * time.Second, 50 * time.Second}
	clock := func() time.Time {
		if len(ticks) == 0 {
			t.Fatal("clock read more often than expected")
		}
		next := ticks[0]
		ticks = ticks[1:]
		return start.Add(next)
	}

	var progress []float64
	handler := capture.NewHandler(cfg, runner, store, capture.WithClock(clock))
	outcome, err := handler.Execute(context.Background(), newJob(t, "https://cdn.example.com/live.m3u8", &progress))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(outcome.ArtifactKey, "order-7/competitor1/") {
		t.Fatalf("unexpected artifact key %q", outcome.ArtifactKey)
	}
	if _, err := os.Stat(filepath.Join(store.Root(), filepath.FromSlash(outcome.ArtifactKey))); err != nil {
		t.Fatalf("artifact not stored: %v", err)
	}
	if len(progress) != 3 || progress[1] != 25 || progress[2] != 50 {
		t.Fatalf("unexpected progress %v", progress)
	}

	cmd := runner.Calls()[0]
	if got := testsupport.ArgValue(t, cmd.Args, "-t"); got != "100" {
		t.Fatalf("expected -t 100, got %q", got)
	}
	if got := testsupport.ArgValue(t, cmd.Args, "-i"); got != "https://cdn.example.com/live.m3u8" {
		t.Fatalf("unexpected input %q", got)
	}
}

func TestCaptureWithoutURLIsTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, _ := storage.NewLocal(cfg.Storage.LocalDir)
	handler := capture.NewHandler(cfg, &testsupport.FakeRunner{}, store)

	_, err := handler.Execute(context.Background(), newJob(t, " ", nil))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if services.Classify(err) != services.ClassTerminal {
		t.Fatalf("expected terminal class, got %s", services.Classify(err))
	}
}

func TestCaptureEmptyRecordingFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, _ := storage.NewLocal(cfg.Storage.LocalDir)
	runner := &testsupport.FakeRunner{Script: func(stageexec.Command) (stageexec.Result, error) {
		return stageexec.Result{}, nil
	}}
	handler := capture.NewHandler(cfg, runner, store)

	_, err := handler.Execute(context.Background(), newJob(t, "https://cdn.example.com/live.m3u8", nil))
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestCaptureTimeoutIsTransient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, _ := storage.NewLocal(cfg.Storage.LocalDir)
	runner := &testsupport.FakeRunner{Script: func(stageexec.Command) (stageexec.Result, error) {
		return stageexec.Result{}, services.Wrap(services.ErrTimeout, "stageexec", "run", "ffmpeg timed out", nil)
	}}
	handler := capture.NewHandler(cfg, runner, store)

	_, err := handler.Execute(context.Background(), newJob(t, "https://cdn.example.com/live.m3u8", nil))
	if services.Classify(err) != services.ClassTransient {
		t.Fatalf("expected transient class, got %v", err)
	}
}
