package transcode_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"matchscope/internal/config"
	"matchscope/internal/media/ffprobe"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/services/drapto"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
	"matchscope/internal/testsupport"
	"matchscope/internal/transcode"
)

func playable(context.Context, string, string) (ffprobe.Result, error) {
	return ffprobe.Result{
		Streams: []ffprobe.Stream{{CodecType: "video", CodecName: "h264", Width: 1280, Height: 720}},
		Format:  ffprobe.Format{Duration: "120", Size: "4096"},
	}, nil
}

func setup(t *testing.T) (*config.Config, *storage.Local, *stage.Job) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store, err := storage.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	src := filepath.Join(t.TempDir(), "self.ts")
	testsupport.WriteFile(t, src, 64)
	key, err := store.Put(context.Background(), src, storage.Key(3, "self", src))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	job := &stage.Job{
		Task:      &queue.Task{ID: 9, Kind: queue.KindTranscode, MediaFileID: 1},
		Order:     &queue.Order{ID: 3},
		MediaFile: &queue.MediaFile{ID: 1, Role: queue.RoleSelf, ArtifactKey: key},
		WorkDir:   cfg.OrderWorkDir(3),
	}
	return cfg, store, job
}

func TestTranscodeFFmpegBackend(t *testing.T) {
	cfg, store, job := setup(t)
	var progress []float64
	job.Progress = func(pct float64, _ string) { progress = append(progress, pct) }

	runner := &testsupport.FakeRunner{}
	runner.Script = func(cmd stageexec.Command) (stageexec.Result, error) {
		cmd.OnLine("out_time_us=60000000")
		return stageexec.Result{}, testsupport.WriteOutput(cmd.Args[len(cmd.Args)-1], "mp4")
	}
	handler := transcode.NewHandler(cfg, runner, store, transcode.WithProber(playable))

	outcome, err := handler.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Probe == nil || outcome.Probe.DurationSeconds != 120 || outcome.Probe.Width != 1280 {
		t.Fatalf("unexpected probe %+v", outcome.Probe)
	}
	if outcome.ArtifactKey == "" || outcome.ArtifactKey == job.MediaFile.ArtifactKey {
		t.Fatalf("expected a new artifact key, got %q", outcome.ArtifactKey)
	}
	if filepath.Ext(outcome.ArtifactKey) != ".mp4" {
		t.Fatalf("expected mp4 artifact, got %q", outcome.ArtifactKey)
	}
	if len(progress) != 2 || progress[0] != 50 || progress[1] != 100 {
		t.Fatalf("unexpected progress %v", progress)
	}
	if got := testsupport.ArgValue(t, runner.Calls()[0].Args, "-c:v"); got != "libx264" {
		t.Fatalf("expected libx264, got %q", got)
	}
}

type fakeDrapto struct {
	calls int
}

func (f *fakeDrapto) Encode(_ context.Context, input, outDir string, progress func(drapto.ProgressUpdate)) (string, error) {
	f.calls++
	progress(drapto.ProgressUpdate{Type: drapto.EventTypeEncodingProgress, Percent: 40, Stage: "encoding"})
	progress(drapto.ProgressUpdate{Type: drapto.EventTypeWarning, Percent: -1, Message: "slow"})
	out, err := drapto.OutputPath(input, outDir)
	if err != nil {
		return "", err
	}
	return out, os.WriteFile(out, []byte("mkv"), 0o644)
}

func TestTranscodeDraptoBackend(t *testing.T) {
	cfg, store, job := setup(t)
	cfg.Stages.TranscodeBackend = config.TranscodeBackendDrapto
	var progress []float64
	job.Progress = func(pct float64, _ string) { progress = append(progress, pct) }

	client := &fakeDrapto{}
	runner := &testsupport.FakeRunner{}
	handler := transcode.NewHandler(cfg, runner, store, transcode.WithProber(playable), transcode.WithDrapto(client))
	outcome, err := handler.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if client.calls != 1 || len(runner.Calls()) != 0 {
		t.Fatalf("expected drapto only, drapto=%d ffmpeg=%d", client.calls, len(runner.Calls()))
	}
	if filepath.Ext(outcome.ArtifactKey) != ".mkv" {
		t.Fatalf("expected mkv artifact, got %q", outcome.ArtifactKey)
	}
	if len(progress) != 2 || progress[0] != 40 {
		t.Fatalf("unexpected progress %v", progress)
	}
}

func TestTranscodeRejectsUnplayableOutput(t *testing.T) {
	cfg, store, job := setup(t)
	audioOnly := func(context.Context, string, string) (ffprobe.Result, error) {
		return ffprobe.Result{Streams: []ffprobe.Stream{{CodecType: "audio"}}, Format: ffprobe.Format{Duration: "5"}}, nil
	}
	handler := transcode.NewHandler(cfg, &testsupport.FakeRunner{}, store, transcode.WithProber(audioOnly))
	_, err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestTranscodeMissingArtifact(t *testing.T) {
	cfg, store, job := setup(t)
	job.MediaFile.ArtifactKey = "order-3/self/missing.ts"
	handler := transcode.NewHandler(cfg, &testsupport.FakeRunner{}, store, transcode.WithProber(playable))
	_, err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
