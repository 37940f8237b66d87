package transcribe_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/services/whisperx"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
	"matchscope/internal/testsupport"
	"matchscope/internal/transcribe"
)

func TestTranscribeSegment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, err := storage.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	src := filepath.Join(t.TempDir(), "self-001.mp4")
	testsupport.WriteFile(t, src, 32)
	key, err := store.Put(context.Background(), src, storage.Key(5, "self-segments", src))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	runner := &testsupport.FakeRunner{}
	runner.Script = func(cmd stageexec.Command) (stageexec.Result, error) {
		if cmd.Binary == whisperx.UVXCommand {
			outDir := testsupport.ArgValue(t, cmd.Args, "--output_dir")
			payload := `{"segments":[{"text":"push now","start":1,"end":2,"words":[{"word":"push","score":0.6},{"word":"now","score":1.0}]},{"text":"  ","start":2,"end":3}]}`
			return stageexec.Result{}, testsupport.WriteOutput(filepath.Join(outDir, "audio.json"), payload)
		}
		return stageexec.Result{}, testsupport.WriteOutput(cmd.Args[len(cmd.Args)-1], "wav")
	}

	handler := transcribe.NewHandler(cfg, runner, store)
	job := &stage.Job{
		Task:    &queue.Task{ID: 2, Kind: queue.KindTranscribe, SegmentID: 11},
		Order:   &queue.Order{ID: 5},
		Segment: &queue.Segment{ID: 11, Ordinal: 1, StartSeconds: 60, EndSeconds: 120, StorageKey: key},
		WorkDir: cfg.OrderWorkDir(5),
	}
	outcome, err := handler.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Transcript == nil || outcome.Transcript.Text != "push now" {
		t.Fatalf("unexpected transcript %+v", outcome.Transcript)
	}
	if c := outcome.Transcript.Confidence; c < 0.79 || c > 0.81 {
		t.Fatalf("expected confidence 0.8, got %v", outcome.Transcript.Confidence)
	}
	var cues []transcribe.Cue
	if err := json.Unmarshal([]byte(outcome.Transcript.CuesJSON), &cues); err != nil {
		t.Fatalf("cues json: %v", err)
	}
	if len(cues) != 1 || cues[0].Start != 61 || cues[0].End != 62 {
		t.Fatalf("expected one cue offset by segment start, got %+v", cues)
	}
}

func TestTranscribeWithoutSegment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store, _ := storage.NewLocal(cfg.Storage.LocalDir)
	handler := transcribe.NewHandler(cfg, &testsupport.FakeRunner{}, store)
	_, err := handler.Execute(context.Background(), &stage.Job{Order: &queue.Order{ID: 1}, WorkDir: t.TempDir()})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
