package vision_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/stage"
	"matchscope/internal/storage"
	"matchscope/internal/testsupport"
	"matchscope/internal/vision"
)

type fakeModel struct {
	response string
	err      error
	images   []string
	prompt   string
}

func (f *fakeModel) CompleteVisionJSON(_ context.Context, _, user string, images []string) (string, error) {
	f.prompt = user
	f.images = images
	return f.response, f.err
}

func (f *fakeModel) HealthCheck(context.Context) error { return nil }

func newJob(t *testing.T) (*vision.Handler, *fakeModel, *testsupport.FakeRunner, *stage.Job) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Stages.FramesPerSegment = 3
	store, err := storage.NewLocal(cfg.Storage.LocalDir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	src := filepath.Join(t.TempDir(), "competitor1-000.mp4")
	testsupport.WriteFile(t, src, 32)
	key, err := store.Put(context.Background(), src, storage.Key(8, "competitor1-segments", src))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	model := &fakeModel{}
	runner := &testsupport.FakeRunner{}
	job := &stage.Job{
		Task:      &queue.Task{ID: 3, Kind: queue.KindVisionAnalyze, SegmentID: 21},
		Order:     &queue.Order{ID: 8},
		MediaFile: &queue.MediaFile{ID: 2, Role: queue.RoleCompetitor, Ordinal: 1},
		Segment:   &queue.Segment{ID: 21, StartSeconds: 0, EndSeconds: 60, StorageKey: key},
		WorkDir:   cfg.OrderWorkDir(8),
	}
	return vision.NewHandler(cfg, runner, store, model), model, runner, job
}

func TestVisionAnalyzesKeyframes(t *testing.T) {
	handler, model, runner, job := newJob(t)
	model.response = "```json\n{\"scene\": \"studio\", \"confidence\": 1.4}\n```"

	outcome, err := handler.Execute(context.Background(), job)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Analysis == nil || outcome.Analysis.ResultJSON != `{"scene":"studio","confidence":1.4}` {
		t.Fatalf("unexpected analysis %+v", outcome.Analysis)
	}
	if outcome.Analysis.Confidence != 1 {
		t.Fatalf("expected clamped confidence, got %v", outcome.Analysis.Confidence)
	}
	if len(model.images) != 3 || len(runner.Calls()) != 3 {
		t.Fatalf("expected 3 frames, got %d images %d calls", len(model.images), len(runner.Calls()))
	}
	if got := testsupport.ArgValue(t, runner.Calls()[0].Args, "-ss"); got != "10.000" {
		t.Fatalf("first frame at %q", got)
	}
	if !strings.Contains(model.prompt, "competitor1") {
		t.Fatalf("prompt should name the stream: %q", model.prompt)
	}
}

func TestVisionInvalidJSONIsTransient(t *testing.T) {
	handler, model, _, job := newJob(t)
	model.response = "I cannot see anything"

	_, err := handler.Execute(context.Background(), job)
	if services.Classify(err) != services.ClassTransient {
		t.Fatalf("expected transient, got %v", err)
	}
}

func TestVisionPropagatesModelErrors(t *testing.T) {
	handler, model, _, job := newJob(t)
	model.err = services.Wrap(services.ErrConfiguration, "llm", "complete", "bad key", nil)

	_, err := handler.Execute(context.Background(), job)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFrameOffsets(t *testing.T) {
	got := vision.FrameOffsets(60, 3)
	want := []float64{10, 30, 50}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FrameOffsets = %v, want %v", got, want)
		}
	}
	if got := vision.FrameOffsets(0, 4); len(got) != 1 || got[0] != 0 {
		t.Fatalf("zero-length segment = %v", got)
	}
}
