package stage_test

import (
	"context"
	"slices"
	"testing"

	"matchscope/internal/queue"
	"matchscope/internal/stage"
)

type fakeHandler struct {
	kind  queue.TaskKind
	class stage.Class
	ready bool
}

func (f fakeHandler) Kind() queue.TaskKind { return f.kind }
func (f fakeHandler) Class() stage.Class   { return f.class }
func (f fakeHandler) Execute(context.Context, *stage.Job) (queue.Outcome, error) {
	return queue.Outcome{}, nil
}

func (f fakeHandler) HealthCheck(context.Context) stage.Health {
	if f.ready {
		return stage.Healthy(string(f.kind))
	}
	return stage.Unhealthy(string(f.kind), "binary missing")
}

func TestRegistryLookupAndClasses(t *testing.T) {
	reg, err := stage.NewRegistry(
		fakeHandler{kind: queue.KindTranscribe, class: stage.ClassLight, ready: true},
		fakeHandler{kind: queue.KindCapture, class: stage.ClassHeavy, ready: true},
		fakeHandler{kind: queue.KindTranscode, class: stage.ClassHeavy, ready: false},
	)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	if _, ok := reg.Lookup(queue.KindCapture); !ok {
		t.Fatal("expected capture handler")
	}
	if _, ok := reg.Lookup(queue.KindSynthesizeReport); ok {
		t.Fatal("unexpected report handler")
	}
	if got := reg.Kinds(stage.ClassHeavy); !slices.Equal(got, []queue.TaskKind{queue.KindCapture, queue.KindTranscode}) {
		t.Fatalf("heavy kinds = %v", got)
	}
	if got := reg.Kinds(stage.ClassLight); !slices.Equal(got, []queue.TaskKind{queue.KindTranscribe}) {
		t.Fatalf("light kinds = %v", got)
	}
	if !reg.IsHeavy(queue.KindTranscode) || reg.IsHeavy(queue.KindTranscribe) {
		t.Fatal("unexpected heavy classification")
	}
	if missing := reg.Missing(); len(missing) != 3 {
		t.Fatalf("missing = %v, want 3 kinds", missing)
	}

	health := reg.HealthCheck(context.Background())
	if len(health) != 3 {
		t.Fatalf("health entries = %d", len(health))
	}
	if health[0].Ready || health[0].Name != string(queue.KindTranscode) {
		t.Fatalf("expected unhealthy transcode first, got %+v", health[0])
	}
}

func TestRegistryRejectsDuplicateKinds(t *testing.T) {
	_, err := stage.NewRegistry(
		fakeHandler{kind: queue.KindCapture, class: stage.ClassHeavy},
		fakeHandler{kind: queue.KindCapture, class: stage.ClassHeavy},
	)
	if err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestJobReportProgressWithoutCallback(t *testing.T) {
	var job *stage.Job
	job.ReportProgress(50, "ignored")

	var got float64
	job = &stage.Job{Progress: func(p float64, _ string) { got = p }}
	job.ReportProgress(42, "capturing")
	if got != 42 {
		t.Fatalf("progress = %v", got)
	}
}
