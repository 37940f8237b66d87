package api

import (
	"context"
	"errors"
	"testing"
	"time"

	"matchscope/internal/queue"
)

type mockQueueReader struct {
	tasks     []*queue.Task
	health    queue.HealthSummary
	taskErr   error
	healthErr error
}

func (m *mockQueueReader) ListTasks(context.Context, queue.TaskFilter) ([]*queue.Task, error) {
	return m.tasks, m.taskErr
}

func (m *mockQueueReader) Health(context.Context) (queue.HealthSummary, error) {
	return m.health, m.healthErr
}

func (m *mockQueueReader) GetTask(context.Context, int64) (*queue.Task, error) {
	if len(m.tasks) == 0 {
		return nil, m.taskErr
	}
	return m.tasks[0], m.taskErr
}

func TestQueueService_List(t *testing.T) {
	now := time.Now().UTC()
	reader := &mockQueueReader{
		tasks: []*queue.Task{{
			ID:            1,
			OrderID:       4,
			Kind:          queue.KindCapture,
			Status:        queue.TaskProcessing,
			MediaFileID:   9,
			Attempts:      1,
			MaxAttempts:   3,
			UpdatedAt:     now,
			LastHeartbeat: &now,
		}},
	}
	svc := NewQueueService(reader)
	got, err := svc.List(context.Background(), queue.TaskFilter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("unexpected task count: %d", len(got))
	}
	if got[0].Kind != "capture" || got[0].Status != "processing" {
		t.Fatalf("unexpected task: %+v", got[0])
	}
	if got[0].UpdatedAt == "" || got[0].LastHeartbeat == "" {
		t.Fatalf("expected timestamps to be formatted")
	}
}

func TestQueueService_ListError(t *testing.T) {
	errSentinel := errors.New("boom")
	svc := NewQueueService(&mockQueueReader{taskErr: errSentinel})
	_, err := svc.List(context.Background(), queue.TaskFilter{})
	if !errors.Is(err, errSentinel) {
		t.Fatalf("expected error %v, got %v", errSentinel, err)
	}
}

func TestQueueService_Stats(t *testing.T) {
	svc := NewQueueService(&mockQueueReader{health: queue.HealthSummary{Total: 3, Pending: 2, Failed: 1}})
	got, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats returned error: %v", err)
	}
	if got.Pending != 2 || got.Failed != 1 || got.Total != 3 {
		t.Fatalf("unexpected stats: %+v", got)
	}
}

func TestQueueService_DescribeMissing(t *testing.T) {
	svc := NewQueueService(&mockQueueReader{taskErr: queue.ErrNotFound})
	task, err := svc.Describe(context.Background(), 7)
	if err != nil {
		t.Fatalf("Describe returned error: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task, got %+v", task)
	}
}

func TestNilQueueService(t *testing.T) {
	if NewQueueService(nil) != nil {
		t.Fatal("expected nil service for nil reader")
	}
}
