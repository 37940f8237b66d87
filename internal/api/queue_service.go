package api

import (
	"context"
	"errors"

	"matchscope/internal/queue"
)

// QueueReader abstracts queue persistence interactions needed for task queries.
type QueueReader interface {
	ListTasks(ctx context.Context, filter queue.TaskFilter) ([]*queue.Task, error)
	Health(ctx context.Context) (queue.HealthSummary, error)
	GetTask(ctx context.Context, id int64) (*queue.Task, error)
}

// QueueService exposes read-only task queue operations returning API DTOs.
type QueueService struct {
	store QueueReader
}

// NewQueueService constructs a QueueService around the provided reader.
func NewQueueService(store QueueReader) *QueueService {
	if store == nil {
		return nil
	}
	return &QueueService{store: store}
}

// List returns tasks matching filter.
func (s *QueueService) List(ctx context.Context, filter queue.TaskFilter) ([]Task, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	return FromTasks(tasks), nil
}

// Stats returns task counts by status.
func (s *QueueService) Stats(ctx context.Context) (QueueStats, error) {
	if s == nil || s.store == nil {
		return QueueStats{}, nil
	}
	health, err := s.store.Health(ctx)
	if err != nil {
		return QueueStats{}, err
	}
	return FromHealthSummary(health), nil
}

// Describe fetches a single task. A missing task returns nil without error.
func (s *QueueService) Describe(ctx context.Context, id int64) (*Task, error) {
	if s == nil || s.store == nil {
		return nil, nil
	}
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, nil
	}
	if err != nil || task == nil {
		return nil, err
	}
	dto := FromTask(task)
	return &dto, nil
}
