package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"matchscope/internal/logging"
	"matchscope/internal/queue"
)

// HeartbeatMonitor stamps running tasks and reclaims tasks whose worker died.
type HeartbeatMonitor struct {
	store    *queue.Store
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store *queue.Store, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HeartbeatMonitor{
		store:    store,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// ReclaimStale returns tasks with a stale heartbeat to pending. Tasks that
// cannot be retried are reported as exhausted for the caller to fail.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context) (queue.StaleTasks, error) {
	if h.timeout <= 0 {
		return queue.StaleTasks{}, nil
	}
	stale, err := h.store.ReclaimStale(ctx, h.now().Add(-h.timeout))
	if err != nil {
		return stale, err
	}
	if stale.Requeued > 0 {
		h.logger.Info("reclaimed stale tasks",
			logging.Int64("count", stale.Requeued),
			logging.String(logging.FieldEventType, "heartbeat_reclaim"),
		)
	}
	return stale, nil
}

// Watch stamps taskID every interval until ctx ends. It calls stop once when
// the task is flagged for cancellation or no longer processing.
func (h *HeartbeatMonitor) Watch(ctx context.Context, wg *sync.WaitGroup, taskID int64, stop func()) {
	defer wg.Done()
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat")))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			halt, err := h.store.Heartbeat(ctx, taskID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Debug("heartbeat canceled")
					return
				}
				logger.Warn("heartbeat update failed", logging.Error(err))
				continue
			}
			if halt {
				logger.Info("task cancellation requested",
					logging.String(logging.FieldEventType, "task_cancel_requested"))
				stop()
				return
			}
		}
	}
}
