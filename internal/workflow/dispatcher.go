package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"matchscope/internal/admission"
	"matchscope/internal/config"
	"matchscope/internal/logging"
	"matchscope/internal/notifications"
	"matchscope/internal/queue"
	"matchscope/internal/stage"
)

// Summary reports what one dispatch batch did.
type Summary struct {
	Claimed   int
	Completed int
	Failed    int
	Requeued  int
	// Denied counts claims that fell back to light stages because a heavy
	// stage was not admitted.
	Denied    int
	Refunded  int
	Reclaimed int
}

func (s Summary) String() string {
	return fmt.Sprintf("claimed=%d completed=%d failed=%d requeued=%d denied=%d refunded=%d",
		s.Claimed, s.Completed, s.Failed, s.Requeued, s.Denied, s.Refunded)
}

// counters accumulates a Summary from concurrent workers.
type counters struct {
	claimed, completed, failed, requeued, denied atomic.Int64
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithHeartbeat overrides the heartbeat interval and stale timeout from config.
func WithHeartbeat(interval, timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.heartbeat = NewHeartbeatMonitor(d.store, d.logger, interval, timeout)
	}
}

// WithTimeouts overrides the capture and processing stage timeouts.
func WithTimeouts(capture, processing time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.captureTimeout = capture
		d.processingTimeout = processing
	}
}

// WithNotifier publishes completed orders to n.
func WithNotifier(n notifications.Service) DispatcherOption {
	return func(d *Dispatcher) {
		if n != nil {
			d.notifier = n
		}
	}
}

// Dispatcher claims and executes tasks in bounded batches.
type Dispatcher struct {
	store       *queue.Store
	registry    *stage.Registry
	admission   *admission.Controller
	compensator *Compensator
	heartbeat   *HeartbeatMonitor
	notifier    notifications.Service
	logger      *slog.Logger

	workers           int
	batchSize         int
	captureTimeout    time.Duration
	processingTimeout time.Duration
	workDir           func(orderID int64) string

	// batchMu serializes DispatchOnce calls within this process.
	batchMu sync.Mutex
}

// NewDispatcher wires a Dispatcher from its collaborators. Config is read
// once here.
func NewDispatcher(
	cfg *config.Config,
	store *queue.Store,
	registry *stage.Registry,
	controller *admission.Controller,
	compensator *Compensator,
	logger *slog.Logger,
	opts ...DispatcherOption,
) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.With(logging.String(logging.FieldComponent, "dispatcher"))
	d := &Dispatcher{
		store:             store,
		registry:          registry,
		admission:         controller,
		compensator:       compensator,
		notifier:          notifications.NewService(nil),
		logger:            logger,
		workers:           max(cfg.Workflow.WorkerCount, 1),
		batchSize:         max(cfg.Workflow.BatchSize, 1),
		captureTimeout:    cfg.CaptureTimeout(),
		processingTimeout: cfg.ProcessingTimeout(),
		workDir:           cfg.OrderWorkDir,
	}
	d.heartbeat = NewHeartbeatMonitor(store, logger, cfg.HeartbeatInterval(), cfg.HeartbeatTimeout())
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchOnce runs one bounded batch of at most maxTasks claims, or the
// configured batch size when maxTasks is not positive. Each worker claims one
// task, runs it to completion, then claims the next. Stage errors are
// recorded on their tasks; the returned error covers only queue access.
func (d *Dispatcher) DispatchOnce(ctx context.Context, maxTasks int) (Summary, error) {
	d.batchMu.Lock()
	defer d.batchMu.Unlock()

	var summary Summary
	if maxTasks <= 0 {
		maxTasks = d.batchSize
	}

	refunded, err := d.compensator.Sweep(ctx)
	summary.Refunded = refunded
	if err != nil {
		logging.WarnWithContext(d.logger, "refund sweep incomplete", "refund_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check ledger availability"),
			logging.String(logging.FieldImpact, "refunds stay pending until the ledger recovers"),
		)
	}

	reclaimed, err := d.ReclaimStale(ctx)
	if err != nil {
		return summary, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	summary.Reclaimed = reclaimed

	var (
		c       counters
		budget  atomic.Int64
		wg      sync.WaitGroup
		errOnce sync.Once
		loopErr error
	)
	budget.Store(int64(maxTasks))
	workers := min(d.workers, maxTasks)
	for i := range workers {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			if err := d.workerLoop(ctx, worker, &budget, &c); err != nil {
				errOnce.Do(func() { loopErr = err })
			}
		}(i + 1)
	}
	wg.Wait()

	summary.Claimed = int(c.claimed.Load())
	summary.Completed = int(c.completed.Load())
	summary.Failed = int(c.failed.Load())
	summary.Requeued = int(c.requeued.Load())
	summary.Denied = int(c.denied.Load())
	if summary.Claimed > 0 || summary.Denied > 0 || summary.Refunded > 0 {
		d.logger.Info("dispatch batch finished",
			logging.String(logging.FieldEventType, "dispatch_batch"),
			logging.Int("claimed", summary.Claimed),
			logging.Int("completed", summary.Completed),
			logging.Int("failed", summary.Failed),
			logging.Int("requeued", summary.Requeued),
			logging.Int("denied", summary.Denied),
			logging.Int("refunded", summary.Refunded),
		)
	}
	return summary, loopErr
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int, budget *atomic.Int64, c *counters) error {
	label := fmt.Sprintf("worker-%d", worker)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if budget.Add(-1) < 0 {
			return nil
		}
		task, ticket, denied, err := d.claim(ctx)
		if denied {
			c.denied.Add(1)
		}
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		c.claimed.Add(1)
		d.runTask(ctx, label, task, ticket, c)
	}
}

// claim admits a heavy slot when one is available and claims across every
// kind; otherwise it claims light kinds only so denied heavy tasks stay
// pending. A ticket for a claimed light task is released immediately.
func (d *Dispatcher) claim(ctx context.Context) (*queue.Task, *admission.Ticket, bool, error) {
	ticket, decision := d.admission.TryAdmit(ctx, stage.ClassHeavy)
	if decision.Allowed {
		task, err := d.store.ClaimNext(ctx, d.registry.Kinds(""))
		if err != nil || task == nil || !d.registry.IsHeavy(task.Kind) {
			ticket.Release()
			return task, nil, false, err
		}
		return task, ticket, false, nil
	}

	task, err := d.store.ClaimNext(ctx, d.registry.Kinds(stage.ClassLight))
	return task, nil, d.heavyPending(ctx), err
}

// heavyPending reports whether a denial actually held back work.
func (d *Dispatcher) heavyPending(ctx context.Context) bool {
	tasks, err := d.store.ListTasks(ctx, queue.TaskFilter{
		Kinds:    d.registry.Kinds(stage.ClassHeavy),
		Statuses: []queue.TaskStatus{queue.TaskPending},
		Limit:    1,
	})
	return err == nil && len(tasks) > 0
}

// ReclaimStale requeues tasks abandoned by a dead worker and fails those that
// cannot run again.
func (d *Dispatcher) ReclaimStale(ctx context.Context) (int, error) {
	stale, err := d.heartbeat.ReclaimStale(ctx)
	if err != nil {
		return 0, err
	}
	for _, task := range stale.Exhausted {
		message := fmt.Sprintf("%s lost its worker after %d attempts", task.Kind, task.Attempts)
		if task.CancelRequested {
			if err := d.store.FailTask(ctx, task.ID, errStopRequested.Error()); err != nil {
				return 0, err
			}
			continue
		}
		_, err := d.compensator.FailOrder(ctx, queue.FailRequest{OrderID: task.OrderID, TaskID: task.ID, Message: message})
		if errors.Is(err, queue.ErrInvalidTransition) {
			err = d.store.FailTask(ctx, task.ID, message)
		}
		if err != nil {
			return 0, err
		}
	}
	return int(stale.Requeued) + len(stale.Exhausted), nil
}

// Health reports stage readiness.
func (d *Dispatcher) Health(ctx context.Context) []stage.Health {
	return d.registry.HealthCheck(ctx)
}
