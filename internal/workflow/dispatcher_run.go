package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"matchscope/internal/admission"
	"matchscope/internal/logging"
	"matchscope/internal/notifications"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
)

// errStopRequested is the cancel cause when an operator stops a running order.
var errStopRequested = errors.New("stopped by operator")

func (d *Dispatcher) runTask(ctx context.Context, worker string, task *queue.Task, ticket *admission.Ticket, c *counters) {
	defer ticket.Release()

	stageCtx := services.WithOrderID(ctx, task.OrderID)
	stageCtx = services.WithTaskID(stageCtx, task.ID)
	stageCtx = services.WithStage(stageCtx, string(task.Kind))
	stageCtx = services.WithWorker(stageCtx, worker)
	stageCtx = services.WithRequestID(stageCtx, uuid.NewString())
	logger := logging.WithContext(stageCtx, d.logger)

	// Bookkeeping must land even when the batch context is canceled.
	bookCtx := context.WithoutCancel(stageCtx)

	handler, ok := d.registry.Lookup(task.Kind)
	if !ok {
		d.failTerminal(bookCtx, logger, task, fmt.Sprintf("no handler registered for %s", task.Kind), c)
		return
	}
	job, err := d.buildJob(bookCtx, task, logger)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			d.failTerminal(bookCtx, logger, task, fmt.Sprintf("%s references missing data: %v", task.Kind, err), c)
			return
		}
		d.requeue(bookCtx, logger, task, "load task context: "+err.Error(), true, c)
		return
	}

	timeout := d.processingTimeout
	if task.Kind == queue.KindCapture {
		timeout = d.captureTimeout
	}
	execCtx, cancel := context.WithCancelCause(stageCtx)
	defer cancel(nil)
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		execCtx, cancelTimeout = context.WithTimeout(execCtx, timeout)
		defer cancelTimeout()
	}

	d.stageStarted(logger, task, job)
	start := time.Now()

	var hbWG sync.WaitGroup
	hbCtx, hbCancel := context.WithCancel(execCtx)
	hbWG.Add(1)
	go d.heartbeat.Watch(hbCtx, &hbWG, task.ID, func() { cancel(errStopRequested) })

	outcome, execErr := handler.Execute(execCtx, job)
	stopped := errors.Is(context.Cause(execCtx), errStopRequested)
	hbCancel()
	hbWG.Wait()

	if execErr == nil && stopped {
		execErr = errStopRequested
	}
	if execErr != nil {
		if stopped {
			if err := d.store.FailTask(bookCtx, task.ID, errStopRequested.Error()); err != nil {
				logger.Error("failed to record stopped task", logging.Error(err))
			}
			logger.Info("stage stopped by operator", logging.String(logging.FieldEventType, "stage_stopped"))
			c.failed.Add(1)
			return
		}
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && !errors.Is(execErr, services.ErrTimeout) {
			execErr = services.Wrap(services.ErrTimeout, string(task.Kind), "execute",
				fmt.Sprintf("stage exceeded %s", timeout), execErr)
		}
		d.handleStageError(bookCtx, ctx, logger, task, execErr, c)
		return
	}

	completion, err := d.store.CompleteTask(bookCtx, task.ID, outcome)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrOrderInactive):
			logger.Info("stage finished after its order stopped", logging.String(logging.FieldEventType, "stage_orphaned"))
			c.failed.Add(1)
		case errors.Is(err, queue.ErrInvalidOutcome):
			d.failTerminal(bookCtx, logger, task, fmt.Sprintf("%s produced an invalid result: %v", task.Kind, err), c)
		default:
			d.requeue(bookCtx, logger, task, "record result: "+err.Error(), true, c)
		}
		return
	}

	c.completed.Add(1)
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", time.Since(start)),
		logging.Int("enqueued", len(completion.Enqueued)),
	}
	if outcome.Summary != "" {
		attrs = append(attrs, logging.String("summary", outcome.Summary))
	}
	logger.Info("stage completed", logging.Args(attrs...)...)
	if completion.OrderCompleted {
		logger.Info("order completed", logging.String(logging.FieldEventType, "order_completed"))
		payload := notifications.Payload{"orderNumber": job.Order.OrderNumber, "userID": job.Order.UserID}
		if err := d.notifier.Publish(bookCtx, notifications.EventOrderCompleted, payload); err != nil {
			logger.Warn("order completion notification failed", logging.Error(err))
		}
	}
}

func (d *Dispatcher) buildJob(ctx context.Context, task *queue.Task, logger *slog.Logger) (*stage.Job, error) {
	order, err := d.store.GetOrder(ctx, task.OrderID)
	if err != nil {
		return nil, err
	}
	job := &stage.Job{
		Task:    task,
		Order:   order,
		WorkDir: d.workDir(task.OrderID),
		Logger:  logger,
	}
	if task.MediaFileID > 0 {
		if job.MediaFile, err = d.store.GetMediaFile(ctx, task.MediaFileID); err != nil {
			return nil, err
		}
	}
	if task.SegmentID > 0 {
		if job.Segment, err = d.store.GetSegment(ctx, task.SegmentID); err != nil {
			return nil, err
		}
	}
	job.Progress = d.progressFunc(ctx, logger, task, job)
	return job, nil
}

// progressFunc persists capture progress and samples it into the event log.
// Other stages only log it; the store records their start and finish.
func (d *Dispatcher) progressFunc(ctx context.Context, logger *slog.Logger, task *queue.Task, job *stage.Job) stage.ProgressFunc {
	sampler := logging.NewProgressSampler(10, time.Minute)
	var mu sync.Mutex
	return func(percent float64, message string) {
		mu.Lock()
		defer mu.Unlock()
		if !sampler.ShouldLog(percent) {
			return
		}
		if task.Kind != queue.KindCapture {
			logger.Debug("stage progress", logging.Float64("percent", percent), logging.String("message", message))
			return
		}
		clipped := queue.ClipCaptureProgress(percent)
		if err := d.store.UpdateCaptureProgress(ctx, task.MediaFileID, clipped); err != nil {
			logger.Warn("failed to persist capture progress", logging.Error(err))
		}
		d.appendEvent(ctx, logger, task, job, clipped, message)
	}
}

func (d *Dispatcher) stageStarted(logger *slog.Logger, task *queue.Task, job *stage.Job) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int("attempt", task.Attempts),
		logging.Int("max_attempts", task.MaxAttempts),
	}
	if job.MediaFile != nil {
		attrs = append(attrs, logging.String("stream", job.MediaFile.Label()))
	}
	if job.Segment != nil {
		attrs = append(attrs, logging.Int64(logging.FieldSegmentID, job.Segment.ID))
	}
	logger.Info("stage started", logging.Args(attrs...)...)
}

func (d *Dispatcher) appendEvent(ctx context.Context, logger *slog.Logger, task *queue.Task, job *stage.Job, percent float64, message string) {
	if job.MediaFile != nil && message != "" {
		message = job.MediaFile.Label() + ": " + message
	}
	if err := d.store.AppendEvent(ctx, queue.ProgressEvent{
		OrderID:     task.OrderID,
		MediaFileID: task.MediaFileID,
		Stage:       string(task.Kind),
		Percent:     percent,
		Message:     message,
	}); err != nil {
		logger.Debug("failed to append progress event", logging.Error(err))
	}
}

// handleStageError translates a stage error into a queue transition.
func (d *Dispatcher) handleStageError(ctx, batchCtx context.Context, logger *slog.Logger, task *queue.Task, stageErr error, c *counters) {
	details := services.Details(stageErr)
	class := services.Classify(stageErr)
	message := services.Summary(stageErr)
	if message == "" {
		message = fmt.Sprintf("%s failed", task.Kind)
	}
	logger = logger.With(
		logging.String(logging.FieldErrorKind, string(details.Kind)),
		logging.String(logging.FieldErrorOperation, details.Operation),
		logging.String("failure_class", string(class)),
	)
	var exitErr *stageexec.ExitError
	if errors.As(stageErr, &exitErr) && len(exitErr.Tail) > 0 {
		logger = logger.With(logging.String("tool_output", exitErr.TailText()))
	}

	switch class {
	case services.ClassCanceled:
		// Daemon shutdown: the task runs again on restart without losing an attempt.
		if batchCtx.Err() != nil {
			d.requeue(ctx, logger, task, "interrupted by shutdown", true, c)
			return
		}
		d.failTerminal(ctx, logger, task, message, c)
	case services.ClassInfrastructure:
		d.requeue(ctx, logger, task, message, true, c)
	case services.ClassTransient:
		if task.Attempts < task.MaxAttempts {
			d.requeue(ctx, logger, task, message, false, c)
			return
		}
		d.failTerminal(ctx, logger, task, fmt.Sprintf("%s (gave up after %d attempts)", message, task.Attempts), c)
	default:
		logger = logger.With(logging.String(logging.FieldErrorHint, details.Hint))
		if details.Cause != nil {
			logger = logger.With(logging.Error(details.Cause))
		} else {
			logger = logger.With(logging.Error(stageErr))
		}
		d.failTerminal(ctx, logger, task, message, c)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, logger *slog.Logger, task *queue.Task, message string, refundAttempt bool, c *counters) {
	if err := d.store.RequeueTask(ctx, task.ID, message, refundAttempt); err != nil {
		logger.Error("failed to requeue task; heartbeat reclaim will recover it",
			logging.Error(err),
			logging.String(logging.FieldEventType, "requeue_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return
	}
	c.requeued.Add(1)
	logger.Warn("stage will retry",
		logging.String(logging.FieldEventType, "stage_retry"),
		logging.String("reason", message),
		logging.Bool("attempt_refunded", refundAttempt),
	)
}

// failTerminal fails the task and its order, which drains the order and
// triggers the refund.
func (d *Dispatcher) failTerminal(ctx context.Context, logger *slog.Logger, task *queue.Task, message string, c *counters) {
	c.failed.Add(1)
	logging.ErrorWithContext(logger, "stage failed", "stage_failure",
		logging.String("error_message", strings.TrimSpace(message)),
		logging.Alert("stage_failure"),
	)
	_, err := d.compensator.FailOrder(ctx, queue.FailRequest{OrderID: task.OrderID, TaskID: task.ID, Message: message})
	if err == nil {
		return
	}
	if errors.Is(err, queue.ErrInvalidTransition) {
		if err := d.store.FailTask(ctx, task.ID, message); err != nil {
			logger.Error("failed to record task failure", logging.Error(err))
		}
		return
	}
	logger.Error("failed to record order failure; heartbeat reclaim will retry",
		logging.Error(err),
		logging.String(logging.FieldErrorHint, "check queue database access"),
	)
}
