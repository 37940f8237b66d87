package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"matchscope/internal/config"
	"matchscope/internal/logging"
	"matchscope/internal/queue"
	"matchscope/internal/stage"
)

// Manager drives the Dispatcher in the background, either on a cron schedule
// or by polling.
type Manager struct {
	dispatcher  *Dispatcher
	compensator *Compensator
	store       *queue.Store
	logger      *slog.Logger

	schedule     string
	pollInterval time.Duration
	retryDelay   time.Duration

	janitor         func(context.Context)
	janitorInterval time.Duration
	lastJanitor     time.Time

	mu          sync.RWMutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	cron        *cron.Cron
	lastErr     error
	lastSummary *Summary
	lastRun     time.Time
}

// NewManager constructs a Manager. An empty dispatch schedule selects the
// poll loop.
func NewManager(cfg *config.Config, store *queue.Store, dispatcher *Dispatcher, compensator *Compensator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Manager{
		dispatcher:   dispatcher,
		compensator:  compensator,
		store:        store,
		logger:       logger.With(logging.String(logging.FieldComponent, "workflow")),
		schedule:     strings.TrimSpace(cfg.Workflow.DispatchSchedule),
		pollInterval: max(cfg.PollInterval(), time.Second),
		retryDelay:   max(cfg.ErrorRetryInterval(), time.Second),
	}
}

// SetJanitor runs fn after a dispatch cycle at most once per interval.
// It must be called before Start.
func (m *Manager) SetJanitor(interval time.Duration, fn func(context.Context)) {
	m.janitor = fn
	m.janitorInterval = max(interval, time.Minute)
}

// Start recovers interrupted refunds and begins background dispatch.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	m.mu.Unlock()

	if err := m.compensator.Recover(ctx); err != nil {
		return fmt.Errorf("recover refunds: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	if m.schedule != "" {
		c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{m.logger})))
		if _, err := c.AddFunc(m.schedule, func() { m.runCycle(runCtx) }); err != nil {
			cancel()
			m.running = false
			m.cancel = nil
			return fmt.Errorf("parse dispatch schedule %q: %w", m.schedule, err)
		}
		m.cron = c
		c.Start()
		m.logger.Info("workflow started",
			logging.String(logging.FieldEventType, "workflow_start"),
			logging.String("schedule", m.schedule),
		)
		return nil
	}

	m.wg.Add(1)
	go m.pollLoop(runCtx)
	m.logger.Info("workflow started",
		logging.String(logging.FieldEventType, "workflow_start"),
		logging.Duration("poll_interval", m.pollInterval),
	)
	return nil
}

// Stop terminates background dispatch and waits for the running batch.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	c := m.cron
	m.running = false
	m.cancel = nil
	m.cron = nil
	m.mu.Unlock()

	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	m.wg.Wait()
	m.logger.Info("workflow stopped", logging.String(logging.FieldEventType, "workflow_stop"))
}

func (m *Manager) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		summary, err := m.runCycle(ctx)
		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = m.retryDelay
		case summary.Claimed == 0:
			wait = m.pollInterval
		}
		if wait == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (m *Manager) runCycle(ctx context.Context) (Summary, error) {
	summary, err := m.dispatcher.DispatchOnce(ctx, 0)
	m.mu.Lock()
	m.lastRun = time.Now()
	m.lastErr = err
	m.lastSummary = &summary
	m.mu.Unlock()
	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("dispatch cycle failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "dispatch_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
	}
	m.maybeRunJanitor(ctx)
	return summary, err
}

func (m *Manager) maybeRunJanitor(ctx context.Context) {
	if m.janitor == nil || ctx.Err() != nil {
		return
	}
	now := time.Now()
	if !m.lastJanitor.IsZero() && now.Sub(m.lastJanitor) < m.janitorInterval {
		return
	}
	m.lastJanitor = now
	m.janitor(ctx)
}

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool
	Schedule    string
	LastError   string
	LastRun     time.Time
	LastSummary *Summary
	Queue       queue.HealthSummary
	StageHealth []stage.Health
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		Schedule: m.schedule,
		LastRun:  m.lastRun,
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastSummary != nil {
		last := *m.lastSummary
		summary.LastSummary = &last
	}
	m.mu.RUnlock()

	health, err := m.store.Health(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue health", logging.Error(err))
	}
	summary.Queue = health
	summary.StageHealth = m.dispatcher.Health(ctx)
	return summary
}

// cronLogger adapts slog to the cron scheduler's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append([]any{logging.Error(err)}, keysAndValues...)...)
}
