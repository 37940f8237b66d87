package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"matchscope/internal/admission"
	"matchscope/internal/api"
	"matchscope/internal/capture"
	"matchscope/internal/config"
	"matchscope/internal/ledger"
	"matchscope/internal/logging"
	"matchscope/internal/notifications"
	"matchscope/internal/queue"
	"matchscope/internal/report"
	"matchscope/internal/segmenter"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
	"matchscope/internal/transcode"
	"matchscope/internal/transcribe"
	"matchscope/internal/vision"
	"matchscope/internal/workdir"
	"matchscope/internal/workflow"
)

// Pipeline holds every runtime collaborator built from one config. The CLI
// and the daemon share it so both dispatch through identical wiring.
type Pipeline struct {
	Config      *config.Config
	Logger      *slog.Logger
	Store       *queue.Store
	Artifacts   storage.Store
	Ledger      ledger.Ledger
	Notifier    notifications.Service
	Registry    *stage.Registry
	Admission   *admission.Controller
	Compensator *workflow.Compensator
	Dispatcher  *workflow.Dispatcher
	Orders      *api.Service
	Queue       *api.QueueService
}

// Build opens the queue database and constructs the stage handlers,
// admission controller, compensator and dispatcher.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := queue.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	artifacts, err := storage.New(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open artifact storage: %w", err)
	}

	runner := stageexec.NewRunner(stageexec.WithKillGrace(time.Duration(cfg.Stages.TimeoutGrace) * time.Second))
	registry, err := stage.NewRegistry(
		capture.NewHandler(cfg, runner, artifacts),
		transcode.NewHandler(cfg, runner, artifacts),
		segmenter.NewHandler(cfg, runner, artifacts),
		transcribe.NewHandler(cfg, runner, artifacts),
		vision.NewHandler(cfg, runner, artifacts, nil),
		report.NewHandler(cfg, store, nil),
	)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("register stages: %w", err)
	}

	billing := ledger.NewSQLLedger(store.DB())
	controller := admission.New(cfg.Admission, admission.NewHostSampler(cfg.Paths.WorkDir), logger)
	notifier := notifications.NewService(cfg)
	compensator := workflow.NewCompensator(store, billing, logger)
	compensator.SetNotifier(notifier)
	dispatcher := workflow.NewDispatcher(cfg, store, registry, controller, compensator, logger,
		workflow.WithNotifier(notifier))

	return &Pipeline{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Artifacts:   artifacts,
		Ledger:      billing,
		Notifier:    notifier,
		Registry:    registry,
		Admission:   controller,
		Compensator: compensator,
		Dispatcher:  dispatcher,
		Orders:      api.NewService(cfg, store, billing, dispatcher, compensator, logger),
		Queue:       api.NewQueueService(store),
	}, nil
}

// janitorInterval spaces work directory sweeps in the daemon.
const janitorInterval = 15 * time.Minute

// Manager builds the workflow manager that drives the dispatcher on the
// configured schedule and sweeps finished work directories.
func (p *Pipeline) Manager() *workflow.Manager {
	mgr := workflow.NewManager(p.Config, p.Store, p.Dispatcher, p.Compensator, p.Logger)
	mgr.SetJanitor(janitorInterval, func(ctx context.Context) {
		result := p.CleanWorkDirs(ctx, false)
		if len(result.Errors) > 0 {
			logging.WarnWithContext(p.Logger, "work directory cleanup incomplete", "workdir_cleanup_failed",
				logging.Int("errors", len(result.Errors)),
				logging.String(logging.FieldErrorHint, "check work_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
		}
	})
	return mgr
}

// CleanWorkDirs removes scratch directories of finished or unknown orders.
func (p *Pipeline) CleanWorkDirs(ctx context.Context, dryRun bool) workdir.Result {
	return workdir.Clean(ctx, p.Config.Paths.WorkDir, workdir.StoreLookup(p.Store), workdir.Options{
		MaxAge: p.Config.WorkDirRetention(),
		DryRun: dryRun,
	}, p.Logger)
}

// Close releases the queue database.
func (p *Pipeline) Close() error {
	if p == nil || p.Store == nil {
		return nil
	}
	return p.Store.Close()
}
