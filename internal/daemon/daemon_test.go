package daemon_test

import (
	"context"
	"errors"
	"testing"

	"matchscope/internal/admission"
	"matchscope/internal/config"
	"matchscope/internal/daemon"
	"matchscope/internal/ledger"
	"matchscope/internal/stage"
	"matchscope/internal/testsupport"
	"matchscope/internal/workflow"
)

func newDaemon(t *testing.T) (*daemon.Daemon, *config.Config) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	store := testsupport.MustOpenStore(t, cfg)
	registry, err := stage.NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	compensator := workflow.NewCompensator(store, ledger.NewSQLLedger(store.DB()), nil)
	dispatcher := workflow.NewDispatcher(cfg, store, registry, admission.New(cfg.Admission, nil, nil), compensator, nil)
	mgr := workflow.NewManager(cfg, store, dispatcher, compensator, nil)
	d, err := daemon.New(cfg, store, nil, mgr)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(d.Stop)
	return d, cfg
}

func TestDaemonStartStop(t *testing.T) {
	d, _ := newDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	status := d.Status(ctx)
	if !status.Running {
		t.Fatal("expected daemon to report running")
	}
	if !status.Workflow.Running {
		t.Fatal("expected workflow manager to report running")
	}

	// Second start should fail
	if err := d.Start(ctx); err == nil {
		t.Fatal("expected second start to fail")
	}

	d.Stop()
	status = d.Status(ctx)
	if status.Running {
		t.Fatal("expected daemon to be stopped")
	}
}

func TestDispatchLockExcludesDaemon(t *testing.T) {
	d, cfg := newDaemon(t)
	ctx := context.Background()

	release, err := daemon.AcquireDispatchLock(cfg)
	if err != nil {
		t.Fatalf("AcquireDispatchLock: %v", err)
	}
	if err := d.Start(ctx); !errors.Is(err, daemon.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	release()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start after release: %v", err)
	}
	if !daemon.Locked(cfg) {
		t.Fatal("expected lock to be held while daemon runs")
	}
	if _, err := daemon.AcquireDispatchLock(cfg); !errors.Is(err, daemon.ErrLocked) {
		t.Fatalf("expected ErrLocked for one-shot dispatch, got %v", err)
	}
	d.Stop()
	if daemon.Locked(cfg) {
		t.Fatal("expected lock to be released after stop")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := daemon.New(cfg, nil, nil, nil); err == nil {
		t.Fatal("expected error without store and manager")
	}
}
