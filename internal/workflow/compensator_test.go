package workflow_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"matchscope/internal/queue"
	"matchscope/internal/testsupport"
	"matchscope/internal/workflow"
)

func TestRefundSurvivesEventLogFailure(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	order := testsupport.NewQueuedOrder(t, store, 0, 100)

	if _, err := store.FailOrder(ctx, queue.FailRequest{OrderID: order.ID, Message: "stopped by operator"}); err != nil {
		t.Fatalf("FailOrder: %v", err)
	}
	if _, err := store.DB().Exec("DROP TABLE progress_events"); err != nil {
		t.Fatalf("drop progress_events: %v", err)
	}

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	ledger := newCountingLedger()
	compensator := workflow.NewCompensator(store, ledger, logger)

	refunded, err := compensator.Refund(ctx, order.ID)
	if err != nil || !refunded {
		t.Fatalf("Refund: refunded=%v err=%v", refunded, err)
	}
	if got := mustOrder(t, store, order.ID); got.RefundState != queue.RefundCompleted {
		t.Fatalf("refund state = %s, want %s", got.RefundState, queue.RefundCompleted)
	}
	if ledger.Refunds(order.ID) != 1 {
		t.Fatalf("refunds = %d, want 1", ledger.Refunds(order.ID))
	}
	if !strings.Contains(buf.String(), "failed to append refund event") {
		t.Fatalf("expected event log failure to be logged, got %s", buf.String())
	}
}
