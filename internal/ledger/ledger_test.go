package ledger_test

import (
	"context"
	"errors"
	"testing"

	"matchscope/internal/ledger"
	"matchscope/internal/services"
	"matchscope/internal/testsupport"
)

func newLedger(t *testing.T) *ledger.SQLLedger {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	return ledger.NewSQLLedger(store.DB())
}

func TestChargeAndRefundAreIdempotent(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()

	for range 2 {
		if err := l.ChargeOrder(ctx, "user-1", 100, 9); err != nil {
			t.Fatalf("ChargeOrder: %v", err)
		}
	}
	if bal, err := l.Balance(ctx, "user-1"); err != nil || bal != 100 {
		t.Fatalf("balance after charge = %d, %v", bal, err)
	}

	for range 3 {
		if err := l.RefundOrder(ctx, 9); err != nil {
			t.Fatalf("RefundOrder: %v", err)
		}
	}
	entries, err := l.Entries(ctx, 9)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want one charge and one refund", entries)
	}
	if entries[1].Kind != ledger.EntryRefund || entries[1].Amount != 100 || entries[1].UserID != "user-1" {
		t.Fatalf("refund entry = %+v", entries[1])
	}
	if bal, err := l.Balance(ctx, "user-1"); err != nil || bal != 0 {
		t.Fatalf("balance after refund = %d, %v", bal, err)
	}
}

func TestRefundWithoutCharge(t *testing.T) {
	l := newLedger(t)
	err := l.RefundOrder(context.Background(), 42)
	if !errors.Is(err, ledger.ErrNoCharge) {
		t.Fatalf("expected ErrNoCharge, got %v", err)
	}
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found marker, got %v", err)
	}
}

func TestChargeRejectsNegativeAmount(t *testing.T) {
	l := newLedger(t)
	if err := l.ChargeOrder(context.Background(), "user-1", -5, 1); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
