package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"matchscope/internal/services"
)

// Ledger is the billing collaborator the pipeline charges and refunds through.
// Both operations are idempotent per order.
type Ledger interface {
	ChargeOrder(ctx context.Context, userID string, amount, orderID int64) error
	RefundOrder(ctx context.Context, orderID int64) error
}

// EntryKind distinguishes charges from refunds.
type EntryKind string

const (
	EntryCharge EntryKind = "charge"
	EntryRefund EntryKind = "refund"
)

// Entry is one ledger row.
type Entry struct {
	ID        int64
	OrderID   int64
	UserID    string
	Kind      EntryKind
	Amount    int64
	CreatedAt time.Time
}

// ErrNoCharge is returned when refunding an order that was never charged.
var ErrNoCharge = errors.New("order has no charge")

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// SQLLedger records entries in the ledger_entries table of the queue database.
// UNIQUE(order_id, kind) makes repeated charges and refunds no-ops.
type SQLLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLLedger wraps db, which must carry the ledger_entries table.
func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db, now: time.Now}
}

// ChargeOrder debits amount for orderID. A second charge for the same order
// is ignored.
func (l *SQLLedger) ChargeOrder(ctx context.Context, userID string, amount, orderID int64) error {
	if amount < 0 {
		return services.Wrap(services.ErrValidation, "ledger", "charge", "Charge amount must not be negative", nil)
	}
	query, args, err := psql.Insert("ledger_entries").
		Options("OR IGNORE").
		Columns("order_id", "user_id", "kind", "amount", "created_at").
		Values(orderID, userID, string(EntryCharge), amount, l.timestamp()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build charge: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return services.Wrap(services.ErrInfrastructure, "ledger", "charge", "Ledger unavailable", err)
	}
	return nil
}

// RefundOrder credits back the charge recorded for orderID. Refunding twice
// records one refund entry.
func (l *SQLLedger) RefundOrder(ctx context.Context, orderID int64) error {
	charge, err := l.entry(ctx, orderID, EntryCharge)
	if err != nil {
		return err
	}
	if charge == nil {
		return services.Wrap(services.ErrNotFound, "ledger", "refund", "No charge recorded for order", ErrNoCharge)
	}
	query, args, err := psql.Insert("ledger_entries").
		Options("OR IGNORE").
		Columns("order_id", "user_id", "kind", "amount", "created_at").
		Values(orderID, charge.UserID, string(EntryRefund), charge.Amount, l.timestamp()).
		ToSql()
	if err != nil {
		return fmt.Errorf("build refund: %w", err)
	}
	if _, err := l.db.ExecContext(ctx, query, args...); err != nil {
		return services.Wrap(services.ErrInfrastructure, "ledger", "refund", "Ledger unavailable", err)
	}
	return nil
}

// Entries lists the entries recorded for orderID.
func (l *SQLLedger) Entries(ctx context.Context, orderID int64) ([]Entry, error) {
	query, args, err := psql.Select("id", "order_id", "user_id", "kind", "amount", "created_at").
		From("ledger_entries").
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build entries: %w", err)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "ledger", "entries", "Ledger unavailable", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Balance returns charges minus refunds for userID.
func (l *SQLLedger) Balance(ctx context.Context, userID string) (int64, error) {
	query, args, err := psql.Select(
		"COALESCE(SUM(CASE kind WHEN 'charge' THEN amount ELSE -amount END), 0)",
	).From("ledger_entries").Where(sq.Eq{"user_id": userID}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build balance: %w", err)
	}
	var total int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, services.Wrap(services.ErrInfrastructure, "ledger", "balance", "Ledger unavailable", err)
	}
	return total, nil
}

func (l *SQLLedger) entry(ctx context.Context, orderID int64, kind EntryKind) (*Entry, error) {
	query, args, err := psql.Select("id", "order_id", "user_id", "kind", "amount", "created_at").
		From("ledger_entries").
		Where(sq.Eq{"order_id": orderID, "kind": string(kind)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build entry lookup: %w", err)
	}
	e, err := scanEntry(l.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "ledger", "lookup", "Ledger unavailable", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e       Entry
		kind    string
		created string
	)
	if err := row.Scan(&e.ID, &e.OrderID, &e.UserID, &kind, &e.Amount, &created); err != nil {
		return nil, err
	}
	e.Kind = EntryKind(kind)
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		e.CreatedAt = t
	}
	return &e, nil
}

func (l *SQLLedger) timestamp() string {
	return l.now().UTC().Format(time.RFC3339Nano)
}

var _ Ledger = (*SQLLedger)(nil)
