package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// FailOrder applies an order-level failure in one transaction: the failing
// task (if any) is marked failed, the order moves to failed, every pending
// task of the order is failed with the same message, processing siblings are
// flagged for cancellation, and the refund moves from none to pending when a
// charge exists. Repeated calls are safe; only the first reports RefundDue.
func (s *Store) FailOrder(ctx context.Context, req FailRequest) (FailResult, error) {
	var result FailResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = FailResult{}
		order, err := getOrder(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if order.Status == OrderCompleted {
			return fmt.Errorf("%w: order %d already completed", ErrInvalidTransition, order.ID)
		}
		now := s.timestamp()
		message := req.Message
		if message == "" {
			message = "order failed"
		}

		if req.TaskID > 0 {
			task, err := getTask(ctx, tx, req.TaskID)
			if err != nil {
				return err
			}
			if task.OrderID != order.ID {
				return fmt.Errorf("fail order: task %d belongs to order %d", task.ID, task.OrderID)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
				 WHERE id = ? AND status IN (?, ?)`,
				TaskFailed, message, now, now, task.ID, TaskPending, TaskProcessing,
			); err != nil {
				return fmt.Errorf("fail task: %w", err)
			}
			if task.MediaFileID > 0 {
				if _, err := tx.ExecContext(ctx,
					`UPDATE media_files SET status = ?, error_message = ?, updated_at = ? WHERE id = ? AND status <> ?`,
					MediaFailed, message, now, task.MediaFileID, MediaCaptured,
				); err != nil {
					return fmt.Errorf("fail media file: %w", err)
				}
			}
		}

		if order.Status != OrderFailed {
			if _, err := tx.ExecContext(ctx,
				`UPDATE orders SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
				OrderFailed, message, now, order.ID,
			); err != nil {
				return fmt.Errorf("fail order: %w", err)
			}
			result.OrderFailed = true
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
			 WHERE order_id = ? AND status = ?`,
			TaskFailed, message, now, now, order.ID, TaskPending,
		)
		if err != nil {
			return fmt.Errorf("drain pending tasks: %w", err)
		}
		result.Drained, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`UPDATE tasks SET cancel_requested = 1, updated_at = ?
			 WHERE order_id = ? AND status = ? AND cancel_requested = 0`,
			now, order.ID, TaskProcessing,
		)
		if err != nil {
			return fmt.Errorf("cancel running tasks: %w", err)
		}
		result.Canceled, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`UPDATE segments SET status = ?
			 WHERE status = ? AND media_file_id IN (SELECT id FROM media_files WHERE order_id = ?)`,
			SegmentFailed, SegmentPending, order.ID,
		); err != nil {
			return fmt.Errorf("fail segments: %w", err)
		}

		res, err = tx.ExecContext(ctx,
			`UPDATE orders SET refund_state = ?, updated_at = ? WHERE id = ? AND refund_state = ? AND cost_charged > 0`,
			RefundPending, now, order.ID, RefundNone,
		)
		if err != nil {
			return fmt.Errorf("schedule refund: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			result.RefundDue = true
		}

		if !result.OrderFailed {
			return nil
		}
		return insertEvent(ctx, tx, ProgressEvent{OrderID: order.ID, Stage: "order", Message: "failed: " + message}, now)
	})
	return result, err
}

// ClaimRefund moves a pending refund to in-flight. Only the caller that gets
// true may call the ledger.
func (s *Store) ClaimRefund(ctx context.Context, orderID int64) (bool, error) {
	return s.casRefund(ctx, orderID, RefundPending, RefundInFlight)
}

// FinishRefund records a successful ledger refund.
func (s *Store) FinishRefund(ctx context.Context, orderID int64) error {
	ok, err := s.casRefund(ctx, orderID, RefundInFlight, RefundCompleted)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: refund for order %d is not in flight", ErrInvalidTransition, orderID)
	}
	return nil
}

// ReleaseRefund returns an in-flight refund to pending after a ledger error
// so the next sweep retries it.
func (s *Store) ReleaseRefund(ctx context.Context, orderID int64) error {
	_, err := s.casRefund(ctx, orderID, RefundInFlight, RefundPending)
	return err
}

func (s *Store) casRefund(ctx context.Context, orderID int64, from, to RefundState) (bool, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE orders SET refund_state = ?, updated_at = ? WHERE id = ? AND refund_state = ?`,
		to, s.timestamp(), orderID, from,
	)
	if err != nil {
		return false, fmt.Errorf("refund %s -> %s: %w", from, to, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecoverRefunds returns refunds left in flight by a crashed process to
// pending. Call it once at startup, before any sweep runs.
func (s *Store) RecoverRefunds(ctx context.Context) (int64, error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE orders SET refund_state = ?, updated_at = ? WHERE refund_state = ?`,
		RefundPending, s.timestamp(), RefundInFlight,
	)
	if err != nil {
		return 0, fmt.Errorf("recover refunds: %w", err)
	}
	return res.RowsAffected()
}

// PendingRefunds lists orders whose refund is due but not yet issued.
func (s *Store) PendingRefunds(ctx context.Context) ([]*Order, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx),
		"SELECT "+orderColumns+" FROM orders WHERE refund_state = ? ORDER BY id", RefundPending)
	if err != nil {
		return nil, fmt.Errorf("list pending refunds: %w", err)
	}
	defer rows.Close()

	var orders []*Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}
