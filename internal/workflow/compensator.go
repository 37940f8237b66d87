package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"matchscope/internal/ledger"
	"matchscope/internal/logging"
	"matchscope/internal/notifications"
	"matchscope/internal/queue"
	"matchscope/internal/services"
)

// Compensator fails orders and issues the one refund a failed order is owed.
//
// The refund is guarded by the order's refund_state: FailOrder moves it from
// none to pending, and only the caller that moves it from pending to
// in-flight talks to the ledger. A ledger error returns it to pending for the
// next sweep.
type Compensator struct {
	store    *queue.Store
	ledger   ledger.Ledger
	logger   *slog.Logger
	notifier notifications.Service
}

// NewCompensator constructs a Compensator.
func NewCompensator(store *queue.Store, l ledger.Ledger, logger *slog.Logger) *Compensator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Compensator{
		store:    store,
		ledger:   l,
		logger:   logger.With(logging.String(logging.FieldComponent, "compensator")),
		notifier: notifications.NewService(nil),
	}
}

// SetNotifier routes failed-order and stuck-refund alerts to n.
func (c *Compensator) SetNotifier(n notifications.Service) {
	if n != nil {
		c.notifier = n
	}
}

// FailOrder fails the order, drains its pending tasks, flags running ones for
// cancellation and refunds the charge when this call made the refund due.
// A refund error is logged and left for the sweep; the order is failed either way.
func (c *Compensator) FailOrder(ctx context.Context, req queue.FailRequest) (queue.FailResult, error) {
	result, err := c.store.FailOrder(ctx, req)
	if err != nil {
		return result, err
	}
	logger := c.logger.With(logging.Int64(logging.FieldOrderID, req.OrderID))
	if result.OrderFailed {
		logger.Warn("order failed",
			logging.String(logging.FieldEventType, "order_failed"),
			logging.String("reason", req.Message),
			logging.Int64("drained", result.Drained),
			logging.Int64("canceled", result.Canceled),
		)
	}
	refunded := false
	var refundErr error
	if result.RefundDue {
		if refunded, refundErr = c.Refund(ctx, req.OrderID); refundErr != nil {
			logging.WarnWithContext(logger, "refund deferred", "refund_deferred",
				logging.Error(refundErr),
				logging.String(logging.FieldErrorHint, "ledger unreachable; the refund is retried every dispatch cycle"),
				logging.String(logging.FieldImpact, "customer credit is delayed"),
			)
		}
	}
	if result.OrderFailed {
		c.notifyFailed(context.WithoutCancel(ctx), logger, req, refunded, refundErr)
	}
	return result, nil
}

func (c *Compensator) notifyFailed(ctx context.Context, logger *slog.Logger, req queue.FailRequest, refunded bool, refundErr error) {
	payload := notifications.Payload{
		"orderNumber": orderNumber(ctx, c.store, req.OrderID),
		"reason":      req.Message,
		"refunded":    refunded,
	}
	if err := c.notifier.Publish(ctx, notifications.EventOrderFailed, payload); err != nil {
		logger.Warn("order failure notification failed", logging.Error(err))
	}
	if refundErr == nil {
		return
	}
	payload["error"] = refundErr.Error()
	if err := c.notifier.Publish(ctx, notifications.EventRefundStuck, payload); err != nil {
		logger.Warn("refund notification failed", logging.Error(err))
	}
}

// orderNumber returns the customer-facing number for id, or the numeric id
// when the order cannot be loaded.
func orderNumber(ctx context.Context, store *queue.Store, id int64) string {
	if order, err := store.GetOrder(ctx, id); err == nil && order.OrderNumber != "" {
		return order.OrderNumber
	}
	return fmt.Sprintf("order %d", id)
}

// Refund issues the pending refund for orderID. It reports false without
// calling the ledger when the refund is not pending or another caller holds it.
func (c *Compensator) Refund(ctx context.Context, orderID int64) (bool, error) {
	claimed, err := c.store.ClaimRefund(ctx, orderID)
	if err != nil || !claimed {
		return false, err
	}
	logger := c.logger.With(logging.Int64(logging.FieldOrderID, orderID))

	if err := c.ledger.RefundOrder(ctx, orderID); err != nil {
		if !errors.Is(err, ledger.ErrNoCharge) {
			if releaseErr := c.store.ReleaseRefund(context.WithoutCancel(ctx), orderID); releaseErr != nil {
				logger.Error("failed to release refund claim", logging.Error(releaseErr))
			}
			return false, services.Wrap(services.ErrInfrastructure, "refund", "ledger refund", "Ledger refund failed", err)
		}
		logger.Warn("refund skipped: no charge recorded",
			logging.String(logging.FieldEventType, "refund_no_charge"))
	}
	if err := c.store.FinishRefund(context.WithoutCancel(ctx), orderID); err != nil {
		return false, err
	}
	logger.Info("order refunded", logging.String(logging.FieldEventType, "refund_issued"))
	if err := c.store.AppendEvent(context.WithoutCancel(ctx), queue.ProgressEvent{
		OrderID: orderID,
		Stage:   "refund",
		Percent: 100,
		Message: "charge refunded",
	}); err != nil {
		logger.Debug("failed to append refund event", logging.Error(err))
	}
	return true, nil
}

// Sweep retries every pending refund and returns how many were issued.
func (c *Compensator) Sweep(ctx context.Context) (int, error) {
	orders, err := c.store.PendingRefunds(ctx)
	if err != nil {
		return 0, err
	}
	issued := 0
	var firstErr error
	for _, order := range orders {
		ok, err := c.Refund(ctx, order.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			issued++
		}
	}
	return issued, firstErr
}

// Recover returns refunds left in flight by a crashed process to pending.
func (c *Compensator) Recover(ctx context.Context) error {
	n, err := c.store.RecoverRefunds(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		c.logger.Info("recovered interrupted refunds", logging.Int64("count", n))
	}
	return nil
}
