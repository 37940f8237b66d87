package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"matchscope/internal/config"
	"matchscope/internal/ledger"
	"matchscope/internal/logging"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/workflow"
)

// Dispatcher runs bounded dispatch batches.
type Dispatcher interface {
	DispatchOnce(ctx context.Context, maxTasks int) (workflow.Summary, error)
	ReclaimStale(ctx context.Context) (int, error)
}

// OrderFailer fails orders and settles their refund.
type OrderFailer interface {
	FailOrder(ctx context.Context, req queue.FailRequest) (queue.FailResult, error)
}

// CreateOrderRequest describes a new analysis order.
type CreateOrderRequest struct {
	UserID               string   `json:"userId" validate:"required,max=128"`
	SelfSourceURL        string   `json:"selfSourceUrl" validate:"required,url"`
	CompetitorSourceURLs []string `json:"competitorSourceUrls" validate:"max=16,dive,required,url"`
	Priority             *int     `json:"priority,omitempty" validate:"omitempty,gte=0,lte=100"`
}

// ConfigureCaptureRequest supplies resolved capture URLs for an order.
type ConfigureCaptureRequest struct {
	OrderID               int64    `json:"orderId" validate:"required,gt=0"`
	SelfCaptureURL        string   `json:"selfCaptureUrl" validate:"required,url"`
	CompetitorCaptureURLs []string `json:"competitorCaptureUrls" validate:"dive,required,url"`
}

// Service is the order-facing surface: it validates requests, charges
// through the ledger and translates queue records into DTOs.
type Service struct {
	store       *queue.Store
	ledger      ledger.Ledger
	dispatcher  Dispatcher
	failer      OrderFailer
	validate    *validator.Validate
	logger      *slog.Logger
	orderCost   int64
	priority    int
	maxAttempts int
}

// NewService constructs a Service.
func NewService(cfg *config.Config, store *queue.Store, l ledger.Ledger, dispatcher Dispatcher, failer OrderFailer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Service{
		store:       store,
		ledger:      l,
		dispatcher:  dispatcher,
		failer:      failer,
		validate:    validator.New(),
		logger:      logger.With(logging.String(logging.FieldComponent, "orders")),
		orderCost:   cfg.Billing.OrderCost,
		priority:    cfg.Workflow.DefaultPriority,
		maxAttempts: cfg.Workflow.MaxAttempts,
	}
}

// CreateOrder inserts the order, charges it and leaves it awaiting capture
// configuration. A failed charge removes the order again.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SelfSourceURL = strings.TrimSpace(req.SelfSourceURL)
	req.CompetitorSourceURLs = trimAll(req.CompetitorSourceURLs)
	if err := s.check("create order", &req); err != nil {
		return Order{}, err
	}
	priority := s.priority
	if req.Priority != nil {
		priority = *req.Priority
	}

	order, err := s.store.CreateOrder(ctx, queue.NewOrder{
		UserID:            req.UserID,
		OrderNumber:       newOrderNumber(),
		Priority:          priority,
		SelfSource:        req.SelfSourceURL,
		CompetitorSources: req.CompetitorSourceURLs,
	})
	if err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	logger := s.logger.With(logging.Int64(logging.FieldOrderID, order.ID))

	if err := s.ledger.ChargeOrder(ctx, req.UserID, s.orderCost, order.ID); err != nil {
		if delErr := s.store.DeleteOrder(context.WithoutCancel(ctx), order.ID); delErr != nil {
			logger.Error("failed to remove uncharged order", logging.Error(delErr))
		}
		return Order{}, services.Wrap(services.ErrInfrastructure, "order", "charge", "Could not charge the order", err)
	}
	if err := s.store.MarkCharged(ctx, order.ID, s.orderCost); err != nil {
		return Order{}, fmt.Errorf("record charge: %w", err)
	}
	order, err = s.store.GetOrder(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	logger.Info("order created",
		logging.String(logging.FieldEventType, "order_created"),
		logging.String("order_number", order.OrderNumber),
		logging.Int("competitors", len(req.CompetitorSourceURLs)),
		logging.Int64("cost", s.orderCost),
	)
	return FromOrder(order), nil
}

// ConfigureCaptureURLs records capture URLs and queues the order's captures.
func (s *Service) ConfigureCaptureURLs(ctx context.Context, req ConfigureCaptureRequest) (Order, error) {
	req.SelfCaptureURL = strings.TrimSpace(req.SelfCaptureURL)
	req.CompetitorCaptureURLs = trimAll(req.CompetitorCaptureURLs)
	if err := s.check("configure capture", &req); err != nil {
		return Order{}, err
	}

	order, err := s.lookup(ctx, req.OrderID)
	if err != nil {
		return Order{}, err
	}
	if order.Status != queue.OrderAwaitingConfiguration {
		return Order{}, services.Wrap(services.ErrValidation, "order", "configure capture",
			fmt.Sprintf("Order %s is %s, not awaiting configuration", order.OrderNumber, order.Status), nil)
	}
	media, err := s.store.ListMediaFiles(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	competitors := 0
	for _, m := range media {
		if m.Role == queue.RoleCompetitor {
			competitors++
		}
	}
	if competitors != len(req.CompetitorCaptureURLs) {
		return Order{}, services.Wrap(services.ErrValidation, "order", "configure capture",
			fmt.Sprintf("Order has %d competitor streams but %d capture URLs were given", competitors, len(req.CompetitorCaptureURLs)), nil)
	}

	tasks, err := s.store.ConfigureCapture(ctx, order.ID, queue.CaptureConfig{
		SelfURL:        req.SelfCaptureURL,
		CompetitorURLs: req.CompetitorCaptureURLs,
		MaxAttempts:    s.maxAttempts,
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			return Order{}, services.Wrap(services.ErrValidation, "order", "configure capture", "Order is no longer awaiting configuration", err)
		}
		return Order{}, fmt.Errorf("configure capture: %w", err)
	}
	s.logger.Info("order queued",
		logging.Int64(logging.FieldOrderID, order.ID),
		logging.String(logging.FieldEventType, "order_queued"),
		logging.Int("capture_tasks", len(tasks)),
	)
	order, err = s.store.GetOrder(ctx, order.ID)
	if err != nil {
		return Order{}, err
	}
	return FromOrder(order), nil
}

// GetOrderStatus returns the order with per-file progress and task counts.
func (s *Service) GetOrderStatus(ctx context.Context, orderID int64) (OrderStatus, error) {
	order, err := s.lookup(ctx, orderID)
	if err != nil {
		return OrderStatus{}, err
	}
	media, err := s.store.ListMediaFiles(ctx, order.ID)
	if err != nil {
		return OrderStatus{}, err
	}
	status := OrderStatus{Order: FromOrder(order), Media: make([]MediaProgress, 0, len(media))}
	for _, m := range media {
		segments, err := s.store.ListSegments(ctx, m.ID)
		if err != nil {
			return OrderStatus{}, err
		}
		status.Media = append(status.Media, FromMediaFile(m, len(segments)))
	}
	counts, err := s.store.CountTasks(ctx, order.ID)
	if err != nil {
		return OrderStatus{}, err
	}
	status.Tasks = FromTaskCounts(counts)
	return status, nil
}

// ListOrders returns orders matching the filter, newest first.
func (s *Service) ListOrders(ctx context.Context, filter queue.OrderFilter) ([]Order, error) {
	orders, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	return FromOrders(orders), nil
}

// DispatchOnce runs one bounded dispatch batch.
func (s *Service) DispatchOnce(ctx context.Context, maxTasks int) (DispatchResult, error) {
	summary, err := s.dispatcher.DispatchOnce(ctx, maxTasks)
	return FromSummary(summary), err
}

// RetryStale reclaims tasks whose worker stopped sending heartbeats.
func (s *Service) RetryStale(ctx context.Context) (int, error) {
	return s.dispatcher.ReclaimStale(ctx)
}

// ResetOrder requeues a failed order's failed tasks.
func (s *Service) ResetOrder(ctx context.Context, orderID int64) (int64, error) {
	order, err := s.lookup(ctx, orderID)
	if err != nil {
		return 0, err
	}
	n, err := s.store.ResetOrder(ctx, order.ID)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			return 0, services.Wrap(services.ErrValidation, "order", "reset", "Only failed orders without running tasks can be reset", err)
		}
		return 0, err
	}
	s.logger.Info("order reset",
		logging.Int64(logging.FieldOrderID, order.ID),
		logging.String(logging.FieldEventType, "order_reset"),
		logging.Int64("tasks", n),
	)
	return n, nil
}

// StopOrder fails the order on operator request. Running stages are
// canceled by their heartbeat watcher and the charge is refunded.
func (s *Service) StopOrder(ctx context.Context, orderID int64) (queue.FailResult, error) {
	order, err := s.lookup(ctx, orderID)
	if err != nil {
		return queue.FailResult{}, err
	}
	if order.Status == queue.OrderCompleted {
		return queue.FailResult{}, services.Wrap(services.ErrValidation, "order", "stop",
			fmt.Sprintf("Order %s already completed", order.OrderNumber), nil)
	}
	result, err := s.failer.FailOrder(ctx, queue.FailRequest{OrderID: order.ID, Message: "stopped by operator"})
	if err != nil {
		return result, err
	}
	s.logger.Info("order stopped",
		logging.Int64(logging.FieldOrderID, order.ID),
		logging.String(logging.FieldEventType, "order_stopped"),
		logging.Int64("drained", result.Drained),
		logging.Int64("canceled", result.Canceled),
	)
	return result, nil
}

// OrderEvents returns progress log entries after afterID.
func (s *Service) OrderEvents(ctx context.Context, orderID, afterID int64, limit uint64) ([]Event, error) {
	order, err := s.lookup(ctx, orderID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, order.ID, afterID, limit)
	if err != nil {
		return nil, err
	}
	return FromEvents(events), nil
}

// ResolveOrderID accepts a numeric id or an order number.
func (s *Service) ResolveOrderID(ctx context.Context, ref string) (int64, error) {
	ref = strings.TrimSpace(ref)
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	order, err := s.store.GetOrderByNumber(ctx, ref)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return 0, services.Wrap(services.ErrNotFound, "order", "lookup", fmt.Sprintf("Order %q not found", ref), err)
		}
		return 0, err
	}
	return order.ID, nil
}

func (s *Service) lookup(ctx context.Context, orderID int64) (*queue.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, services.Wrap(services.ErrNotFound, "order", "lookup", fmt.Sprintf("Order %d not found", orderID), err)
		}
		return nil, err
	}
	return order, nil
}

func (s *Service) check(op string, req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return services.Wrap(services.ErrValidation, "order", op, "Invalid request", err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return services.Wrap(services.ErrValidation, "order", op, strings.Join(problems, "; "), err)
}

// newOrderNumber renders a short, unambiguous order number.
func newOrderNumber() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "MS-" + id[:12]
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
