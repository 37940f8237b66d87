package api_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"matchscope/internal/api"
	"matchscope/internal/ledger"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/testsupport"
	"matchscope/internal/workflow"
)

type stubDispatcher struct {
	calls   int
	lastMax int
}

func (s *stubDispatcher) DispatchOnce(_ context.Context, maxTasks int) (workflow.Summary, error) {
	s.calls++
	s.lastMax = maxTasks
	return workflow.Summary{Claimed: 2, Completed: 1, Requeued: 1}, nil
}

func (s *stubDispatcher) ReclaimStale(context.Context) (int, error) { return 3, nil }

type offlineLedger struct{}

func (offlineLedger) ChargeOrder(context.Context, string, int64, int64) error {
	return errors.New("billing offline")
}

func (offlineLedger) RefundOrder(context.Context, int64) error { return errors.New("billing offline") }

type fixture struct {
	svc    *api.Service
	store  *queue.Store
	ledger *ledger.SQLLedger
	disp   *stubDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	l := ledger.NewSQLLedger(store.DB())
	disp := &stubDispatcher{}
	comp := workflow.NewCompensator(store, l, nil)
	return &fixture{
		svc:    api.NewService(cfg, store, l, disp, comp, nil),
		store:  store,
		ledger: l,
		disp:   disp,
	}
}

func createRequest() api.CreateOrderRequest {
	return api.CreateOrderRequest{
		UserID:        "user-7",
		SelfSourceURL: "https://live.example.com/self",
		CompetitorSourceURLs: []string{
			"https://live.example.com/rival-a",
			"https://live.example.com/rival-b",
		},
	}
}

func TestCreateOrderChargesAndAwaitsConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, createRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != string(queue.OrderAwaitingConfiguration) {
		t.Fatalf("status = %s", order.Status)
	}
	if !strings.HasPrefix(order.OrderNumber, "MS-") {
		t.Fatalf("order number %q", order.OrderNumber)
	}
	if order.CostCharged != 100 {
		t.Fatalf("cost charged = %d, want 100", order.CostCharged)
	}
	balance, err := f.ledger.Balance(ctx, "user-7")
	if err != nil || balance != 100 {
		t.Fatalf("balance = %d (%v), want 100", balance, err)
	}

	status, err := f.svc.GetOrderStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if len(status.Media) != 3 {
		t.Fatalf("media entries = %d, want 3", len(status.Media))
	}
	if status.Media[0].Label != "self" || status.Media[2].Label != "competitor2" {
		t.Fatalf("unexpected labels %q %q", status.Media[0].Label, status.Media[2].Label)
	}
}

func TestCreateOrderRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	cases := map[string]func(*api.CreateOrderRequest){
		"missing user":       func(r *api.CreateOrderRequest) { r.UserID = " " },
		"bad self url":       func(r *api.CreateOrderRequest) { r.SelfSourceURL = "not a url" },
		"bad competitor url": func(r *api.CreateOrderRequest) { r.CompetitorSourceURLs[1] = "" },
		"negative priority":  func(r *api.CreateOrderRequest) { p := -1; r.Priority = &p },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := createRequest()
			mutate(&req)
			_, err := f.svc.CreateOrder(context.Background(), req)
			if !errors.Is(err, services.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	orders, err := f.svc.ListOrders(context.Background(), queue.OrderFilter{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("rejected requests created %d orders", len(orders))
	}
}

func TestCreateOrderRemovesOrderWhenChargeFails(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	svc := api.NewService(cfg, store, offlineLedger{}, &stubDispatcher{}, workflow.NewCompensator(store, offlineLedger{}, nil), nil)

	_, err := svc.CreateOrder(context.Background(), createRequest())
	if !errors.Is(err, services.ErrInfrastructure) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
	orders, err := store.ListOrders(context.Background(), queue.OrderFilter{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("uncharged order left behind: %d", len(orders))
	}
}

func TestConfigureCaptureURLs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, createRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err = f.svc.ConfigureCaptureURLs(ctx, api.ConfigureCaptureRequest{
		OrderID:               order.ID,
		SelfCaptureURL:        "https://cdn.example.com/self.m3u8",
		CompetitorCaptureURLs: []string{"https://cdn.example.com/a.m3u8"},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected count mismatch to be rejected, got %v", err)
	}

	configured, err := f.svc.ConfigureCaptureURLs(ctx, api.ConfigureCaptureRequest{
		OrderID:               order.ID,
		SelfCaptureURL:        "https://cdn.example.com/self.m3u8",
		CompetitorCaptureURLs: []string{"https://cdn.example.com/a.m3u8", "https://cdn.example.com/b.m3u8"},
	})
	if err != nil {
		t.Fatalf("ConfigureCaptureURLs: %v", err)
	}
	if configured.Status != string(queue.OrderQueued) {
		t.Fatalf("status = %s, want queued", configured.Status)
	}

	status, err := f.svc.GetOrderStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if got := status.Tasks[string(queue.KindCapture)][string(queue.TaskPending)]; got != 3 {
		t.Fatalf("pending captures = %d, want 3", got)
	}
	if status.Media[1].CaptureURL != "https://cdn.example.com/a.m3u8" {
		t.Fatalf("capture url = %q", status.Media[1].CaptureURL)
	}

	_, err = f.svc.ConfigureCaptureURLs(ctx, api.ConfigureCaptureRequest{
		OrderID:               order.ID,
		SelfCaptureURL:        "https://cdn.example.com/self.m3u8",
		CompetitorCaptureURLs: []string{"https://cdn.example.com/a.m3u8", "https://cdn.example.com/b.m3u8"},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected second configuration to be rejected, got %v", err)
	}
}

func TestStopThenResetOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := testsupport.NewQueuedOrder(t, f.store, 1, 0)

	result, err := f.svc.StopOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("StopOrder: %v", err)
	}
	if !result.OrderFailed || result.Drained != 2 {
		t.Fatalf("unexpected stop result %+v", result)
	}
	status, err := f.svc.GetOrderStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.Order.Status != string(queue.OrderFailed) || status.Order.ErrorMessage != "stopped by operator" {
		t.Fatalf("order = %+v", status.Order)
	}

	n, err := f.svc.ResetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ResetOrder: %v", err)
	}
	if n != 2 {
		t.Fatalf("reset %d tasks, want 2", n)
	}
	if _, err := f.svc.ResetOrder(ctx, order.ID); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("resetting a queued order should fail validation, got %v", err)
	}

	events, err := f.svc.OrderEvents(ctx, order.ID, 0, 0)
	if err != nil {
		t.Fatalf("OrderEvents: %v", err)
	}
	var sawStop, sawReset bool
	for _, ev := range events {
		sawStop = sawStop || strings.Contains(ev.Message, "stopped by operator")
		sawReset = sawReset || strings.Contains(ev.Message, "reset by operator")
	}
	if !sawStop || !sawReset {
		t.Fatalf("event log missing stop/reset entries: %+v", events)
	}
}

func TestStopOrderRefundsChargedOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, createRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := f.svc.StopOrder(ctx, order.ID); err != nil {
		t.Fatalf("StopOrder: %v", err)
	}
	balance, err := f.ledger.Balance(ctx, "user-7")
	if err != nil || balance != 0 {
		t.Fatalf("balance = %d (%v), want 0 after refund", balance, err)
	}
	entries, err := f.ledger.Entries(ctx, order.ID)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ledger entries = %d, want charge and refund", len(entries))
	}
}

func TestResetStoppedOrderBeforeConfiguration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order, err := f.svc.CreateOrder(ctx, createRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := f.svc.StopOrder(ctx, order.ID); err != nil {
		t.Fatalf("StopOrder: %v", err)
	}
	if _, err := f.svc.ResetOrder(ctx, order.ID); err != nil {
		t.Fatalf("ResetOrder: %v", err)
	}
	status, err := f.svc.GetOrderStatus(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if status.Order.Status != string(queue.OrderAwaitingConfiguration) {
		t.Fatalf("status = %s, want awaiting_configuration", status.Order.Status)
	}

	configured, err := f.svc.ConfigureCaptureURLs(ctx, api.ConfigureCaptureRequest{
		OrderID:               order.ID,
		SelfCaptureURL:        "https://cdn.example.com/self.m3u8",
		CompetitorCaptureURLs: []string{"https://cdn.example.com/a.m3u8", "https://cdn.example.com/b.m3u8"},
	})
	if err != nil {
		t.Fatalf("ConfigureCaptureURLs after reset: %v", err)
	}
	if configured.Status != string(queue.OrderQueued) {
		t.Fatalf("status = %s, want queued", configured.Status)
	}
}

func TestUnknownOrderIsNotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.GetOrderStatus(context.Background(), 404); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.ResolveOrderID(context.Background(), "MS-MISSING"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDispatchOnceDelegates(t *testing.T) {
	f := newFixture(t)
	result, err := f.svc.DispatchOnce(context.Background(), 5)
	if err != nil {
		t.Fatalf("DispatchOnce: %v", err)
	}
	if f.disp.lastMax != 5 || result.Claimed != 2 || result.Requeued != 1 {
		t.Fatalf("unexpected dispatch %+v (max %d)", result, f.disp.lastMax)
	}
	n, err := f.svc.RetryStale(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("RetryStale = %d, %v", n, err)
	}
}
