package testsupport

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"matchscope/internal/config"
	"matchscope/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

var orderSeq atomic.Int64

// NewOrder inserts an order with the given number of competitor sources and
// marks it charged, leaving it awaiting configuration.
func NewOrder(t testing.TB, store *queue.Store, competitors int, cost int64) *queue.Order {
	t.Helper()

	ctx := context.Background()
	sources := make([]string, competitors)
	for i := range sources {
		sources[i] = fmt.Sprintf("https://live.example.com/competitor/%d", i+1)
	}
	order, err := store.CreateOrder(ctx, queue.NewOrder{
		UserID:            "user-1",
		OrderNumber:       fmt.Sprintf("TEST-%d", orderSeq.Add(1)),
		SelfSource:        "https://live.example.com/self",
		CompetitorSources: sources,
	})
	if err != nil {
		t.Fatalf("store.CreateOrder: %v", err)
	}
	if err := store.MarkCharged(ctx, order.ID, cost); err != nil {
		t.Fatalf("store.MarkCharged: %v", err)
	}
	order, err = store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("store.GetOrder: %v", err)
	}
	return order
}

// NewQueuedOrder creates an order and configures capture URLs so its capture
// tasks are pending.
func NewQueuedOrder(t testing.TB, store *queue.Store, competitors int, cost int64) *queue.Order {
	t.Helper()

	order := NewOrder(t, store, competitors, cost)
	urls := make([]string, competitors)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://cdn.example.com/competitor/%d.m3u8", i+1)
	}
	if _, err := store.ConfigureCapture(context.Background(), order.ID, queue.CaptureConfig{
		SelfURL:        "https://cdn.example.com/self.m3u8",
		CompetitorURLs: urls,
		MaxAttempts:    3,
	}); err != nil {
		t.Fatalf("store.ConfigureCapture: %v", err)
	}
	order, err := store.GetOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("store.GetOrder: %v", err)
	}
	return order
}
