package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"matchscope/internal/admission"
	"matchscope/internal/config"
	"matchscope/internal/queue"
	"matchscope/internal/segmenter"
	"matchscope/internal/stage"
	"matchscope/internal/testsupport"
	"matchscope/internal/workflow"
)

type executeFunc func(ctx context.Context, job *stage.Job) (queue.Outcome, error)

// stubHandler answers with a valid outcome for its kind unless fn is set.
type stubHandler struct {
	kind  queue.TaskKind
	class stage.Class

	mu    sync.Mutex
	fn    executeFunc
	calls int
}

func (s *stubHandler) Kind() queue.TaskKind { return s.kind }
func (s *stubHandler) Class() stage.Class   { return s.class }

func (s *stubHandler) HealthCheck(context.Context) stage.Health {
	return stage.Healthy(string(s.kind))
}

func (s *stubHandler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx, job)
	}
	return defaultOutcome(job)
}

func (s *stubHandler) set(fn executeFunc) {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
}

func (s *stubHandler) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

const stubDuration = 90.0

func defaultOutcome(job *stage.Job) (queue.Outcome, error) {
	switch job.Task.Kind {
	case queue.KindCapture:
		return queue.Outcome{ArtifactKey: fmt.Sprintf("orders/%d/%s.ts", job.Order.ID, job.MediaFile.Label())}, nil
	case queue.KindTranscode:
		return queue.Outcome{
			ArtifactKey: fmt.Sprintf("orders/%d/%s.mp4", job.Order.ID, job.MediaFile.Label()),
			Probe:       &queue.MediaProbe{DurationSeconds: stubDuration, Width: 1280, Height: 720, SizeBytes: 1024},
		}, nil
	case queue.KindSegment:
		var segments []queue.SegmentResult
		for _, r := range segmenter.Plan(job.MediaFile.DurationSeconds, 30) {
			segments = append(segments, queue.SegmentResult{
				Ordinal:      r.Ordinal,
				StartSeconds: r.Start,
				EndSeconds:   r.End,
				StorageKey:   fmt.Sprintf("orders/%d/%s/%03d.ts", job.Order.ID, job.MediaFile.Label(), r.Ordinal),
			})
		}
		return queue.Outcome{Segments: segments}, nil
	case queue.KindTranscribe:
		return queue.Outcome{Transcript: &queue.TranscriptResult{Text: "welcome back everyone", Confidence: 0.9}}, nil
	case queue.KindVisionAnalyze:
		return queue.Outcome{Analysis: &queue.AnalysisResult{ResultJSON: `{"scene":"studio"}`, Confidence: 0.8}}, nil
	case queue.KindSynthesizeReport:
		return queue.Outcome{ReportJSON: `{"summary":"ok"}`}, nil
	}
	return queue.Outcome{}, fmt.Errorf("unexpected kind %s", job.Task.Kind)
}

// countingLedger records charges and refunds and can simulate an outage.
type countingLedger struct {
	mu      sync.Mutex
	refunds map[int64]int
	down    bool
}

func newCountingLedger() *countingLedger {
	return &countingLedger{refunds: make(map[int64]int)}
}

func (l *countingLedger) ChargeOrder(context.Context, string, int64, int64) error { return nil }

func (l *countingLedger) RefundOrder(_ context.Context, orderID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return errors.New("ledger offline")
	}
	l.refunds[orderID]++
	return nil
}

func (l *countingLedger) setDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *countingLedger) Refunds(orderID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refunds[orderID]
}

type harness struct {
	cfg         *config.Config
	store       *queue.Store
	ledger      *countingLedger
	handlers    map[queue.TaskKind]*stubHandler
	controller  *admission.Controller
	compensator *workflow.Compensator
	dispatcher  *workflow.Dispatcher
}

func newHarness(t *testing.T, cfgOpts []testsupport.ConfigOption, opts ...workflow.DispatcherOption) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, cfgOpts...)
	store := testsupport.MustOpenStore(t, cfg)

	h := &harness{
		cfg:      cfg,
		store:    store,
		ledger:   newCountingLedger(),
		handlers: make(map[queue.TaskKind]*stubHandler),
	}
	var handlers []stage.Handler
	for _, kind := range queue.AllKinds() {
		class := stage.ClassLight
		if kind == queue.KindCapture || kind == queue.KindTranscode {
			class = stage.ClassHeavy
		}
		sh := &stubHandler{kind: kind, class: class}
		h.handlers[kind] = sh
		handlers = append(handlers, sh)
	}
	registry, err := stage.NewRegistry(handlers...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	h.controller = admission.New(cfg.Admission, nil, nil)
	h.compensator = workflow.NewCompensator(store, h.ledger, nil)
	h.dispatcher = workflow.NewDispatcher(cfg, store, registry, h.controller, h.compensator, nil, opts...)
	return h
}

// drain dispatches until a batch claims nothing.
func (h *harness) drain(t *testing.T) workflow.Summary {
	t.Helper()
	var total workflow.Summary
	for range 50 {
		summary, err := h.dispatcher.DispatchOnce(context.Background(), 0)
		if err != nil {
			t.Fatalf("DispatchOnce: %v", err)
		}
		total.Claimed += summary.Claimed
		total.Completed += summary.Completed
		total.Failed += summary.Failed
		total.Requeued += summary.Requeued
		total.Denied += summary.Denied
		total.Refunded += summary.Refunded
		if summary.Claimed == 0 {
			return total
		}
	}
	t.Fatal("dispatch did not settle")
	return total
}

func mustOrder(t *testing.T, store *queue.Store, id int64) *queue.Order {
	t.Helper()
	order, err := store.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	return order
}

func tasksOf(t *testing.T, store *queue.Store, orderID int64, kind queue.TaskKind) []*queue.Task {
	t.Helper()
	tasks, err := store.ListTasks(context.Background(), queue.TaskFilter{OrderID: orderID, Kinds: []queue.TaskKind{kind}})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	return tasks
}
