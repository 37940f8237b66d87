package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"matchscope/internal/queue"
	"matchscope/internal/testsupport"
)

func openStore(t *testing.T) *queue.Store {
	t.Helper()
	return testsupport.MustOpenStore(t, testsupport.NewConfig(t))
}

func outcomeFor(t *testing.T, store *queue.Store, task *queue.Task) queue.Outcome {
	t.Helper()
	switch task.Kind {
	case queue.KindCapture:
		return queue.Outcome{ArtifactKey: fmt.Sprintf("raw/%d.ts", task.MediaFileID)}
	case queue.KindTranscode:
		return queue.Outcome{
			ArtifactKey: fmt.Sprintf("media/%d.mp4", task.MediaFileID),
			Probe:       &queue.MediaProbe{DurationSeconds: 25, Width: 1280, Height: 720, SizeBytes: 1 << 20},
		}
	case queue.KindSegment:
		return queue.Outcome{Segments: []queue.SegmentResult{
			{Ordinal: 0, StartSeconds: 0, EndSeconds: 10, StorageKey: "seg/0.mp4"},
			{Ordinal: 1, StartSeconds: 10, EndSeconds: 20, StorageKey: "seg/1.mp4"},
			{Ordinal: 2, StartSeconds: 20, EndSeconds: 25, StorageKey: "seg/2.mp4"},
		}}
	case queue.KindTranscribe:
		return queue.Outcome{Transcript: &queue.TranscriptResult{Text: "hello", Confidence: 0.9}}
	case queue.KindVisionAnalyze:
		return queue.Outcome{Analysis: &queue.AnalysisResult{ResultJSON: `{"scene":"studio"}`, Confidence: 0.8}}
	case queue.KindSynthesizeReport:
		return queue.Outcome{ReportJSON: `{"summary":"ok"}`}
	}
	t.Fatalf("unexpected kind %s", task.Kind)
	return queue.Outcome{}
}

func TestCreateOrderBuildsMediaFiles(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	order := testsupport.NewOrder(t, store, 2, 100)
	if order.Status != queue.OrderAwaitingConfiguration {
		t.Fatalf("expected awaiting_configuration, got %s", order.Status)
	}
	if order.CostCharged != 100 {
		t.Fatalf("expected cost 100, got %d", order.CostCharged)
	}
	files, err := store.ListMediaFiles(ctx, order.ID)
	if err != nil {
		t.Fatalf("ListMediaFiles: %v", err)
	}
	labels := []string{}
	for _, f := range files {
		labels = append(labels, f.Label())
	}
	want := []string{"self", "competitor1", "competitor2"}
	if fmt.Sprint(labels) != fmt.Sprint(want) {
		t.Fatalf("labels = %v, want %v", labels, want)
	}
}

func TestConfigureCaptureRejectsCountMismatch(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := testsupport.NewOrder(t, store, 2, 0)

	_, err := store.ConfigureCapture(ctx, order.ID, queue.CaptureConfig{
		SelfURL:        "https://cdn.example.com/self.m3u8",
		CompetitorURLs: []string{"https://cdn.example.com/c1.m3u8"},
	})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	reloaded, _ := store.GetOrder(ctx, order.ID)
	if reloaded.Status != queue.OrderAwaitingConfiguration {
		t.Fatalf("order status changed to %s", reloaded.Status)
	}
	tasks, _ := store.ListTasks(ctx, queue.TaskFilter{OrderID: order.ID})
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestConfigureCaptureOnlyOnce(t *testing.T) {
	store := openStore(t)
	order := testsupport.NewQueuedOrder(t, store, 0, 0)
	_, err := store.ConfigureCapture(context.Background(), order.ID, queue.CaptureConfig{SelfURL: "https://cdn.example.com/x"})
	if !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestClaimNextOrdersByPriorityThenFIFO(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first := testsupport.NewQueuedOrder(t, store, 0, 0)
	second := testsupport.NewQueuedOrder(t, store, 0, 0)
	urgent, err := store.Enqueue(ctx, queue.NewTask{OrderID: second.ID, Kind: queue.KindTranscode, Priority: 5,
		Payload: queue.TaskPayload{Note: "manual"}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var got []int64
	for {
		task, err := store.ClaimNext(ctx, queue.AllKinds())
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task == nil {
			break
		}
		got = append(got, task.OrderID*100+int64(task.Priority))
		if task.Status != queue.TaskProcessing || task.Attempts != 1 || task.StartedAt == nil {
			t.Fatalf("unexpected claimed task %#v", task)
		}
	}
	want := []int64{urgent.OrderID*100 + 5, first.ID * 100, second.ID * 100}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("claim order = %v, want %v", got, want)
	}

	reloaded, _ := store.GetOrder(ctx, first.ID)
	if reloaded.Status != queue.OrderRunning {
		t.Fatalf("expected running after first claim, got %s", reloaded.Status)
	}
}

func TestClaimNextRespectsKinds(t *testing.T) {
	store := openStore(t)
	testsupport.NewQueuedOrder(t, store, 1, 0)

	task, err := store.ClaimNext(context.Background(), []queue.TaskKind{queue.KindTranscribe})
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task != nil {
		t.Fatalf("expected no claimable transcribe task, got %#v", task)
	}
}

func TestClaimNextConcurrentClaimsAreExclusive(t *testing.T) {
	store := openStore(t)
	for i := 0; i < 5; i++ {
		testsupport.NewQueuedOrder(t, store, 3, 0)
	}

	const workers = 8
	var (
		mu   sync.Mutex
		seen = map[int64]int{}
		wg   sync.WaitGroup
	)
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := store.ClaimNext(context.Background(), queue.AllKinds())
				if err != nil {
					errs <- err
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ClaimNext: %v", err)
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 distinct claims, got %d", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %d claimed %d times", id, n)
		}
	}
}

func TestCompleteTaskCascadesThroughStageGraph(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := testsupport.NewQueuedOrder(t, store, 0, 0)

	for step := 0; step < 50; step++ {
		task, err := store.ClaimNext(ctx, queue.AllKinds())
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if task == nil {
			break
		}
		if task.Kind == queue.KindSynthesizeReport {
			counts, _ := store.CountTasks(ctx, order.ID)
			// The report task itself is the only one not completed.
			if open := counts.Total("") - countStatus(counts, queue.TaskCompleted); open != 1 {
				t.Fatalf("report claimed while %d other tasks are open", open-1)
			}
		}
		if _, err := store.CompleteTask(ctx, task.ID, outcomeFor(t, store, task)); err != nil {
			t.Fatalf("CompleteTask(%s): %v", task.Kind, err)
		}
	}

	reloaded, err := store.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if reloaded.Status != queue.OrderCompleted || reloaded.ReportJSON == "" || reloaded.CompletedAt == nil {
		t.Fatalf("expected completed order with report, got %#v", reloaded)
	}

	counts, err := store.CountTasks(ctx, order.ID)
	if err != nil {
		t.Fatalf("CountTasks: %v", err)
	}
	want := map[queue.TaskKind]int{
		queue.KindCapture:          1,
		queue.KindTranscode:        1,
		queue.KindSegment:          1,
		queue.KindTranscribe:       3,
		queue.KindVisionAnalyze:    3,
		queue.KindSynthesizeReport: 1,
	}
	for kind, n := range want {
		if got := counts.Count(kind, queue.TaskCompleted); got != n {
			t.Fatalf("%s completed = %d, want %d", kind, got, n)
		}
		if got := counts.Total(kind); got != n {
			t.Fatalf("%s total = %d, want %d", kind, got, n)
		}
	}

	files, _ := store.ListMediaFiles(ctx, order.ID)
	if files[0].Status != queue.MediaCaptured || files[0].DurationSeconds != 25 {
		t.Fatalf("unexpected media file %#v", files[0])
	}
	segments, _ := store.ListSegments(ctx, files[0].ID)
	for _, seg := range segments {
		if seg.Status != queue.SegmentCompleted {
			t.Fatalf("segment %d is %s", seg.Ordinal, seg.Status)
		}
	}
	results, err := store.OrderResults(ctx, order.ID)
	if err != nil {
		t.Fatalf("OrderResults: %v", err)
	}
	if len(results.Transcripts) != 3 || len(results.Artifacts) != 3 {
		t.Fatalf("expected 3 transcripts and artifacts, got %d/%d", len(results.Transcripts), len(results.Artifacts))
	}
}

func countStatus(counts queue.TaskCounts, status queue.TaskStatus) int {
	total := 0
	for _, byStatus := range counts {
		total += byStatus[status]
	}
	return total
}

func TestCompleteTaskRejectsBadCoverage(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	testsupport.NewQueuedOrder(t, store, 0, 0)

	for _, kind := range []queue.TaskKind{queue.KindCapture, queue.KindTranscode} {
		task, _ := store.ClaimNext(ctx, []queue.TaskKind{kind})
		if _, err := store.CompleteTask(ctx, task.ID, outcomeFor(t, store, task)); err != nil {
			t.Fatalf("CompleteTask(%s): %v", kind, err)
		}
	}
	task, _ := store.ClaimNext(ctx, []queue.TaskKind{queue.KindSegment})
	_, err := store.CompleteTask(ctx, task.ID, queue.Outcome{Segments: []queue.SegmentResult{
		{Ordinal: 0, StartSeconds: 0, EndSeconds: 10, StorageKey: "a"},
		{Ordinal: 1, StartSeconds: 12, EndSeconds: 25, StorageKey: "b"},
	}})
	if !errors.Is(err, queue.ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	reloaded, _ := store.GetTask(ctx, task.ID)
	if reloaded.Status != queue.TaskProcessing {
		t.Fatalf("task should stay processing after rejected outcome, got %s", reloaded.Status)
	}
}

func seg(ordinal int, start, end float64, key string) queue.SegmentResult {
	return queue.SegmentResult{Ordinal: ordinal, StartSeconds: start, EndSeconds: end, StorageKey: key}
}

func TestCheckCoverage(t *testing.T) {
	tests := []struct {
		name     string
		segments []queue.SegmentResult
		duration float64
		ok       bool
	}{
		{"exact", []queue.SegmentResult{seg(0, 0, 5, "a"), seg(1, 5, 9.5, "b")}, 9.5, true},
		{"unsorted input", []queue.SegmentResult{seg(1, 5, 9.5, "b"), seg(0, 0, 5, "a")}, 9.5, true},
		{"gap", []queue.SegmentResult{seg(0, 0, 5, "a"), seg(1, 6, 9.5, "b")}, 9.5, false},
		{"overlap", []queue.SegmentResult{seg(0, 0, 5, "a"), seg(1, 4, 9.5, "b")}, 9.5, false},
		{"short", []queue.SegmentResult{seg(0, 0, 5, "a")}, 9.5, false},
		{"empty", nil, 9.5, false},
		{"missing key", []queue.SegmentResult{seg(0, 0, 9.5, "")}, 9.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := queue.CheckCoverage(tt.segments, tt.duration)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckCoverage ok=%v, err=%v", tt.ok, err)
			}
		})
	}
}

func TestFailOrderDrainsPendingAndRefundsOnce(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := testsupport.NewQueuedOrder(t, store, 2, 250)

	task, err := store.ClaimNext(ctx, queue.AllKinds())
	if err != nil || task == nil {
		t.Fatalf("ClaimNext: %v %v", task, err)
	}
	sibling, _ := store.ClaimNext(ctx, queue.AllKinds())

	first, err := store.FailOrder(ctx, queue.FailRequest{OrderID: order.ID, TaskID: task.ID, Message: "capture: source expired"})
	if err != nil {
		t.Fatalf("FailOrder: %v", err)
	}
	if !first.OrderFailed || !first.RefundDue || first.Drained != 1 || first.Canceled != 1 {
		t.Fatalf("unexpected first result %#v", first)
	}
	second, err := store.FailOrder(ctx, queue.FailRequest{OrderID: order.ID, Message: "again"})
	if err != nil {
		t.Fatalf("FailOrder again: %v", err)
	}
	if second.OrderFailed || second.RefundDue {
		t.Fatalf("second failure must be a no-op, got %#v", second)
	}

	tasks, _ := store.ListTasks(ctx, queue.TaskFilter{OrderID: order.ID, Statuses: []queue.TaskStatus{queue.TaskFailed}})
	if len(tasks) != 2 {
		t.Fatalf("expected failing task and drained sibling failed, got %d", len(tasks))
	}
	for _, tk := range tasks {
		if tk.ErrorMessage != "capture: source expired" {
			t.Fatalf("task %d error = %q", tk.ID, tk.ErrorMessage)
		}
	}

	stop, err := store.Heartbeat(ctx, sibling.ID)
	if err != nil || !stop {
		t.Fatalf("expected running sibling to observe cancellation, stop=%v err=%v", stop, err)
	}
	if _, err := store.CompleteTask(ctx, sibling.ID, outcomeFor(t, store, sibling)); !errors.Is(err, queue.ErrOrderInactive) {
		t.Fatalf("expected ErrOrderInactive, got %v", err)
	}

	won, err := store.ClaimRefund(ctx, order.ID)
	if err != nil || !won {
		t.Fatalf("ClaimRefund: won=%v err=%v", won, err)
	}
	again, _ := store.ClaimRefund(ctx, order.ID)
	if again {
		t.Fatal("refund claimed twice")
	}
	if err := store.FinishRefund(ctx, order.ID); err != nil {
		t.Fatalf("FinishRefund: %v", err)
	}
	pending, _ := store.PendingRefunds(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending refunds, got %d", len(pending))
	}
}

func TestResetOrderRequeuesFailedWork(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := testsupport.NewQueuedOrder(t, store, 1, 100)

	task, _ := store.ClaimNext(ctx, queue.AllKinds())
	if _, err := store.FailOrder(ctx, queue.FailRequest{OrderID: order.ID, TaskID: task.ID, Message: "boom"}); err != nil {
		t.Fatalf("FailOrder: %v", err)
	}

	reset, err := store.ResetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ResetOrder: %v", err)
	}
	if reset != 2 {
		t.Fatalf("expected 2 tasks reset, got %d", reset)
	}
	reloaded, _ := store.GetOrder(ctx, order.ID)
	if reloaded.Status != queue.OrderQueued || reloaded.ErrorMessage != "" {
		t.Fatalf("unexpected order after reset %#v", reloaded)
	}
	if reloaded.CostCharged != 100 {
		t.Fatalf("reset must not change the charge, got %d", reloaded.CostCharged)
	}
	files, _ := store.ListMediaFiles(ctx, order.ID)
	for _, f := range files {
		if f.Status != queue.MediaPending || f.ErrorMessage != "" {
			t.Fatalf("media file not cleared: %#v", f)
		}
	}
	claimed, _ := store.ClaimNext(ctx, queue.AllKinds())
	if claimed == nil || claimed.Attempts != 1 {
		t.Fatalf("expected fresh attempt budget, got %#v", claimed)
	}

	if _, err := store.ResetOrder(ctx, order.ID); !errors.Is(err, queue.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition resetting a running order, got %v", err)
	}
}

func TestResetUnconfiguredOrderAwaitsConfiguration(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := testsupport.NewOrder(t, store, 1, 100)

	if _, err := store.FailOrder(ctx, queue.FailRequest{OrderID: order.ID, Message: "stopped by operator"}); err != nil {
		t.Fatalf("FailOrder: %v", err)
	}
	reset, err := store.ResetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("ResetOrder: %v", err)
	}
	if reset != 0 {
		t.Fatalf("expected no tasks reset, got %d", reset)
	}
	reloaded, _ := store.GetOrder(ctx, order.ID)
	if reloaded.Status != queue.OrderAwaitingConfiguration || reloaded.ErrorMessage != "" {
		t.Fatalf("unexpected order after reset %#v", reloaded)
	}

	tasks, err := store.ConfigureCapture(ctx, order.ID, queue.CaptureConfig{
		SelfURL:        "https://cdn.example.com/self.m3u8",
		CompetitorURLs: []string{"https://cdn.example.com/competitor/1.m3u8"},
		MaxAttempts:    3,
	})
	if err != nil {
		t.Fatalf("ConfigureCapture after reset: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 capture tasks, got %d", len(tasks))
	}
	claimed, err := store.ClaimNext(ctx, queue.AllKinds())
	if err != nil || claimed == nil || claimed.Kind != queue.KindCapture {
		t.Fatalf("expected claimable capture after configure, got %#v (%v)", claimed, err)
	}
}

func TestRequeueTaskRefundsAttempt(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	testsupport.NewQueuedOrder(t, store, 0, 0)

	task, _ := store.ClaimNext(ctx, queue.AllKinds())
	if err := store.RequeueTask(ctx, task.ID, "storage unreachable", true); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	reloaded, _ := store.GetTask(ctx, task.ID)
	if reloaded.Status != queue.TaskPending || reloaded.Attempts != 0 {
		t.Fatalf("unexpected task after refunded requeue %#v", reloaded)
	}

	task, _ = store.ClaimNext(ctx, queue.AllKinds())
	if err := store.RequeueTask(ctx, task.ID, "timeout", false); err != nil {
		t.Fatalf("RequeueTask: %v", err)
	}
	reloaded, _ = store.GetTask(ctx, task.ID)
	if reloaded.Attempts != 1 {
		t.Fatalf("expected consumed attempt, got %d", reloaded.Attempts)
	}
}

func TestReclaimStaleRequeuesAbandonedTasks(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	testsupport.NewQueuedOrder(t, store, 0, 0)

	past := time.Now().Add(-time.Hour)
	store.SetClock(func() time.Time { return past })
	task, _ := store.ClaimNext(ctx, queue.AllKinds())
	store.SetClock(nil)

	stale, err := store.ReclaimStale(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if stale.Requeued != 1 || len(stale.Exhausted) != 0 {
		t.Fatalf("unexpected stale result %#v", stale)
	}
	reloaded, _ := store.GetTask(ctx, task.ID)
	if reloaded.Status != queue.TaskPending {
		t.Fatalf("expected pending, got %s", reloaded.Status)
	}
}

func TestOpenPathRejectsOtherSchemaVersion(t *testing.T) {
	store := openStore(t)
	path := store.Path()

	reopened, err := queue.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen current schema: %v", err)
	}
	reopened.Close()

	if _, err := store.DB().Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if _, err := queue.OpenPath(path); !errors.Is(err, queue.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}

	if _, err := store.DB().Exec("UPDATE schema_version SET version = 1"); err != nil {
		t.Fatalf("restore version: %v", err)
	}
	if _, err := store.DB().Exec("DROP TABLE progress_events"); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	if _, err := queue.OpenPath(path); !errors.Is(err, queue.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch for missing table, got %v", err)
	}
}

func TestEventsRecordLifecycle(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	order := testsupport.NewQueuedOrder(t, store, 0, 0)

	if err := store.AppendEvent(ctx, queue.ProgressEvent{OrderID: order.ID, Stage: "capture", Percent: 42, Message: "recording"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	events, err := store.ListEvents(ctx, order.ID, 0, 0)
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) < 4 {
		t.Fatalf("expected lifecycle events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Stage != "capture" || last.Percent != 42 {
		t.Fatalf("unexpected last event %#v", last)
	}
	tail, _ := store.ListEvents(ctx, order.ID, last.ID, 0)
	if len(tail) != 0 {
		t.Fatalf("expected empty tail, got %d", len(tail))
	}
}

func TestClipCaptureProgress(t *testing.T) {
	for _, tc := range []struct{ in, want float64 }{{-5, 0}, {0, 0}, {50, 50}, {100, 99.9}, {250, 99.9}} {
		if got := queue.ClipCaptureProgress(tc.in); got != tc.want {
			t.Fatalf("ClipCaptureProgress(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
