package api

import (
	"encoding/json"
	"fmt"
	"time"

	"matchscope/internal/deps"
	"matchscope/internal/queue"
	"matchscope/internal/stage"
	"matchscope/internal/workflow"
)

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// FromOrder converts an order record to its API representation.
func FromOrder(order *queue.Order) Order {
	if order == nil {
		return Order{}
	}
	dto := Order{
		ID:           order.ID,
		OrderNumber:  order.OrderNumber,
		UserID:       order.UserID,
		Status:       string(order.Status),
		Priority:     order.Priority,
		CostCharged:  order.CostCharged,
		RefundState:  string(order.RefundState),
		ErrorMessage: order.ErrorMessage,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
		CompletedAt:  formatOptionalTime(order.CompletedAt),
	}
	if raw := order.ReportJSON; raw != "" && json.Valid([]byte(raw)) {
		dto.Report = json.RawMessage(raw)
	}
	return dto
}

// FromOrders converts a slice of order records into API DTOs.
func FromOrders(orders []*queue.Order) []Order {
	out := make([]Order, 0, len(orders))
	for _, order := range orders {
		out = append(out, FromOrder(order))
	}
	return out
}

// FromMediaFile converts a media file record with its segment count.
func FromMediaFile(media *queue.MediaFile, segments int) MediaProgress {
	if media == nil {
		return MediaProgress{}
	}
	dto := MediaProgress{
		ID:              media.ID,
		Label:           media.Label(),
		Role:            string(media.Role),
		Status:          string(media.Status),
		SourceURL:       media.SourceURL,
		CaptureURL:      media.CaptureURL,
		CaptureProgress: media.CaptureProgress,
		DurationSeconds: media.DurationSeconds,
		SizeBytes:       media.SizeBytes,
		Segments:        segments,
		ErrorMessage:    media.ErrorMessage,
	}
	if media.Width > 0 && media.Height > 0 {
		dto.Resolution = fmt.Sprintf("%dx%d", media.Width, media.Height)
	}
	return dto
}

// FromTask converts a task record.
func FromTask(task *queue.Task) Task {
	if task == nil {
		return Task{}
	}
	return Task{
		ID:              task.ID,
		OrderID:         task.OrderID,
		Kind:            string(task.Kind),
		Status:          string(task.Status),
		MediaFileID:     task.MediaFileID,
		SegmentID:       task.SegmentID,
		Priority:        task.Priority,
		Attempts:        task.Attempts,
		MaxAttempts:     task.MaxAttempts,
		CancelRequested: task.CancelRequested,
		ErrorMessage:    task.ErrorMessage,
		UpdatedAt:       formatTime(task.UpdatedAt),
		LastHeartbeat:   formatOptionalTime(task.LastHeartbeat),
	}
}

// FromTasks converts a slice of task records.
func FromTasks(tasks []*queue.Task) []Task {
	out := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, FromTask(task))
	}
	return out
}

// FromEvents converts progress log entries.
func FromEvents(events []*queue.ProgressEvent) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev == nil {
			continue
		}
		out = append(out, Event{
			ID:          ev.ID,
			OrderID:     ev.OrderID,
			MediaFileID: ev.MediaFileID,
			Stage:       ev.Stage,
			Percent:     ev.Percent,
			Message:     ev.Message,
			At:          formatTime(ev.At),
		})
	}
	return out
}

// FromTaskCounts flattens counts into string keys.
func FromTaskCounts(counts queue.TaskCounts) map[string]map[string]int {
	out := make(map[string]map[string]int, len(counts))
	for kind, byStatus := range counts {
		inner := make(map[string]int, len(byStatus))
		for status, n := range byStatus {
			inner[string(status)] = n
		}
		out[string(kind)] = inner
	}
	return out
}

// FromSummary converts a dispatch batch summary.
func FromSummary(summary workflow.Summary) DispatchResult {
	return DispatchResult{
		Claimed:   summary.Claimed,
		Completed: summary.Completed,
		Failed:    summary.Failed,
		Requeued:  summary.Requeued,
		Denied:    summary.Denied,
		Refunded:  summary.Refunded,
		Reclaimed: summary.Reclaimed,
	}
}

// FromHealthSummary converts aggregated queue counts.
func FromHealthSummary(health queue.HealthSummary) QueueStats {
	return QueueStats{
		Total:      health.Total,
		Pending:    health.Pending,
		Processing: health.Processing,
		Completed:  health.Completed,
		Failed:     health.Failed,
	}
}

// FromStatusSummary converts workflow diagnostics.
func FromStatusSummary(status workflow.StatusSummary) WorkflowStatus {
	dto := WorkflowStatus{
		Running:     status.Running,
		Schedule:    status.Schedule,
		LastError:   status.LastError,
		LastRun:     formatTime(status.LastRun),
		Queue:       FromHealthSummary(status.Queue),
		StageHealth: StageHealthSlice(status.StageHealth),
	}
	if status.LastSummary != nil {
		batch := FromSummary(*status.LastSummary)
		dto.LastBatch = &batch
	}
	return dto
}

// StageHealthSlice converts stage health in registry order.
func StageHealthSlice(health []stage.Health) []StageHealth {
	out := make([]StageHealth, 0, len(health))
	for _, h := range health {
		out = append(out, StageHealth{Name: h.Name, Ready: h.Ready, Detail: h.Detail})
	}
	return out
}

// FromDependencies converts dependency checks for display.
func FromDependencies(statuses []deps.Status) []DependencyStatus {
	out := make([]DependencyStatus, 0, len(statuses))
	for _, s := range statuses {
		command := s.Command
		if s.Resolved != "" {
			command = s.Resolved
		}
		out = append(out, DependencyStatus{
			Name:        s.Name,
			Command:     command,
			Description: s.Description,
			Optional:    s.Optional,
			Available:   s.Available,
			Detail:      s.Detail,
		})
	}
	return out
}
