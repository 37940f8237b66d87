package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// coverageTolerance absorbs float noise when checking segment boundaries.
const coverageTolerance = 1e-6

// Completion reports what CompleteTask changed.
type Completion struct {
	Task           *Task
	Enqueued       []TaskKind
	OrderCompleted bool
}

// CompleteTask marks a processing task completed, applies its outcome and
// enqueues successor tasks in one transaction. When the task's order is no
// longer running the task is marked failed instead and ErrOrderInactive is
// returned.
func (s *Store) CompleteTask(ctx context.Context, taskID int64, outcome Outcome) (*Completion, error) {
	var (
		result   Completion
		inactive string
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = Completion{}
		inactive = ""

		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != TaskProcessing {
			return fmt.Errorf("%w: task %d is %s", ErrInvalidTransition, taskID, task.Status)
		}
		order, err := getOrder(ctx, tx, task.OrderID)
		if err != nil {
			return err
		}
		now := s.timestamp()
		if order.Status != OrderRunning {
			inactive = string(order.Status)
			_, err := tx.ExecContext(ctx,
				`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
				TaskFailed, "order "+inactive, now, now, taskID,
			)
			return err
		}

		if err := applyOutcome(ctx, tx, task, outcome, now); err != nil {
			return err
		}

		resultJSON, _ := json.Marshal(outcomeRecord(outcome))
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, result_json = ?, error_message = NULL, completed_at = ?, updated_at = ?
			 WHERE id = ? AND status = ?`,
			TaskCompleted, string(resultJSON), now, now, taskID, TaskProcessing,
		); err != nil {
			return fmt.Errorf("complete task: %w", err)
		}

		if task.SegmentID > 0 {
			if err := settleSegment(ctx, tx, task.SegmentID); err != nil {
				return err
			}
		}

		enqueued, err := cascade(ctx, tx, task, order, now)
		if err != nil {
			return err
		}
		result.Enqueued = enqueued

		if IsJoin(task.Kind) {
			if _, err := tx.ExecContext(ctx,
				`UPDATE orders SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
				OrderCompleted, now, now, order.ID, OrderRunning,
			); err != nil {
				return fmt.Errorf("complete order: %w", err)
			}
			result.OrderCompleted = true
		}

		if err := insertEvent(ctx, tx, ProgressEvent{
			OrderID:     task.OrderID,
			MediaFileID: task.MediaFileID,
			Stage:       string(task.Kind),
			Percent:     100,
			Message:     "completed",
		}, now); err != nil {
			return err
		}
		if result.OrderCompleted {
			return insertEvent(ctx, tx, ProgressEvent{OrderID: order.ID, Stage: "order", Percent: 100, Message: "completed"}, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if inactive != "" {
		return nil, fmt.Errorf("%w: task %d finished after order became %s", ErrOrderInactive, taskID, inactive)
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	result.Task = task
	return &result, nil
}

func outcomeRecord(o Outcome) map[string]any {
	record := map[string]any{}
	if o.ArtifactKey != "" {
		record["artifact_key"] = o.ArtifactKey
	}
	if o.Probe != nil {
		record["duration_seconds"] = o.Probe.DurationSeconds
	}
	if len(o.Segments) > 0 {
		record["segments"] = len(o.Segments)
	}
	if o.Transcript != nil {
		record["confidence"] = o.Transcript.Confidence
	}
	if o.Analysis != nil {
		record["confidence"] = o.Analysis.Confidence
	}
	if o.Summary != "" {
		record["summary"] = o.Summary
	}
	return record
}

func applyOutcome(ctx context.Context, tx *sql.Tx, task *Task, o Outcome, now string) error {
	switch task.Kind {
	case KindCapture:
		if o.ArtifactKey == "" {
			return fmt.Errorf("%w: capture produced no artifact", ErrInvalidOutcome)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE media_files SET artifact_key = ?, capture_progress = 100, status = ?, error_message = NULL, updated_at = ?
			 WHERE id = ?`,
			o.ArtifactKey, MediaCapturing, now, task.MediaFileID,
		)
		return wrapExec("record capture", err)

	case KindTranscode:
		if o.ArtifactKey == "" || o.Probe == nil || o.Probe.DurationSeconds <= 0 {
			return fmt.Errorf("%w: transcode requires an artifact with a positive duration", ErrInvalidOutcome)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE media_files SET artifact_key = ?, status = ?, duration_seconds = ?, width = ?, height = ?,
			        size_bytes = ?, error_message = NULL, updated_at = ?
			 WHERE id = ?`,
			o.ArtifactKey, MediaCaptured, o.Probe.DurationSeconds, o.Probe.Width, o.Probe.Height,
			o.Probe.SizeBytes, now, task.MediaFileID,
		)
		return wrapExec("record transcode", err)

	case KindSegment:
		media, err := getMediaFile(ctx, tx, task.MediaFileID)
		if err != nil {
			return err
		}
		if media.Status != MediaCaptured {
			return fmt.Errorf("%w: media file %d is %s, not captured", ErrInvalidOutcome, media.ID, media.Status)
		}
		segments, err := CheckCoverage(o.Segments, media.DurationSeconds)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM segments WHERE media_file_id = ?`, media.ID); err != nil {
			return wrapExec("clear segments", err)
		}
		for _, seg := range segments {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO segments (media_file_id, ordinal, start_seconds, end_seconds, storage_key, status)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				media.ID, seg.Ordinal, seg.StartSeconds, seg.EndSeconds, seg.StorageKey, SegmentPending,
			); err != nil {
				return wrapExec("insert segment", err)
			}
		}
		return nil

	case KindTranscribe:
		if o.Transcript == nil {
			return fmt.Errorf("%w: transcribe produced no transcript", ErrInvalidOutcome)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO transcripts (segment_id, task_id, text, confidence, cues_json, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			task.SegmentID, task.ID, o.Transcript.Text, o.Transcript.Confidence, nullableString(o.Transcript.CuesJSON), now,
		)
		return wrapExec("insert transcript", err)

	case KindVisionAnalyze:
		if o.Analysis == nil || !json.Valid([]byte(o.Analysis.ResultJSON)) {
			return fmt.Errorf("%w: vision analysis must produce a JSON result", ErrInvalidOutcome)
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO analysis_artifacts (segment_id, task_id, result_json, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
			task.SegmentID, task.ID, o.Analysis.ResultJSON, o.Analysis.Confidence, now,
		)
		return wrapExec("insert analysis artifact", err)

	case KindSynthesizeReport:
		if !json.Valid([]byte(o.ReportJSON)) {
			return fmt.Errorf("%w: report must be a JSON document", ErrInvalidOutcome)
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE orders SET report_json = ?, updated_at = ? WHERE id = ?`, o.ReportJSON, now, task.OrderID,
		)
		return wrapExec("store report", err)
	}
	return fmt.Errorf("%w: unknown task kind %q", ErrInvalidOutcome, task.Kind)
}

// CheckCoverage verifies that segments are contiguous, non-overlapping and
// cover [0,duration). It returns the segments sorted by start offset.
func CheckCoverage(segments []SegmentResult, duration float64) ([]SegmentResult, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments for %.3fs of media", ErrInvalidOutcome, duration)
	}
	sorted := append([]SegmentResult(nil), segments...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartSeconds < sorted[j].StartSeconds })

	cursor := 0.0
	for i, seg := range sorted {
		if seg.StorageKey == "" {
			return nil, fmt.Errorf("%w: segment %d has no storage key", ErrInvalidOutcome, seg.Ordinal)
		}
		if seg.Ordinal != i {
			return nil, fmt.Errorf("%w: segment ordinals must be contiguous from 0, got %d at position %d", ErrInvalidOutcome, seg.Ordinal, i)
		}
		if math.Abs(seg.StartSeconds-cursor) > coverageTolerance {
			return nil, fmt.Errorf("%w: segment %d starts at %.3f, expected %.3f", ErrInvalidOutcome, seg.Ordinal, seg.StartSeconds, cursor)
		}
		if seg.EndSeconds <= seg.StartSeconds {
			return nil, fmt.Errorf("%w: segment %d is empty", ErrInvalidOutcome, seg.Ordinal)
		}
		cursor = seg.EndSeconds
	}
	if math.Abs(cursor-duration) > coverageTolerance {
		return nil, fmt.Errorf("%w: segments end at %.3f, media lasts %.3f", ErrInvalidOutcome, cursor, duration)
	}
	return sorted, nil
}

// settleSegment marks a segment completed once all of its tasks completed.
func settleSegment(ctx context.Context, tx *sql.Tx, segmentID int64) error {
	var open int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE segment_id = ? AND status <> ?`, segmentID, TaskCompleted,
	).Scan(&open); err != nil {
		return fmt.Errorf("count segment tasks: %w", err)
	}
	if open > 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE segments SET status = ? WHERE id = ?`, SegmentCompleted, segmentID)
	return wrapExec("settle segment", err)
}

// cascade enqueues successors of task per stageGraph, then the join task once
// every other task of the order has completed and every media file is captured.
func cascade(ctx context.Context, tx *sql.Tx, task *Task, order *Order, now string) ([]TaskKind, error) {
	var enqueued []TaskKind
	add := func(kind TaskKind, payload TaskPayload) error {
		_, inserted, err := insertTask(ctx, tx, NewTask{
			OrderID:     order.ID,
			Kind:        kind,
			Payload:     payload,
			Priority:    order.Priority,
			MaxAttempts: task.MaxAttempts,
		}, now)
		if err != nil {
			return err
		}
		if inserted {
			enqueued = append(enqueued, kind)
		}
		return nil
	}

	for _, e := range stageGraph[task.Kind] {
		switch e.fanout {
		case fanoutSameMedia:
			if err := add(e.to, TaskPayload{MediaFileID: task.MediaFileID}); err != nil {
				return nil, err
			}
		case fanoutPerSegment:
			segments, err := listSegments(ctx, tx, task.MediaFileID)
			if err != nil {
				return nil, err
			}
			for _, seg := range segments {
				if err := add(e.to, TaskPayload{MediaFileID: task.MediaFileID, SegmentID: seg.ID}); err != nil {
					return nil, err
				}
			}
		}
	}

	if IsJoin(task.Kind) {
		return enqueued, nil
	}
	ready, err := joinReady(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	if ready {
		if err := add(joinKind, TaskPayload{}); err != nil {
			return nil, err
		}
	}
	return enqueued, nil
}

func joinReady(ctx context.Context, tx *sql.Tx, orderID int64) (bool, error) {
	var open, uncaptured int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM tasks WHERE order_id = ? AND status <> ?`, orderID, TaskCompleted,
	).Scan(&open); err != nil {
		return false, fmt.Errorf("count open tasks: %w", err)
	}
	if open > 0 {
		return false, nil
	}
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM media_files WHERE order_id = ? AND status <> ?`, orderID, MediaCaptured,
	).Scan(&uncaptured); err != nil {
		return false, fmt.Errorf("count uncaptured media: %w", err)
	}
	return uncaptured == 0, nil
}

func wrapExec(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
