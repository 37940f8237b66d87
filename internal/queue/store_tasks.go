package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// Enqueue inserts a pending task. Enqueueing the same unit of work twice
// returns the existing task.
func (s *Store) Enqueue(ctx context.Context, req NewTask) (*Task, error) {
	if _, ok := ParseTaskKind(string(req.Kind)); !ok {
		return nil, fmt.Errorf("enqueue: unknown task kind %q", req.Kind)
	}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		order, err := getOrder(ctx, tx, req.OrderID)
		if err != nil {
			return err
		}
		if order.Status.IsTerminal() {
			return fmt.Errorf("%w: cannot enqueue into %s order %d", ErrInvalidTransition, order.Status, order.ID)
		}
		id, _, err = insertTask(ctx, tx, req, s.timestamp())
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, id)
}

// insertTask inserts a pending task unless the same unit of work already
// exists, in which case the existing id is returned with inserted=false.
func insertTask(ctx context.Context, tx *sql.Tx, req NewTask, now string) (int64, bool, error) {
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (order_id, kind, media_file_id, segment_id, payload_json, priority, status,
		                              attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		req.OrderID, req.Kind, nullableID(req.Payload.MediaFileID), nullableID(req.Payload.SegmentID),
		encodePayload(req.Payload), req.Priority, TaskPending, maxAttempts, now, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert %s task: %w", req.Kind, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		id, err := res.LastInsertId()
		return id, true, err
	}
	var id int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE order_id = ? AND kind = ? AND COALESCE(media_file_id, 0) = ? AND COALESCE(segment_id, 0) = ?`,
		req.OrderID, req.Kind, req.Payload.MediaFileID, req.Payload.SegmentID,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("lookup existing %s task: %w", req.Kind, err)
	}
	return id, false, nil
}

// ClaimNext atomically claims the highest-priority pending task among kinds,
// breaking ties by creation time. It returns nil when nothing is claimable.
// The claim consumes one attempt, and the first claim of an order moves it to
// running.
func (s *Store) ClaimNext(ctx context.Context, kinds []TaskKind) (*Task, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	kindValues := make([]string, len(kinds))
	for i, k := range kinds {
		kindValues[i] = string(k)
	}
	selectSQL, selectArgs, err := psql.Select("t.id").
		From("tasks t").
		Join("orders o ON o.id = t.order_id").
		Where(sq.Eq{
			"t.status": string(TaskPending),
			"t.kind":   kindValues,
			"o.status": []string{string(OrderQueued), string(OrderRunning)},
		}).
		OrderBy("t.priority DESC", "t.created_at ASC", "t.id ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build claim query: %w", err)
	}

	var claimed int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		claimed = 0
		var id int64
		if err := tx.QueryRowContext(ctx, selectSQL, selectArgs...).Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("select claimable task: %w", err)
		}

		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, attempts = attempts + 1, started_at = ?, last_heartbeat = ?,
			        completed_at = NULL, cancel_requested = 0, updated_at = ?
			 WHERE id = ? AND status = ?`,
			TaskProcessing, now, now, now, id, TaskPending,
		)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		claimed = id

		var (
			orderID     int64
			kind        string
			mediaFileID sql.NullInt64
		)
		if err := tx.QueryRowContext(ctx, `SELECT order_id, kind, media_file_id FROM tasks WHERE id = ?`, id).
			Scan(&orderID, &kind, &mediaFileID); err != nil {
			return fmt.Errorf("load claimed task: %w", err)
		}
		res, err = tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			OrderRunning, now, orderID, OrderQueued,
		)
		if err != nil {
			return fmt.Errorf("mark order running: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			if err := insertEvent(ctx, tx, ProgressEvent{OrderID: orderID, Stage: "order", Message: "running"}, now); err != nil {
				return err
			}
		}
		if TaskKind(kind) == rootKind && mediaFileID.Valid {
			if _, err := tx.ExecContext(ctx,
				`UPDATE media_files SET status = ?, capture_progress = 0, error_message = NULL, updated_at = ?
				 WHERE id = ? AND status IN (?, ?)`,
				MediaCapturing, now, mediaFileID.Int64, MediaPending, MediaCapturing,
			); err != nil {
				return fmt.Errorf("mark media capturing: %w", err)
			}
		}
		return insertEvent(ctx, tx, ProgressEvent{
			OrderID:     orderID,
			MediaFileID: mediaFileID.Int64,
			Stage:       kind,
			Percent:     0,
			Message:     "started",
		}, now)
	})
	if err != nil {
		return nil, err
	}
	if claimed == 0 {
		return nil, nil
	}
	return s.GetTask(ctx, claimed)
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	return getTask(ensureContext(ctx), s.db, id)
}

func getTask(ctx context.Context, q queryer, id int64) (*Task, error) {
	row := q.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks matching filter in claim order.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := psql.Select(taskColumns).From("tasks").OrderBy("id ASC")
	if filter.OrderID > 0 {
		query = query.Where(sq.Eq{"order_id": filter.OrderID})
	}
	if len(filter.Kinds) > 0 {
		kinds := make([]string, len(filter.Kinds))
		for i, k := range filter.Kinds {
			kinds[i] = string(k)
		}
		query = query.Where(sq.Eq{"kind": kinds})
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query = query.Where(sq.Eq{"status": statuses})
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build task query: %w", err)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasks groups task counts by kind and status. An orderID of zero counts
// every order.
func (s *Store) CountTasks(ctx context.Context, orderID int64) (TaskCounts, error) {
	query := psql.Select("kind", "status", "COUNT(1)").From("tasks").GroupBy("kind", "status")
	if orderID > 0 {
		query = query.Where(sq.Eq{"order_id": orderID})
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := TaskCounts{}
	for rows.Next() {
		var (
			kind   TaskKind
			status TaskStatus
			n      int
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, err
		}
		if counts[kind] == nil {
			counts[kind] = map[TaskStatus]int{}
		}
		counts[kind][status] = n
	}
	return counts, rows.Err()
}

// Health aggregates task counts for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	counts, err := s.CountTasks(ctx, 0)
	if err != nil {
		return HealthSummary{}, err
	}
	var health HealthSummary
	for _, byStatus := range counts {
		for status, n := range byStatus {
			health.Total += n
			switch status {
			case TaskPending:
				health.Pending += n
			case TaskProcessing:
				health.Processing += n
			case TaskCompleted:
				health.Completed += n
			case TaskFailed:
				health.Failed += n
			}
		}
	}
	return health, nil
}

// Heartbeat stamps a processing task. It reports stop=true when the task has
// been flagged for cancellation or is no longer processing.
func (s *Store) Heartbeat(ctx context.Context, taskID int64) (stop bool, err error) {
	res, err := s.execWithRetry(ctx,
		`UPDATE tasks SET last_heartbeat = ? WHERE id = ? AND status = ?`,
		s.timestamp(), taskID, TaskProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return true, nil
	}
	var cancel int
	if err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT cancel_requested FROM tasks WHERE id = ?`, taskID,
	).Scan(&cancel); err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return cancel != 0, nil
}

// RequeueTask returns a processing task to pending for another attempt.
// With refundAttempt the claim does not count against max_attempts.
func (s *Store) RequeueTask(ctx context.Context, taskID int64, message string, refundAttempt bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, error_message = ?, started_at = NULL, last_heartbeat = NULL,
			        attempts = CASE WHEN ? = 1 AND attempts > 0 THEN attempts - 1 ELSE attempts END,
			        updated_at = ?
			 WHERE id = ? AND status = ?`,
			TaskPending, nullableString(message), boolToInt(refundAttempt), now, taskID, TaskProcessing,
		)
		if err != nil {
			return fmt.Errorf("requeue task: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: task %d is not processing", ErrInvalidTransition, taskID)
		}
		task, err := getTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, ProgressEvent{
			OrderID:     task.OrderID,
			MediaFileID: task.MediaFileID,
			Stage:       string(task.Kind),
			Message:     "retry scheduled: " + message,
		}, now)
	})
}

// StaleTasks reports processing tasks whose heartbeat is older than cutoff.
type StaleTasks struct {
	Requeued  int64
	Exhausted []*Task
}

// ReclaimStale returns processing tasks with a heartbeat older than cutoff to
// pending while they have attempts left. Tasks that were flagged for
// cancellation or used every attempt are left processing and returned as
// exhausted so the caller can fail them.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (StaleTasks, error) {
	var out StaleTasks
	cutoffRaw := formatTime(cutoff)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = StaleTasks{}
		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, started_at = NULL, last_heartbeat = NULL, updated_at = ?,
			        error_message = 'worker heartbeat lost'
			 WHERE status = ? AND cancel_requested = 0 AND attempts < max_attempts
			   AND COALESCE(last_heartbeat, started_at, updated_at) < ?`,
			TaskPending, now, TaskProcessing, cutoffRaw,
		)
		if err != nil {
			return fmt.Errorf("reclaim stale tasks: %w", err)
		}
		out.Requeued, _ = res.RowsAffected()

		rows, err := tx.QueryContext(ctx,
			"SELECT "+taskColumns+` FROM tasks
			 WHERE status = ? AND COALESCE(last_heartbeat, started_at, updated_at) < ?
			 ORDER BY id`,
			TaskProcessing, cutoffRaw,
		)
		if err != nil {
			return fmt.Errorf("list exhausted tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			out.Exhausted = append(out.Exhausted, task)
		}
		return rows.Err()
	})
	return out, err
}

// FailTask marks a single task failed without touching its order. Used for
// tasks of orders that have already failed or stopped.
func (s *Store) FailTask(ctx context.Context, taskID int64, message string) error {
	_, err := s.execWithRetry(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		TaskFailed, nullableString(message), s.timestamp(), s.timestamp(), taskID, TaskPending, TaskProcessing,
	)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}
