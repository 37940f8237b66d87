package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	sq "github.com/Masterminds/squirrel"
)

// CreateOrder inserts an order in the created status together with its self
// media file and one media file per competitor source.
func (s *Store) CreateOrder(ctx context.Context, req NewOrder) (*Order, error) {
	if req.UserID == "" || req.OrderNumber == "" || req.SelfSource == "" {
		return nil, errors.New("create order: user, order number and self source are required")
	}
	var orderID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO orders (order_number, user_id, status, priority, refund_state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.OrderNumber, req.UserID, OrderCreated, req.Priority, RefundNone, now, now,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		if orderID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("order id: %w", err)
		}
		if err := insertMediaFile(ctx, tx, orderID, RoleSelf, 0, req.SelfSource, now); err != nil {
			return err
		}
		for i, src := range req.CompetitorSources {
			if err := insertMediaFile(ctx, tx, orderID, RoleCompetitor, i+1, src, now); err != nil {
				return err
			}
		}
		return insertEvent(ctx, tx, ProgressEvent{OrderID: orderID, Stage: "order", Message: "order created"}, now)
	})
	if err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func insertMediaFile(ctx context.Context, tx *sql.Tx, orderID int64, role Role, ordinal int, source, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO media_files (order_id, role, ordinal, source_url, status, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		orderID, role, ordinal, source, MediaPending, now,
	)
	if err != nil {
		return fmt.Errorf("insert %s media file: %w", role, err)
	}
	return nil
}

// MarkCharged records the charged cost and moves a created order to
// awaiting_configuration.
func (s *Store) MarkCharged(ctx context.Context, orderID, amount int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, cost_charged = ?, updated_at = ? WHERE id = ? AND status = ?`,
			OrderAwaitingConfiguration, amount, now, orderID, OrderCreated,
		)
		if err != nil {
			return fmt.Errorf("mark charged: %w", err)
		}
		if err := expectOneRow(res, orderID); err != nil {
			return err
		}
		return insertEvent(ctx, tx, ProgressEvent{OrderID: orderID, Stage: "order", Message: "awaiting capture configuration"}, now)
	})
}

// DeleteOrder removes an order that never got past the created status.
func (s *Store) DeleteOrder(ctx context.Context, orderID int64) error {
	res, err := s.execWithRetry(ctx, `DELETE FROM orders WHERE id = ? AND status = ?`, orderID, OrderCreated)
	if err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return expectOneRow(res, orderID)
}

// ConfigureCapture records capture URLs, moves the order from
// awaiting_configuration to queued and enqueues one capture task per media
// file, all in one transaction.
func (s *Store) ConfigureCapture(ctx context.Context, orderID int64, cfg CaptureConfig) ([]*Task, error) {
	var taskIDs []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		taskIDs = taskIDs[:0]
		order, err := getOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != OrderAwaitingConfiguration {
			return fmt.Errorf("%w: order %d is %s", ErrInvalidTransition, orderID, order.Status)
		}
		files, err := listMediaFiles(ctx, tx, orderID)
		if err != nil {
			return err
		}
		competitors := 0
		for _, f := range files {
			if f.Role == RoleCompetitor {
				competitors++
			}
		}
		if competitors != len(cfg.CompetitorURLs) {
			return fmt.Errorf("configure capture: order %d has %d competitor sources but %d capture urls were supplied",
				orderID, competitors, len(cfg.CompetitorURLs))
		}

		now := s.timestamp()
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			OrderQueued, now, orderID, OrderAwaitingConfiguration,
		)
		if err != nil {
			return fmt.Errorf("queue order: %w", err)
		}
		if err := expectOneRow(res, orderID); err != nil {
			return err
		}

		for _, f := range files {
			url := cfg.SelfURL
			if f.Role == RoleCompetitor {
				url = cfg.CompetitorURLs[f.Ordinal-1]
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE media_files SET capture_url = ?, updated_at = ? WHERE id = ?`, url, now, f.ID,
			); err != nil {
				return fmt.Errorf("set capture url: %w", err)
			}
			id, _, err := insertTask(ctx, tx, NewTask{
				OrderID:     orderID,
				Kind:        rootKind,
				Payload:     TaskPayload{MediaFileID: f.ID},
				Priority:    order.Priority,
				MaxAttempts: cfg.MaxAttempts,
			}, now)
			if err != nil {
				return err
			}
			taskIDs = append(taskIDs, id)
		}
		return insertEvent(ctx, tx, ProgressEvent{OrderID: orderID, Stage: "order", Message: "queued for capture"}, now)
	})
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	return getOrder(ensureContext(ctx), s.db, id)
}

func getOrder(ctx context.Context, q queryer, id int64) (*Order, error) {
	row := q.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// GetOrderByNumber fetches an order by its human-readable number.
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+orderColumns+" FROM orders WHERE order_number = ?", number)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", number, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get order: %w", err)
	}
	return order, nil
}

// ListOrders returns orders matching filter, newest first.
func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]*Order, error) {
	query := psql.Select(orderColumns).From("orders").OrderBy("id DESC")
	if filter.UserID != "" {
		query = query.Where(sq.Eq{"user_id": filter.UserID})
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
		return nil, fmt.Errorf("build order query: %w", err)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
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

// ListMediaFiles returns an order's media files, self first.
func (s *Store) ListMediaFiles(ctx context.Context, orderID int64) ([]*MediaFile, error) {
	return listMediaFiles(ensureContext(ctx), s.db, orderID)
}

func listMediaFiles(ctx context.Context, q queryer, orderID int64) ([]*MediaFile, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+mediaColumns+" FROM media_files WHERE order_id = ? ORDER BY CASE role WHEN 'self' THEN 0 ELSE 1 END, ordinal",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("list media files: %w", err)
	}
	defer rows.Close()

	var files []*MediaFile
	for rows.Next() {
		f, err := scanMediaFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// GetMediaFile fetches a media file by id.
func (s *Store) GetMediaFile(ctx context.Context, id int64) (*MediaFile, error) {
	return getMediaFile(ensureContext(ctx), s.db, id)
}

func getMediaFile(ctx context.Context, q queryer, id int64) (*MediaFile, error) {
	row := q.QueryRowContext(ctx, "SELECT "+mediaColumns+" FROM media_files WHERE id = ?", id)
	f, err := scanMediaFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("media file %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get media file: %w", err)
	}
	return f, nil
}

// UpdateCaptureProgress records capture progress for a media file that is
// still capturing. Percent is clipped to [0,100).
func (s *Store) UpdateCaptureProgress(ctx context.Context, mediaFileID int64, percent float64) error {
	percent = ClipCaptureProgress(percent)
	_, err := s.execWithRetry(ctx,
		`UPDATE media_files SET capture_progress = ?, updated_at = ? WHERE id = ? AND status = ?`,
		percent, s.timestamp(), mediaFileID, MediaCapturing,
	)
	if err != nil {
		return fmt.Errorf("update capture progress: %w", err)
	}
	return nil
}

// ClipCaptureProgress bounds an in-flight capture percentage to [0,100).
// Only a completed capture reports 100.
func ClipCaptureProgress(percent float64) float64 {
	const ceiling = 99.9
	switch {
	case math.IsNaN(percent) || percent < 0:
		return 0
	case percent > ceiling:
		return ceiling
	default:
		return percent
	}
}

// ListSegments returns a media file's segments in order.
func (s *Store) ListSegments(ctx context.Context, mediaFileID int64) ([]*Segment, error) {
	return listSegments(ensureContext(ctx), s.db, mediaFileID)
}

func listSegments(ctx context.Context, q queryer, mediaFileID int64) ([]*Segment, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+segmentColumns+" FROM segments WHERE media_file_id = ? ORDER BY ordinal", mediaFileID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	var segments []*Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// GetSegment fetches a segment by id.
func (s *Store) GetSegment(ctx context.Context, id int64) (*Segment, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), "SELECT "+segmentColumns+" FROM segments WHERE id = ?", id)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("segment %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	return seg, nil
}

// ResetOrder moves a failed order back to queued. Failed tasks return to
// pending with a fresh attempt budget and per-file error state is cleared.
// An order that failed before its capture URLs were configured returns to
// awaiting_configuration instead. The charged cost is left untouched.
func (s *Store) ResetOrder(ctx context.Context, orderID int64) (int64, error) {
	var reset int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		order, err := getOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != OrderFailed {
			return fmt.Errorf("%w: only failed orders can be reset, order %d is %s", ErrInvalidTransition, orderID, order.Status)
		}
		var running int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM tasks WHERE order_id = ? AND status = ?`, orderID, TaskProcessing,
		).Scan(&running); err != nil {
			return fmt.Errorf("count running tasks: %w", err)
		}
		if running > 0 {
			return fmt.Errorf("%w: order %d still has %d running tasks", ErrInvalidTransition, orderID, running)
		}

		var configured int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM media_files WHERE order_id = ? AND COALESCE(capture_url, '') <> ''`, orderID,
		).Scan(&configured); err != nil {
			return fmt.Errorf("count configured media: %w", err)
		}
		now := s.timestamp()
		if configured == 0 {
			return resetUnconfigured(ctx, tx, orderID, now)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, attempts = 0, error_message = NULL, cancel_requested = 0,
			        started_at = NULL, completed_at = NULL, last_heartbeat = NULL, updated_at = ?
			 WHERE order_id = ? AND status = ?`,
			TaskPending, now, orderID, TaskFailed,
		)
		if err != nil {
			return fmt.Errorf("reset tasks: %w", err)
		}
		reset, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`UPDATE media_files
			 SET status = CASE WHEN COALESCE(artifact_key, '') <> '' THEN ? ELSE ? END,
			     capture_progress = CASE WHEN COALESCE(artifact_key, '') <> '' THEN capture_progress ELSE 0 END,
			     error_message = NULL, updated_at = ?
			 WHERE order_id = ? AND status = ?`,
			MediaCapturing, MediaPending, now, orderID, MediaFailed,
		); err != nil {
			return fmt.Errorf("reset media files: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE segments SET status = ?
			 WHERE status = ? AND media_file_id IN (SELECT id FROM media_files WHERE order_id = ?)`,
			SegmentPending, SegmentFailed, orderID,
		); err != nil {
			return fmt.Errorf("reset segments: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE orders SET status = ?, error_message = NULL, completed_at = NULL, updated_at = ? WHERE id = ?`,
			OrderQueued, now, orderID,
		); err != nil {
			return fmt.Errorf("reset order: %w", err)
		}
		return insertEvent(ctx, tx, ProgressEvent{OrderID: orderID, Stage: "order", Message: fmt.Sprintf("reset by operator (%d tasks requeued)", reset)}, now)
	})
	return reset, err
}

// resetUnconfigured returns an order stopped before capture configuration to
// awaiting_configuration. It has no tasks, so nothing is requeued.
func resetUnconfigured(ctx context.Context, tx *sql.Tx, orderID int64, now string) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE media_files SET status = ?, capture_progress = 0, error_message = NULL, updated_at = ?
		 WHERE order_id = ? AND status = ?`,
		MediaPending, now, orderID, MediaFailed,
	); err != nil {
		return fmt.Errorf("reset media files: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET status = ?, error_message = NULL, completed_at = NULL, updated_at = ? WHERE id = ?`,
		OrderAwaitingConfiguration, now, orderID,
	); err != nil {
		return fmt.Errorf("reset order: %w", err)
	}
	return insertEvent(ctx, tx, ProgressEvent{OrderID: orderID, Stage: "order", Message: "reset by operator (awaiting capture configuration)"}, now)
}

// OrderResults gathers media files, segments and the latest results per
// segment for report synthesis.
func (s *Store) OrderResults(ctx context.Context, orderID int64) (*OrderResults, error) {
	ctx = ensureContext(ctx)
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	files, err := s.ListMediaFiles(ctx, orderID)
	if err != nil {
		return nil, err
	}
	results := &OrderResults{
		Order:       order,
		MediaFiles:  files,
		Segments:    make(map[int64][]*Segment, len(files)),
		Transcripts: make(map[int64]*Transcript),
		Artifacts:   make(map[int64]*AnalysisArtifact),
	}
	for _, f := range files {
		segments, err := s.ListSegments(ctx, f.ID)
		if err != nil {
			return nil, err
		}
		results.Segments[f.ID] = segments
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.segment_id, t.task_id, t.text, t.confidence, t.cues_json, t.created_at
		 FROM transcripts t
		 JOIN segments sg ON sg.id = t.segment_id
		 JOIN media_files m ON m.id = sg.media_file_id
		 WHERE m.order_id = ?
		 ORDER BY t.id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list transcripts: %w", err)
	}
	for rows.Next() {
		tr, err := scanTranscript(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		results.Transcripts[tr.SegmentID] = tr
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT a.id, a.segment_id, a.task_id, a.result_json, a.confidence, a.created_at
		 FROM analysis_artifacts a
		 JOIN segments sg ON sg.id = a.segment_id
		 JOIN media_files m ON m.id = sg.media_file_id
		 WHERE m.order_id = ?
		 ORDER BY a.id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		results.Artifacts[a.SegmentID] = a
	}
	return results, rows.Err()
}

func expectOneRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: order %d", ErrInvalidTransition, id)
	}
	return nil
}
