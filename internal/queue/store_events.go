package queue

import (
	"context"
	"database/sql"
	"fmt"
)

func insertEvent(ctx context.Context, tx *sql.Tx, ev ProgressEvent, now string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO progress_events (order_id, media_file_id, stage, percent, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.OrderID, nullableID(ev.MediaFileID), ev.Stage, ev.Percent, nullableString(ev.Message), now,
	)
	if err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	return nil
}

// AppendEvent adds an entry to the operator-facing progress log.
func (s *Store) AppendEvent(ctx context.Context, ev ProgressEvent) error {
	_, err := s.execWithRetry(ctx,
		`INSERT INTO progress_events (order_id, media_file_id, stage, percent, message, at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.OrderID, nullableID(ev.MediaFileID), ev.Stage, ev.Percent, nullableString(ev.Message), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	return nil
}

// ListEvents returns progress events for an order with ids greater than
// afterID, oldest first. A zero limit returns every event.
func (s *Store) ListEvents(ctx context.Context, orderID, afterID int64, limit uint64) ([]*ProgressEvent, error) {
	query := psql.Select("id", "order_id", "media_file_id", "stage", "percent", "message", "at").
		From("progress_events").
		Where("order_id = ? AND id > ?", orderID, afterID).
		OrderBy("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	sqlText, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build event query: %w", err)
	}
	rows, err := s.db.QueryContext(ensureContext(ctx), sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*ProgressEvent
	for rows.Next() {
		var (
			ev      ProgressEvent
			mediaID sql.NullInt64
			message sql.NullString
			atRaw   string
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &mediaID, &ev.Stage, &ev.Percent, &message, &atRaw); err != nil {
			return nil, err
		}
		ev.MediaFileID = mediaID.Int64
		ev.Message = message.String
		ev.At, _ = parseTimeString(atRaw)
		events = append(events, &ev)
	}
	return events, rows.Err()
}
