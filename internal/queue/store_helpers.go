package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// timeLayout is fixed width so lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func parseOptionalTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableID(value int64) any {
	if value <= 0 {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

const orderColumns = "id, order_number, user_id, status, priority, cost_charged, refund_state, error_message, report_json, created_at, updated_at, completed_at"

func scanOrder(scanner rowScanner) (*Order, error) {
	var (
		o           Order
		status      string
		refund      string
		errMsg      sql.NullString
		report      sql.NullString
		createdRaw  string
		updatedRaw  string
		completedAt sql.NullString
	)
	if err := scanner.Scan(&o.ID, &o.OrderNumber, &o.UserID, &status, &o.Priority, &o.CostCharged, &refund,
		&errMsg, &report, &createdRaw, &updatedRaw, &completedAt); err != nil {
		return nil, err
	}
	o.Status = OrderStatus(status)
	o.RefundState = RefundState(refund)
	o.ErrorMessage = errMsg.String
	o.ReportJSON = report.String
	o.CreatedAt, _ = parseTimeString(createdRaw)
	o.UpdatedAt, _ = parseTimeString(updatedRaw)
	o.CompletedAt = parseOptionalTime(completedAt)
	return &o, nil
}

const mediaColumns = "id, order_id, role, ordinal, source_url, capture_url, artifact_key, status, capture_progress, duration_seconds, width, height, size_bytes, error_message, updated_at"

func scanMediaFile(scanner rowScanner) (*MediaFile, error) {
	var (
		m          MediaFile
		role       string
		status     string
		captureURL sql.NullString
		artifact   sql.NullString
		errMsg     sql.NullString
		updatedRaw string
	)
	if err := scanner.Scan(&m.ID, &m.OrderID, &role, &m.Ordinal, &m.SourceURL, &captureURL, &artifact, &status,
		&m.CaptureProgress, &m.DurationSeconds, &m.Width, &m.Height, &m.SizeBytes, &errMsg, &updatedRaw); err != nil {
		return nil, err
	}
	m.Role = Role(role)
	m.Status = MediaStatus(status)
	m.CaptureURL = captureURL.String
	m.ArtifactKey = artifact.String
	m.ErrorMessage = errMsg.String
	m.UpdatedAt, _ = parseTimeString(updatedRaw)
	return &m, nil
}

const segmentColumns = "id, media_file_id, ordinal, start_seconds, end_seconds, storage_key, status"

func scanSegment(scanner rowScanner) (*Segment, error) {
	var (
		seg    Segment
		status string
	)
	if err := scanner.Scan(&seg.ID, &seg.MediaFileID, &seg.Ordinal, &seg.StartSeconds, &seg.EndSeconds, &seg.StorageKey, &status); err != nil {
		return nil, err
	}
	seg.Status = SegmentStatus(status)
	return &seg, nil
}

const taskColumns = "id, order_id, kind, media_file_id, segment_id, payload_json, priority, status, attempts, max_attempts, error_message, result_json, cancel_requested, created_at, started_at, completed_at, updated_at, last_heartbeat"

func scanTask(scanner rowScanner) (*Task, error) {
	var (
		t            Task
		kind         string
		status       string
		mediaFileID  sql.NullInt64
		segmentID    sql.NullInt64
		payloadRaw   string
		errMsg       sql.NullString
		result       sql.NullString
		cancel       int
		createdRaw   string
		startedRaw   sql.NullString
		completedRaw sql.NullString
		updatedRaw   string
		heartbeatRaw sql.NullString
	)
	if err := scanner.Scan(&t.ID, &t.OrderID, &kind, &mediaFileID, &segmentID, &payloadRaw, &t.Priority, &status,
		&t.Attempts, &t.MaxAttempts, &errMsg, &result, &cancel, &createdRaw, &startedRaw, &completedRaw,
		&updatedRaw, &heartbeatRaw); err != nil {
		return nil, err
	}
	t.Kind = TaskKind(kind)
	t.Status = TaskStatus(status)
	t.MediaFileID = mediaFileID.Int64
	t.SegmentID = segmentID.Int64
	if payloadRaw != "" {
		_ = json.Unmarshal([]byte(payloadRaw), &t.Payload)
	}
	t.ErrorMessage = errMsg.String
	t.ResultJSON = result.String
	t.CancelRequested = cancel != 0
	t.CreatedAt, _ = parseTimeString(createdRaw)
	t.StartedAt = parseOptionalTime(startedRaw)
	t.CompletedAt = parseOptionalTime(completedRaw)
	t.UpdatedAt, _ = parseTimeString(updatedRaw)
	t.LastHeartbeat = parseOptionalTime(heartbeatRaw)
	return &t, nil
}

func scanTranscript(scanner rowScanner) (*Transcript, error) {
	var (
		tr         Transcript
		taskID     sql.NullInt64
		cues       sql.NullString
		createdRaw string
	)
	if err := scanner.Scan(&tr.ID, &tr.SegmentID, &taskID, &tr.Text, &tr.Confidence, &cues, &createdRaw); err != nil {
		return nil, err
	}
	tr.TaskID = taskID.Int64
	tr.CuesJSON = cues.String
	tr.CreatedAt, _ = parseTimeString(createdRaw)
	return &tr, nil
}

func scanArtifact(scanner rowScanner) (*AnalysisArtifact, error) {
	var (
		a          AnalysisArtifact
		taskID     sql.NullInt64
		createdRaw string
	)
	if err := scanner.Scan(&a.ID, &a.SegmentID, &taskID, &a.ResultJSON, &a.Confidence, &createdRaw); err != nil {
		return nil, err
	}
	a.TaskID = taskID.Int64
	a.CreatedAt, _ = parseTimeString(createdRaw)
	return &a, nil
}

func encodePayload(p TaskPayload) string {
	data, err := json.Marshal(p)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
