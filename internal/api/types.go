package api

import "encoding/json"

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Order describes an order in a transport-friendly format.
type Order struct {
	ID           int64           `json:"id"`
	OrderNumber  string          `json:"orderNumber"`
	UserID       string          `json:"userId"`
	Status       string          `json:"status"`
	Priority     int             `json:"priority"`
	CostCharged  int64           `json:"costCharged"`
	RefundState  string          `json:"refundState"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	UpdatedAt    string          `json:"updatedAt,omitempty"`
	CompletedAt  string          `json:"completedAt,omitempty"`
	Report       json.RawMessage `json:"report,omitempty"`
}

// MediaProgress reports capture and processing progress for one stream.
type MediaProgress struct {
	ID              int64   `json:"id"`
	Label           string  `json:"label"`
	Role            string  `json:"role"`
	Status          string  `json:"status"`
	SourceURL       string  `json:"sourceUrl"`
	CaptureURL      string  `json:"captureUrl,omitempty"`
	CaptureProgress float64 `json:"captureProgress"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
	Resolution      string  `json:"resolution,omitempty"`
	SizeBytes       int64   `json:"sizeBytes,omitempty"`
	Segments        int     `json:"segments,omitempty"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
}

// OrderStatus aggregates an order with per-file progress and per-kind task
// counts keyed by kind then status.
type OrderStatus struct {
	Order Order                     `json:"order"`
	Media []MediaProgress           `json:"media"`
	Tasks map[string]map[string]int `json:"tasks"`
}

// Task describes one queued unit of work.
type Task struct {
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	Kind            string `json:"kind"`
	Status          string `json:"status"`
	MediaFileID     int64  `json:"mediaFileId,omitempty"`
	SegmentID       int64  `json:"segmentId,omitempty"`
	Priority        int    `json:"priority"`
	Attempts        int    `json:"attempts"`
	MaxAttempts     int    `json:"maxAttempts"`
	CancelRequested bool   `json:"cancelRequested,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
	UpdatedAt       string `json:"updatedAt,omitempty"`
	LastHeartbeat   string `json:"lastHeartbeat,omitempty"`
}

// Event is one entry of an order's progress log.
type Event struct {
	ID          int64   `json:"id"`
	OrderID     int64   `json:"orderId"`
	MediaFileID int64   `json:"mediaFileId,omitempty"`
	Stage       string  `json:"stage"`
	Percent     float64 `json:"percent"`
	Message     string  `json:"message,omitempty"`
	At          string  `json:"at"`
}

// DispatchResult reports what one dispatch batch did.
type DispatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
	Denied    int `json:"denied"`
	Refunded  int `json:"refunded"`
	Reclaimed int `json:"reclaimed"`
}

// QueueStats provides normalized task counts by status.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// WorkflowStatus summarizes workflow execution state.
type WorkflowStatus struct {
	Running     bool            `json:"running"`
	Schedule    string          `json:"schedule,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	LastRun     string          `json:"lastRun,omitempty"`
	LastBatch   *DispatchResult `json:"lastBatch,omitempty"`
	Queue       QueueStats      `json:"queue"`
	StageHealth []StageHealth   `json:"stageHealth"`
}

// StageHealth mirrors readiness reporting for workflow stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// DependencyStatus captures availability of an external dependency.
type DependencyStatus struct {
	Name        string `json:"name"`
	Command     string `json:"command"`
	Description string `json:"description"`
	Optional    bool   `json:"optional"`
	Available   bool   `json:"available"`
	Detail      string `json:"detail,omitempty"`
}
