package queue

import (
	"strconv"
	"strings"
	"time"
)

// OrderStatus represents the lifecycle of an analysis order.
type OrderStatus string

const (
	OrderCreated               OrderStatus = "created"
	OrderAwaitingConfiguration OrderStatus = "awaiting_configuration"
	OrderQueued                OrderStatus = "queued"
	OrderRunning               OrderStatus = "running"
	OrderCompleted             OrderStatus = "completed"
	OrderFailed                OrderStatus = "failed"
)

// IsTerminal reports whether the order only leaves this status through a reset.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// ParseOrderStatus converts user input into an order status.
func ParseOrderStatus(value string) (OrderStatus, bool) {
	normalized := OrderStatus(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case OrderCreated, OrderAwaitingConfiguration, OrderQueued, OrderRunning, OrderCompleted, OrderFailed:
		return normalized, true
	}
	return "", false
}

// Role distinguishes the customer's own stream from competitor streams.
type Role string

const (
	RoleSelf       Role = "self"
	RoleCompetitor Role = "competitor"
)

// MediaStatus tracks capture, transcode and segmentation of one media file.
type MediaStatus string

const (
	MediaPending   MediaStatus = "pending"
	MediaCapturing MediaStatus = "capturing"
	MediaCaptured  MediaStatus = "captured"
	MediaFailed    MediaStatus = "failed"
)

// SegmentStatus tracks analysis of one segment.
type SegmentStatus string

const (
	SegmentPending   SegmentStatus = "pending"
	SegmentCompleted SegmentStatus = "completed"
	SegmentFailed    SegmentStatus = "failed"
)

// TaskStatus is the queue state of one unit of work.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ParseTaskStatus converts user input into a task status.
func ParseTaskStatus(value string) (TaskStatus, bool) {
	normalized := TaskStatus(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return normalized, true
	}
	return "", false
}

// TaskKind names a pipeline stage.
type TaskKind string

const (
	KindCapture          TaskKind = "capture"
	KindTranscode        TaskKind = "transcode"
	KindSegment          TaskKind = "segment"
	KindTranscribe       TaskKind = "transcribe"
	KindVisionAnalyze    TaskKind = "vision_analyze"
	KindSynthesizeReport TaskKind = "synthesize_report"
)

// AllKinds lists every task kind in pipeline order.
func AllKinds() []TaskKind {
	return []TaskKind{KindCapture, KindTranscode, KindSegment, KindTranscribe, KindVisionAnalyze, KindSynthesizeReport}
}

// ParseTaskKind converts user input into a task kind.
func ParseTaskKind(value string) (TaskKind, bool) {
	normalized := TaskKind(strings.ToLower(strings.TrimSpace(value)))
	for _, kind := range AllKinds() {
		if kind == normalized {
			return kind, true
		}
	}
	return "", false
}

// RefundState guards the single refund issued for a failed order.
type RefundState string

const (
	RefundNone      RefundState = "none"
	RefundPending   RefundState = "pending"
	RefundInFlight  RefundState = "refunding"
	RefundCompleted RefundState = "done"
)

// Order identifies one analysis job.
type Order struct {
	ID           int64
	OrderNumber  string
	UserID       string
	Status       OrderStatus
	Priority     int
	CostCharged  int64
	RefundState  RefundState
	ErrorMessage string
	ReportJSON   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
}

// MediaFile is one recordable source belonging to an order.
type MediaFile struct {
	ID              int64
	OrderID         int64
	Role            Role
	Ordinal         int
	SourceURL       string
	CaptureURL      string
	ArtifactKey     string
	Status          MediaStatus
	CaptureProgress float64
	DurationSeconds float64
	Width           int
	Height          int
	SizeBytes       int64
	ErrorMessage    string
	UpdatedAt       time.Time
}

// Label renders the role and ordinal, e.g. "self" or "competitor2".
func (m MediaFile) Label() string {
	if m.Role == RoleSelf {
		return string(RoleSelf)
	}
	return string(RoleCompetitor) + strconv.Itoa(m.Ordinal)
}

// Segment is a fixed-duration slice of a captured media file.
type Segment struct {
	ID           int64
	MediaFileID  int64
	Ordinal      int
	StartSeconds float64
	EndSeconds   float64
	StorageKey   string
	Status       SegmentStatus
}

// Task is one queued unit of pipeline work.
type Task struct {
	ID              int64
	OrderID         int64
	Kind            TaskKind
	MediaFileID     int64
	SegmentID       int64
	Payload         TaskPayload
	Priority        int
	Status          TaskStatus
	Attempts        int
	MaxAttempts     int
	ErrorMessage    string
	ResultJSON      string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
	LastHeartbeat   *time.Time
}

// TaskPayload references the entities a task operates on.
type TaskPayload struct {
	MediaFileID int64  `json:"media_file_id,omitempty"`
	SegmentID   int64  `json:"segment_id,omitempty"`
	Note        string `json:"note,omitempty"`
}

// NewTask describes a task to enqueue.
type NewTask struct {
	OrderID     int64
	Kind        TaskKind
	Payload     TaskPayload
	Priority    int
	MaxAttempts int
}

// Transcript is the speech recognition result for a segment.
type Transcript struct {
	ID         int64
	SegmentID  int64
	TaskID     int64
	Text       string
	Confidence float64
	CuesJSON   string
	CreatedAt  time.Time
}

// AnalysisArtifact is the vision analysis result for a segment.
type AnalysisArtifact struct {
	ID         int64
	SegmentID  int64
	TaskID     int64
	ResultJSON string
	Confidence float64
	CreatedAt  time.Time
}

// ProgressEvent is one entry in the operator-facing progress log.
type ProgressEvent struct {
	ID          int64
	OrderID     int64
	MediaFileID int64
	Stage       string
	Percent     float64
	Message     string
	At          time.Time
}

// Outcome carries a stage result into CompleteTask. Only the fields relevant
// to the task kind are read.
type Outcome struct {
	ArtifactKey string
	Probe       *MediaProbe
	Segments    []SegmentResult
	Transcript  *TranscriptResult
	Analysis    *AnalysisResult
	ReportJSON  string
	Summary     string
}

// MediaProbe describes a transcoded artifact.
type MediaProbe struct {
	DurationSeconds float64
	Width           int
	Height          int
	SizeBytes       int64
}

// SegmentResult is one slice produced by the segment stage.
type SegmentResult struct {
	Ordinal      int
	StartSeconds float64
	EndSeconds   float64
	StorageKey   string
}

// TranscriptResult is produced by the transcribe stage.
type TranscriptResult struct {
	Text       string
	Confidence float64
	CuesJSON   string
}

// AnalysisResult is produced by the vision stage.
type AnalysisResult struct {
	ResultJSON string
	Confidence float64
}

// NewOrder describes an order to insert.
type NewOrder struct {
	UserID            string
	OrderNumber       string
	Priority          int
	SelfSource        string
	CompetitorSources []string
}

// CaptureConfig supplies resolved capture URLs for an order.
type CaptureConfig struct {
	SelfURL        string
	CompetitorURLs []string
	MaxAttempts    int
}

// FailRequest describes an order-level failure.
type FailRequest struct {
	OrderID int64
	// TaskID is the failing task, if any. It is marked failed with Message.
	TaskID  int64
	Message string
}

// FailResult reports what FailOrder changed.
type FailResult struct {
	// OrderFailed is true when this call moved the order to failed.
	OrderFailed bool
	// RefundDue is true when this call won the none to pending refund transition.
	RefundDue bool
	Drained   int64
	Canceled  int64
}

// OrderResults gathers everything the report stage consumes. Transcripts and
// artifacts are the latest per segment.
type OrderResults struct {
	Order       *Order
	MediaFiles  []*MediaFile
	Segments    map[int64][]*Segment
	Transcripts map[int64]*Transcript
	Artifacts   map[int64]*AnalysisArtifact
}

// TaskCounts maps kind and status to a count.
type TaskCounts map[TaskKind]map[TaskStatus]int

// Total returns the number of tasks of kind, or of every kind when kind is empty.
func (c TaskCounts) Total(kind TaskKind) int {
	total := 0
	for k, byStatus := range c {
		if kind != "" && k != kind {
			continue
		}
		for _, n := range byStatus {
			total += n
		}
	}
	return total
}

// Count returns the number of tasks of kind in status.
func (c TaskCounts) Count(kind TaskKind, status TaskStatus) int {
	return c[kind][status]
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	OrderID  int64
	Kinds    []TaskKind
	Statuses []TaskStatus
	Limit    uint64
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	UserID   string
	Statuses []OrderStatus
	Limit    uint64
}

// HealthSummary aggregates task counts for diagnostics.
type HealthSummary struct {
	Total      int
	Pending    int
	Processing int
	Failed     int
	Completed  int
}
