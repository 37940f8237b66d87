package drapto

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	draptolib "github.com/five82/drapto"

	"matchscope/internal/services"
)

// EventType identifies the Drapto callback a ProgressUpdate came from.
type EventType string

const (
	EventTypeStageProgress    EventType = "stage_progress"
	EventTypeEncodingStarted  EventType = "encoding_started"
	EventTypeEncodingProgress EventType = "encoding_progress"
	EventTypeValidation       EventType = "validation"
	EventTypeEncodingComplete EventType = "encoding_complete"
	EventTypeWarning          EventType = "warning"
	EventTypeError            EventType = "error"
	EventTypeInfo             EventType = "info"
)

// ProgressUpdate captures Drapto progress events.
type ProgressUpdate struct {
	Type      EventType
	Timestamp time.Time
	Percent   float64
	Stage     string
	Message   string
	ETA       time.Duration
	FPS       float64
}

// Client defines Drapto encoding behaviour.
type Client interface {
	Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error)
}

// Library implements Client using the Drapto Go library directly.
type Library struct{}

// NewLibrary constructs a Library client.
func NewLibrary() *Library {
	return &Library{}
}

// Encode encodes inputPath into outputDir and returns the output path.
func (l *Library) Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error) {
	outputPath, err := OutputPath(inputPath, outputDir)
	if err != nil {
		return "", err
	}

	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "transcode", "drapto init", "drapto encoder unavailable", err)
	}

	var rep draptolib.Reporter
	if progress != nil {
		rep = newReporter(progress)
	}
	if _, err := encoder.EncodeWithReporter(ctx, inputPath, strings.TrimSpace(outputDir), rep); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if ctxErr == context.DeadlineExceeded {
				return "", services.Wrap(services.ErrTimeout, "transcode", "drapto encode", "encode timed out", err)
			}
			return "", services.Wrap(services.ErrCanceled, "transcode", "drapto encode", "encode canceled", err)
		}
		return "", services.Wrap(services.ErrExternalTool, "transcode", "drapto encode", "encode failed", err)
	}
	return outputPath, nil
}

// OutputPath returns where Drapto writes the encode of inputPath.
func OutputPath(inputPath, outputDir string) (string, error) {
	if strings.TrimSpace(inputPath) == "" {
		return "", services.Wrap(services.ErrValidation, "transcode", "drapto encode", "input path required", nil)
	}
	outputDir = strings.TrimSpace(outputDir)
	if outputDir == "" {
		return "", services.Wrap(services.ErrValidation, "transcode", "drapto encode", "output directory required", nil)
	}
	base := filepath.Base(inputPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = base
	}
	return filepath.Join(outputDir, stem+".mkv"), nil
}

var _ Client = (*Library)(nil)
