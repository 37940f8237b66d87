package drapto

import (
	"fmt"
	"strings"
	"time"

	draptolib "github.com/five82/drapto"
)

// reporter adapts the Drapto Reporter interface to a ProgressUpdate callback.
// Batch and setup callbacks are reduced to informational messages.
type reporter struct {
	callback func(ProgressUpdate)
	now      func() time.Time
}

func newReporter(callback func(ProgressUpdate)) *reporter {
	return &reporter{callback: callback, now: time.Now}
}

func (r *reporter) emit(update ProgressUpdate) {
	update.Timestamp = r.now()
	r.callback(update)
}

func (r *reporter) info(stage, message string) {
	r.emit(ProgressUpdate{Type: EventTypeInfo, Stage: stage, Message: message, Percent: -1})
}

func (r *reporter) Hardware(s draptolib.HardwareSummary) {
	r.info("hardware", "host "+s.Hostname)
}

func (r *reporter) Initialization(s draptolib.InitializationSummary) {
	r.info("initialization", fmt.Sprintf("%s %s %s", s.InputFile, s.Resolution, s.Duration))
}

func (r *reporter) StageProgress(s draptolib.StageProgress) {
	var eta time.Duration
	if s.ETA != nil {
		eta = *s.ETA
	}
	r.emit(ProgressUpdate{
		Type:    EventTypeStageProgress,
		Percent: float64(s.Percent),
		Stage:   s.Stage,
		Message: s.Message,
		ETA:     eta,
	})
}

func (r *reporter) CropResult(s draptolib.CropSummary) {
	r.info("crop", s.Message)
}

func (r *reporter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.info("config", fmt.Sprintf("%s preset %s quality %s", s.Encoder, s.Preset, s.Quality))
}

func (r *reporter) EncodingStarted(totalFrames uint64) {
	r.emit(ProgressUpdate{
		Type:    EventTypeEncodingStarted,
		Stage:   "encoding",
		Message: fmt.Sprintf("%d frames", totalFrames),
	})
}

func (r *reporter) EncodingProgress(s draptolib.ProgressSnapshot) {
	r.emit(ProgressUpdate{
		Type:    EventTypeEncodingProgress,
		Percent: float64(s.Percent),
		Stage:   "encoding",
		ETA:     s.ETA,
		FPS:     float64(s.FPS),
	})
}

func (r *reporter) ValidationComplete(s draptolib.ValidationSummary) {
	var failed []string
	for _, step := range s.Steps {
		if !step.Passed {
			failed = append(failed, step.Name)
		}
	}
	message := "validation passed"
	if !s.Passed {
		message = "validation failed: " + strings.Join(failed, ", ")
	}
	r.emit(ProgressUpdate{Type: EventTypeValidation, Stage: "validation", Message: message, Percent: -1})
}

func (r *reporter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.emit(ProgressUpdate{
		Type:    EventTypeEncodingComplete,
		Percent: 100,
		Stage:   "encoding",
		Message: s.OutputFile,
	})
}

func (r *reporter) Warning(message string) {
	r.emit(ProgressUpdate{Type: EventTypeWarning, Message: message, Percent: -1})
}

func (r *reporter) Error(e draptolib.ReporterError) {
	message := e.Title
	if e.Message != "" {
		message += ": " + e.Message
	}
	r.emit(ProgressUpdate{Type: EventTypeError, Message: message, Percent: -1})
}

func (r *reporter) OperationComplete(message string) {
	r.info("complete", message)
}

func (r *reporter) BatchStarted(s draptolib.BatchStartInfo) {
	r.info("batch", fmt.Sprintf("%d files", s.TotalFiles))
}

func (r *reporter) FileProgress(s draptolib.FileProgressContext) {
	r.info("batch", fmt.Sprintf("file %d of %d", s.CurrentFile, s.TotalFiles))
}

func (r *reporter) BatchComplete(s draptolib.BatchSummary) {
	r.info("batch", fmt.Sprintf("%d of %d encoded", s.SuccessfulCount, s.TotalFiles))
}

var _ draptolib.Reporter = (*reporter)(nil)
