package stage

import (
	"context"
	"log/slog"

	"matchscope/internal/queue"
)

// Class separates resource-heavy stages, which pass admission control, from
// light ones that always run.
type Class string

const (
	ClassHeavy Class = "heavy"
	ClassLight Class = "light"
)

// ProgressFunc receives stage progress in percent with a short message.
type ProgressFunc func(percent float64, message string)

// Job is everything a handler needs to execute one claimed task.
type Job struct {
	Task      *queue.Task
	Order     *queue.Order
	MediaFile *queue.MediaFile
	Segment   *queue.Segment
	WorkDir   string
	Logger    *slog.Logger
	Progress  ProgressFunc
}

// ReportProgress forwards to the job's progress callback when one is set.
func (j *Job) ReportProgress(percent float64, message string) {
	if j == nil || j.Progress == nil {
		return
	}
	j.Progress(percent, message)
}

// Handler describes the contract the dispatcher needs from each stage.
type Handler interface {
	Kind() queue.TaskKind
	Class() Class
	Execute(context.Context, *Job) (queue.Outcome, error)
	HealthCheck(context.Context) Health
}
