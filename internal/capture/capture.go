package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"matchscope/internal/config"
	"matchscope/internal/fileutil"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
)

// Handler records one media file's capture URL.
type Handler struct {
	ffmpeg      string
	maxDuration time.Duration
	runner      stageexec.Runner
	store       storage.Store
	now         func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the time source used for recording progress.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs the capture stage.
func NewHandler(cfg *config.Config, runner stageexec.Runner, store storage.Store, opts ...Option) *Handler {
	h := &Handler{
		ffmpeg:      cfg.Stages.FFmpegBinary,
		maxDuration: time.Duration(cfg.Stages.CaptureMaxDuration) * time.Second,
		runner:      runner,
		store:       store,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Kind() queue.TaskKind { return queue.KindCapture }
func (h *Handler) Class() stage.Class   { return stage.ClassHeavy }

// Execute records the stream into the job work directory. A stream that ends
// before the maximum duration is a complete capture. Progress is wall-clock
// time since recording started against the maximum duration; ffmpeg progress
// lines only set the reporting cadence.
func (h *Handler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	media := job.MediaFile
	if media == nil {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "capture", "load media", "capture task has no media file", nil)
	}
	url := strings.TrimSpace(media.CaptureURL)
	if url == "" {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "capture", "resolve url",
			fmt.Sprintf("%s has no capture URL", media.Label()), nil)
	}
	if err := os.MkdirAll(job.WorkDir, 0o755); err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "capture", "prepare workdir", "work directory not writable", err)
	}
	output := filepath.Join(job.WorkDir, media.Label()+".ts")
	if err := fileutil.RemoveIfExists(output); err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "capture", "prepare workdir", "stale recording not removable", err)
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	args = append(args, stageexec.FFmpegProgressArgs...)
	args = append(args,
		"-i", url,
		"-t", strconv.Itoa(int(h.maxDuration.Seconds())),
		"-map", "0:v:0?",
		"-map", "0:a:0?",
		"-c", "copy",
		"-f", "mpegts",
		output,
	)

	started := h.now()
	job.ReportProgress(0, "recording "+media.Label())
	cmd := stageexec.Command{
		Binary: h.ffmpeg,
		Args:   args,
		Dir:    job.WorkDir,
		OnLine: func(line string) {
			if _, ok := stageexec.ParseFFmpegProgress(line); !ok {
				return
			}
			elapsed := h.now().Sub(started)
			job.ReportProgress(stageexec.Percent(elapsed, h.maxDuration), fmt.Sprintf("recording for %s", elapsed.Truncate(time.Second)))
		},
	}
	if _, err := h.runner.Run(ctx, cmd); err != nil {
		return queue.Outcome{}, fmt.Errorf("capture %s: %w", media.Label(), err)
	}

	size, err := fileutil.FileSize(output)
	if err != nil || size == 0 {
		return queue.Outcome{}, services.Wrap(services.ErrExternalTool, "capture", "verify recording",
			fmt.Sprintf("ffmpeg produced no recording for %s", media.Label()), err)
	}

	locator, err := h.store.Put(ctx, output, storage.Key(job.Order.ID, media.Label(), output))
	if err != nil {
		return queue.Outcome{}, err
	}
	return queue.Outcome{
		ArtifactKey: locator,
		Summary:     fmt.Sprintf("captured %s (%d bytes)", media.Label(), size),
	}, nil
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	return stage.BinaryHealth("capture", h.ffmpeg)
}

var _ stage.Handler = (*Handler)(nil)
