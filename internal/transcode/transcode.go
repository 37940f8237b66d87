package transcode

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"matchscope/internal/config"
	"matchscope/internal/logging"
	"matchscope/internal/media/ffprobe"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/services/drapto"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
)

// Prober inspects a media file.
type Prober func(ctx context.Context, binary, path string) (ffprobe.Result, error)

// Option customizes a Handler.
type Option func(*Handler)

// WithProber replaces ffprobe.Inspect.
func WithProber(p Prober) Option {
	return func(h *Handler) {
		if p != nil {
			h.probe = p
		}
	}
}

// WithDrapto sets the client used by the drapto backend.
func WithDrapto(client drapto.Client) Option {
	return func(h *Handler) {
		h.drapto = client
	}
}

// Handler transcodes captured recordings.
type Handler struct {
	backend string
	ffmpeg  string
	ffprobe string
	runner  stageexec.Runner
	store   storage.Store
	probe   Prober
	drapto  drapto.Client
}

// NewHandler constructs the transcode stage for the configured backend.
func NewHandler(cfg *config.Config, runner stageexec.Runner, store storage.Store, opts ...Option) *Handler {
	h := &Handler{
		backend: cfg.Stages.TranscodeBackend,
		ffmpeg:  cfg.Stages.FFmpegBinary,
		ffprobe: cfg.Stages.FFprobeBinary,
		runner:  runner,
		store:   store,
		probe:   ffprobe.Inspect,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.backend == config.TranscodeBackendDrapto && h.drapto == nil {
		h.drapto = drapto.NewLibrary()
	}
	return h
}

func (h *Handler) Kind() queue.TaskKind { return queue.KindTranscode }
func (h *Handler) Class() stage.Class   { return stage.ClassHeavy }

// Execute fetches the captured recording, transcodes it and uploads the result.
func (h *Handler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	media := job.MediaFile
	if media == nil || media.ArtifactKey == "" {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "transcode", "load media", "no captured recording to transcode", nil)
	}
	inputDir := filepath.Join(job.WorkDir, "captured")
	outputDir := filepath.Join(job.WorkDir, "encoded")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "transcode", "prepare workdir", "work directory not writable", err)
		}
	}

	input, err := h.store.Get(ctx, media.ArtifactKey, inputDir)
	if err != nil {
		return queue.Outcome{}, err
	}

	var output string
	switch h.backend {
	case config.TranscodeBackendDrapto:
		output, err = h.encodeDrapto(ctx, job, input, outputDir)
	default:
		output, err = h.encodeFFmpeg(ctx, job, input, filepath.Join(outputDir, media.Label()+".mp4"))
	}
	if err != nil {
		return queue.Outcome{}, err
	}

	probed, err := h.probe(ctx, h.ffprobe, output)
	if err != nil {
		return queue.Outcome{}, err
	}
	summary, err := probed.Summarize()
	if err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrExternalTool, "transcode", "validate output", "transcoded file is not playable", err)
	}

	locator, err := h.store.Put(ctx, output, storage.Key(job.Order.ID, media.Label(), output))
	if err != nil {
		return queue.Outcome{}, err
	}
	job.ReportProgress(100, "transcoded "+media.Label())
	return queue.Outcome{
		ArtifactKey: locator,
		Probe: &queue.MediaProbe{
			DurationSeconds: summary.DurationSeconds,
			Width:           summary.Width,
			Height:          summary.Height,
			SizeBytes:       summary.SizeBytes,
		},
		Summary: fmt.Sprintf("%s %dx%d %.1fs", summary.VideoCodec, summary.Width, summary.Height, summary.DurationSeconds),
	}, nil
}

func (h *Handler) encodeFFmpeg(ctx context.Context, job *stage.Job, input, output string) (string, error) {
	var total time.Duration
	if probed, err := h.probe(ctx, h.ffprobe, input); err == nil {
		total = time.Duration(probed.DurationSeconds() * float64(time.Second))
	}

	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	args = append(args, stageexec.FFmpegProgressArgs...)
	args = append(args,
		"-i", input,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		"-movflags", "+faststart",
		output,
	)
	cmd := stageexec.Command{
		Binary: h.ffmpeg,
		Args:   args,
		OnLine: func(line string) {
			if pos, ok := stageexec.ParseFFmpegProgress(line); ok && total > 0 {
				job.ReportProgress(stageexec.Percent(pos, total), "encoding")
			}
		},
	}
	if _, err := h.runner.Run(ctx, cmd); err != nil {
		return "", fmt.Errorf("transcode: %w", err)
	}
	return output, nil
}

func (h *Handler) encodeDrapto(ctx context.Context, job *stage.Job, input, outputDir string) (string, error) {
	return h.drapto.Encode(ctx, input, outputDir, func(update drapto.ProgressUpdate) {
		if update.Percent >= 0 {
			job.ReportProgress(update.Percent, update.Stage)
		} else if update.Type == drapto.EventTypeWarning && job.Logger != nil {
			job.Logger.Warn("drapto warning", logging.String(logging.FieldEventType, "drapto_warning"), logging.String("detail", update.Message))
		}
	})
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	if health := stage.BinaryHealth("transcode", h.ffprobe); !health.Ready {
		return health
	}
	return stage.BinaryHealth("transcode", h.ffmpeg)
}

var _ stage.Handler = (*Handler)(nil)
