package segmenter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"matchscope/internal/config"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
)

// Handler cuts a captured media file into segments.
type Handler struct {
	ffmpeg string
	length float64
	runner stageexec.Runner
	store  storage.Store
}

// NewHandler constructs the segment stage.
func NewHandler(cfg *config.Config, runner stageexec.Runner, store storage.Store) *Handler {
	return &Handler{
		ffmpeg: cfg.Stages.FFmpegBinary,
		length: float64(cfg.Stages.SegmentLength),
		runner: runner,
		store:  store,
	}
}

func (h *Handler) Kind() queue.TaskKind { return queue.KindSegment }
func (h *Handler) Class() stage.Class   { return stage.ClassLight }

func (h *Handler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	media := job.MediaFile
	if media == nil || media.ArtifactKey == "" {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "segment", "load media", "no transcoded file to segment", nil)
	}
	ranges := Plan(media.DurationSeconds, h.length)
	if len(ranges) == 0 {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "segment", "plan",
			fmt.Sprintf("%s has no duration", media.Label()), nil)
	}

	dir := filepath.Join(job.WorkDir, "segments", media.Label())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "segment", "prepare workdir", "work directory not writable", err)
	}
	input, err := h.store.Get(ctx, media.ArtifactKey, dir)
	if err != nil {
		return queue.Outcome{}, err
	}

	results := make([]queue.SegmentResult, 0, len(ranges))
	for _, r := range ranges {
		output := filepath.Join(dir, fmt.Sprintf("%s-%03d%s", media.Label(), r.Ordinal, filepath.Ext(input)))
		if err := h.cut(ctx, input, output, r); err != nil {
			return queue.Outcome{}, err
		}
		locator, err := h.store.Put(ctx, output, storage.Key(job.Order.ID, media.Label()+"-segments", output))
		if err != nil {
			return queue.Outcome{}, err
		}
		results = append(results, queue.SegmentResult{
			Ordinal:      r.Ordinal,
			StartSeconds: r.Start,
			EndSeconds:   r.End,
			StorageKey:   locator,
		})
		job.ReportProgress(float64(r.Ordinal+1)/float64(len(ranges))*100, fmt.Sprintf("segment %d of %d", r.Ordinal+1, len(ranges)))
	}
	return queue.Outcome{
		Segments: results,
		Summary:  fmt.Sprintf("%d segments of %s", len(results), media.Label()),
	}, nil
}

func (h *Handler) cut(ctx context.Context, input, output string, r Range) error {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error", "-nostdin",
		"-ss", formatSeconds(r.Start),
		"-i", input,
		"-t", formatSeconds(r.Length()),
		"-map", "0",
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		output,
	}
	if _, err := h.runner.Run(ctx, stageexec.Command{Binary: h.ffmpeg, Args: args}); err != nil {
		return fmt.Errorf("cut segment %d: %w", r.Ordinal, err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	return stage.BinaryHealth("segment", h.ffmpeg)
}

var _ stage.Handler = (*Handler)(nil)
