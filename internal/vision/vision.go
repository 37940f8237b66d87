package vision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"matchscope/internal/config"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/services/llm"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
)

// Model is the subset of the LLM client the vision stage uses.
type Model interface {
	CompleteVisionJSON(ctx context.Context, systemPrompt, userPrompt string, imagePaths []string) (string, error)
	HealthCheck(ctx context.Context) error
}

const systemPrompt = `You analyze keyframes from a live-commerce stream.
Respond with a single JSON object with these keys:
"scene" (string), "products" (array of strings), "offers" (array of strings),
"on_screen_text" (array of strings), "host_actions" (array of strings),
"engagement_signals" (array of strings), "confidence" (number from 0 to 1).
Do not add commentary outside the JSON.`

// Handler analyzes segment keyframes.
type Handler struct {
	ffmpeg string
	frames int
	runner stageexec.Runner
	store  storage.Store
	model  Model
}

// NewHandler constructs the vision stage. A nil model builds an LLM client
// from the vision settings.
func NewHandler(cfg *config.Config, runner stageexec.Runner, store storage.Store, model Model) *Handler {
	if model == nil {
		v := cfg.VisionLLM()
		model = llm.NewClient(llm.Config{
			APIKey:         v.APIKey,
			BaseURL:        v.BaseURL,
			Model:          v.Model,
			Referer:        v.Referer,
			Title:          v.Title,
			TimeoutSeconds: v.TimeoutSeconds,
		})
	}
	frames := cfg.Stages.FramesPerSegment
	if frames <= 0 {
		frames = 1
	}
	return &Handler{
		ffmpeg: cfg.Stages.FFmpegBinary,
		frames: frames,
		runner: runner,
		store:  store,
		model:  model,
	}
}

func (h *Handler) Kind() queue.TaskKind { return queue.KindVisionAnalyze }
func (h *Handler) Class() stage.Class   { return stage.ClassLight }

func (h *Handler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	seg := job.Segment
	if seg == nil || seg.StorageKey == "" {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "vision", "load segment", "vision task has no stored segment", nil)
	}
	dir := filepath.Join(job.WorkDir, "vision", fmt.Sprintf("segment-%d", seg.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "vision", "prepare workdir", "work directory not writable", err)
	}
	input, err := h.store.Get(ctx, seg.StorageKey, dir)
	if err != nil {
		return queue.Outcome{}, err
	}

	offsets := FrameOffsets(seg.EndSeconds-seg.StartSeconds, h.frames)
	images := make([]string, 0, len(offsets))
	for i, offset := range offsets {
		frame := filepath.Join(dir, fmt.Sprintf("frame-%02d.jpg", i))
		if err := h.extractFrame(ctx, input, frame, offset); err != nil {
			return queue.Outcome{}, err
		}
		images = append(images, frame)
		job.ReportProgress(float64(i+1)/float64(len(offsets))*50, "sampled keyframes")
	}

	raw, err := h.model.CompleteVisionJSON(ctx, systemPrompt, userPrompt(job), images)
	if err != nil {
		return queue.Outcome{}, err
	}
	compact, err := llm.CompactJSON(raw)
	if err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrTransient, "vision", "decode response", "vision model returned invalid JSON", err)
	}
	var scored struct {
		Confidence float64 `json:"confidence"`
	}
	if err := llm.DecodeLLMJSON(compact, &scored); err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrTransient, "vision", "decode response", "vision model returned a non-object", err)
	}

	job.ReportProgress(100, "analyzed")
	return queue.Outcome{
		Analysis: &queue.AnalysisResult{
			ResultJSON: compact,
			Confidence: clamp01(scored.Confidence),
		},
		Summary: fmt.Sprintf("%d frames analyzed", len(images)),
	}, nil
}

func (h *Handler) extractFrame(ctx context.Context, input, output string, offset float64) error {
	args := []string{
		"-y", "-hide_banner", "-loglevel", "error", "-nostdin",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", "scale=-2:720",
		"-q:v", "3",
		output,
	}
	if _, err := h.runner.Run(ctx, stageexec.Command{Binary: h.ffmpeg, Args: args}); err != nil {
		return fmt.Errorf("extract keyframe: %w", err)
	}
	return nil
}

func userPrompt(job *stage.Job) string {
	var b strings.Builder
	b.WriteString("Describe these keyframes")
	if job.MediaFile != nil {
		fmt.Fprintf(&b, " from the %s stream", job.MediaFile.Label())
	}
	if seg := job.Segment; seg != nil {
		fmt.Fprintf(&b, " between %.0fs and %.0fs", seg.StartSeconds, seg.EndSeconds)
	}
	b.WriteString(".")
	return b.String()
}

// FrameOffsets spreads n sample points evenly through a segment of the given
// length, avoiding the exact boundaries.
func FrameOffsets(length float64, n int) []float64 {
	if n <= 0 {
		n = 1
	}
	if length <= 0 {
		return []float64{0}
	}
	offsets := make([]float64, n)
	step := length / float64(n)
	for i := range offsets {
		offsets[i] = step*float64(i) + step/2
	}
	return offsets
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if health := stage.BinaryHealth("vision", h.ffmpeg); !health.Ready {
		return health
	}
	if err := h.model.HealthCheck(ctx); err != nil {
		return stage.Unhealthy("vision", services.Summary(err))
	}
	return stage.Healthy("vision")
}

var _ stage.Handler = (*Handler)(nil)
