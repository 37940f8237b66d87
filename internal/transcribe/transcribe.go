package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"matchscope/internal/config"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/services/whisperx"
	"matchscope/internal/stage"
	"matchscope/internal/stageexec"
	"matchscope/internal/storage"
)

// Cue is one timestamped line, offset into the media file rather than the
// segment.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Handler transcribes segments.
type Handler struct {
	service *whisperx.Service
	store   storage.Store
}

// NewHandler constructs the transcribe stage.
func NewHandler(cfg *config.Config, runner stageexec.Runner, store storage.Store) *Handler {
	service := whisperx.NewService(whisperx.Config{
		Model:       cfg.Stages.WhisperXModel,
		Language:    cfg.Stages.WhisperXLanguage,
		CUDAEnabled: cfg.Stages.WhisperXCUDA,
	}, cfg.Stages.FFmpegBinary, runner)
	return &Handler{service: service, store: store}
}

func (h *Handler) Kind() queue.TaskKind { return queue.KindTranscribe }
func (h *Handler) Class() stage.Class   { return stage.ClassLight }

func (h *Handler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	seg := job.Segment
	if seg == nil || seg.StorageKey == "" {
		return queue.Outcome{}, services.Wrap(services.ErrValidation, "transcribe", "load segment", "transcribe task has no stored segment", nil)
	}
	dir := filepath.Join(job.WorkDir, "transcribe", fmt.Sprintf("segment-%d", seg.ID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "transcribe", "prepare workdir", "work directory not writable", err)
	}
	input, err := h.store.Get(ctx, seg.StorageKey, dir)
	if err != nil {
		return queue.Outcome{}, err
	}

	job.ReportProgress(0, "extracting audio")
	audio := filepath.Join(dir, "audio.wav")
	if err := h.service.ExtractAudio(ctx, input, audio); err != nil {
		return queue.Outcome{}, err
	}
	job.ReportProgress(20, "transcribing with "+h.service.Model())
	result, err := h.service.TranscribeFile(ctx, audio, dir)
	if err != nil {
		return queue.Outcome{}, err
	}

	cues := make([]Cue, 0, len(result.Segments))
	for _, s := range result.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		cues = append(cues, Cue{Start: seg.StartSeconds + s.Start, End: seg.StartSeconds + s.End, Text: text})
	}
	cuesJSON, err := json.Marshal(cues)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("encode cues: %w", err)
	}
	job.ReportProgress(100, "transcribed")
	return queue.Outcome{
		Transcript: &queue.TranscriptResult{
			Text:       result.Text,
			Confidence: result.Confidence,
			CuesJSON:   string(cuesJSON),
		},
		Summary: fmt.Sprintf("%d cues, confidence %.2f", len(cues), result.Confidence),
	}, nil
}

func (h *Handler) HealthCheck(context.Context) stage.Health {
	return stage.BinaryHealth("transcribe", whisperx.UVXCommand)
}

var _ stage.Handler = (*Handler)(nil)
