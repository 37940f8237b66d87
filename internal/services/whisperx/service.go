package whisperx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	langpkg "matchscope/internal/language"
	"matchscope/internal/services"
	"matchscope/internal/stageexec"
)

// Service provides WhisperX transcription capabilities.
type Service struct {
	cfg          Config
	ffmpegBinary string
	runner       stageexec.Runner
}

// NewService creates a WhisperX service. A nil runner uses a process-group
// runner from stageexec.
func NewService(cfg Config, ffmpegBinary string, runner stageexec.Runner) *Service {
	if ffmpegBinary == "" {
		ffmpegBinary = FFmpegCommand
	}
	if runner == nil {
		runner = stageexec.NewRunner()
	}
	return &Service{cfg: cfg, ffmpegBinary: ffmpegBinary, runner: runner}
}

// Model returns the configured model name for logging.
func (s *Service) Model() string {
	if s.cfg.Model != "" {
		return s.cfg.Model
	}
	return DefaultModel
}

// ExtractAudio writes the first audio stream of source as a mono 16kHz WAV
// file suitable for WhisperX.
func (s *Service) ExtractAudio(ctx context.Context, source, dest string) error {
	args := []string{
		"-y",
		"-hide_banner",
		"-loglevel", "error",
		"-i", source,
		"-map", "0:a:0",
		"-vn",
		"-sn",
		"-dn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		dest,
	}
	if _, err := s.runner.Run(ctx, stageexec.Command{Binary: s.ffmpegBinary, Args: args}); err != nil {
		return fmt.Errorf("ffmpeg extract audio: %w", err)
	}
	return nil
}

// Word is a single word with timing and alignment score from WhisperX output.
type Word struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Score float64 `json:"score"`
}

// Segment is a transcribed sentence from WhisperX JSON output.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Words []Word  `json:"words"`
}

type whisperXPayload struct {
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
}

// TranscribeResult contains the result of a transcription.
type TranscribeResult struct {
	Text       string
	Confidence float64
	Language   string
	Segments   []Segment
	JSONPath   string
}

// TranscribeFile transcribes an audio file into outputDir and loads the JSON
// result. Silent audio yields an empty transcript, not an error.
func (s *Service) TranscribeFile(ctx context.Context, source, outputDir string) (TranscribeResult, error) {
	var result TranscribeResult

	if source == "" {
		return result, fmt.Errorf("transcribe: source path required")
	}
	if outputDir == "" {
		outputDir = filepath.Dir(source)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return result, fmt.Errorf("transcribe: ensure output dir: %w", err)
	}

	cmd := stageexec.Command{Binary: UVXCommand, Args: s.buildArgs(source, outputDir)}
	// Torch 2.6 defaults torch.load to weights_only, which breaks WhisperX checkpoints.
	if os.Getenv("TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD") == "" {
		cmd.Env = []string{"TORCH_FORCE_NO_WEIGHTS_ONLY_LOAD=1"}
	}
	if _, err := s.runner.Run(ctx, cmd); err != nil {
		return result, fmt.Errorf("whisperx: %w", err)
	}

	baseName := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	result.JSONPath = filepath.Join(outputDir, baseName+".json")

	payload, err := loadPayload(result.JSONPath)
	if err != nil {
		return result, services.Wrap(services.ErrExternalTool, "transcribe", "parse output", "WhisperX produced no readable transcript", err)
	}
	result.Segments = payload.Segments
	result.Language = payload.Language
	result.Text = joinText(payload.Segments)
	result.Confidence = meanScore(payload.Segments)
	return result, nil
}

// buildArgs constructs the uvx command arguments for WhisperX.
func (s *Service) buildArgs(source, outputDir string) []string {
	args := make([]string, 0, 40)

	if s.cfg.CUDAEnabled {
		args = append(args,
			"--index-url", CUDAIndexURL,
			"--extra-index-url", PypiIndexURL,
		)
	} else {
		args = append(args, "--index-url", PypiIndexURL)
	}

	args = append(args,
		"whisperx",
		source,
		"--model", s.Model(),
		"--batch_size", BatchSize,
		"--output_dir", outputDir,
		"--output_format", OutputFormat,
		"--segment_resolution", SegmentResolution,
		"--chunk_size", ChunkSize,
		"--vad_method", VADMethodSilero,
		"--vad_onset", VADOnset,
		"--vad_offset", VADOffset,
		"--beam_size", BeamSize,
		"--temperature", Temperature,
	)

	if lang := langpkg.ToISO2(s.cfg.Language); lang != "" {
		args = append(args, "--language", lang)
	}

	if s.cfg.CUDAEnabled {
		args = append(args, "--device", CUDADevice)
	} else {
		args = append(args, "--device", CPUDevice, "--compute_type", CPUComputeType)
	}
	return args
}

// LoadSegments loads segments from a WhisperX JSON file.
func LoadSegments(jsonPath string) ([]Segment, error) {
	payload, err := loadPayload(jsonPath)
	if err != nil {
		return nil, err
	}
	return payload.Segments, nil
}

func loadPayload(jsonPath string) (whisperXPayload, error) {
	var payload whisperXPayload
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return payload, err
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, fmt.Errorf("parse whisperx json: %w", err)
	}
	return payload, nil
}

func joinText(segments []Segment) string {
	var parts []string
	for _, seg := range segments {
		if text := strings.TrimSpace(seg.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// meanScore averages word alignment scores. Words WhisperX could not align
// carry no score and are skipped.
func meanScore(segments []Segment) float64 {
	var (
		total float64
		count int
	)
	for _, seg := range segments {
		for _, w := range seg.Words {
			if w.Score <= 0 {
				continue
			}
			total += w.Score
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
