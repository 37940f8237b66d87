package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"matchscope/internal/config"
	"matchscope/internal/queue"
	"matchscope/internal/services"
	"matchscope/internal/services/llm"
	"matchscope/internal/stage"
)

// Source loads everything an order produced.
type Source interface {
	OrderResults(ctx context.Context, orderID int64) (*queue.OrderResults, error)
}

// Model is the subset of the LLM client the report stage uses.
type Model interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	HealthCheck(ctx context.Context) error
	Model() string
}

const systemPrompt = `You are a live-commerce strategist comparing a seller's stream with competitor streams.
Using the transcripts and visual analyses provided, respond with a single JSON object with keys:
"summary" (string), "self_strengths" (array of strings), "self_weaknesses" (array of strings),
"competitor_insights" (array of objects with "stream" and "highlights"),
"recommendations" (array of objects with "title", "detail" and "priority"),
"optimal_script" (string outlining an improved stream run-of-show).`

// maxTranscriptChars bounds each segment's transcript in the prompt.
const maxTranscriptChars = 1500

// StreamStats summarizes one media file in the stored report.
type StreamStats struct {
	Stream             string  `json:"stream"`
	Role               string  `json:"role"`
	DurationSeconds    float64 `json:"duration_seconds"`
	Segments           int     `json:"segments"`
	TranscriptWords    int     `json:"transcript_words"`
	MeanTranscriptConf float64 `json:"mean_transcript_confidence"`
	MeanVisionConf     float64 `json:"mean_vision_confidence"`
}

// Document is the stored report.
type Document struct {
	OrderNumber string          `json:"order_number"`
	GeneratedAt time.Time       `json:"generated_at"`
	Model       string          `json:"model"`
	Streams     []StreamStats   `json:"streams"`
	Analysis    json.RawMessage `json:"analysis"`
}

// Handler synthesizes the order report.
type Handler struct {
	source Source
	model  Model
	now    func() time.Time
}

// NewHandler constructs the report stage. A nil model builds an LLM client
// from the report settings.
func NewHandler(cfg *config.Config, source Source, model Model) *Handler {
	if model == nil {
		r := cfg.ReportLLM()
		model = llm.NewClient(llm.Config{
			APIKey:         r.APIKey,
			BaseURL:        r.BaseURL,
			Model:          r.Model,
			Referer:        r.Referer,
			Title:          r.Title,
			TimeoutSeconds: r.TimeoutSeconds,
		})
	}
	return &Handler{source: source, model: model, now: time.Now}
}

func (h *Handler) Kind() queue.TaskKind { return queue.KindSynthesizeReport }
func (h *Handler) Class() stage.Class   { return stage.ClassLight }

func (h *Handler) Execute(ctx context.Context, job *stage.Job) (queue.Outcome, error) {
	results, err := h.source.OrderResults(ctx, job.Task.OrderID)
	if err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrInfrastructure, "report", "load results", "order results unavailable", err)
	}
	stats := Stats(results)
	job.ReportProgress(10, "gathered results")

	raw, err := h.model.CompleteJSON(ctx, systemPrompt, BuildPrompt(results))
	if err != nil {
		return queue.Outcome{}, err
	}
	compact, err := llm.CompactJSON(raw)
	if err != nil {
		return queue.Outcome{}, services.Wrap(services.ErrTransient, "report", "decode response", "report model returned invalid JSON", err)
	}

	doc := Document{
		OrderNumber: results.Order.OrderNumber,
		GeneratedAt: h.now().UTC(),
		Model:       h.model.Model(),
		Streams:     stats,
		Analysis:    json.RawMessage(compact),
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return queue.Outcome{}, fmt.Errorf("encode report: %w", err)
	}
	job.ReportProgress(100, "report ready")
	return queue.Outcome{
		ReportJSON: string(encoded),
		Summary:    fmt.Sprintf("report over %d streams", len(stats)),
	}, nil
}

// Stats computes per-stream statistics from order results.
func Stats(results *queue.OrderResults) []StreamStats {
	stats := make([]StreamStats, 0, len(results.MediaFiles))
	for _, media := range results.MediaFiles {
		s := StreamStats{
			Stream:          media.Label(),
			Role:            string(media.Role),
			DurationSeconds: media.DurationSeconds,
		}
		var tConf, vConf float64
		var tCount, vCount int
		for _, seg := range results.Segments[media.ID] {
			s.Segments++
			if tr := results.Transcripts[seg.ID]; tr != nil {
				s.TranscriptWords += len(strings.Fields(tr.Text))
				tConf += tr.Confidence
				tCount++
			}
			if a := results.Artifacts[seg.ID]; a != nil {
				vConf += a.Confidence
				vCount++
			}
		}
		if tCount > 0 {
			s.MeanTranscriptConf = tConf / float64(tCount)
		}
		if vCount > 0 {
			s.MeanVisionConf = vConf / float64(vCount)
		}
		stats = append(stats, s)
	}
	return stats
}

// BuildPrompt renders the order results as the report model's user prompt.
func BuildPrompt(results *queue.OrderResults) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Order %s. The \"self\" stream belongs to the seller; the others are competitors.\n", results.Order.OrderNumber)
	for _, media := range results.MediaFiles {
		fmt.Fprintf(&b, "\n## Stream %s (%.0f seconds)\n", media.Label(), media.DurationSeconds)
		for _, seg := range results.Segments[media.ID] {
			fmt.Fprintf(&b, "\n### %.0fs-%.0fs\n", seg.StartSeconds, seg.EndSeconds)
			if tr := results.Transcripts[seg.ID]; tr != nil && strings.TrimSpace(tr.Text) != "" {
				fmt.Fprintf(&b, "Transcript: %s\n", truncate(strings.TrimSpace(tr.Text), maxTranscriptChars))
			}
			if a := results.Artifacts[seg.ID]; a != nil {
				fmt.Fprintf(&b, "Visual: %s\n", a.ResultJSON)
			}
		}
	}
	return b.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}

func (h *Handler) HealthCheck(ctx context.Context) stage.Health {
	if err := h.model.HealthCheck(ctx); err != nil {
		return stage.Unhealthy("report", services.Summary(err))
	}
	return stage.Healthy("report")
}

var _ stage.Handler = (*Handler)(nil)
