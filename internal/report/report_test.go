package report_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"matchscope/internal/queue"
	"matchscope/internal/report"
	"matchscope/internal/services"
	"matchscope/internal/stage"
	"matchscope/internal/testsupport"
)

type fakeModel struct {
	response string
	prompt   string
}

func (f *fakeModel) CompleteJSON(_ context.Context, _, user string) (string, error) {
	f.prompt = user
	return f.response, nil
}
func (f *fakeModel) HealthCheck(context.Context) error { return nil }
func (f *fakeModel) Model() string                     { return "test-model" }

type staticSource struct {
	results *queue.OrderResults
}

func (s staticSource) OrderResults(context.Context, int64) (*queue.OrderResults, error) {
	return s.results, nil
}

func sampleResults() *queue.OrderResults {
	self := &queue.MediaFile{ID: 1, Role: queue.RoleSelf, DurationSeconds: 120}
	rival := &queue.MediaFile{ID: 2, Role: queue.RoleCompetitor, Ordinal: 1, DurationSeconds: 60}
	return &queue.OrderResults{
		Order:      &queue.Order{ID: 1, OrderNumber: "MS-1"},
		MediaFiles: []*queue.MediaFile{self, rival},
		Segments: map[int64][]*queue.Segment{
			1: {{ID: 10, MediaFileID: 1, StartSeconds: 0, EndSeconds: 60}, {ID: 11, MediaFileID: 1, StartSeconds: 60, EndSeconds: 120}},
			2: {{ID: 20, MediaFileID: 2, StartSeconds: 0, EndSeconds: 60}},
		},
		Transcripts: map[int64]*queue.Transcript{
			10: {SegmentID: 10, Text: "welcome everyone", Confidence: 0.9},
			11: {SegmentID: 11, Text: "flash sale now", Confidence: 0.7},
			20: {SegmentID: 20, Text: "buy two get one", Confidence: 0.8},
		},
		Artifacts: map[int64]*queue.AnalysisArtifact{
			20: {SegmentID: 20, ResultJSON: `{"scene":"warehouse"}`, Confidence: 0.6},
		},
	}
}

func TestReportCombinesStatsAndAnalysis(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	model := &fakeModel{response: `{"summary":"competitor runs more offers"}`}
	handler := report.NewHandler(cfg, staticSource{results: sampleResults()}, model)

	outcome, err := handler.Execute(context.Background(), &stage.Job{Task: &queue.Task{OrderID: 1, Kind: queue.KindSynthesizeReport}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var doc report.Document
	if err := json.Unmarshal([]byte(outcome.ReportJSON), &doc); err != nil {
		t.Fatalf("report json: %v", err)
	}
	if doc.OrderNumber != "MS-1" || doc.Model != "test-model" || doc.GeneratedAt.IsZero() {
		t.Fatalf("unexpected header %+v", doc)
	}
	if string(doc.Analysis) != `{"summary":"competitor runs more offers"}` {
		t.Fatalf("unexpected analysis %s", doc.Analysis)
	}
	if len(doc.Streams) != 2 || doc.Streams[0].Segments != 2 || doc.Streams[0].TranscriptWords != 5 {
		t.Fatalf("unexpected stats %+v", doc.Streams)
	}
	if doc.Streams[1].Stream != "competitor1" || doc.Streams[1].MeanVisionConf != 0.6 {
		t.Fatalf("unexpected competitor stats %+v", doc.Streams[1])
	}
	for _, want := range []string{"Stream self", "Stream competitor1", "flash sale now", `{"scene":"warehouse"}`} {
		if !strings.Contains(model.prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, model.prompt)
		}
	}
}

func TestReportRejectsNonJSON(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	handler := report.NewHandler(cfg, staticSource{results: sampleResults()}, &fakeModel{response: "sorry"})
	_, err := handler.Execute(context.Background(), &stage.Job{Task: &queue.Task{OrderID: 1}})
	if services.Classify(err) != services.ClassTransient {
		t.Fatalf("expected transient failure, got %v", err)
	}
}

func TestStatsMeanConfidence(t *testing.T) {
	stats := report.Stats(sampleResults())
	if got := stats[0].MeanTranscriptConf; got < 0.79 || got > 0.81 {
		t.Fatalf("mean transcript confidence = %v", got)
	}
}
