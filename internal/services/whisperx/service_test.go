package whisperx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"matchscope/internal/services"
	"matchscope/internal/stageexec"
)

type fakeRunner struct {
	commands []stageexec.Command
	payload  string
	err      error
}

func (f *fakeRunner) Run(_ context.Context, cmd stageexec.Command) (stageexec.Result, error) {
	f.commands = append(f.commands, cmd)
	if f.err != nil {
		return stageexec.Result{ExitCode: 1}, f.err
	}
	if cmd.Binary == UVXCommand && f.payload != "" {
		outDir := argValue(cmd.Args, "--output_dir")
		source := cmd.Args[slices.Index(cmd.Args, "whisperx")+1]
		base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
		if err := os.WriteFile(filepath.Join(outDir, base+".json"), []byte(f.payload), 0o644); err != nil {
			return stageexec.Result{}, err
		}
	}
	return stageexec.Result{}, nil
}

func argValue(args []string, flag string) string {
	idx := slices.Index(args, flag)
	if idx < 0 || idx+1 >= len(args) {
		return ""
	}
	return args[idx+1]
}

func TestTranscribeFileLoadsJSON(t *testing.T) {
	runner := &fakeRunner{payload: `{"language":"en","segments":[
		{"text":" GG well played ","start":0,"end":2,"words":[{"word":"GG","score":0.9},{"word":"well","score":0.7}]},
		{"text":"next round","start":2,"end":4,"words":[{"word":"next","score":0.8},{"word":"round"}]}
	]}`}
	svc := NewService(Config{Language: "english"}, "", runner)

	dir := t.TempDir()
	result, err := svc.TranscribeFile(context.Background(), filepath.Join(dir, "self.wav"), filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if result.Text != "GG well played next round" {
		t.Fatalf("unexpected text %q", result.Text)
	}
	if result.Confidence < 0.799 || result.Confidence > 0.801 {
		t.Fatalf("expected mean score 0.8, got %v", result.Confidence)
	}
	if len(result.Segments) != 2 || result.Language != "en" {
		t.Fatalf("unexpected result %+v", result)
	}

	cmd := runner.commands[0]
	if got := argValue(cmd.Args, "--language"); got != "en" {
		t.Fatalf("expected --language en, got %q", got)
	}
	if got := argValue(cmd.Args, "--device"); got != CPUDevice {
		t.Fatalf("expected cpu device, got %q", got)
	}
	if got := argValue(cmd.Args, "--model"); got != DefaultModel {
		t.Fatalf("expected default model, got %q", got)
	}
}

func TestBuildArgsCUDA(t *testing.T) {
	svc := NewService(Config{Model: "medium", CUDAEnabled: true}, "", &fakeRunner{})
	args := svc.buildArgs("/tmp/a.wav", "/tmp/out")
	if argValue(args, "--index-url") != CUDAIndexURL {
		t.Fatalf("expected CUDA index, got %v", args)
	}
	if argValue(args, "--device") != CUDADevice {
		t.Fatalf("expected cuda device, got %v", args)
	}
	if slices.Contains(args, "--compute_type") {
		t.Fatalf("compute_type is CPU only: %v", args)
	}
	if slices.Contains(args, "--language") {
		t.Fatalf("empty language should let WhisperX detect: %v", args)
	}
}

func TestTranscribeFileMissingOutput(t *testing.T) {
	svc := NewService(Config{}, "", &fakeRunner{})
	dir := t.TempDir()
	_, err := svc.TranscribeFile(context.Background(), filepath.Join(dir, "a.wav"), dir)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
}

func TestTranscribeFilePropagatesRunnerError(t *testing.T) {
	svc := NewService(Config{}, "", &fakeRunner{err: services.ErrTimeout})
	dir := t.TempDir()
	_, err := svc.TranscribeFile(context.Background(), filepath.Join(dir, "a.wav"), dir)
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestExtractAudioArgs(t *testing.T) {
	runner := &fakeRunner{}
	svc := NewService(Config{}, "/opt/ffmpeg", runner)
	if err := svc.ExtractAudio(context.Background(), "in.mkv", "out.wav"); err != nil {
		t.Fatalf("ExtractAudio: %v", err)
	}
	cmd := runner.commands[0]
	if cmd.Binary != "/opt/ffmpeg" {
		t.Fatalf("unexpected binary %q", cmd.Binary)
	}
	if argValue(cmd.Args, "-ar") != "16000" || argValue(cmd.Args, "-ac") != "1" {
		t.Fatalf("unexpected args %v", cmd.Args)
	}
	if cmd.Args[len(cmd.Args)-1] != "out.wav" {
		t.Fatalf("dest must be last: %v", cmd.Args)
	}
}
