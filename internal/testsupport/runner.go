package testsupport

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"matchscope/internal/stageexec"
)

// FakeRunner records commands and answers them with Script. With no Script it
// writes a small file at the last argument, standing in for ffmpeg output.
type FakeRunner struct {
	mu       sync.Mutex
	Commands []stageexec.Command
	Script   func(cmd stageexec.Command) (stageexec.Result, error)
}

// Run implements stageexec.Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd stageexec.Command) (stageexec.Result, error) {
	f.mu.Lock()
	f.Commands = append(f.Commands, cmd)
	script := f.Script
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return stageexec.Result{}, err
	}
	if script != nil {
		return script(cmd)
	}
	if len(cmd.Args) > 0 {
		if err := WriteOutput(cmd.Args[len(cmd.Args)-1], "media"); err != nil {
			return stageexec.Result{ExitCode: 1}, err
		}
	}
	return stageexec.Result{}, nil
}

// Calls returns a copy of the recorded commands.
func (f *FakeRunner) Calls() []stageexec.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stageexec.Command(nil), f.Commands...)
}

// WriteOutput writes content to path, creating parent directories.
func WriteOutput(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// ArgValue returns the argument following flag, or "".
func ArgValue(t testing.TB, args []string, flag string) string {
	t.Helper()
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
