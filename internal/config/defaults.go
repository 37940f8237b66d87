package config

const (
	StorageBackendLocal = "local"
	StorageBackendS3    = "s3"

	TranscodeBackendFFmpeg = "ffmpeg"
	TranscodeBackendDrapto = "drapto"
)

const (
	defaultDataDir  = "~/.local/share/matchscope"
	defaultWorkDir  = "~/.local/share/matchscope/work"
	defaultLogDir   = "~/.local/share/matchscope/logs"
	defaultStoreDir = "~/.local/share/matchscope/artifacts"

	defaultLLMBaseURL = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel   = "google/gemini-3-flash-preview"
	defaultLLMReferer = "https://github.com/matchscope/matchscope"
	defaultLLMTitle   = "matchscope"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			WorkDir: defaultWorkDir,
			LogDir:  defaultLogDir,
		},
		Workflow: Workflow{
			WorkerCount:           4,
			MaxAttempts:           3,
			DefaultPriority:       0,
			PollInterval:          5,
			BatchSize:             8,
			HeartbeatInterval:     15,
			HeartbeatTimeout:      120,
			ErrorRetryInterval:    10,
			WorkDirRetentionHours: 72,
		},
		Admission: Admission{
			MinFreeMemoryMiB: 2048,
			MaxLoadAverage:   0,
			MinFreeDiskGiB:   10,
			MaxHeavyStages:   2,
		},
		Stages: Stages{
			CaptureMaxDuration: 4 * 60 * 60,
			ProcessingTimeout:  2 * 60 * 60,
			TimeoutGrace:       300,
			SegmentLength:      600,
			FFmpegBinary:       "ffmpeg",
			FFprobeBinary:      "ffprobe",
			TranscodeBackend:   TranscodeBackendFFmpeg,
			WhisperXModel:      "large-v3",
			WhisperXLanguage:   "zh",
			FramesPerSegment:   4,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: 120,
		},
		Storage: Storage{
			Backend:  StorageBackendLocal,
			LocalDir: defaultStoreDir,
			Region:   "auto",
		},
		Billing: Billing{
			OrderCost: 100,
			Currency:  "credits",
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			OrderCompleted: true,
			OrderFailed:    true,
		},
		Logging: Logging{
			Format:        "console",
			Level:         "info",
			RetentionDays: 60,
		},
	}
}
