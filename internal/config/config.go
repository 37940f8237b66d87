package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	WorkDir string `toml:"work_dir"`
	LogDir  string `toml:"log_dir"`
}

// Workflow contains dispatcher sizing and timing.
type Workflow struct {
	WorkerCount        int    `toml:"worker_count"`
	MaxAttempts        int    `toml:"max_attempts"`
	DefaultPriority    int    `toml:"default_priority"`
	PollInterval       int    `toml:"poll_interval"`
	DispatchSchedule   string `toml:"dispatch_schedule"`
	BatchSize          int    `toml:"batch_size"`
	HeartbeatInterval  int    `toml:"heartbeat_interval"`
	HeartbeatTimeout   int    `toml:"heartbeat_timeout"`
	ErrorRetryInterval int    `toml:"error_retry_interval"`
	// WorkDirRetentionHours bounds how long scratch directories of unknown or
	// abandoned orders survive. Zero disables age-based cleanup.
	WorkDirRetentionHours int `toml:"work_dir_retention_hours"`
}

// Admission contains host resource thresholds for heavy stages.
type Admission struct {
	MinFreeMemoryMiB int     `toml:"min_free_memory_mib"`
	MaxLoadAverage   float64 `toml:"max_load_average"`
	MinFreeDiskGiB   float64 `toml:"min_free_disk_gib"`
	MaxHeavyStages   int     `toml:"max_heavy_stages"`
}

// Stages contains stage executor settings.
type Stages struct {
	CaptureMaxDuration int    `toml:"capture_max_duration"`
	ProcessingTimeout  int    `toml:"processing_timeout"`
	TimeoutGrace       int    `toml:"timeout_grace"`
	SegmentLength      int    `toml:"segment_length"`
	FFmpegBinary       string `toml:"ffmpeg_binary"`
	FFprobeBinary      string `toml:"ffprobe_binary"`
	TranscodeBackend   string `toml:"transcode_backend"`
	WhisperXModel      string `toml:"whisperx_model"`
	WhisperXLanguage   string `toml:"whisperx_language"`
	WhisperXCUDA       bool   `toml:"whisperx_cuda_enabled"`
	FramesPerSegment   int    `toml:"frames_per_segment"`
}

// LLM contains OpenAI-compatible connection settings for vision and report stages.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	VisionModel    string `toml:"vision_model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Storage selects where stage artifacts are persisted.
type Storage struct {
	Backend         string `toml:"backend"`
	LocalDir        string `toml:"local_dir"`
	Bucket          string `toml:"bucket"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	Prefix          string `toml:"prefix"`
}

// Billing contains ledger settings.
type Billing struct {
	OrderCost int64  `toml:"order_cost"`
	Currency  string `toml:"currency"`
}

// Notifications contains ntfy settings for order alerts.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	OrderCompleted bool   `toml:"order_completed"`
	OrderFailed    bool   `toml:"order_failed"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for matchscope.
//
// Configuration sections by subsystem:
//   - Paths: database, scratch and log directories
//   - Workflow: dispatcher workers, retries, heartbeats and scheduling
//   - Admission: resource thresholds gating capture and transcode
//   - Stages: external tool binaries, timeouts and segmenting
//   - LLM: vision and report model access
//   - Storage: local or S3 artifact storage
//   - Billing: per-order charge
//   - Notifications: ntfy alerts for finished and failed orders
//   - Logging: log format, level, and retention
type Config struct {
	Paths         Paths         `toml:"paths"`
	Workflow      Workflow      `toml:"workflow"`
	Admission     Admission     `toml:"admission"`
	Stages        Stages        `toml:"stages"`
	LLM           LLM           `toml:"llm"`
	Storage       Storage       `toml:"storage"`
	Billing       Billing       `toml:"billing"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/matchscope/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadDotEnv(resolvedPath); err != nil {
		return nil, "", false, err
	}
	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

// loadDotEnv reads .env files beside the config and in the working directory.
// Variables already present in the environment win.
func loadDotEnv(configPath string) error {
	candidates := []string{".env"}
	if configPath != "" {
		candidates = append([]string{filepath.Join(filepath.Dir(configPath), ".env")}, candidates...)
	}
	seen := map[string]struct{}{}
	for _, candidate := range candidates {
		abs, err := filepath.Abs(candidate)
		if err != nil {
			continue
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}
		if info, err := os.Stat(abs); err != nil || info.IsDir() {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("load env file %s: %w", abs, err)
		}
	}
	return nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		name   string
		target *string
	}{
		{"MATCHSCOPE_LLM_API_KEY", &c.LLM.APIKey},
		{"MATCHSCOPE_S3_ACCESS_KEY_ID", &c.Storage.AccessKeyID},
		{"MATCHSCOPE_S3_SECRET_ACCESS_KEY", &c.Storage.SecretAccessKey},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.name); ok && strings.TrimSpace(value) != "" {
			*o.target = strings.TrimSpace(value)
		}
	}
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("matchscope.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Paths.DataDir, c.Paths.WorkDir, c.Paths.LogDir}
	if c.Storage.Backend == StorageBackendLocal {
		dirs = append(dirs, c.Storage.LocalDir)
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Paths.DataDir, "matchscope.db")
}

// LockPath returns the daemon lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "matchscope.lock")
}

// OrderWorkDir returns the scratch directory for an order.
func (c *Config) OrderWorkDir(orderID int64) string {
	return filepath.Join(c.Paths.WorkDir, fmt.Sprintf("order-%d", orderID))
}

// CaptureTimeout bounds a capture stage: the maximum capture duration plus grace.
func (c *Config) CaptureTimeout() time.Duration {
	return time.Duration(c.Stages.CaptureMaxDuration+c.Stages.TimeoutGrace) * time.Second
}

// ProcessingTimeout bounds every non-capture stage.
func (c *Config) ProcessingTimeout() time.Duration {
	return time.Duration(c.Stages.ProcessingTimeout+c.Stages.TimeoutGrace) * time.Second
}

// PollInterval returns the daemon dispatch interval used when no schedule is set.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Workflow.PollInterval) * time.Second
}

// HeartbeatInterval returns how often running tasks refresh their heartbeat.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Workflow.HeartbeatInterval) * time.Second
}

// HeartbeatTimeout returns the age after which a processing task is considered stale.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Workflow.HeartbeatTimeout) * time.Second
}

// WorkDirRetention returns the age after which scratch directories are removed.
func (c *Config) WorkDirRetention() time.Duration {
	return time.Duration(c.Workflow.WorkDirRetentionHours) * time.Hour
}

// ErrorRetryInterval returns the daemon backoff after a failed dispatch cycle.
func (c *Config) ErrorRetryInterval() time.Duration {
	return time.Duration(c.Workflow.ErrorRetryInterval) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LLMConfig contains common LLM settings used across stages.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
}

// ReportLLM returns the connection settings for report synthesis.
func (c *Config) ReportLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
	}
}

// VisionLLM returns the connection settings for frame analysis.
// Falls back to the report model when no vision model is configured.
func (c *Config) VisionLLM() LLMConfig {
	cfg := c.ReportLLM()
	if model := strings.TrimSpace(c.LLM.VisionModel); model != "" {
		cfg.Model = model
	}
	return cfg
}
