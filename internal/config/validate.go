package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateAdmission(); err != nil {
		return err
	}
	if err := c.validateStages(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateBilling(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateWorkflow() error {
	if err := ensurePositiveMap(map[string]int{
		"workflow.worker_count":         c.Workflow.WorkerCount,
		"workflow.max_attempts":         c.Workflow.MaxAttempts,
		"workflow.poll_interval":        c.Workflow.PollInterval,
		"workflow.batch_size":           c.Workflow.BatchSize,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
	}); err != nil {
		return err
	}
	if c.Workflow.WorkDirRetentionHours < 0 {
		return errors.New("workflow.work_dir_retention_hours must be >= 0")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= 0 {
		return errors.New("workflow.heartbeat_timeout must be positive")
	}
	if c.Workflow.HeartbeatTimeout <= c.Workflow.HeartbeatInterval {
		return errors.New("workflow.heartbeat_timeout must be greater than workflow.heartbeat_interval")
	}
	if spec := strings.TrimSpace(c.Workflow.DispatchSchedule); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("workflow.dispatch_schedule: %w", err)
		}
	}
	return nil
}

func (c *Config) validateAdmission() error {
	if c.Admission.MinFreeMemoryMiB < 0 {
		return errors.New("admission.min_free_memory_mib must be >= 0")
	}
	if c.Admission.MaxLoadAverage < 0 {
		return errors.New("admission.max_load_average must be >= 0")
	}
	if c.Admission.MinFreeDiskGiB < 0 {
		return errors.New("admission.min_free_disk_gib must be >= 0")
	}
	if c.Admission.MaxHeavyStages < 0 {
		return errors.New("admission.max_heavy_stages must be >= 0")
	}
	return nil
}

func (c *Config) validateStages() error {
	if err := ensurePositiveMap(map[string]int{
		"stages.capture_max_duration": c.Stages.CaptureMaxDuration,
		"stages.processing_timeout":   c.Stages.ProcessingTimeout,
		"stages.segment_length":       c.Stages.SegmentLength,
		"stages.frames_per_segment":   c.Stages.FramesPerSegment,
	}); err != nil {
		return err
	}
	if c.Stages.TimeoutGrace < 0 {
		return errors.New("stages.timeout_grace must be >= 0")
	}
	switch c.Stages.TranscodeBackend {
	case TranscodeBackendFFmpeg, TranscodeBackendDrapto:
	default:
		return fmt.Errorf("stages.transcode_backend: unsupported value %q", c.Stages.TranscodeBackend)
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageBackendLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return errors.New("storage.local_dir must be set when storage.backend is local")
		}
	case StorageBackendS3:
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			return errors.New("storage.bucket must be set when storage.backend is s3")
		}
		if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
			return errors.New("storage.access_key_id and storage.secret_access_key must be set together (or use MATCHSCOPE_S3_ACCESS_KEY_ID / MATCHSCOPE_S3_SECRET_ACCESS_KEY)")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateBilling() error {
	if c.Billing.OrderCost < 0 {
		return errors.New("billing.order_cost must be >= 0")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	if c.Notifications.RequestTimeout < 0 {
		return errors.New("notifications.request_timeout must be >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
