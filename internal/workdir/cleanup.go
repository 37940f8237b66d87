package workdir

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"matchscope/internal/logging"
	"matchscope/internal/queue"
)

// dirPrefix matches the per-order layout produced by config.OrderWorkDir.
const dirPrefix = "order-"

// StatusLookup reports the status of an order. It returns queue.ErrNotFound
// for orders the database no longer knows.
type StatusLookup func(ctx context.Context, orderID int64) (queue.OrderStatus, error)

// StoreLookup answers StatusLookup from the queue database.
func StoreLookup(store *queue.Store) StatusLookup {
	return func(ctx context.Context, orderID int64) (queue.OrderStatus, error) {
		order, err := store.GetOrder(ctx, orderID)
		if err != nil {
			return "", err
		}
		return order.Status, nil
	}
}

// Result contains the outcome of a cleanup pass.
type Result struct {
	Removed []string
	Kept    int
	Errors  []CleanupError
}

// CleanupError pairs a directory path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// Options controls which scratch directories a pass removes.
type Options struct {
	// MaxAge is how long failed, unknown or foreign directories survive.
	// Zero keeps them forever.
	MaxAge time.Duration
	DryRun bool
}

// Clean removes order scratch directories that no running stage can need.
// Directories of completed orders go immediately. Failed orders keep theirs
// for MaxAge so an operator reset can reuse partial output. Directories with
// no matching order, or names outside the order layout, are removed once
// older than MaxAge. Active orders are never touched.
func Clean(ctx context.Context, workDir string, lookup StatusLookup, opts Options, logger *slog.Logger) Result {
	result := Result{}
	if logger == nil {
		logger = logging.NewNop()
	}

	dirs, err := ListDirectories(workDir)
	if err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: workDir, Error: err})
		return result
	}

	cutoff := time.Now().Add(-opts.MaxAge)
	expired := func(d DirInfo) bool { return opts.MaxAge > 0 && d.ModTime.Before(cutoff) }

	for _, dir := range dirs {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, CleanupError{Path: workDir, Error: ctx.Err()})
			return result
		}

		remove := false
		reason := ""
		orderID, ok := ParseOrderID(dir.Name)
		switch {
		case !ok:
			remove, reason = expired(dir), "foreign"
		case lookup == nil:
			remove, reason = expired(dir), "stale"
		default:
			status, err := lookup(ctx, orderID)
			switch {
			case errors.Is(err, queue.ErrNotFound):
				remove, reason = expired(dir), "orphaned"
			case err != nil:
				result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
				continue
			case status == queue.OrderCompleted:
				remove, reason = true, "completed"
			case status == queue.OrderFailed:
				remove, reason = expired(dir), "failed"
			}
		}

		if !remove {
			result.Kept++
			continue
		}
		if opts.DryRun {
			result.Removed = append(result.Removed, dir.Path)
			continue
		}
		if err := os.RemoveAll(dir.Path); err != nil {
			result.Errors = append(result.Errors, CleanupError{Path: dir.Path, Error: err})
			logger.Warn("failed to remove order work directory",
				logging.String("path", dir.Path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "workdir_cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check work_dir permissions"),
				logging.String(logging.FieldImpact, "disk space not reclaimed"),
			)
			continue
		}
		result.Removed = append(result.Removed, dir.Path)
		logger.Info("removed order work directory",
			logging.String("path", dir.Path),
			logging.String("reason", reason),
			logging.Int64("bytes", dir.Size),
			logging.Duration("age", time.Since(dir.ModTime)),
			logging.String(logging.FieldEventType, "workdir_cleanup"),
		)
	}
	return result
}

// ParseOrderID extracts the order id from an order-N directory name.
func ParseOrderID(name string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, dirPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ListDirectories returns all directories in the work directory with their metadata.
func ListDirectories(workDir string) ([]DirInfo, error) {
	workDir = strings.TrimSpace(workDir)
	if workDir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var dirs []DirInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		dirPath := filepath.Join(workDir, entry.Name())
		size, _ := dirSize(dirPath)

		dirs = append(dirs, DirInfo{
			Name:    entry.Name(),
			Path:    dirPath,
			ModTime: info.ModTime(),
			Size:    size,
		})
	}

	return dirs, nil
}

// DirInfo contains metadata about a work directory.
type DirInfo struct {
	Name    string
	Path    string
	ModTime time.Time
	Size    int64
}

// dirSize calculates the total size of a directory recursively.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // best effort
		}
		if d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
