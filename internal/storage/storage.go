package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"matchscope/internal/config"
)

// Store persists stage artifacts and hands back opaque locators.
type Store interface {
	// Put uploads localPath under key and returns the locator to record.
	Put(ctx context.Context, localPath, key string) (string, error)
	// Get makes the object at locator available locally, downloading into
	// destDir when needed, and returns its path.
	Get(ctx context.Context, locator, destDir string) (string, error)
	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, locator string) error
	Name() string
}

// New builds the backend selected by cfg.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("storage: config required")
	}
	switch cfg.Storage.Backend {
	case config.StorageBackendLocal, "":
		return NewLocal(cfg.Storage.LocalDir)
	case config.StorageBackendS3:
		return NewS3(ctx, cfg.Storage)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Storage.Backend)
	}
}

// Key builds a fresh object key for an artifact of an order. A random suffix
// keeps reruns from overwriting the artifacts of a previous attempt.
func Key(orderID int64, label, localPath string) string {
	ext := strings.ToLower(filepath.Ext(localPath))
	stem := strings.TrimSuffix(filepath.Base(localPath), filepath.Ext(localPath))
	stem = sanitize(stem)
	if stem == "" {
		stem = "artifact"
	}
	return path.Join(
		fmt.Sprintf("order-%d", orderID),
		sanitize(label),
		fmt.Sprintf("%s-%s%s", stem, uuid.NewString()[:8], ext),
	)
}

func sanitize(value string) string {
	value = strings.TrimSpace(value)
	replacer := strings.NewReplacer("/", "-", "\\", "-", "..", "-", " ", "_", ":", "-")
	return replacer.Replace(value)
}

func validKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("storage: empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}
