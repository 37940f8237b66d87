package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"matchscope/internal/fileutil"
	"matchscope/internal/services"
)

// Local stores artifacts beneath a directory on the host filesystem.
type Local struct {
	root string
}

// NewLocal returns a Local store rooted at dir, creating it if necessary.
func NewLocal(dir string) (*Local, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("storage: local directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, services.Wrap(services.ErrInfrastructure, "storage", "create root", "Artifact directory is not writable", err)
	}
	return &Local{root: dir}, nil
}

// Name identifies the backend.
func (l *Local) Name() string { return "local" }

// Root returns the directory artifacts are stored under.
func (l *Local) Root() string { return l.root }

// Put copies localPath into the store.
func (l *Local) Put(ctx context.Context, localPath, key string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dest := l.path(key)
	if err := fileutil.CopyFileAtomic(localPath, dest); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", services.Wrap(services.ErrNotFound, "storage", "put", "Stage output file is missing", err)
		}
		return "", services.Wrap(services.ErrInfrastructure, "storage", "put", "Failed to write artifact", err)
	}
	return key, nil
}

// Get returns the stored path directly; callers must treat it as read-only.
func (l *Local) Get(_ context.Context, locator, _ string) (string, error) {
	if err := validKey(locator); err != nil {
		return "", err
	}
	p := l.path(locator)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", services.Wrap(services.ErrNotFound, "storage", "get", "Artifact not found", err)
		}
		return "", services.Wrap(services.ErrInfrastructure, "storage", "get", "Artifact unreadable", err)
	}
	return p, nil
}

// Delete removes the artifact at locator.
func (l *Local) Delete(_ context.Context, locator string) error {
	if err := validKey(locator); err != nil {
		return err
	}
	if err := fileutil.RemoveIfExists(l.path(locator)); err != nil {
		return services.Wrap(services.ErrInfrastructure, "storage", "delete", "Failed to remove artifact", err)
	}
	return nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

var _ Store = (*Local)(nil)
