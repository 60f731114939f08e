package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Local stores blobs on disk under a directory served at PublicURL.
type Local struct {
	dir       string
	publicURL string
}

// NewLocal creates a disk-backed storage rooted at dir.
func NewLocal(dir, publicURL string) (*Local, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	return &Local{dir: dir, publicURL: strings.TrimSuffix(publicURL, "/")}, nil
}

// Dir returns the root directory.
func (l *Local) Dir() string {
	return l.dir
}

// Put writes data to dir/key.
func (l *Local) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	clean := filepath.Clean("/" + key)[1:]
	if clean == "" || clean != key {
		return "", errors.Errorf("invalid storage key %q", key)
	}

	path := filepath.Join(l.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write object")
	}
	return l.publicURL + "/" + clean, nil
}
