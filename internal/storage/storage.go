// Package storage stores uploaded and generated blobs and returns public URLs.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/xiaot623/gogo/chatrelay/internal/config"
)

// Storage persists blobs under a key and returns their public URL.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Key prefixes for stored objects.
const (
	PrefixUploads         = "uploads"
	PrefixGeneratedImages = "generated-images"
)

// NewKey returns a unique object key of the form prefix/user/id.ext.
func NewKey(prefix string, userID int64, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	return fmt.Sprintf("%s/%d/%s.%s", prefix, userID, shortuuid.New(), ext)
}

// New creates the storage backend selected by cfg.Driver.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Driver {
	case "local":
		return NewLocal(cfg.LocalDir, cfg.PublicURL)
	case "s3":
		return NewS3(ctx, S3Options{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
