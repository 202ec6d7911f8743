package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	cfg "github.com/templui/downloadgroups/internal/config"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	// ErrUnavailable marks store failures that are worth retrying.
	ErrUnavailable = errors.New("object store unavailable")
)

// Storage is the subset of object-store operations the engine relies on.
type Storage interface {
	// Open streams an object. Returns ErrObjectNotFound for missing keys.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Upload streams body into a single object without buffering it whole.
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// PresignGet returns a time-boxed GET URL that downloads as filename.
	PresignGet(ctx context.Context, key string, expiry time.Duration, filename string) (string, error)
}

// New creates the configured storage driver.
func New(c *cfg.Config) (Storage, error) {
	switch c.StorageDriver {
	case "memory":
		slog.Warn("using in-memory object storage, objects are lost on restart")
		return NewMemoryStorage("memory://" + c.S3Bucket), nil
	case "s3", "":
		slog.Info("initializing S3 storage",
			"bucket", c.S3Bucket,
			"region", c.S3Region,
			"endpoint", c.S3Endpoint,
		)
		return NewS3Storage(S3Config{
			Region:            c.S3Region,
			Bucket:            c.S3Bucket,
			AccessKey:         c.S3AccessKey,
			SecretKey:         c.S3SecretKey,
			Endpoint:          c.S3Endpoint,
			PartSize:          c.S3PartSizeMB * 1024 * 1024,
			UploadConcurrency: c.S3UploadConcurrency,
		})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
}

// IsTransient reports whether a store error is likely to succeed on retry:
// timeouts, network failures, throttling and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	return false
}
