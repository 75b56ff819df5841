// Package storage provides the pluggable object storage backends that hold
// encrypted upload payloads. A backend never interprets payload bytes; it
// stores and retrieves opaque objects addressed by their locator.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by Get when no object exists at the given locator.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes one stored object as reported by Enumerate.
type ObjectInfo struct {
	Locator string
	Size    int64
}

// Backend is the uniform contract implemented by every storage transport.
//
// Put must be atomic with respect to concurrent readers: a Get racing a Put
// for the same locator observes either the previous object or the complete
// new one, never a partial write. Delete is idempotent and succeeds when the
// object is already gone.
type Backend interface {
	Put(ctx context.Context, locator string, data []byte) error
	Get(ctx context.Context, locator string) ([]byte, error)
	Delete(ctx context.Context, locator string) error
	Exists(ctx context.Context, locator string) (bool, error)
	Enumerate(ctx context.Context) ([]ObjectInfo, error)
}

// S3Options carries connection parameters for the s3:// backend.
type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ParseBackendURL selects and constructs a backend from its configuration URL.
//
// Supported forms: "memory://", "fs://<path>", "s3://<bucket>".
func ParseBackendURL(ctx context.Context, raw string, s3opts S3Options) (Backend, error) {
	switch {
	case raw == "memory://":
		return NewMemoryBackend(), nil

	case strings.HasPrefix(raw, "fs://"):
		dir := strings.TrimSpace(strings.TrimPrefix(raw, "fs://"))
		if dir == "" {
			return nil, errors.New("fs:// backend requires a path: fs://<path>")
		}
		return NewFilesystemBackend(dir)

	case strings.HasPrefix(raw, "s3://"):
		bucket := strings.TrimPrefix(raw, "s3://")
		if i := strings.IndexByte(bucket, '/'); i != -1 {
			bucket = bucket[:i]
		}
		if bucket == "" {
			return nil, errors.New("s3:// backend requires a bucket: s3://<bucket>")
		}
		return NewS3Backend(ctx, bucket, s3opts)

	default:
		return nil, fmt.Errorf("unknown storage backend %q (valid: memory://, fs://<path>, s3://<bucket>)", raw)
	}
}
