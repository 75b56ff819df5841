package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const s3MaxRetries = 4

// S3Backend stores objects in a single bucket of an S3-compatible service via
// the MinIO client. Transient transport failures are retried with bounded
// exponential backoff; non-transient failures (auth, missing key, quota)
// surface immediately.
type S3Backend struct {
	client *minio.Client
	bucket string
}

// NewS3Backend connects to the configured endpoint and ensures the bucket
// exists, creating it when missing.
func NewS3Backend(ctx context.Context, bucket string, opts S3Options) (*S3Backend, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("s3 backend requires an endpoint")
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %q: %w", bucket, err)
		}
		slog.Info("Created storage bucket", "bucket", bucket)
	}

	return &S3Backend{client: client, bucket: bucket}, nil
}

// retry runs op with bounded exponential backoff. Errors wrapped in
// backoff.Permanent by classifyError abort immediately.
func (b *S3Backend) retry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	return backoff.Retry(
		func() error { return classifyError(op()) },
		backoff.WithContext(backoff.WithMaxRetries(policy, s3MaxRetries), ctx),
	)
}

// classifyError decides whether an S3 error is worth retrying. Service
// errors with a 4xx status (missing key, bad credentials, exceeded quota)
// are permanent; everything else (5xx, throttling, and plain transport
// errors that never reached the service) is considered transient.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return backoff.Permanent(err)
	}

	resp := minio.ToErrorResponse(err)
	if resp.Code == "" {
		// Not a service response; assume a transient transport failure.
		return err
	}

	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket":
		return backoff.Permanent(ErrNotFound)
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return err
	}
	return backoff.Permanent(err)
}

func (b *S3Backend) Put(ctx context.Context, locator string, data []byte) error {
	return b.retry(ctx, func() error {
		_, err := b.client.PutObject(ctx, b.bucket, locator,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "application/octet-stream"})
		return err
	})
}

func (b *S3Backend) Get(ctx context.Context, locator string) ([]byte, error) {
	var data []byte
	err := b.retry(ctx, func() error {
		obj, err := b.client.GetObject(ctx, b.bucket, locator, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()

		// GetObject is lazy; the read surfaces NoSuchKey.
		data, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *S3Backend) Delete(ctx context.Context, locator string) error {
	err := b.retry(ctx, func() error {
		return b.client.RemoveObject(ctx, b.bucket, locator, minio.RemoveObjectOptions{})
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (b *S3Backend) Exists(ctx context.Context, locator string) (bool, error) {
	err := b.retry(ctx, func() error {
		_, err := b.client.StatObject(ctx, b.bucket, locator, minio.StatObjectOptions{})
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *S3Backend) Enumerate(ctx context.Context) ([]ObjectInfo, error) {
	var infos []ObjectInfo
	err := b.retry(ctx, func() error {
		infos = infos[:0]
		for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				return obj.Err
			}
			infos = append(infos, ObjectInfo{Locator: obj.Key, Size: obj.Size})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}
