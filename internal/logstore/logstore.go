// Package logstore ships the captured output of finished attempts to
// S3-compatible object storage.
package logstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/me/attemptrun/internal/config"
	"github.com/me/attemptrun/pkg/model"
)

// ObjectPutter is the subset of *minio.Client the shipper uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Shipper uploads stdout and stderr of an attempt as
// <bucket>/<job>/<attempt>/{stdout,stderr}.log.
type Shipper struct {
	client ObjectPutter
	bucket string
	logger *slog.Logger
}

// New connects to the configured endpoint and makes sure the bucket exists.
func New(ctx context.Context, cfg *config.LogsConfig, logger *slog.Logger) (*Shipper, error) {
	client, err := NewMinIOClient(cfg)
	if err != nil {
		return nil, err
	}
	if err := EnsureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
		return nil, fmt.Errorf("ensure log bucket %s: %w", cfg.Bucket, err)
	}
	return NewWithClient(client, cfg.Bucket, logger), nil
}

// NewWithClient creates a Shipper over an existing client.
func NewWithClient(client ObjectPutter, bucket string, logger *slog.Logger) *Shipper {
	return &Shipper{
		client: client,
		bucket: bucket,
		logger: logger.With("component", "logstore"),
	}
}

// NewMinIOClient builds a MinIO client from cfg.
func NewMinIOClient(cfg *config.LogsConfig) (*minio.Client, error) {
	if cfg == nil {
		return nil, errors.New("logs: no configuration")
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("logs: endpoint and bucket are required")
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
}

// EnsureBucket creates bucket if it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// ObjectKey returns the key of one log stream of an attempt.
func ObjectKey(id model.JobRunIdentity, stream string) string {
	return fmt.Sprintf("%d/%d/%s.log", id.JobID, id.AttemptNumber, stream)
}

// Ship implements the attempt log shipper. Empty streams are skipped.
func (s *Shipper) Ship(ctx context.Context, id model.JobRunIdentity, result *model.AttemptResult) error {
	if result == nil {
		return nil
	}
	var errs []error
	for _, stream := range []struct {
		name, body string
	}{
		{"stdout", result.Stdout},
		{"stderr", result.Stderr},
	} {
		if stream.body == "" {
			continue
		}
		key := ObjectKey(id, stream.name)
		info, err := s.client.PutObject(ctx, s.bucket, key,
			strings.NewReader(stream.body), int64(len(stream.body)),
			minio.PutObjectOptions{
				ContentType: "text/plain; charset=utf-8",
				UserMetadata: map[string]string{
					"backend":   string(result.Backend),
					"exit-code": fmt.Sprint(result.ExitCode),
				},
			})
		if err != nil {
			errs = append(errs, fmt.Errorf("put %s/%s: %w", s.bucket, key, err))
			continue
		}
		s.logger.Debug("log uploaded", "bucket", s.bucket, "key", key, "size", info.Size)
	}
	return errors.Join(errs...)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
