package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig contains MinIO configuration
type MinIOConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string

	ConnectTimeout time.Duration

	// Retry settings (best-effort; MinIO client also retries internally)
	MaxRetries   int
	RetryBackoff time.Duration
}

// MinIOMetrics tracks MinIO operations
type MinIOMetrics struct {
	TotalUploads atomic.Uint64
	UploadBytes  atomic.Uint64
	UploadErrors atomic.Uint64
}

// MinIOStore mirrors snapshots into an S3-compatible bucket. Object keys
// are timestamped so successive anomalies do not overwrite each other.
type MinIOStore struct {
	client  *minio.Client
	config  MinIOConfig
	logger  *zap.Logger
	metrics MinIOMetrics
	now     func() time.Time
}

// NewMinIOStore creates the client and ensures the bucket exists.
func NewMinIOStore(ctx context.Context, config MinIOConfig, logger *zap.Logger) (*MinIOStore, error) {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = zap.L()
	}

	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKeyID, config.SecretAccessKey, ""),
		Secure: config.UseSSL,
		Region: config.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	store := &MinIOStore{
		client: client,
		config: config,
		logger: logger.Named("minio-store"),
		now:    time.Now,
	}

	ctx, cancel := context.WithTimeout(ctx, config.ConnectTimeout)
	defer cancel()

	exists, err := client.BucketExists(ctx, config.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, config.Bucket, minio.MakeBucketOptions{Region: config.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		store.logger.Info("Created MinIO bucket", zap.String("bucket", config.Bucket))
	}

	return store, nil
}

// ObjectKey is prefix/<UTC timestamp>-name.
func (s *MinIOStore) ObjectKey(name string) string {
	stamp := s.now().UTC().Format("20060102T150405.000Z")
	return path.Join(s.config.Prefix, stamp+"-"+path.Base(name))
}

// Save uploads data with retry. Each attempt re-reads from the start.
func (s *MinIOStore) Save(ctx context.Context, name string, data []byte) error {
	key := s.ObjectKey(name)

	op := func() error {
		info, err := s.client.PutObject(ctx, s.config.Bucket, key, bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{ContentType: "image/jpeg"})
		if err != nil {
			s.metrics.UploadErrors.Add(1)
			return err
		}
		s.metrics.TotalUploads.Add(1)
		s.metrics.UploadBytes.Add(uint64(info.Size))
		s.logger.Debug("Snapshot uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(s.newBackoff(), ctx)); err != nil {
		return &StorageError{Op: "put", Key: key, Err: err, Retryable: true}
	}
	return nil
}

// fresh backoff per operation
func (s *MinIOStore) newBackoff() backoff.BackOff {
	ebo := backoff.NewExponentialBackOff()
	if s.config.RetryBackoff > 0 {
		ebo.InitialInterval = s.config.RetryBackoff
	}
	ebo.Reset()
	if s.config.MaxRetries > 0 {
		return backoff.WithMaxRetries(ebo, uint64(s.config.MaxRetries))
	}
	return ebo
}

// HealthCheck verifies the bucket is reachable.
func (s *MinIOStore) HealthCheck(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.config.Bucket)
	if err != nil {
		return fmt.Errorf("minio health check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("minio bucket %s does not exist", s.config.Bucket)
	}
	return nil
}

// MirroredSnapshotStore writes to Primary and then best-effort to Mirror.
// Only Primary failures are returned.
type MirroredSnapshotStore struct {
	Primary SnapshotStore
	Mirror  SnapshotStore
	Logger  *zap.Logger
}

func (m *MirroredSnapshotStore) Save(ctx context.Context, name string, data []byte) error {
	if err := m.Primary.Save(ctx, name, data); err != nil {
		return err
	}
	if m.Mirror == nil {
		return nil
	}
	if err := m.Mirror.Save(ctx, name, data); err != nil && m.Logger != nil {
		m.Logger.Warn("Snapshot mirror failed", zap.String("name", name), zap.Error(err))
	}
	return nil
}
