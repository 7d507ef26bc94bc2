package images

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/kestrelworks/parley/internal/logger"
)

const minioTimeout = 10 * time.Second

// MinioStore keeps image payloads in an object store bucket, using the same
// date-partitioned keys as the local store.
type MinioStore struct {
	mc     *minio.Client
	bucket string
}

// MinioConfig holds object store connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "parley-images"
	}

	return &MinioStore{mc: mc, bucket: bucket}, nil
}

// Init creates the bucket if it does not exist.
func (s *MinioStore) Init(ctx context.Context) error {
	exists, err := s.mc.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}

	if !exists {
		if err := s.mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		logger.Info("bucket created", "bucket", s.bucket)
	}

	return nil
}

// Save uploads the payload under serve_images/<date>/<id>.jpg.
func (s *MinioStore) Save(id string, jpeg []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), minioTimeout)
	defer cancel()

	key := fmt.Sprintf("serve_images/%s/%s.jpg", time.Now().Format("2006-01-02"), id)

	_, err := s.mc.PutObject(ctx, s.bucket, key, bytes.NewReader(jpeg), int64(len(jpeg)), minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	logger.Debug("image uploaded", "bucket", s.bucket, "key", key, "bytes", len(jpeg))
	return nil
}

// Healthy checks if the object store is reachable.
func (s *MinioStore) Healthy(ctx context.Context) bool {
	_, err := s.mc.BucketExists(ctx, s.bucket)
	return err == nil
}
