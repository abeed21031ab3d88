// Package storage keeps session snapshots in a MinIO bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"video-transformer/configs"
	"video-transformer/internal/signaling"
)

const snapshotContentType = "image/jpeg"

type SnapshotRepository struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

func NewSnapshotRepository(minioConfig *configs.MinioEnvs, logger *slog.Logger) (*SnapshotRepository, error) {
	endpoint := minioConfig.Endpoint
	if minioConfig.Port != "" {
		endpoint = net.JoinHostPort(minioConfig.Endpoint, minioConfig.Port)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(minioConfig.AccessKey, minioConfig.SecretKey, ""),
		Secure: minioConfig.SSL,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: minio client: %w", err)
	}

	return &SnapshotRepository{
		client: client,
		bucket: minioConfig.Bucket,
		logger: logger,
	}, nil
}

// CreateBucket makes the snapshot bucket unless it already exists.
func (sr *SnapshotRepository) CreateBucket(ctx context.Context) error {
	exists, err := sr.client.BucketExists(ctx, sr.bucket)
	if err != nil {
		return fmt.Errorf("storage: check bucket %s: %w", sr.bucket, err)
	}
	if exists {
		return nil
	}
	if err := sr.client.MakeBucket(ctx, sr.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("storage: make bucket %s: %w", sr.bucket, err)
	}
	sr.logger.Info("bucket created", "bucket", sr.bucket)
	return nil
}

func (sr *SnapshotRepository) PutSnapshot(ctx context.Context, key string, r io.Reader, size int64) (signaling.SnapshotResponse, error) {
	uploadInfo, err := sr.client.PutObject(ctx, sr.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: snapshotContentType,
	})
	if err != nil {
		return signaling.SnapshotResponse{}, fmt.Errorf("storage: put %s: %w", key, err)
	}
	return signaling.SnapshotResponse{
		Bucket: uploadInfo.Bucket,
		Key:    uploadInfo.Key,
		Size:   uploadInfo.Size,
	}, nil
}
