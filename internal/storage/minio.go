// Package storage stores binary assets in object storage and hands back the
// durable reference the analysis server fetches them by.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Asset is a binary file to be stored.
type Asset struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// UploadResult is the durable reference to a stored asset.
type UploadResult struct {
	Bucket    string
	ObjectKey string
	URL       string
	ETag      string
	FileName  string
	FileType  string
	FileSize  int64
}

// ObjectStore is the storage capability the upload coordinator consumes.
type ObjectStore interface {
	Store(ctx context.Context, userID string, asset Asset) (*UploadResult, error)
}

// Config holds the object storage connection settings.
type Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// MinioStore implements ObjectStore against a MinIO (or S3-compatible)
// endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to the configured endpoint.
func NewMinioStore(cfg Config) (*MinioStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("object storage: endpoint and bucket are required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object storage client: %w", err)
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

// Store uploads the asset namespaced by user identity. Keys are
// "<userID>/<unix-ms>_<filename>" so one user's uploads sort together and
// never collide.
func (m *MinioStore) Store(ctx context.Context, userID string, asset Asset) (*UploadResult, error) {
	objectKey := fmt.Sprintf("%s/%d_%s", userID, time.Now().UnixMilli(), asset.Name)

	info, err := m.client.PutObject(ctx, m.bucket, objectKey, asset.Reader, asset.Size,
		minio.PutObjectOptions{ContentType: asset.ContentType})
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", asset.Name, err)
	}

	return &UploadResult{
		Bucket:    m.bucket,
		ObjectKey: objectKey,
		URL:       fmt.Sprintf("%s/%s/%s", m.client.EndpointURL(), m.bucket, objectKey),
		ETag:      info.ETag,
		FileName:  asset.Name,
		FileType:  asset.ContentType,
		FileSize:  asset.Size,
	}, nil
}
