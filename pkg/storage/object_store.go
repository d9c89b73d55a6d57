// Package storage resolves attachment blob keys against an S3-compatible
// object store, standing in for the Durable Store's file-backed columns.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// attachmentPrefix namespaces every key this service touches under its own
// bucket folder, so a shared bucket can host other services' objects
// without a stray Delete or PresignGet reaching outside attachments/.
const attachmentPrefix = "attachments/"

// ObjectStore resolves and retires attachment blobs. Upload is handled
// outside the realtime core (clients presign their own PUT against the
// bucket), so the only surface the Message State Machine needs is read-back
// and tombstone cleanup.
type ObjectStore interface {
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// MinioStore implements ObjectStore for MinIO/S3 compatible storage.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// namespaced prefixes a raw attachment key with attachmentPrefix unless it's
// already namespaced, so stored keys can be persisted either way.
func namespaced(key string) string {
	if strings.HasPrefix(key, attachmentPrefix) {
		return key
	}
	return attachmentPrefix + key
}

// PresignGet generates a short-lived GET URL for an attachment blob.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	url, err := m.client.PresignedGetObject(ctx, m.bucket, namespaced(key), expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return url.String(), nil
}

// Delete retires an attachment blob once its message is deleted.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, namespaced(key), minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
