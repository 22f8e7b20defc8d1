// Package objectstore wraps a minio-go client as the asset store used by
// the collaborative-document and whiteboard modules to persist generated
// PDFs (spec.md §6 — object storage).
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const presignExpiry = 24 * time.Hour

// Store puts and signs assets in one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// New builds a Store bound to one S3-compatible endpoint/bucket.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: new client: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// PutAsset uploads r under key (e.g. a generated PDF) and returns a
// time-limited download URL, satisfying protocol.AssetStore and
// whiteboard.AssetStore (spec.md §4.9/§4.10).
func (s *Store) PutAsset(ctx context.Context, key string, r io.Reader) (signedURL string, err error) {
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: "application/pdf",
	}); err != nil {
		return "", fmt.Errorf("objectstore: put %s: %w", key, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, presignExpiry, nil)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}
