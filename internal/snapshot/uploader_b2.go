package snapshot

import (
	"context"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"walletmux/internal/logging"
)

const b2Endpoint = "s3.us-east-005.backblazeb2.com"

// B2Uploader implements Uploader using Backblaze B2 via the S3-compatible API.
type B2Uploader struct {
	client *minio.Client
	bucket string
	prefix string
}

// B2Config holds configuration for B2 snapshot storage.
type B2Config struct {
	KeyID  string // B2_KEY_ID
	AppKey string // B2_APP_KEY
	Bucket string // B2_BUCKET
	Prefix string // B2_PREFIX - optional folder prefix for all objects
}

// NewB2Uploader creates a new B2-backed uploader.
func NewB2Uploader(cfg B2Config) (*B2Uploader, error) {
	logging.Snapshot.Printf("initializing B2 storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, b2Endpoint)

	client, err := minio.New(b2Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.Snapshot.Printf("failed to create client: %v", err)
		return nil, err
	}

	return &B2Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (u *B2Uploader) key(name string) string {
	if u.prefix == "" {
		return name
	}
	return path.Join(u.prefix, name)
}

func (u *B2Uploader) Upload(ctx context.Context, name string, data io.Reader, size int64) error {
	key := u.key(name)
	logging.Snapshot.Printf("uploading %s to bucket %s", key, u.bucket)

	info, err := u.client.PutObject(ctx, u.bucket, key, data, size, minio.PutObjectOptions{})
	if err != nil {
		logging.Snapshot.Printf("upload failed for %s: %v", key, err)
		return err
	}

	logging.Snapshot.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return nil
}
