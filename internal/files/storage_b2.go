package files

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"imgbed/internal/logging"
)

const b2Endpoint = "s3.us-east-005.backblazeb2.com"

// B2Client is the subset of *minio.Client used by B2Storage.
type B2Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// B2Storage implements Storage using Backblaze B2 via S3-compatible API.
type B2Storage struct {
	client    B2Client
	bucket    string
	prefix    string
	publicURL string // Base URL for public access (e.g., "https://f005.backblazeb2.com/file/mybucket")
}

// B2Config holds configuration for B2 storage.
type B2Config struct {
	KeyID     string // B2_KEY_ID
	AppKey    string // B2_APP_KEY
	Bucket    string // B2_BUCKET
	Prefix    string // B2_PREFIX - optional folder prefix for all objects
	PublicURL string // B2_PUBLIC_URL - base URL for public access
	Endpoint  string // optional S3 endpoint override
}

// NewB2Storage creates a new B2-backed storage.
func NewB2Storage(cfg B2Config) (*B2Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = b2Endpoint
	}
	logging.Mirror.Printf("initializing b2 storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.Mirror.Printf("failed to create client: %v", err)
		return nil, err
	}

	return NewB2StorageWithClient(client, cfg.Bucket, cfg.Prefix, cfg.PublicURL), nil
}

// NewB2StorageWithClient creates a B2Storage around an existing client.
func NewB2StorageWithClient(client B2Client, bucket, prefix, publicURL string) *B2Storage {
	return &B2Storage{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		publicURL: publicURL,
	}
}

func (s *B2Storage) key(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *B2Storage) Save(ctx context.Context, key string, data io.Reader, size int64) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	objectKey := s.key(key)
	logging.Mirror.Printf("uploading %s to bucket %s", objectKey, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, objectKey, data, size, minio.PutObjectOptions{})
	if err != nil {
		logging.Mirror.Printf("upload failed for %s: %v", objectKey, err)
		return 0, err
	}
	return info.Size, nil
}

func (s *B2Storage) Stat(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, ErrNotFound
		}
		return 0, err
	}
	return info.Size, nil
}

// GetPublicURL returns the public URL for a file if public access is configured.
func (s *B2Storage) GetPublicURL(key string) string {
	if s.publicURL == "" {
		return ""
	}
	return strings.TrimSuffix(s.publicURL, "/") + "/" + s.key(key)
}
