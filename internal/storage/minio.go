// Package storage stores inline uploads and generated assets in an
// S3-compatible bucket and keeps the content-hash index used to dedup them.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/rendis/genchain/pkg/schema"
)

// Config configures the object store.
type Config struct {
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"access_key"`
	SecretKey string        `mapstructure:"secret_key"`
	Bucket    string        `mapstructure:"bucket"`
	Region    string        `mapstructure:"region"`
	UseSSL    bool          `mapstructure:"use_ssl"`
	URLExpiry time.Duration `mapstructure:"url_expiry"`
}

// DefaultURLExpiry is how long signed URLs stay valid.
const DefaultURLExpiry = 7 * 24 * time.Hour

// ObjectStorage uploads objects and hands out presigned GET URLs.
type ObjectStorage struct {
	client *minio.Client
	bucket string
	region string
	expiry time.Duration
}

// NewObjectStorage connects to the configured endpoint. It does not touch
// the network; call EnsureBucket for that.
func NewObjectStorage(cfg Config) (*ObjectStorage, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "storage endpoint and bucket are required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = DefaultURLExpiry
	}
	return &ObjectStorage{client: client, bucket: cfg.Bucket, region: region, expiry: expiry}, nil
}

// URLExpiry returns the lifetime of signed URLs.
func (s *ObjectStorage) URLExpiry() time.Duration { return s.expiry }

// EnsureBucket creates the bucket when it does not exist.
func (s *ObjectStorage) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// UploadAndSign stores data at objectPath and returns a presigned GET URL.
func (s *ObjectStorage) UploadAndSign(ctx context.Context, data []byte, contentType, objectPath string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", objectPath, err)
	}
	return s.Sign(ctx, objectPath)
}

// Sign returns a fresh presigned GET URL for an existing object.
func (s *ObjectStorage) Sign(ctx context.Context, objectPath string) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, s.expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", objectPath, err)
	}
	return u.String(), nil
}
