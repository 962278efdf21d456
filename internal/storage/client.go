package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint string
	Access   string
	Secret   string
	Bucket   string
	UseSSL   bool
}

// Client reads source images from a single bucket.
type Client struct {
	minio  *minio.Client
	bucket string
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &Client{
		minio:  mc,
		bucket: cfg.Bucket,
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

func (c *Client) ObjectExists(ctx context.Context, objectKey string) (bool, error) {
	_, err := c.minio.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat object %s: %w", objectKey, err)
}

// OpenObject streams an object. The caller closes the reader.
func (c *Client) OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", objectKey, err)
	}

	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("stat object %s: %w", objectKey, err)
	}
	return obj, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject"
}
