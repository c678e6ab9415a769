// Package minio implements objectstore.Store on minio-go and exposes bucket
// notification streaming for the listener.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/objectstore"
)

type Client struct {
	mc *minio.Client
}

func NewClient(cfg config.MinIOConfig) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &Client{mc: mc}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.mc.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

func (c *Client) List(ctx context.Context, bucket, prefix string) ([]objectstore.Object, error) {
	var out []objectstore.Object
	for obj := range c.mc.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		out = append(out, objectstore.Object{
			Bucket:       bucket,
			Key:          obj.Key,
			ETag:         objectstore.NormalizeETag(obj.ETag),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	if _, err := c.mc.StatObject(ctx, bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("get %s: %w", objectstore.URI(bucket, key), objectstore.ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", objectstore.URI(bucket, key), err)
	}
	obj, err := c.mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectstore.URI(bucket, key), err)
	}
	return obj, nil
}

func (c *Client) Put(ctx context.Context, bucket, key string, body []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", objectstore.URI(bucket, key), err)
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	if err := c.mc.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s: %w", objectstore.URI(bucket, key), err)
	}
	return nil
}

func (c *Client) GetBucketPolicy(ctx context.Context, bucket string) (string, error) {
	p, err := c.mc.GetBucketPolicy(ctx, bucket)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchBucketPolicy" {
			return "", nil
		}
		return "", fmt.Errorf("get bucket policy %s: %w", bucket, err)
	}
	return p, nil
}

func (c *Client) PutBucketPolicy(ctx context.Context, bucket, policy string) error {
	if err := c.mc.SetBucketPolicy(ctx, bucket, policy); err != nil {
		return fmt.Errorf("put bucket policy %s: %w", bucket, err)
	}
	return nil
}

// DeleteBucketPolicy clears the policy; minio treats an empty policy as removal.
func (c *Client) DeleteBucketPolicy(ctx context.Context, bucket string) error {
	if err := c.mc.SetBucketPolicy(ctx, bucket, ""); err != nil {
		return fmt.Errorf("delete bucket policy %s: %w", bucket, err)
	}
	return nil
}

// Listen streams object created and removed notifications for a bucket until
// ctx is cancelled.
func (c *Client) Listen(ctx context.Context, bucket string) <-chan notification.Info {
	return c.mc.ListenBucketNotification(ctx, bucket, "", "",
		[]string{"s3:ObjectCreated:*", "s3:ObjectRemoved:*"})
}
