// Package objectstore persists replay bundles and collected artifacts in
// S3-compatible storage. Object keys follow a fixed layout:
//
//	replays/<sandboxId>/events.jsonl
//	artifacts/<orgId>/<sandboxId>/<artifactId>/<name>
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sandchest/sandchest/internal/config"
)

type Client struct {
	mc     *minio.Client
	bucket string
	logger *slog.Logger
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg config.ObjectStoreConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: connect %s: %w", cfg.Endpoint, err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("objectstore: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("objectstore: create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Client{
		mc:     mc,
		bucket: cfg.Bucket,
		logger: logger.With("component", "objectstore"),
	}, nil
}

// ReplayKey returns the object key for a sandbox's flushed replay log.
func ReplayKey(sandboxID string) string {
	return fmt.Sprintf("replays/%s/events.jsonl", sandboxID)
}

// ArtifactKey returns the object key for an artifact.
func ArtifactKey(orgID, sandboxID, artifactID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s/%s/%s", orgID, sandboxID, artifactID, name)
}

// PutReplayLog writes the JSONL replay log for a sandbox, replacing any
// previous flush.
func (c *Client) PutReplayLog(ctx context.Context, sandboxID string, jsonl []byte) (string, error) {
	key := ReplayKey(sandboxID)
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(jsonl), int64(len(jsonl)), minio.PutObjectOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: put replay log %s: %w", sandboxID, err)
	}
	return key, nil
}

// GetReplayLog reads a sandbox's flushed replay log.
func (c *Client) GetReplayLog(ctx context.Context, sandboxID string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, ReplayKey(sandboxID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get replay log %s: %w", sandboxID, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read replay log %s: %w", sandboxID, err)
	}
	return data, nil
}

// PutArtifact stores an artifact body and returns its object key.
func (c *Client) PutArtifact(ctx context.Context, orgID, sandboxID, artifactID, name, mime string, body io.Reader, size int64) (string, error) {
	key := ArtifactKey(orgID, sandboxID, artifactID, name)
	_, err := c.mc.PutObject(ctx, c.bucket, key, body, size, minio.PutObjectOptions{
		ContentType: mime,
	})
	if err != nil {
		return "", fmt.Errorf("objectstore: put artifact %s: %w", key, err)
	}
	return key, nil
}

// PresignDownload issues a time-limited GET URL for an object key.
func (c *Client) PresignDownload(ctx context.Context, key, filename string, expiry time.Duration) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, expiry, params)
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return u.String(), nil
}

// PurgeReplay deletes a sandbox's replay objects. Used by the replay
// retention sweep.
func (c *Client) PurgeReplay(ctx context.Context, sandboxID string) error {
	return c.purgePrefix(ctx, fmt.Sprintf("replays/%s/", sandboxID))
}

// PurgeArtifacts deletes all artifact objects for a sandbox.
func (c *Client) PurgeArtifacts(ctx context.Context, orgID, sandboxID string) error {
	return c.purgePrefix(ctx, fmt.Sprintf("artifacts/%s/%s/", orgID, sandboxID))
}

func (c *Client) purgePrefix(ctx context.Context, prefix string) error {
	objects := c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var firstErr error
	for obj := range objects {
		if obj.Err != nil {
			if firstErr == nil {
				firstErr = obj.Err
			}
			continue
		}
		if err := c.mc.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			c.logger.Warn("failed to remove object", "key", obj.Key, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("objectstore: purge %s: %w", prefix, firstErr)
	}
	return nil
}
