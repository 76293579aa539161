// Package gcs stores index snapshots in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

// ObjectStore reads and writes whole objects.
type ObjectStore interface {
	// Upload streams r into bucket/object, replacing any existing object.
	Upload(ctx context.Context, bucket, object string, r io.Reader) error

	// Download opens bucket/object for reading. The caller closes the reader.
	Download(ctx context.Context, bucket, object string) (io.ReadCloser, error)
}

// uploadTimeout bounds a single snapshot upload.
const uploadTimeout = 2 * time.Minute

// Client is the Cloud Storage implementation of ObjectStore.
// It assumes Application Default Credentials are configured.
type Client struct {
	client *storage.Client
}

func NewClient(ctx context.Context) (*Client, error) {
	c, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewClient: create storage client: %w", err)
	}
	return &Client{client: c}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Upload(ctx context.Context, bucket, object string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("Upload: copy to gs://%s/%s: %w", bucket, object, err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("Upload: finalize gs://%s/%s: %w", bucket, object, err)
	}
	return nil
}

func (c *Client) Download(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	rc, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("Download: open gs://%s/%s: %w", bucket, object, err)
	}
	return rc, nil
}

// IsNotExist reports whether err means the object does not exist.
func IsNotExist(err error) bool {
	return err != nil && (errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist))
}

// ParseURI splits "gs://bucket/path/to/object" into bucket and object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// URI is the inverse of ParseURI.
func URI(bucket, object string) string {
	return "gs://" + bucket + "/" + strings.TrimPrefix(object, "/")
}
