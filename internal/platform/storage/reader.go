// Package storage reads small configuration objects from Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// ErrObjectNotFound is returned when the requested object or bucket does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// ErrObjectTooLarge is returned when an object exceeds the reader's size cap.
var ErrObjectTooLarge = errors.New("storage: object exceeds size limit")

const defaultMaxObjectBytes = 1 << 20

// Reader fetches whole objects from a single bucket.
type Reader struct {
	client   *storage.Client
	bucket   string
	maxBytes int64
}

// ReaderOption customises the Reader.
type ReaderOption func(*Reader)

// WithMaxObjectBytes caps how much of an object is read.
func WithMaxObjectBytes(n int64) ReaderOption {
	return func(r *Reader) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

// NewReader builds a Reader for bucket using a fresh storage client.
func NewReader(ctx context.Context, bucket string, clientOpts []option.ClientOption, opts ...ReaderOption) (*Reader, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	r := &Reader{client: client, bucket: bucket, maxBytes: defaultMaxObjectBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Read returns the full contents of object.
func (r *Reader) Read(ctx context.Context, object string) ([]byte, error) {
	object = strings.TrimLeft(strings.TrimSpace(object), "/")
	if object == "" {
		return nil, errors.New("storage: object name is required")
	}
	rc, err := r.client.Bucket(r.bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectNotFound, r.bucket, object)
		}
		return nil, fmt.Errorf("storage: open gs://%s/%s: %w", r.bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("storage: read gs://%s/%s: %w", r.bucket, object, err)
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("%w: gs://%s/%s", ErrObjectTooLarge, r.bucket, object)
	}
	return data, nil
}

// Ping checks that the bucket is reachable.
func (r *Reader) Ping(ctx context.Context) error {
	if _, err := r.client.Bucket(r.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("storage: bucket %s: %w", r.bucket, err)
	}
	return nil
}

// Close releases the storage client.
func (r *Reader) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

// ObjectPath joins prefix and a collection id into the config object key. Collection ids
// containing path separators are rejected.
func ObjectPath(prefix, collectionID string) (string, error) {
	id := strings.TrimSpace(collectionID)
	if id == "" || strings.ContainsAny(id, "/\\") || id == "." || id == ".." {
		return "", fmt.Errorf("storage: invalid collection id %q", collectionID)
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return id + ".json", nil
	}
	return prefix + "/" + id + ".json", nil
}
