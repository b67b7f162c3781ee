package collab

import (
	"context"
	"io"
)

// BlobStore holds uploaded-file bytes between upload and extraction. The
// hosting application supplies the implementation, typically S3-backed.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}
