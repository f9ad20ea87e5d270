package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes an archived object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter stores archive objects. Paths are relative to the configured
// bucket prefix.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader reads archive objects back and lets the archiver skip markets
// it has already written.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver copies resolved markets and their trades to cold storage.
// Source rows are left in place.
type Archiver interface {
	ArchiveResolved(ctx context.Context, before time.Time) (int64, error)
}
