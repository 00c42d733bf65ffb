package storage

import (
	"context"
	"io"
)

// Meta describes a stored file.
type Meta struct {
	Filename string
	MimeType string
	Size     int64
}

// FileStorage abstracts file persistence. Keys are slash-separated and
// relative to the storage root.
type FileStorage interface {
	// Put persists a complete file body.
	Put(ctx context.Context, key string, data []byte, meta Meta) error
	// PutStream persists a file body read from r and returns the bytes written.
	PutStream(ctx context.Context, key string, r io.Reader, meta Meta) (int64, error)
	// Open returns a reader for the stored file.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the file from storage.
	Delete(ctx context.Context, key string) error
}
