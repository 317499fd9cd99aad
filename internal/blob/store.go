// Package blob provides content-addressed, write-once storage for uploaded
// media, pipeline intermediates, and final clips. Blob ids are the lowercase
// hex SHA-256 of the full content, so concurrent writes of identical bytes
// are idempotent.
package blob

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a blob does not exist in the store.
var ErrNotFound = errors.New("blob not found")

// Info describes a stored blob.
type Info struct {
	// Digest is the lowercase hex SHA-256 of the content.
	Digest string
	// Size is the content length in bytes.
	Size int64
}

// Store defines the interface for content-addressed blob storage.
type Store interface {
	// Put streams data into the store and returns its digest and size.
	// Writing content that already exists is a no-op success.
	Put(ctx context.Context, data io.Reader) (Info, error)

	// Open returns a reader over a blob's content.
	// The caller is responsible for closing the returned ReadCloser.
	Open(ctx context.Context, digest string) (io.ReadCloser, error)

	// Stat reports whether a blob exists and its size.
	Stat(ctx context.Context, digest string) (Info, error)

	// Path returns a local filesystem path for the blob, for handing to
	// external tools such as ffmpeg.
	Path(digest string) string

	// Delete removes a blob's bytes. Deleting a missing blob is a no-op.
	Delete(ctx context.Context, digest string) error

	// URL returns a retrievable URL for the blob, suitable for clients.
	// Implementations may return a pre-signed remote URL or a local
	// artifact path served by the HTTP surface.
	URL(ctx context.Context, digest string) (string, error)
}
