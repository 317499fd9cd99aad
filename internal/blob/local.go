package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Compile-time check that LocalStore implements Store.
var _ Store = (*LocalStore)(nil)

// LocalStore implements Store on the local filesystem. Blobs are laid out
// under root/<first two hex chars>/<digest> so directories stay small.
// Writes go to a temp file first and are renamed into place, which keeps
// the store write-once: a rename over an existing digest is harmless
// because the content is identical by construction.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at dir.
// The directory is created if it doesn't exist.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "clipforge-blobs")
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}

	return &LocalStore{root: dir}, nil
}

// Root returns the store's root directory.
func (s *LocalStore) Root() string {
	return s.root
}

// Path returns the filesystem path for a digest. The blob may or may not exist.
func (s *LocalStore) Path(digest string) string {
	if len(digest) < 2 {
		return filepath.Join(s.root, digest)
	}
	return filepath.Join(s.root, digest[:2], digest)
}

// Put streams data into the store, computing the digest as it writes.
func (s *LocalStore) Put(ctx context.Context, data io.Reader) (Info, error) {
	select {
	case <-ctx.Done():
		return Info{}, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	tmp, err := os.CreateTemp(s.root, "incoming_*")
	if err != nil {
		return Info{}, fmt.Errorf("create temp blob: %w", err)
	}
	tmpName := tmp.Name()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), data)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return Info{}, fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return Info{}, fmt.Errorf("close blob: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	dst := s.Path(digest)

	if err := os.MkdirAll(filepath.Dir(dst), 0750); err != nil {
		_ = os.Remove(tmpName)
		return Info{}, fmt.Errorf("create blob shard: %w", err)
	}

	// Existing blob with the same digest holds identical content.
	if _, statErr := os.Stat(dst); statErr == nil {
		_ = os.Remove(tmpName)
		return Info{Digest: digest, Size: size}, nil
	}

	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return Info{}, fmt.Errorf("finalize blob: %w", err)
	}

	return Info{Digest: digest, Size: size}, nil
}

// Open returns a reader over a blob's content.
func (s *LocalStore) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	f, err := os.Open(s.Path(digest)) // #nosec G304 - path is derived from a hex digest
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Stat reports whether a blob exists and its size.
func (s *LocalStore) Stat(_ context.Context, digest string) (Info, error) {
	fi, err := os.Stat(s.Path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat blob: %w", err)
	}
	return Info{Digest: digest, Size: fi.Size()}, nil
}

// Delete removes a blob's bytes. Missing blobs are ignored.
func (s *LocalStore) Delete(_ context.Context, digest string) error {
	if err := os.Remove(s.Path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// URL returns an opaque artifact path served by the HTTP surface.
func (s *LocalStore) URL(_ context.Context, digest string) (string, error) {
	return "/blobs/" + digest, nil
}
