package upload

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/job"
)

const (
	// DefaultChunkSize is used when the client does not request one.
	DefaultChunkSize int64 = 1 << 20 // 1 MiB
	// minChunkSize and maxChunkSize bound client-requested chunk sizes.
	minChunkSize int64 = 64 << 10
	maxChunkSize int64 = 16 << 20
)

// allowedExtensions maps accepted filename extensions to the declared
// content types considered consistent with them. The declared type is
// used only for quota accounting; the detected type is authoritative.
var allowedExtensions = map[string][]string{
	".mp4":  {"video/mp4"},
	".mov":  {"video/quicktime"},
	".mkv":  {"video/x-matroska", "video/webm"},
	".webm": {"video/webm"},
	".avi":  {"video/x-msvideo", "video/avi"},
}

// InitResult is returned by Init and tells the client how to chunk.
type InitResult struct {
	UploadID    string
	ChunkSize   int64
	TotalChunks int
	ExpiresAt   time.Time
}

// CompleteResult describes the promoted blob.
type CompleteResult struct {
	BlobID      string
	Size        int64
	ContentType string
}

// Assembler manages upload sessions: init, idempotent chunk writes,
// completion into the blob store, and TTL expiry.
type Assembler struct {
	mu       sync.RWMutex
	sessions map[string]*session

	store    blob.Store
	repo     job.Repository
	logger   *slog.Logger
	dir      string
	maxBytes int64
	ttl      time.Duration
}

// NewAssembler creates an Assembler keeping chunk files under dir.
func NewAssembler(store blob.Store, repo job.Repository, dir string, maxBytes int64, ttl time.Duration, logger *slog.Logger) (*Assembler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "clipforge-uploads")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &Assembler{
		sessions: make(map[string]*session),
		store:    store,
		repo:     repo,
		logger:   logger,
		dir:      dir,
		maxBytes: maxBytes,
		ttl:      ttl,
	}, nil
}

// StartCleanup runs the expiry sweep until the context is cancelled.
func (a *Assembler) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.sweepExpired()
		case <-ctx.Done():
			return
		}
	}
}

// sweepExpired removes sessions past their TTL and their chunk files.
func (a *Assembler) sweepExpired() {
	now := time.Now()

	a.mu.Lock()
	var dead []*session
	for id, s := range a.sessions {
		if s.expired(now) {
			dead = append(dead, s)
			delete(a.sessions, id)
		}
	}
	a.mu.Unlock()

	for _, s := range dead {
		if err := os.RemoveAll(s.dir); err != nil {
			a.logger.Warn("failed to remove expired upload",
				slog.String("upload_id", s.id),
				slog.String("error", err.Error()),
			)
		} else {
			a.logger.Info("expired upload session removed",
				slog.String("upload_id", s.id),
			)
		}
	}
}

// Init validates the declared file and creates an upload session.
func (a *Assembler) Init(_ context.Context, principalID, filename string, size int64, contentType string, chunkSize int64) (InitResult, error) {
	if principalID == "" || filename == "" {
		return InitResult{}, apperror.New(apperror.KindInvalidParameters, "principal and filename are required")
	}
	if size <= 0 {
		return InitResult{}, apperror.New(apperror.KindInvalidParameters, "file size must be positive")
	}
	if size > a.maxBytes {
		return InitResult{}, apperror.Newf(apperror.KindOversize, "file exceeds maximum upload size of %d bytes", a.maxBytes)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	declared, ok := allowedExtensions[ext]
	if !ok {
		return InitResult{}, apperror.Newf(apperror.KindRejectedType, "file extension %q is not supported", ext)
	}
	if contentType != "" && !containsType(declared, contentType) {
		return InitResult{}, apperror.Newf(apperror.KindInvalidParameters, "declared content type %q does not match extension %q", contentType, ext)
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < minChunkSize || chunkSize > maxChunkSize {
		return InitResult{}, apperror.Newf(apperror.KindInvalidParameters, "chunk size must be between %d and %d bytes", minChunkSize, maxChunkSize)
	}

	totalChunks := int((size + chunkSize - 1) / chunkSize)
	id := newSessionID()
	dir := filepath.Join(a.dir, id)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return InitResult{}, apperror.Wrap(apperror.KindInternal, "failed to create upload session", err)
	}

	now := time.Now()
	s := &session{
		id:           id,
		principalID:  principalID,
		filename:     filename,
		declaredSize: size,
		declaredType: contentType,
		chunkSize:    chunkSize,
		totalChunks:  totalChunks,
		received:     newBitset(totalChunks),
		dir:          dir,
		createdAt:    now,
		expiresAt:    now.Add(a.ttl),
	}

	a.mu.Lock()
	a.sessions[id] = s
	a.mu.Unlock()

	a.logger.Info("upload session created",
		slog.String("upload_id", id),
		slog.String("principal_id", principalID),
		slog.Int64("size", size),
		slog.Int("total_chunks", totalChunks),
	)

	return InitResult{
		UploadID:    id,
		ChunkSize:   chunkSize,
		TotalChunks: totalChunks,
		ExpiresAt:   s.expiresAt,
	}, nil
}

// WriteChunk stores the bytes for one chunk index. Rewriting an accepted
// index with the same length is a no-op success; a differing length is a
// conflict. All chunks must match their expected length exactly.
func (a *Assembler) WriteChunk(ctx context.Context, principalID, uploadID string, index int, data io.Reader) error {
	s, err := a.ownedSession(principalID, uploadID)
	if err != nil {
		return err
	}

	if index < 0 || index >= s.totalChunks {
		return apperror.Newf(apperror.KindInvalidParameters, "chunk index %d out of range [0, %d)", index, s.totalChunks)
	}

	expected := s.expectedChunkLen(index)

	// Read into a temp file first so a short or broken body never
	// marks the bitmap.
	tmp, err := os.CreateTemp(s.dir, "chunk_tmp_*")
	if err != nil {
		return apperror.Wrap(apperror.KindTransientIO, "failed to stage chunk", err)
	}
	tmpName := tmp.Name()
	written, err := io.Copy(tmp, io.LimitReader(data, expected+1))
	closeErr := tmp.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(tmpName)
		return apperror.Wrap(apperror.KindTransientIO, "failed to stage chunk", err)
	}

	select {
	case <-ctx.Done():
		_ = os.Remove(tmpName)
		return apperror.Wrap(apperror.KindTransientIO, "request cancelled", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.received.get(index) {
		_ = os.Remove(tmpName)
		if written == expected {
			// Idempotent retry of an already-accepted chunk.
			return nil
		}
		return apperror.Newf(apperror.KindConflict, "chunk %d already accepted with length %d", index, expected)
	}

	if written != expected {
		_ = os.Remove(tmpName)
		return apperror.Newf(apperror.KindInvalidParameters, "chunk %d must be %d bytes, got %d", index, expected, written)
	}

	if err := os.Rename(tmpName, s.chunkPath(index)); err != nil {
		_ = os.Remove(tmpName)
		return apperror.Wrap(apperror.KindTransientIO, "failed to store chunk", err)
	}
	s.received.set(index)

	return nil
}

// Received returns how many chunks have been accepted so far.
func (a *Assembler) Received(principalID, uploadID string) (int, int, error) {
	s, err := a.ownedSession(principalID, uploadID)
	if err != nil {
		return 0, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received.count(), s.totalChunks, nil
}

// Complete assembles the chunks in index order into a content-addressed
// blob, detects the content type from the leading bytes, registers the
// blob record, and removes the session.
func (a *Assembler) Complete(ctx context.Context, principalID, uploadID string) (CompleteResult, error) {
	s, err := a.ownedSession(principalID, uploadID)
	if err != nil {
		return CompleteResult{}, err
	}

	s.mu.Lock()
	if !s.received.full() {
		missing := s.totalChunks - s.received.count()
		s.mu.Unlock()
		return CompleteResult{}, apperror.Newf(apperror.KindIncomplete, "%d of %d chunks missing", missing, s.totalChunks)
	}
	s.mu.Unlock()

	detected, err := a.detectContentType(s)
	if err != nil {
		return CompleteResult{}, err
	}

	info, err := a.store.Put(ctx, &chunkReader{session: s})
	if err != nil {
		return CompleteResult{}, apperror.Wrap(apperror.KindTransientIO, "failed to assemble upload", err)
	}

	if info.Size != s.declaredSize {
		// Chunk length validation makes this unreachable short of disk
		// corruption between write and complete.
		_ = a.store.Delete(ctx, info.Digest)
		return CompleteResult{}, apperror.Newf(apperror.KindConflict, "assembled size %d does not match declared %d", info.Size, s.declaredSize)
	}

	if err := a.repo.SaveBlob(ctx, job.BlobRecord{
		Digest:      info.Digest,
		Size:        info.Size,
		ContentType: detected,
		OwnerID:     principalID,
		RefCount:    1,
		CreatedAt:   time.Now(),
	}); err != nil {
		return CompleteResult{}, apperror.Wrap(apperror.KindInternal, "failed to register blob", err)
	}

	a.mu.Lock()
	delete(a.sessions, uploadID)
	a.mu.Unlock()
	_ = os.RemoveAll(s.dir)

	a.logger.Info("upload completed",
		slog.String("upload_id", uploadID),
		slog.String("blob_id", info.Digest),
		slog.Int64("size", info.Size),
		slog.String("content_type", detected),
	)

	return CompleteResult{BlobID: info.Digest, Size: info.Size, ContentType: detected}, nil
}

// Abort deletes a session and its partial data.
func (a *Assembler) Abort(_ context.Context, principalID, uploadID string) error {
	s, err := a.ownedSession(principalID, uploadID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	delete(a.sessions, uploadID)
	a.mu.Unlock()

	if err := os.RemoveAll(s.dir); err != nil {
		return apperror.Wrap(apperror.KindTransientIO, "failed to remove upload data", err)
	}

	a.logger.Info("upload aborted", slog.String("upload_id", uploadID))
	return nil
}

// ownedSession resolves a live session owned by the principal. Sessions of
// other principals report not-found so ids don't leak ownership.
func (a *Assembler) ownedSession(principalID, uploadID string) (*session, error) {
	a.mu.RLock()
	s, ok := a.sessions[uploadID]
	a.mu.RUnlock()

	if !ok || s.principalID != principalID {
		return nil, apperror.New(apperror.KindNotFound, "upload session not found")
	}
	if s.expired(time.Now()) {
		return nil, apperror.New(apperror.KindExpired, "upload session expired")
	}
	return s, nil
}

// detectContentType sniffs the leading bytes of the first chunk. The
// detected type is authoritative for downstream processing; the declared
// type is only quota accounting.
func (a *Assembler) detectContentType(s *session) (string, error) {
	f, err := os.Open(s.chunkPath(0)) // #nosec G304 - path is derived from a session id we minted
	if err != nil {
		return "", apperror.Wrap(apperror.KindTransientIO, "failed to read first chunk", err)
	}
	defer func() { _ = f.Close() }()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", apperror.Wrap(apperror.KindTransientIO, "failed to read first chunk", err)
	}

	detected := http.DetectContentType(head[:n])
	base := strings.TrimSpace(strings.Split(detected, ";")[0])

	// Several common containers (mov, some mkv) sniff as octet-stream;
	// only types positively identified as non-video are rejected.
	if base != "application/octet-stream" && !strings.HasPrefix(base, "video/") {
		return "", apperror.Newf(apperror.KindRejectedType, "detected content type %q is not a supported video format", base)
	}
	return base, nil
}

func (s *session) chunkPath(index int) string {
	return filepath.Join(s.dir, fmt.Sprintf("chunk_%06d", index))
}

func containsType(list []string, t string) bool {
	t = strings.ToLower(strings.TrimSpace(strings.Split(t, ";")[0]))
	for _, c := range list {
		if c == t {
			return true
		}
	}
	return false
}

// chunkReader streams a session's chunks in index order.
type chunkReader struct {
	session *session
	index   int
	current io.ReadCloser
}

// Read implements io.Reader across the ordered chunk files.
func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.index >= r.session.totalChunks {
				return 0, io.EOF
			}
			f, err := os.Open(r.session.chunkPath(r.index)) // #nosec G304 - session-scoped path
			if err != nil {
				return 0, fmt.Errorf("open chunk %d: %w", r.index, err)
			}
			r.current = f
			r.index++
		}

		n, err := r.current.Read(p)
		if err == io.EOF {
			_ = r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
