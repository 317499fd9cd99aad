package upload

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/job"
)

// mp4Header is enough of an ftyp box for content sniffing to report
// video/mp4.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2',
	0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm',
}

func newTestAssembler(t *testing.T) *Assembler {
	t.Helper()
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	a, err := NewAssembler(store, job.NewMemoryRepository(), t.TempDir(), 10<<20, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	return a
}

// uploadBody builds a payload of the given size starting with an mp4 header.
func uploadBody(size int) []byte {
	body := make([]byte, size)
	copy(body, mp4Header)
	for i := len(mp4Header); i < size; i++ {
		body[i] = byte(i % 251)
	}
	return body
}

func TestAssembler_InitValidation(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		filename    string
		size        int64
		contentType string
		chunkSize   int64
		wantKind    apperror.Kind
	}{
		{"ok", "video.mp4", 1000, "", 0, ""},
		{"ok with declared type", "video.mp4", 1000, "video/mp4", 0, ""},
		{"zero size", "video.mp4", 0, "", 0, apperror.KindInvalidParameters},
		{"oversize", "video.mp4", 11 << 20, "", 0, apperror.KindOversize},
		{"bad extension", "document.pdf", 1000, "", 0, apperror.KindRejectedType},
		{"type mismatch", "video.mp4", 1000, "audio/mpeg", 0, apperror.KindInvalidParameters},
		{"chunk too small", "video.mp4", 1000, "", 1024, apperror.KindInvalidParameters},
		{"chunk too large", "video.mp4", 1000, "", 32 << 20, apperror.KindInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Init(ctx, "p1", tt.filename, tt.size, tt.contentType, tt.chunkSize)
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if res.UploadID == "" || res.TotalChunks < 1 {
					t.Error("expected a usable session")
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if got := apperror.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %s, want %s", got, tt.wantKind)
			}
		})
	}
}

func TestAssembler_ChunkFlow(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	body := uploadBody(200_000)
	chunkSize := int64(64 << 10)
	res, err := a.Init(ctx, "p1", "clip.mp4", int64(len(body)), "", chunkSize)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if res.TotalChunks != 4 {
		t.Fatalf("expected 4 chunks, got %d", res.TotalChunks)
	}

	// Chunks arrive out of order.
	for _, idx := range []int{2, 0, 3, 1} {
		start := int64(idx) * chunkSize
		end := start + chunkSize
		if end > int64(len(body)) {
			end = int64(len(body))
		}
		if err := a.WriteChunk(ctx, "p1", res.UploadID, idx, bytes.NewReader(body[start:end])); err != nil {
			t.Fatalf("WriteChunk %d failed: %v", idx, err)
		}
	}

	received, total, err := a.Received("p1", res.UploadID)
	if err != nil {
		t.Fatalf("Received failed: %v", err)
	}
	if received != 4 || total != 4 {
		t.Errorf("received = %d/%d, want 4/4", received, total)
	}

	done, err := a.Complete(ctx, "p1", res.UploadID)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Size != int64(len(body)) {
		t.Errorf("size = %d, want %d", done.Size, len(body))
	}
	if done.ContentType != "video/mp4" {
		t.Errorf("content type = %s, want video/mp4", done.ContentType)
	}

	// The session is gone after completion.
	if _, _, err := a.Received("p1", res.UploadID); apperror.KindOf(err) != apperror.KindNotFound {
		t.Error("expected session removed after completion")
	}
}

func TestAssembler_ChunkIdempotentRewrite(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	body := uploadBody(100)
	res, err := a.Init(ctx, "p1", "clip.mp4", 100, "", 0)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if err := a.WriteChunk(ctx, "p1", res.UploadID, 0, bytes.NewReader(body)); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	// Same length retry is a no-op success.
	if err := a.WriteChunk(ctx, "p1", res.UploadID, 0, bytes.NewReader(body)); err != nil {
		t.Errorf("expected idempotent rewrite to succeed, got %v", err)
	}

	// Differing length is a conflict.
	err = a.WriteChunk(ctx, "p1", res.UploadID, 0, bytes.NewReader(body[:50]))
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestAssembler_ChunkValidation(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	res, err := a.Init(ctx, "p1", "clip.mp4", 100, "", 0)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Out of range index.
	err = a.WriteChunk(ctx, "p1", res.UploadID, 5, strings.NewReader("x"))
	if apperror.KindOf(err) != apperror.KindInvalidParameters {
		t.Errorf("expected invalid-parameters for out-of-range index, got %v", err)
	}

	// Wrong length.
	err = a.WriteChunk(ctx, "p1", res.UploadID, 0, strings.NewReader("short"))
	if apperror.KindOf(err) != apperror.KindInvalidParameters {
		t.Errorf("expected invalid-parameters for short chunk, got %v", err)
	}

	// Unknown session.
	err = a.WriteChunk(ctx, "p1", "up-bogus", 0, strings.NewReader("x"))
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestAssembler_CompleteIncomplete(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	body := uploadBody(200_000)
	res, err := a.Init(ctx, "p1", "clip.mp4", int64(len(body)), "", 64<<10)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := a.WriteChunk(ctx, "p1", res.UploadID, 0, bytes.NewReader(body[:64<<10])); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	_, err = a.Complete(ctx, "p1", res.UploadID)
	if apperror.KindOf(err) != apperror.KindIncomplete {
		t.Errorf("expected incomplete, got %v", err)
	}

	// The session survives a failed completion.
	if _, _, err := a.Received("p1", res.UploadID); err != nil {
		t.Error("expected session to survive an incomplete completion")
	}
}

func TestAssembler_ForeignPrincipal(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	res, err := a.Init(ctx, "p1", "clip.mp4", 100, "", 0)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	// Another principal sees not-found, never forbidden, so session ids
	// do not leak ownership.
	err = a.WriteChunk(ctx, "p2", res.UploadID, 0, strings.NewReader("x"))
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Errorf("expected not-found for foreign principal, got %v", err)
	}
	if _, err := a.Complete(ctx, "p2", res.UploadID); apperror.KindOf(err) != apperror.KindNotFound {
		t.Errorf("expected not-found for foreign complete, got %v", err)
	}
}

func TestAssembler_Abort(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	res, err := a.Init(ctx, "p1", "clip.mp4", 100, "", 0)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if err := a.Abort(ctx, "p1", res.UploadID); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, _, err := a.Received("p1", res.UploadID); apperror.KindOf(err) != apperror.KindNotFound {
		t.Error("expected session removed after abort")
	}
}

func TestAssembler_ExpiredSession(t *testing.T) {
	store, err := blob.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	a, err := NewAssembler(store, job.NewMemoryRepository(), t.TempDir(), 10<<20, time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	ctx := context.Background()

	res, err := a.Init(ctx, "p1", "clip.mp4", 100, "", 0)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	err = a.WriteChunk(ctx, "p1", res.UploadID, 0, strings.NewReader("x"))
	if apperror.KindOf(err) != apperror.KindExpired {
		t.Errorf("expected expired, got %v", err)
	}
}

func TestAssembler_DetectRejectsNonVideo(t *testing.T) {
	a := newTestAssembler(t)
	ctx := context.Background()

	// A well-formed PNG renamed to .mp4 fails detection at completion.
	body := append([]byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}, make([]byte, 92)...)
	res, err := a.Init(ctx, "p1", "sneaky.mp4", int64(len(body)), "", 0)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := a.WriteChunk(ctx, "p1", res.UploadID, 0, bytes.NewReader(body)); err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	_, err = a.Complete(ctx, "p1", res.UploadID)
	if apperror.KindOf(err) != apperror.KindRejectedType {
		t.Errorf("expected rejected-type, got %v", err)
	}
}

func TestBitset(t *testing.T) {
	b := newBitset(130)

	if b.full() {
		t.Error("empty bitset must not be full")
	}
	for i := 0; i < 130; i++ {
		b.set(i)
	}
	if !b.full() {
		t.Error("expected bitset full after setting every index")
	}
	if b.count() != 130 {
		t.Errorf("count = %d, want 130", b.count())
	}

	small := newBitset(3)
	small.set(0)
	small.set(2)
	if small.full() {
		t.Error("bitset with a hole must not be full")
	}
	if small.count() != 2 {
		t.Errorf("count = %d, want 2", small.count())
	}
	if !small.get(2) || small.get(1) {
		t.Error("get returned wrong membership")
	}
}

func TestNewSessionID(t *testing.T) {
	a := newSessionID()
	b := newSessionID()

	if !strings.HasPrefix(a, "up-") {
		t.Errorf("expected up- prefix, got %s", a)
	}
	if a == b {
		t.Error("expected unique session ids")
	}
}
