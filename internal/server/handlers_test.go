package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/events"
	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/scheduler"
	"github.com/clipforge/clipforge-api/internal/upload"
)

// mp4Header is enough of an ftyp box for content sniffing to report
// video/mp4.
var mp4Header = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'm', 'p', '4', '2',
	0x00, 0x00, 0x00, 0x00, 'm', 'p', '4', '2', 'i', 's', 'o', 'm',
}

type noopRunner struct{}

func (noopRunner) Run(_ context.Context, _ *job.Job, _ func(phase string, percent int, description string)) (job.Results, error) {
	return job.Results{}, nil
}

type serverFixture struct {
	router http.Handler
	repo   job.Repository
	store  blob.Store
	sched  *scheduler.Scheduler
}

// newServerFixture wires real components behind the router. The scheduler
// is never started, so submitted jobs stay PENDING.
func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	repo := job.NewMemoryRepository()
	bus := events.NewBus(16)

	uploads, err := upload.NewAssembler(store, repo, t.TempDir(), 10<<20, time.Hour, logger)
	require.NoError(t, err)

	sched := scheduler.New(repo, noopRunner{}, bus, store, nil, nil, scheduler.Options{}, logger)
	h := NewHandlers(uploads, sched, repo, store, logger)

	return &serverFixture{
		router: NewRouter(h, logger, DefaultConfig()),
		repo:   repo,
		store:  store,
		sched:  sched,
	}
}

func (f *serverFixture) do(t *testing.T, method, target, principal string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if principal != "" {
		req.Header.Set("X-Principal-ID", principal)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

// chunkForm builds the multipart body of a chunk request: the index in
// the chunk_number field and the bytes in the chunk file part.
func chunkForm(t *testing.T, index int, data []byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chunk_number", strconv.Itoa(index)))
	fw, err := mw.CreateFormFile("chunk", "chunk.bin")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (f *serverFixture) doChunk(t *testing.T, uploadID, principal string, index int, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := chunkForm(t, index, data)
	req := httptest.NewRequest(http.MethodPost, "/upload/chunk/"+uploadID, body)
	req.Header.Set("X-Principal-ID", principal)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func decodeJSON[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&out))
	return out
}

// uploadBlob pushes a small valid mp4 through the chunked upload endpoints
// and returns its blob id.
func (f *serverFixture) uploadBlob(t *testing.T, principal string) string {
	t.Helper()

	body := make([]byte, 1000)
	copy(body, mp4Header)

	rr := f.do(t, http.MethodPost, "/upload/init", principal, jsonBody(t, InitUploadRequest{
		Filename: "clip.mp4",
		Size:     int64(len(body)),
	}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	initRes := decodeJSON[InitUploadResponse](t, rr)
	require.Equal(t, 1, initRes.TotalChunks)

	rr = f.doChunk(t, initRes.UploadID, principal, 0, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	chunkRes := decodeJSON[ChunkResponse](t, rr)
	require.Equal(t, 1, chunkRes.Received)

	rr = f.do(t, http.MethodPost, "/upload/complete/"+initRes.UploadID, principal, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	completeRes := decodeJSON[CompleteUploadResponse](t, rr)
	require.Len(t, completeRes.BlobID, 64)
	require.Equal(t, "video/mp4", completeRes.ContentType)

	return completeRes.BlobID
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)

	// Health needs no principal identity.
	rr := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	res := decodeJSON[HealthResponse](t, rr)
	assert.Equal(t, "ok", res.Status)
}

func TestMissingPrincipal(t *testing.T) {
	f := newServerFixture(t)

	rr := f.do(t, http.MethodGet, "/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	res := decodeJSON[ErrorResponse](t, rr)
	assert.Equal(t, string(apperror.KindForbidden), res.Kind)
}

func TestUploadAndJobLifecycle(t *testing.T) {
	f := newServerFixture(t)
	blobID := f.uploadBlob(t, "p1")

	// Submit.
	rr := f.do(t, http.MethodPost, "/jobs", "p1", jsonBody(t, CreateJobRequest{InputBlobID: blobID}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decodeJSON[JobResponse](t, rr)
	assert.Equal(t, string(job.StatusPending), created.Status)
	assert.Equal(t, blobID, created.InputBlobID)
	assert.Equal(t, job.AspectPortrait, created.Options.AspectRatio)
	assert.Equal(t, job.QualityMedium, created.Options.QualityPreset)
	assert.Nil(t, created.StartedAt)

	// Fetch.
	rr = f.do(t, http.MethodGet, "/jobs/"+created.ID, "p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	got := decodeJSON[JobResponse](t, rr)
	assert.Equal(t, created.ID, got.ID)

	// List.
	rr = f.do(t, http.MethodGet, "/jobs", "p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeJSON[ListJobsResponse](t, rr)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, 50, list.Limit)

	// Another principal sees nothing.
	rr = f.do(t, http.MethodGet, "/jobs/"+created.ID, "p2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodGet, "/jobs", "p2", nil)
	assert.Empty(t, decodeJSON[ListJobsResponse](t, rr).Jobs)

	// Cancel.
	rr = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", "p1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/jobs/"+created.ID, "p1", nil)
	got = decodeJSON[JobResponse](t, rr)
	assert.Equal(t, string(job.StatusCancelled), got.Status)
	assert.NotNil(t, got.FinishedAt)
}

func TestCreateJob_Validation(t *testing.T) {
	f := newServerFixture(t)

	// Malformed JSON.
	rr := f.do(t, http.MethodPost, "/jobs", "p1", strings.NewReader("{"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// A blob id that is not 64 hex characters.
	rr = f.do(t, http.MethodPost, "/jobs", "p1", jsonBody(t, CreateJobRequest{InputBlobID: "abc"}))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// A well-formed digest nobody uploaded.
	missing := strings.Repeat("ab", 32)
	rr = f.do(t, http.MethodPost, "/jobs", "p1", jsonBody(t, CreateJobRequest{InputBlobID: missing}))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	res := decodeJSON[ErrorResponse](t, rr)
	assert.Equal(t, string(apperror.KindNotFound), res.Kind)
	assert.False(t, res.Retryable)
}

func TestCreateJob_ForeignBlob(t *testing.T) {
	f := newServerFixture(t)
	blobID := f.uploadBlob(t, "p1")

	rr := f.do(t, http.MethodPost, "/jobs", "p2", jsonBody(t, CreateJobRequest{InputBlobID: blobID}))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListJobs_BadQuery(t *testing.T) {
	f := newServerFixture(t)

	for _, target := range []string{
		"/jobs?limit=abc",
		"/jobs?limit=0",
		"/jobs?offset=-1",
		"/jobs?created_after=yesterday",
		"/jobs?created_before=13-01-2026",
	} {
		rr := f.do(t, http.MethodGet, target, "p1", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code, target)
	}
}

func TestWriteChunk_BadForm(t *testing.T) {
	f := newServerFixture(t)

	// Raw body instead of a multipart form.
	rr := f.do(t, http.MethodPost, "/upload/chunk/up-whatever", "p1", bytes.NewReader([]byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Form without the chunk_number field.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("chunk", "chunk.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload/chunk/up-whatever", &buf)
	req.Header.Set("X-Principal-ID", "p1")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Form without the chunk file part.
	buf.Reset()
	mw = multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chunk_number", "0"))
	require.NoError(t, mw.Close())

	req = httptest.NewRequest(http.MethodPost, "/upload/chunk/up-whatever", &buf)
	req.Header.Set("X-Principal-ID", "p1")
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr = httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAbortUpload(t *testing.T) {
	f := newServerFixture(t)

	rr := f.do(t, http.MethodPost, "/upload/init", "p1", jsonBody(t, InitUploadRequest{
		Filename: "clip.mp4",
		Size:     100,
	}))
	require.Equal(t, http.StatusCreated, rr.Code)
	initRes := decodeJSON[InitUploadResponse](t, rr)

	rr = f.do(t, http.MethodPost, "/upload/abort/"+initRes.UploadID, "p1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.doChunk(t, initRes.UploadID, "p1", 0, []byte("x"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetBlob(t *testing.T) {
	f := newServerFixture(t)
	blobID := f.uploadBlob(t, "p1")

	rr := f.do(t, http.MethodGet, "/blobs/"+blobID, "p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
	assert.Equal(t, "1000", rr.Header().Get("Content-Length"))
	assert.Len(t, rr.Body.Bytes(), 1000)

	// Blobs of other principals and unknown digests read identically.
	rr = f.do(t, http.MethodGet, "/blobs/"+blobID, "p2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodGet, "/blobs/"+strings.Repeat("cd", 32), "p1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestArtifacts(t *testing.T) {
	f := newServerFixture(t)
	blobID := f.uploadBlob(t, "p1")

	rr := f.do(t, http.MethodPost, "/jobs", "p1", jsonBody(t, CreateJobRequest{InputBlobID: blobID}))
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decodeJSON[JobResponse](t, rr)

	arts := []job.Artifact{
		{ID: "art-1", JobID: created.ID, Ordinal: 1, BlobID: blobID, Duration: 30, SourceStart: 10, SourceEnd: 40, AspectRatio: job.AspectPortrait, ViralScore: 7.5},
		{ID: "art-2", JobID: created.ID, Ordinal: 2, BlobID: blobID, Duration: 30, SourceStart: 60, SourceEnd: 90, AspectRatio: job.AspectPortrait, ViralScore: 6.0},
	}
	require.NoError(t, f.repo.SaveArtifacts(context.Background(), created.ID, arts))

	rr = f.do(t, http.MethodGet, "/jobs/"+created.ID+"/artifacts", "p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decodeJSON[ListArtifactsResponse](t, rr)
	require.Len(t, list.Artifacts, 2)
	assert.Equal(t, 1, list.Artifacts[0].Ordinal)
	assert.NotEmpty(t, list.Artifacts[0].URL)
	assert.Equal(t, 7.5, list.Artifacts[0].ViralScore)

	rr = f.do(t, http.MethodGet, "/artifacts/art-1", "p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	one := decodeJSON[ArtifactResponse](t, rr)
	assert.Equal(t, created.ID, one.JobID)

	// Foreign principals and unknown ids read identically.
	rr = f.do(t, http.MethodGet, "/artifacts/art-1", "p2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = f.do(t, http.MethodGet, "/artifacts/no-such-artifact", "p1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStreamEvents(t *testing.T) {
	f := newServerFixture(t)
	blobID := f.uploadBlob(t, "p1")

	rr := f.do(t, http.MethodPost, "/jobs", "p1", jsonBody(t, CreateJobRequest{InputBlobID: blobID}))
	require.Equal(t, http.StatusCreated, rr.Code)
	created := decodeJSON[JobResponse](t, rr)

	// Cancelling closes the job's stream, so the SSE handler delivers the
	// terminal snapshot and returns instead of blocking.
	rr = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", "p1", nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, "/jobs/"+created.ID+"/events", "p1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/event-stream", rr.Header().Get("Content-Type"))

	body := rr.Body.String()
	assert.Contains(t, body, "id: ")
	assert.Contains(t, body, "data: ")
	assert.Contains(t, body, string(job.StatusCancelled))

	// Streams of foreign jobs are not observable.
	rr = f.do(t, http.MethodGet, "/jobs/"+created.ID+"/events", "p2", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/jobs", nil)
	req.Header.Set("Origin", "https://studio.example.com")
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "https://studio.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-Principal-ID")
}

func TestParseListFilter(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/jobs?status=PENDING&type=VIDEOCLIP&limit=%d&offset=10", maxListLimit+100), nil)

	filter, err := parseListFilter(req)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, filter.Status)
	assert.Equal(t, job.TypeVideoClip, filter.Type)
	assert.Equal(t, maxListLimit, filter.Limit)
	assert.Equal(t, 10, filter.Offset)
}
