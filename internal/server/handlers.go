package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/job"
	"github.com/clipforge/clipforge-api/internal/scheduler"
	"github.com/clipforge/clipforge-api/internal/upload"
)

// sseKeepalive is the idle comment interval that keeps proxies from
// closing quiet event streams.
const sseKeepalive = 15 * time.Second

// maxListLimit caps the page size of listing endpoints.
const maxListLimit = 200

// maxChunkFormMemory bounds the in-memory portion of a parsed chunk
// form; larger chunk parts spill to temp files.
const maxChunkFormMemory = 32 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	uploads   *upload.Assembler
	sched     *scheduler.Scheduler
	repo      job.Repository
	store     blob.Store
	validator *validator.Validate
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(uploads *upload.Assembler, sched *scheduler.Scheduler, repo job.Repository, store blob.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		uploads:   uploads,
		sched:     sched,
		repo:      repo,
		store:     store,
		validator: validator.New(),
		logger:    logger,
	}
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// InitUpload handles POST /upload/init requests.
func (h *Handlers) InitUpload(w http.ResponseWriter, r *http.Request) {
	var req InitUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, "invalid JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, err.Error()))
		return
	}

	res, err := h.uploads.Init(r.Context(), principalFrom(r), req.Filename, req.Size, req.ContentType, req.ChunkSize)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, InitUploadResponse{
		UploadID:    res.UploadID,
		ChunkSize:   res.ChunkSize,
		TotalChunks: res.TotalChunks,
		ExpiresAt:   res.ExpiresAt,
	})
}

// WriteChunk handles POST /upload/chunk/{id} requests. The body is a
// multipart form carrying the chunk index in the chunk_number field and
// the chunk bytes in the chunk file part.
func (h *Handlers) WriteChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("id")

	if err := r.ParseMultipartForm(maxChunkFormMemory); err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, "body must be a multipart form"))
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	index, err := strconv.Atoi(r.FormValue("chunk_number"))
	if err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, "chunk_number form field is required"))
		return
	}
	part, _, err := r.FormFile("chunk")
	if err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, "chunk form file is required"))
		return
	}
	defer func() { _ = part.Close() }()

	principal := principalFrom(r)
	if err := h.uploads.WriteChunk(r.Context(), principal, uploadID, index, part); err != nil {
		writeAppError(w, err)
		return
	}

	received, total, err := h.uploads.Received(principal, uploadID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChunkResponse{Received: received, TotalChunks: total})
}

// CompleteUpload handles POST /upload/complete/{id} requests.
func (h *Handlers) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	res, err := h.uploads.Complete(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteUploadResponse{
		BlobID:      res.BlobID,
		Size:        res.Size,
		ContentType: res.ContentType,
	})
}

// AbortUpload handles POST /upload/abort/{id} requests.
func (h *Handlers) AbortUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.uploads.Abort(r.Context(), principalFrom(r), r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, "invalid JSON body"))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeAppError(w, apperror.New(apperror.KindInvalidParameters, err.Error()))
		return
	}

	j, err := h.sched.Submit(r.Context(), principalFrom(r), req.InputBlobID, req.Options)
	if err != nil {
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toJobResponse(j))
}

// ListJobs handles GET /jobs requests with status, type, date, and
// pagination query parameters.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeAppError(w, err)
		return
	}

	jobs, err := h.sched.List(r.Context(), principalFrom(r), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}

	resp := ListJobsResponse{
		Jobs:   make([]JobResponse, len(jobs)),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	}
	for i, j := range jobs {
		resp.Jobs[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.sched.Status(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(j))
}

// CancelJob handles POST /jobs/{id}/cancel requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	if err := h.sched.Cancel(r.Context(), principalFrom(r), r.PathValue("id")); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents handles GET /jobs/{id}/events requests as a server-sent
// event stream. The id field carries the per-job sequence number so
// clients can detect gaps after a reconnect.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAppError(w, apperror.New(apperror.KindUnavailable, "streaming not supported"))
		return
	}

	ch, cancel, err := h.sched.Subscribe(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				// Stream closed: terminal event delivered or subscriber
				// dropped for falling behind.
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, data)
			flusher.Flush()
		}
	}
}

// ListArtifacts handles GET /jobs/{id}/artifacts requests.
func (h *Handlers) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	// Ownership check doubles as existence check.
	j, err := h.sched.Status(r.Context(), principalFrom(r), r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	artifacts, err := h.repo.ListArtifactsByJob(r.Context(), j.ID)
	if err != nil {
		writeAppError(w, apperror.Wrap(apperror.KindTransientIO, "failed to list artifacts", err))
		return
	}

	resp := ListArtifactsResponse{Artifacts: make([]ArtifactResponse, len(artifacts))}
	for i, a := range artifacts {
		resp.Artifacts[i] = toArtifactResponse(a, h.artifactURL(r, a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetArtifact handles GET /artifacts/{id} requests.
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := h.repo.FindArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAppError(w, apperror.New(apperror.KindNotFound, "artifact not found"))
		return
	}

	// Artifacts of other principals are indistinguishable from missing.
	if _, err := h.sched.Status(r.Context(), principalFrom(r), a.JobID); err != nil {
		writeAppError(w, apperror.New(apperror.KindNotFound, "artifact not found"))
		return
	}

	writeJSON(w, http.StatusOK, toArtifactResponse(a, h.artifactURL(r, a)))
}

// GetBlob handles GET /blobs/{digest} requests, serving stored content
// in local mode. Blobs of other principals are indistinguishable from
// missing.
func (h *Handlers) GetBlob(w http.ResponseWriter, r *http.Request) {
	digest := r.PathValue("digest")

	rec, err := h.repo.FindBlob(r.Context(), digest)
	if err != nil || rec.OwnerID != principalFrom(r) {
		writeAppError(w, apperror.New(apperror.KindNotFound, "blob not found"))
		return
	}

	rc, err := h.store.Open(r.Context(), digest)
	if err != nil {
		writeAppError(w, apperror.New(apperror.KindNotFound, "blob not found"))
		return
	}
	defer func() { _ = rc.Close() }()

	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream blob",
			slog.String("digest", digest),
			slog.String("error", err.Error()),
		)
	}
}

// artifactURL resolves a retrievable URL for an artifact's blob. A failed
// resolution omits the URL rather than failing the request.
func (h *Handlers) artifactURL(r *http.Request, a job.Artifact) string {
	url, err := h.store.URL(r.Context(), a.BlobID)
	if err != nil {
		h.logger.Warn("failed to resolve artifact URL",
			slog.String("artifact_id", a.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return url
}

// parseListFilter reads the listing query parameters.
func parseListFilter(r *http.Request) (job.ListFilter, error) {
	q := r.URL.Query()
	filter := job.ListFilter{Limit: 50}

	if s := q.Get("status"); s != "" {
		filter.Status = job.Status(s)
	}
	if t := q.Get("type"); t != "" {
		filter.Type = job.Type(t)
	}
	if v := q.Get("created_after"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return job.ListFilter{}, apperror.New(apperror.KindInvalidParameters, "created_after must be RFC 3339")
		}
		filter.CreatedAfter = ts
	}
	if v := q.Get("created_before"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return job.ListFilter{}, apperror.New(apperror.KindInvalidParameters, "created_before must be RFC 3339")
		}
		filter.CreatedBefore = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return job.ListFilter{}, apperror.New(apperror.KindInvalidParameters, "limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return job.ListFilter{}, apperror.New(apperror.KindInvalidParameters, "offset must be a non-negative integer")
		}
		filter.Offset = n
	}

	return filter, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeAppError maps a classified error onto the wire contract.
func writeAppError(w http.ResponseWriter, err error) {
	kind := apperror.KindOf(err)
	writeJSON(w, apperror.HTTPStatus(kind), ErrorResponse{
		Kind:      string(kind),
		Message:   apperror.MessageOf(err),
		Retryable: apperror.Retryable(kind),
	})
}
