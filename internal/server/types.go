// Package server provides the HTTP surface for the clip-generation API.
// It includes handlers, middleware, routes, and DTOs separated from domain
// types.
package server

import (
	"time"

	"github.com/clipforge/clipforge-api/internal/job"
)

// InitUploadRequest is the HTTP request body for starting an upload.
type InitUploadRequest struct {
	// Filename is the client-side name; its extension gates acceptance.
	Filename string `json:"filename" validate:"required,max=512"`
	// Size is the total upload size in bytes.
	Size int64 `json:"size" validate:"required,min=1"`
	// ContentType is the declared MIME type. Optional; the detected type
	// is authoritative.
	ContentType string `json:"content_type,omitempty"`
	// ChunkSize is the requested chunk size in bytes. Zero selects the
	// server default.
	ChunkSize int64 `json:"chunk_size,omitempty" validate:"omitempty,min=0"`
}

// InitUploadResponse tells the client how to chunk the upload.
type InitUploadResponse struct {
	UploadID    string    `json:"upload_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChunkResponse reports accrual after a chunk write.
type ChunkResponse struct {
	Received    int `json:"received"`
	TotalChunks int `json:"total_chunks"`
}

// CompleteUploadResponse describes the promoted blob.
type CompleteUploadResponse struct {
	BlobID      string `json:"blob_id"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// CreateJobRequest is the HTTP request body for submitting a job.
// Unknown option keys are ignored, not rejected.
type CreateJobRequest struct {
	// InputBlobID is the digest returned by upload completion.
	InputBlobID string `json:"input_blob_id" validate:"required,len=64,hexadecimal"`
	// Options are the processing options. Missing fields take defaults.
	Options job.Options `json:"options"`
}

// JobResponse is the HTTP representation of a job.
type JobResponse struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	InputBlobID string          `json:"input_blob_id"`
	Options     job.Options     `json:"options"`
	Progress    job.Progress    `json:"progress"`
	Error       *job.ErrorInfo  `json:"error,omitempty"`
	Results     *job.Results    `json:"results,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ListJobsResponse is a page of jobs, newest first.
type ListJobsResponse struct {
	Jobs   []JobResponse `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ArtifactResponse is the HTTP representation of a produced clip.
type ArtifactResponse struct {
	ID            string  `json:"id"`
	JobID         string  `json:"job_id"`
	Ordinal       int     `json:"ordinal"`
	BlobID        string  `json:"blob_id"`
	URL           string  `json:"url,omitempty"`
	Duration      float64 `json:"duration"`
	SourceStart   float64 `json:"source_start"`
	SourceEnd     float64 `json:"source_end"`
	AspectRatio   string  `json:"aspect_ratio"`
	CaptionsAdded bool    `json:"captions_added"`
	ViralScore    float64 `json:"viral_score"`
}

// ListArtifactsResponse is a job's artifacts in ordinal order.
type ListArtifactsResponse struct {
	Artifacts []ArtifactResponse `json:"artifacts"`
}

// ErrorResponse is the standard error wire shape.
type ErrorResponse struct {
	// Kind is the stable machine-readable error class.
	Kind string `json:"kind"`
	// Message is a human-readable description safe to display.
	Message string `json:"message"`
	// Retryable hints whether retrying the same request may succeed.
	Retryable bool `json:"retryable"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

// toJobResponse converts a job snapshot to its wire shape.
func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:          j.ID,
		Status:      string(j.Status),
		InputBlobID: j.InputBlobID,
		Options:     j.Options,
		Progress:    j.Progress,
		Error:       j.Error,
		Results:     j.Results,
		Attempts:    j.Attempts,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
	if !j.StartedAt.IsZero() {
		t := j.StartedAt
		resp.StartedAt = &t
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		resp.FinishedAt = &t
	}
	return resp
}

// toArtifactResponse converts an artifact to its wire shape.
func toArtifactResponse(a job.Artifact, url string) ArtifactResponse {
	return ArtifactResponse{
		ID:            a.ID,
		JobID:         a.JobID,
		Ordinal:       a.Ordinal,
		BlobID:        a.BlobID,
		URL:           url,
		Duration:      a.Duration,
		SourceStart:   a.SourceStart,
		SourceEnd:     a.SourceEnd,
		AspectRatio:   string(a.AspectRatio),
		CaptionsAdded: a.CaptionsAdded,
		ViralScore:    a.ViralScore,
	}
}
