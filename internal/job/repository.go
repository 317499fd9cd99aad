package job

import (
	"context"
	"errors"
	"time"

	"github.com/clipforge/clipforge-api/internal/transcribe"
)

// Static errors for repository lookups.
var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("job not found")
	// ErrArtifactNotFound is returned when an artifact cannot be found by ID.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrBlobNotFound is returned when a blob record cannot be found by digest.
	ErrBlobNotFound = errors.New("blob record not found")
	// ErrTranscriptNotFound is returned when a job has no persisted transcript.
	ErrTranscriptNotFound = errors.New("transcript not found")
)

// ListFilter narrows and pages a job listing.
type ListFilter struct {
	// PrincipalID scopes the listing to one owner. Empty means all owners
	// (used only by the scheduler's recovery scan).
	PrincipalID string
	// Status filters by lifecycle state when non-empty.
	Status Status
	// Type filters by job type when non-empty.
	Type Type
	// CreatedAfter / CreatedBefore bound the creation time when non-zero.
	CreatedAfter  time.Time
	CreatedBefore time.Time
	// Limit caps the page size; zero means no cap. Offset skips rows.
	Limit  int
	Offset int
}

// Repository defines the interface for durable job-state persistence:
// jobs, blob metadata with reference counts, transcripts, and artifacts.
// It acts as a port in the hexagonal architecture pattern.
type Repository interface {
	// SaveJob persists a job snapshot. Existing jobs are updated.
	SaveJob(ctx context.Context, j *Job) error

	// FindJob retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindJob(ctx context.Context, id string) (*Job, error)

	// ListJobs returns jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)

	// DeleteJob removes a job and cascades to its artifacts and transcript.
	// Blob reference counts are released by the caller.
	DeleteJob(ctx context.Context, id string) error

	// SaveBlob records blob metadata with an initial reference count of one.
	// Saving an existing digest bumps its reference count instead.
	SaveBlob(ctx context.Context, rec BlobRecord) error

	// FindBlob retrieves blob metadata by digest.
	FindBlob(ctx context.Context, digest string) (BlobRecord, error)

	// AddBlobRef increments a blob's reference count.
	AddBlobRef(ctx context.Context, digest string) error

	// ReleaseBlob decrements a blob's reference count and returns the
	// remaining count. At zero the caller may delete the bytes.
	ReleaseBlob(ctx context.Context, digest string) (int, error)

	// SaveTranscript persists a job's transcript, replacing any previous one.
	SaveTranscript(ctx context.Context, jobID string, t transcribe.Transcript) error

	// FindTranscript retrieves a job's persisted transcript.
	FindTranscript(ctx context.Context, jobID string) (transcribe.Transcript, error)

	// SaveArtifacts registers all artifacts of a job in a single atomic
	// write, replacing any previous set for that job.
	SaveArtifacts(ctx context.Context, jobID string, artifacts []Artifact) error

	// ListArtifactsByJob returns a job's artifacts ordered by ordinal.
	ListArtifactsByJob(ctx context.Context, jobID string) ([]Artifact, error)

	// FindArtifact retrieves a single artifact by its ID.
	FindArtifact(ctx context.Context, id string) (Artifact, error)
}
