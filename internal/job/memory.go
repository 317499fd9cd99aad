package job

import (
	"context"
	"sort"
	"sync"

	"github.com/clipforge/clipforge-api/internal/transcribe"
)

// Compile-time check that MemoryRepository implements Repository.
var _ Repository = (*MemoryRepository)(nil)

// MemoryRepository is an in-memory implementation of Repository.
// It uses maps with an RWMutex for thread-safe access.
// Suitable for development and testing; the Postgres repository is the
// durable production store.
type MemoryRepository struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	blobs       map[string]BlobRecord
	transcripts map[string]transcribe.Transcript
	artifacts   map[string][]Artifact // keyed by job ID
}

// NewMemoryRepository creates a new in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		jobs:        make(map[string]*Job),
		blobs:       make(map[string]BlobRecord),
		transcripts: make(map[string]transcribe.Transcript),
		artifacts:   make(map[string][]Artifact),
	}
}

// SaveJob persists a job snapshot.
// Creates a clone to avoid external mutations.
func (r *MemoryRepository) SaveJob(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[j.ID] = j.Clone()
	return nil
}

// FindJob retrieves a job by its ID.
// Returns a clone to prevent external mutations.
func (r *MemoryRepository) FindJob(_ context.Context, id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (r *MemoryRepository) ListJobs(_ context.Context, filter ListFilter) ([]*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		if filter.PrincipalID != "" && j.PrincipalID != filter.PrincipalID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		if !filter.CreatedAfter.IsZero() && j.CreatedAt.Before(filter.CreatedAfter) {
			continue
		}
		if !filter.CreatedBefore.IsZero() && j.CreatedAt.After(filter.CreatedBefore) {
			continue
		}
		matched = append(matched, j.Clone())
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].CreatedAt.After(matched[k].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []*Job{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// DeleteJob removes a job, its artifacts, and its transcript.
func (r *MemoryRepository) DeleteJob(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(r.jobs, id)
	delete(r.artifacts, id)
	delete(r.transcripts, id)
	return nil
}

// SaveBlob records blob metadata, bumping the refcount for existing digests.
func (r *MemoryRepository) SaveBlob(_ context.Context, rec BlobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.blobs[rec.Digest]; ok {
		existing.RefCount++
		r.blobs[rec.Digest] = existing
		return nil
	}
	if rec.RefCount <= 0 {
		rec.RefCount = 1
	}
	r.blobs[rec.Digest] = rec
	return nil
}

// FindBlob retrieves blob metadata by digest.
func (r *MemoryRepository) FindBlob(_ context.Context, digest string) (BlobRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.blobs[digest]
	if !ok {
		return BlobRecord{}, ErrBlobNotFound
	}
	return rec, nil
}

// AddBlobRef increments a blob's reference count.
func (r *MemoryRepository) AddBlobRef(_ context.Context, digest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.blobs[digest]
	if !ok {
		return ErrBlobNotFound
	}
	rec.RefCount++
	r.blobs[digest] = rec
	return nil
}

// ReleaseBlob decrements a blob's reference count, deleting the record
// when it reaches zero.
func (r *MemoryRepository) ReleaseBlob(_ context.Context, digest string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.blobs[digest]
	if !ok {
		return 0, ErrBlobNotFound
	}
	rec.RefCount--
	if rec.RefCount <= 0 {
		delete(r.blobs, digest)
		return 0, nil
	}
	r.blobs[digest] = rec
	return rec.RefCount, nil
}

// SaveTranscript persists a job's transcript.
func (r *MemoryRepository) SaveTranscript(_ context.Context, jobID string, t transcribe.Transcript) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	segments := make([]transcribe.Segment, len(t.Segments))
	copy(segments, t.Segments)
	r.transcripts[jobID] = transcribe.Transcript{Segments: segments}
	return nil
}

// FindTranscript retrieves a job's persisted transcript.
func (r *MemoryRepository) FindTranscript(_ context.Context, jobID string) (transcribe.Transcript, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transcripts[jobID]
	if !ok {
		return transcribe.Transcript{}, ErrTranscriptNotFound
	}
	return t, nil
}

// SaveArtifacts replaces a job's artifact set in one write.
func (r *MemoryRepository) SaveArtifacts(_ context.Context, jobID string, artifacts []Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored := make([]Artifact, len(artifacts))
	copy(stored, artifacts)
	sort.Slice(stored, func(i, k int) bool { return stored[i].Ordinal < stored[k].Ordinal })
	r.artifacts[jobID] = stored
	return nil
}

// ListArtifactsByJob returns a job's artifacts ordered by ordinal.
func (r *MemoryRepository) ListArtifactsByJob(_ context.Context, jobID string) ([]Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.artifacts[jobID]
	out := make([]Artifact, len(stored))
	copy(out, stored)
	return out, nil
}

// FindArtifact retrieves an artifact by ID.
func (r *MemoryRepository) FindArtifact(_ context.Context, id string) (Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.artifacts {
		for _, a := range list {
			if a.ID == id {
				return a, nil
			}
		}
	}
	return Artifact{}, ErrArtifactNotFound
}
