// Package job provides the Job aggregate for the clip-generation pipeline.
// It includes the Job entity with its state machine, artifact and transcript
// records, and the repository interface for persistence.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge-api/internal/apperror"
)

// Type identifies the kind of work a job performs.
type Type string

const (
	// TypeVideoClip decomposes an uploaded video into short platform-ready clips.
	TypeVideoClip Type = "VIDEOCLIP"
)

// IsValid returns true if the job type is recognized.
func (t Type) IsValid() bool {
	return t == TypeVideoClip
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusPending indicates the job is waiting for a worker slot.
	StatusPending Status = "PENDING"
	// StatusRunning indicates the job is being processed by a worker.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job encountered a terminal error.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled by the user.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
// RUNNING -> PENDING is the retry path for retryable failures.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AspectRatio is a target output aspect ratio.
type AspectRatio string

const (
	// AspectPortrait is the 9:16 vertical format.
	AspectPortrait AspectRatio = "9:16"
	// AspectSquare is the 1:1 format.
	AspectSquare AspectRatio = "1:1"
	// AspectLandscape is the 16:9 horizontal format.
	AspectLandscape AspectRatio = "16:9"
)

// IsValid returns true if the aspect ratio is one of the supported values.
func (a AspectRatio) IsValid() bool {
	return a == AspectPortrait || a == AspectSquare || a == AspectLandscape
}

// QualityPreset names an encoder speed/quality tradeoff.
type QualityPreset string

const (
	// QualityFast is speed-optimized at a lower bitrate.
	QualityFast QualityPreset = "fast"
	// QualityMedium is the balanced default.
	QualityMedium QualityPreset = "medium"
	// QualityHigh is quality-biased.
	QualityHigh QualityPreset = "high"
)

// IsValid returns true if the preset is recognized.
func (q QualityPreset) IsValid() bool {
	return q == QualityFast || q == QualityMedium || q == QualityHigh
}

// CaptionStyle names a burned-in caption typography.
type CaptionStyle string

const (
	// CaptionModern is the bold karaoke style with a highlight color.
	CaptionModern CaptionStyle = "modern"
	// CaptionClassic is a boxed broadcast-style line.
	CaptionClassic CaptionStyle = "classic"
	// CaptionMinimal is a plain unboxed line.
	CaptionMinimal CaptionStyle = "minimal"
)

// IsValid returns true if the caption style is recognized.
func (s CaptionStyle) IsValid() bool {
	return s == CaptionModern || s == CaptionClassic || s == CaptionMinimal
}

// Options are the client-supplied processing options for a job.
// Unknown option keys on the wire are ignored, not rejected.
type Options struct {
	// AddCaptions requests burned-in word-synchronized captions.
	AddCaptions bool `json:"add_captions"`
	// AspectRatio is the target output format. Defaults to 9:16.
	AspectRatio AspectRatio `json:"aspect_ratio"`
	// TargetPlatforms is an advisory set of tags; it affects naming only.
	TargetPlatforms []string `json:"target_platforms,omitempty"`
	// ClipDurationHint is the desired clip length in seconds.
	// Values outside [5, 120] are ignored.
	ClipDurationHint *float64 `json:"clip_duration_hint,omitempty"`
	// QualityPreset selects the encoder tuning. Defaults to medium.
	QualityPreset QualityPreset `json:"quality_preset"`
	// CaptionStyle selects the caption typography. Defaults to modern.
	CaptionStyle CaptionStyle `json:"caption_style,omitempty"`
}

// Normalize fills defaults and drops out-of-range values.
func (o *Options) Normalize() {
	if o.AspectRatio == "" {
		o.AspectRatio = AspectPortrait
	}
	if o.QualityPreset == "" {
		o.QualityPreset = QualityMedium
	}
	if o.CaptionStyle == "" {
		o.CaptionStyle = CaptionModern
	}
	if o.ClipDurationHint != nil && (*o.ClipDurationHint < 5 || *o.ClipDurationHint > 120) {
		o.ClipDurationHint = nil
	}
}

// Validate checks enumerated option values.
func (o *Options) Validate() error {
	if !o.AspectRatio.IsValid() {
		return apperror.Newf(apperror.KindInvalidParameters, "unsupported aspect ratio %q", o.AspectRatio)
	}
	if !o.QualityPreset.IsValid() {
		return apperror.Newf(apperror.KindInvalidParameters, "unsupported quality preset %q", o.QualityPreset)
	}
	if !o.CaptionStyle.IsValid() {
		return apperror.Newf(apperror.KindInvalidParameters, "unsupported caption style %q", o.CaptionStyle)
	}
	return nil
}

// Progress is the user-visible progress of a job.
type Progress struct {
	// Phase is the currently executing pipeline stage name.
	Phase string `json:"phase"`
	// Percent is the overall completion in [0, 100]. It is non-decreasing
	// within a single attempt.
	Percent int `json:"percent"`
	// Description is a short human-readable progress line.
	Description string `json:"description"`
}

// ErrorInfo is the client-visible descriptor of a failed job.
type ErrorInfo struct {
	Kind      apperror.Kind `json:"kind"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

// Results summarizes a completed job.
type Results struct {
	// TotalClips is the number of artifacts produced.
	TotalClips int `json:"total_clips"`
	// SourceDuration is the input duration in seconds.
	SourceDuration float64 `json:"source_duration"`
}

// Artifact is a final clip produced by a job. Ordinals are dense in [1, N].
type Artifact struct {
	ID             string      `json:"id"`
	JobID          string      `json:"job_id"`
	Ordinal        int         `json:"ordinal"`
	BlobID         string      `json:"blob_id"`
	Duration       float64     `json:"duration"`
	SourceStart    float64     `json:"source_start"`
	SourceEnd      float64     `json:"source_end"`
	AspectRatio    AspectRatio `json:"aspect_ratio"`
	CaptionsAdded  bool        `json:"captions_added"`
	ViralScore     float64     `json:"viral_score"`
	CaptionTrackID string      `json:"caption_track_id,omitempty"`
}

// BlobRecord is the durable metadata row for a stored blob. Blobs are
// shared by reference count; bytes live in the blob store.
type BlobRecord struct {
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	OwnerID     string    `json:"owner_id"`
	RefCount    int       `json:"refcount"`
	CreatedAt   time.Time `json:"created_at"`
}

// Job represents one unit of pipeline work with a durable lifecycle.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// PrincipalID is the owning authenticated identity.
	PrincipalID string
	// Type is the kind of work performed.
	Type Type
	// InputBlobID is the digest of the validated input media.
	InputBlobID string
	// Options are the processing options, normalized at submit.
	Options Options
	// Status is the current lifecycle state.
	Status Status
	// Progress is the user-visible progress snapshot.
	Progress Progress
	// Error is set exactly when Status is FAILED.
	Error *ErrorInfo
	// Results is set exactly when Status is COMPLETED.
	Results *Results
	// Attempts counts attempts started, including the current one.
	Attempts int
	// WorkerLease is the token proving a worker owns this RUNNING job.
	WorkerLease string
	// LeaseExpiresAt is when the lease lapses without a heartbeat.
	LeaseExpiresAt time.Time

	CreatedAt  time.Time
	UpdatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// New creates a PENDING job with a generated uuid.
func New(principalID, inputBlobID string, opts Options) *Job {
	opts.Normalize()
	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Type:        TypeVideoClip,
		InputBlobID: inputBlobID,
		Options:     opts,
		Status:      StatusPending,
		Progress:    Progress{Description: "Waiting for a worker"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.FinishedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job to RUNNING under a worker lease, increments the
// attempt count, and resets progress to zero. Progress reset happens exactly
// once per attempt, here.
func (j *Job) Start(lease string, leaseTTL time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionLocked(StatusRunning); err != nil {
		return err
	}
	j.Attempts++
	j.WorkerLease = lease
	j.LeaseExpiresAt = j.UpdatedAt.Add(leaseTTL)
	j.Progress = Progress{Phase: "", Percent: 0, Description: "Starting"}
	return nil
}

// Heartbeat extends the worker lease. Returns false when the caller no
// longer holds the lease.
func (j *Job) Heartbeat(lease string, leaseTTL time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status != StatusRunning || j.WorkerLease != lease {
		return false
	}
	j.LeaseExpiresAt = time.Now().Add(leaseTTL)
	j.UpdatedAt = time.Now()
	return true
}

// Requeue returns a RUNNING job to PENDING for a later retry attempt.
func (j *Job) Requeue() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionLocked(StatusPending); err != nil {
		return err
	}
	j.WorkerLease = ""
	j.LeaseExpiresAt = time.Time{}
	j.Progress.Description = "Waiting to retry"
	return nil
}

// Complete transitions the job to COMPLETED and records its results.
func (j *Job) Complete(results Results) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionLocked(StatusCompleted); err != nil {
		return err
	}
	j.Results = &results
	j.Error = nil
	j.WorkerLease = ""
	j.Progress = Progress{Phase: "finalize", Percent: 100, Description: "Done"}
	return nil
}

// Fail transitions the job to FAILED with a classified error descriptor.
func (j *Job) Fail(info ErrorInfo) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.transitionLocked(StatusFailed); err != nil {
		return err
	}
	j.Error = &info
	j.Results = nil
	j.WorkerLease = ""
	return nil
}

// Cancel transitions the job to CANCELLED. Cancelling an already
// cancelled job is a no-op success, making cancel idempotent.
func (j *Job) Cancel() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.Status == StatusCancelled {
		return nil
	}
	if err := j.transitionLocked(StatusCancelled); err != nil {
		return err
	}
	j.Error = nil
	j.WorkerLease = ""
	j.Progress.Description = "Cancelled"
	return nil
}

// SetProgress updates the progress snapshot. Percent never moves backward
// within an attempt; a lower value only updates phase and description.
func (j *Job) SetProgress(phase string, percent int, description string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < j.Progress.Percent {
		percent = j.Progress.Percent
	}
	j.Progress = Progress{Phase: phase, Percent: percent, Description: description}
	j.UpdatedAt = time.Now()
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status.IsTerminal()
}

// LeaseExpired reports whether the worker lease has lapsed as of now.
func (j *Job) LeaseExpired(now time.Time) bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusRunning && now.After(j.LeaseExpiresAt)
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	clone := &Job{
		ID:             j.ID,
		PrincipalID:    j.PrincipalID,
		Type:           j.Type,
		InputBlobID:    j.InputBlobID,
		Options:        j.Options,
		Status:         j.Status,
		Progress:       j.Progress,
		Attempts:       j.Attempts,
		WorkerLease:    j.WorkerLease,
		LeaseExpiresAt: j.LeaseExpiresAt,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
	}
	if j.Options.TargetPlatforms != nil {
		clone.Options.TargetPlatforms = append([]string(nil), j.Options.TargetPlatforms...)
	}
	if j.Options.ClipDurationHint != nil {
		hint := *j.Options.ClipDurationHint
		clone.Options.ClipDurationHint = &hint
	}
	if j.Error != nil {
		e := *j.Error
		clone.Error = &e
	}
	if j.Results != nil {
		r := *j.Results
		clone.Results = &r
	}
	return clone
}
