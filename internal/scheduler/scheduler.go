// Package scheduler admits jobs, orders them into priority classes, and
// drives them through the pipeline on a bounded worker pool with leases,
// retries, and cooperative cancellation.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/blob"
	"github.com/clipforge/clipforge-api/internal/events"
	"github.com/clipforge/clipforge-api/internal/job"
)

// Class is a scheduling priority class. Interactive jobs are always
// dispatched before batch jobs; within a class order is submission time.
type Class int

const (
	// ClassInteractive is the higher-priority class.
	ClassInteractive Class = iota
	// ClassBatch is the lower-priority class.
	ClassBatch

	numClasses
)

// PlanResolver maps a principal to its scheduling class. The mapping is
// policy owned by the caller; the scheduler only consumes it.
type PlanResolver interface {
	PlanClass(ctx context.Context, principalID string) Class
}

// PlanResolverFunc adapts a function to the PlanResolver interface.
type PlanResolverFunc func(ctx context.Context, principalID string) Class

// PlanClass calls f.
func (f PlanResolverFunc) PlanClass(ctx context.Context, principalID string) Class {
	return f(ctx, principalID)
}

// InteractiveResolver treats every principal as interactive.
func InteractiveResolver() PlanResolver {
	return PlanResolverFunc(func(context.Context, string) Class { return ClassInteractive })
}

// CreditHook is invoked once per successful job before it is marked
// COMPLETED. Hook failures are logged and do not fail the job.
type CreditHook interface {
	Charge(ctx context.Context, j *job.Job, results job.Results) error
}

// CreditHookFunc adapts a function to the CreditHook interface.
type CreditHookFunc func(ctx context.Context, j *job.Job, results job.Results) error

// Charge calls f.
func (f CreditHookFunc) Charge(ctx context.Context, j *job.Job, results job.Results) error {
	return f(ctx, j, results)
}

// NoopCreditHook charges nothing.
func NoopCreditHook() CreditHook {
	return CreditHookFunc(func(context.Context, *job.Job, job.Results) error { return nil })
}

// Runner executes one job attempt. The pipeline implements it.
type Runner interface {
	Run(ctx context.Context, j *job.Job, report func(phase string, percent int, description string)) (job.Results, error)
}

// BlobChecker reports whether an input blob still exists. Recovery uses
// it to decide between requeueing and failing a recovered job. blob.Store
// satisfies it.
type BlobChecker interface {
	Stat(ctx context.Context, digest string) (blob.Info, error)
}

// Options tune the scheduler.
type Options struct {
	// Workers is the number of concurrent job slots.
	Workers int
	// PerPrincipalCap bounds concurrently RUNNING jobs per principal.
	PerPrincipalCap int
	// MaxAttempts bounds attempts per job including the first.
	MaxAttempts int
	// RetryBase is the delay before the first retry.
	RetryBase time.Duration
	// RetryFactor multiplies the delay per subsequent retry.
	RetryFactor float64
	// RetryJitter is the +/- fraction applied to each retry delay.
	RetryJitter float64
	// JobDeadline bounds one attempt end to end.
	JobDeadline time.Duration
	// LeaseTTL is the worker lease lifetime between heartbeats.
	LeaseTTL time.Duration
}

// withDefaults fills unset option fields.
func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PerPrincipalCap <= 0 {
		o.PerPrincipalCap = 2
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 30 * time.Second
	}
	if o.RetryFactor < 1 {
		o.RetryFactor = 2
	}
	if o.RetryJitter < 0 || o.RetryJitter > 1 {
		o.RetryJitter = 0.25
	}
	if o.JobDeadline <= 0 {
		o.JobDeadline = 30 * time.Minute
	}
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = time.Minute
	}
	return o
}

// queued is one waiting queue entry.
type queued struct {
	jobID       string
	principalID string
}

// Scheduler owns the waiting queues and the worker pool.
type Scheduler struct {
	repo     job.Repository
	runner   Runner
	bus      *events.Bus
	resolver PlanResolver
	hook     CreditHook
	blobs    BlobChecker
	opts     Options
	logger   *slog.Logger

	mu          sync.Mutex
	queues      [numClasses][]queued
	running     map[string]context.CancelCauseFunc // jobID -> cancel
	byPrincipal map[string]int                     // principalID -> RUNNING count
	slots       int
	stopped     bool

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup

	// timers holds pending retry timers so Stop can drain them.
	timers map[string]*time.Timer
}

// New creates a Scheduler. Nil resolver and hook default to
// InteractiveResolver and NoopCreditHook.
func New(repo job.Repository, runner Runner, bus *events.Bus, blobs BlobChecker, resolver PlanResolver, hook CreditHook, opts Options, logger *slog.Logger) *Scheduler {
	if resolver == nil {
		resolver = InteractiveResolver()
	}
	if hook == nil {
		hook = NoopCreditHook()
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Scheduler{
		repo:        repo,
		runner:      runner,
		bus:         bus,
		resolver:    resolver,
		hook:        hook,
		blobs:       blobs,
		opts:        opts,
		logger:      logger,
		running:     make(map[string]context.CancelCauseFunc),
		byPrincipal: make(map[string]int),
		slots:       opts.Workers,
		wake:        make(chan struct{}, 1),
		quit:        make(chan struct{}),
		timers:      make(map[string]*time.Timer),
	}
}

// Submit validates and enqueues a new job for the principal. The input
// blob must already be registered and owned by the principal.
func (s *Scheduler) Submit(ctx context.Context, principalID, inputBlobID string, opts job.Options) (*job.Job, error) {
	opts.Normalize()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	rec, err := s.repo.FindBlob(ctx, inputBlobID)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "input blob not found")
	}
	if rec.OwnerID != principalID {
		// Foreign blobs are indistinguishable from missing ones.
		return nil, apperror.New(apperror.KindNotFound, "input blob not found")
	}

	j := job.New(principalID, inputBlobID, opts)
	if err := s.repo.SaveJob(ctx, j); err != nil {
		return nil, apperror.Wrap(apperror.KindTransientIO, "failed to persist job", err)
	}
	if err := s.repo.AddBlobRef(ctx, inputBlobID); err != nil {
		s.logger.Warn("failed to add input blob reference",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	s.publish(j)
	s.enqueue(ctx, j)

	s.logger.Info("job submitted",
		slog.String("job_id", j.ID),
		slog.String("principal_id", principalID),
		slog.String("input_blob", inputBlobID),
	)
	return j.Clone(), nil
}

// Status returns a principal's job by ID. Jobs owned by other principals
// are reported as not found.
func (s *Scheduler) Status(ctx context.Context, principalID, jobID string) (*job.Job, error) {
	j, err := s.repo.FindJob(ctx, jobID)
	if err != nil {
		return nil, apperror.New(apperror.KindNotFound, "job not found")
	}
	if j.PrincipalID != principalID {
		return nil, apperror.New(apperror.KindNotFound, "job not found")
	}
	return j.Clone(), nil
}

// List returns the principal's jobs matching the filter, newest first.
func (s *Scheduler) List(ctx context.Context, principalID string, filter job.ListFilter) ([]*job.Job, error) {
	filter.PrincipalID = principalID
	jobs, err := s.repo.ListJobs(ctx, filter)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindTransientIO, "failed to list jobs", err)
	}
	out := make([]*job.Job, len(jobs))
	for i, j := range jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

// Subscribe attaches to a job's event stream after an ownership check.
func (s *Scheduler) Subscribe(ctx context.Context, principalID, jobID string) (<-chan events.Event, func(), error) {
	if _, err := s.Status(ctx, principalID, jobID); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.bus.Subscribe(jobID)
	return ch, cancel, nil
}

// Cancel requests cancellation of a job. PENDING jobs cancel immediately;
// RUNNING jobs cancel cooperatively at the next pipeline checkpoint.
// Cancelling an already cancelled job succeeds; other terminal states
// conflict.
func (s *Scheduler) Cancel(ctx context.Context, principalID, jobID string) error {
	j, err := s.repo.FindJob(ctx, jobID)
	if err != nil || j.PrincipalID != principalID {
		return apperror.New(apperror.KindNotFound, "job not found")
	}

	switch j.GetStatus() {
	case job.StatusCancelled:
		return nil
	case job.StatusCompleted, job.StatusFailed:
		return apperror.New(apperror.KindConflict, "job already finished")
	case job.StatusPending:
		s.mu.Lock()
		s.dequeue(jobID)
		if t, ok := s.timers[jobID]; ok {
			t.Stop()
			delete(s.timers, jobID)
		}
		s.mu.Unlock()

		if err := j.Cancel(); err != nil {
			return apperror.New(apperror.KindConflict, "job already finished")
		}
		if err := s.repo.SaveJob(ctx, j); err != nil {
			return apperror.Wrap(apperror.KindTransientIO, "failed to persist cancellation", err)
		}
		s.publish(j)
		s.bus.CloseJob(jobID)
		return nil
	case job.StatusRunning:
		s.mu.Lock()
		cancel, ok := s.running[jobID]
		s.mu.Unlock()
		if ok {
			cancel(apperror.New(apperror.KindCancelled, "cancelled by user"))
		}
		return nil
	default:
		return apperror.New(apperror.KindConflict, "job already finished")
	}
}

// enqueue places a job at the tail of its principal's class queue and
// nudges the dispatcher.
func (s *Scheduler) enqueue(ctx context.Context, j *job.Job) {
	class := s.resolver.PlanClass(ctx, j.PrincipalID)
	if class < 0 || class >= numClasses {
		class = ClassBatch
	}

	s.mu.Lock()
	s.queues[class] = append(s.queues[class], queued{jobID: j.ID, principalID: j.PrincipalID})
	s.mu.Unlock()

	s.nudge()
}

// dequeue removes a job from whichever queue holds it. Caller holds mu.
func (s *Scheduler) dequeue(jobID string) {
	for c := range s.queues {
		q := s.queues[c]
		for i, e := range q {
			if e.jobID == jobID {
				s.queues[c] = append(q[:i:i], q[i+1:]...)
				return
			}
		}
	}
}

// nudge wakes the dispatcher without blocking.
func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// publish mirrors the job's current snapshot onto the event bus.
func (s *Scheduler) publish(j *job.Job) {
	c := j.Clone()
	s.bus.Publish(c.ID, string(c.Status), c.Progress.Phase, c.Progress.Percent, c.Progress.Description)
}
