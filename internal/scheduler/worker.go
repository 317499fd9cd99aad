package scheduler

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/clipforge/clipforge-api/internal/apperror"
	"github.com/clipforge/clipforge-api/internal/job"
)

// Start launches the dispatcher. Recover should run first so jobs
// orphaned by a previous process rejoin the queue before dispatch begins.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.dispatchLoop(ctx)
}

// Stop prevents new dispatches, cancels running jobs with a worker-lost
// cause, and waits for in-flight workers up to the context deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for _, cancel := range s.running {
		cancel(apperror.New(apperror.KindWorkerLost, "scheduler shutting down"))
	}
	s.mu.Unlock()
	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchLoop assigns queued jobs to free slots. It re-examines the
// queues after every wake: submissions, completions, and retry timers
// all nudge it.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			e, ok := s.next()
			if !ok {
				break
			}
			s.wg.Add(1)
			go s.runJob(ctx, e)
		}
	}
}

// next pops the first dispatchable entry: interactive before batch, FIFO
// within a class, skipping principals at their concurrency cap. Entries
// skipped for the cap stay queued in order and are re-examined on the
// next wake.
func (s *Scheduler) next() (queued, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.slots == 0 {
		return queued{}, false
	}

	for c := range s.queues {
		for i, e := range s.queues[c] {
			if s.byPrincipal[e.principalID] >= s.opts.PerPrincipalCap {
				continue
			}
			q := s.queues[c]
			s.queues[c] = append(q[:i:i], q[i+1:]...)
			s.slots--
			s.byPrincipal[e.principalID]++
			return e, true
		}
	}
	return queued{}, false
}

// release returns a worker slot and re-examines the queues.
func (s *Scheduler) release(principalID string) {
	s.mu.Lock()
	s.slots++
	if s.byPrincipal[principalID] > 1 {
		s.byPrincipal[principalID]--
	} else {
		delete(s.byPrincipal, principalID)
	}
	s.mu.Unlock()
	s.nudge()
}

// runJob executes one attempt: lease, heartbeats, pipeline, and the
// terminal transition or retry.
func (s *Scheduler) runJob(ctx context.Context, e queued) {
	defer s.wg.Done()
	defer s.release(e.principalID)

	j, err := s.repo.FindJob(ctx, e.jobID)
	if err != nil {
		s.logger.Error("queued job disappeared", slog.String("job_id", e.jobID))
		return
	}
	if j.GetStatus() != job.StatusPending {
		// Cancelled while queued.
		return
	}

	lease := uuid.NewString()
	if err := j.Start(lease, s.opts.LeaseTTL); err != nil {
		return
	}
	if err := s.repo.SaveJob(ctx, j); err != nil {
		s.logger.Error("failed to persist job start",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	s.publish(j)

	runCtx, cancelTimeout := context.WithTimeout(ctx, s.opts.JobDeadline)
	runCtx, cancelCause := context.WithCancelCause(runCtx)
	defer cancelTimeout()
	defer cancelCause(nil)

	s.mu.Lock()
	s.running[j.ID] = cancelCause
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.ID)
		s.mu.Unlock()
	}()

	stopBeat := s.startHeartbeat(ctx, j, lease, cancelCause)
	defer stopBeat()

	report := func(phase string, percent int, description string) {
		j.SetProgress(phase, percent, description)
		if err := s.repo.SaveJob(ctx, j); err != nil {
			s.logger.Warn("failed to persist progress",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
		s.publish(j)
	}

	results, runErr := s.runner.Run(runCtx, j, report)
	if runErr == nil {
		s.settleSuccess(ctx, j, results)
		return
	}
	s.settleFailure(ctx, j, runErr)
}

// startHeartbeat extends the lease on a sub-TTL cadence. A lost lease
// cancels the attempt: another worker may already own the job.
func (s *Scheduler) startHeartbeat(ctx context.Context, j *job.Job, lease string, cancel context.CancelCauseFunc) func() {
	stop := make(chan struct{})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !j.Heartbeat(lease, s.opts.LeaseTTL) {
					cancel(apperror.New(apperror.KindWorkerLost, "worker lease lost"))
					return
				}
				if err := s.repo.SaveJob(ctx, j); err != nil {
					s.logger.Warn("failed to persist heartbeat",
						slog.String("job_id", j.ID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	var once bool
	return func() {
		if !once {
			once = true
			close(stop)
		}
	}
}

// settleSuccess charges the credit hook and completes the job.
func (s *Scheduler) settleSuccess(ctx context.Context, j *job.Job, results job.Results) {
	if err := s.hook.Charge(ctx, j.Clone(), results); err != nil {
		s.logger.Error("credit hook failed",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := j.Complete(results); err != nil {
		// Cancelled between the last checkpoint and here; the cancel path
		// already settled the job.
		return
	}
	if err := s.repo.SaveJob(ctx, j); err != nil {
		s.logger.Error("failed to persist completion",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	s.publish(j)
	s.bus.CloseJob(j.ID)

	s.logger.Info("job completed",
		slog.String("job_id", j.ID),
		slog.Int("clips", results.TotalClips),
		slog.Int("attempts", j.Clone().Attempts),
	)
}

// settleFailure classifies the error and cancels, retries, or fails the job.
func (s *Scheduler) settleFailure(ctx context.Context, j *job.Job, runErr error) {
	kind := apperror.KindOf(runErr)

	if kind == apperror.KindCancelled {
		if err := j.Cancel(); err != nil {
			return
		}
		if err := s.repo.SaveJob(ctx, j); err != nil {
			s.logger.Error("failed to persist cancellation",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
		s.publish(j)
		s.bus.CloseJob(j.ID)
		s.logger.Info("job cancelled", slog.String("job_id", j.ID))
		return
	}

	retryable := apperror.Retryable(kind)
	attempts := j.Clone().Attempts

	if retryable && attempts < s.opts.MaxAttempts {
		if err := j.Requeue(); err != nil {
			return
		}
		if err := s.repo.SaveJob(ctx, j); err != nil {
			s.logger.Error("failed to persist requeue",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
		s.publish(j)

		delay := s.backoff(attempts)
		s.logger.Warn("job attempt failed, retrying",
			slog.String("job_id", j.ID),
			slog.String("kind", string(kind)),
			slog.Int("attempt", attempts),
			slog.Duration("delay", delay),
			slog.String("error", runErr.Error()),
		)
		s.scheduleRetry(ctx, j, delay)
		return
	}

	info := job.ErrorInfo{
		Kind:      kind,
		Message:   apperror.MessageOf(runErr),
		Retryable: retryable,
	}
	if err := j.Fail(info); err != nil {
		return
	}
	if err := s.repo.SaveJob(ctx, j); err != nil {
		s.logger.Error("failed to persist failure",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
	}
	s.publish(j)
	s.bus.CloseJob(j.ID)

	s.logger.Error("job failed",
		slog.String("job_id", j.ID),
		slog.String("kind", string(kind)),
		slog.Int("attempts", attempts),
		slog.String("error", runErr.Error()),
	)
}

// backoff computes the delay before retry number attempt, with jitter.
func (s *Scheduler) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(s.opts.RetryBase) * math.Pow(s.opts.RetryFactor, float64(attempt-1))
	// Jitter in [-j, +j] keeps synchronized failures from thundering back.
	jitter := 1 + s.opts.RetryJitter*(2*rand.Float64()-1) // #nosec G404 - jitter, not security
	return time.Duration(base * jitter)
}

// scheduleRetry re-enqueues the job after the delay unless it is
// cancelled in the meantime.
func (s *Scheduler) scheduleRetry(ctx context.Context, j *job.Job, delay time.Duration) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.timers[j.ID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, j.ID)
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}

		current, err := s.repo.FindJob(ctx, j.ID)
		if err != nil || current.GetStatus() != job.StatusPending {
			return
		}
		s.enqueue(ctx, current)
	})
	s.mu.Unlock()
}

// Recover scans for jobs a previous process left RUNNING and either
// requeues them or fails them worker-lost. It must run before Start.
func (s *Scheduler) Recover(ctx context.Context) error {
	orphans, err := s.repo.ListJobs(ctx, job.ListFilter{Status: job.StatusRunning})
	if err != nil {
		return err
	}

	now := time.Now()
	for _, j := range orphans {
		if !j.LeaseExpired(now) {
			continue
		}

		retryable := j.Clone().Attempts < s.opts.MaxAttempts && s.inputBlobExists(ctx, j)
		if retryable {
			if err := j.Requeue(); err != nil {
				continue
			}
			if err := s.repo.SaveJob(ctx, j); err != nil {
				s.logger.Error("failed to persist recovered job",
					slog.String("job_id", j.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.publish(j)
			s.enqueue(ctx, j)
			s.logger.Info("recovered orphaned job", slog.String("job_id", j.ID))
			continue
		}

		info := job.ErrorInfo{
			Kind:      apperror.KindWorkerLost,
			Message:   "worker lost before completion",
			Retryable: apperror.Retryable(apperror.KindWorkerLost),
		}
		if err := j.Fail(info); err != nil {
			continue
		}
		if err := s.repo.SaveJob(ctx, j); err != nil {
			s.logger.Error("failed to persist recovery failure",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.publish(j)
		s.bus.CloseJob(j.ID)
		s.logger.Warn("failed orphaned job", slog.String("job_id", j.ID))
	}
	return nil
}

// inputBlobExists verifies the recovered job's input is still present.
func (s *Scheduler) inputBlobExists(ctx context.Context, j *job.Job) bool {
	if s.blobs == nil {
		return true
	}
	_, err := s.blobs.Stat(ctx, j.Clone().InputBlobID)
	return err == nil
}
