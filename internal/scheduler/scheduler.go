// Package scheduler owns the job lifecycle: enqueue, atomic claim,
// completion with retry policy, and reclamation of jobs stranded on
// agents that went offline.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/store"
)

var (
	// ErrNoWork means no eligible pending job exists for the account.
	ErrNoWork = errors.New("no work available")
	// ErrNoVehicle means the manual trigger found nothing postable.
	ErrNoVehicle = errors.New("no eligible vehicle")
	// ErrNoPattern means no active pattern exists for the job type.
	ErrNoPattern = errors.New("no active pattern for job type")
)

// Claim bundles a claimed job with the pattern the agent should run for
// it, resolved at claim time so pattern updates take effect on the next
// claim rather than mid-flight.
type Claim struct {
	Job     *schemas.Job     `json:"job"`
	Pattern *schemas.Pattern `json:"pattern"`
}

// Scheduler is the single writer of job status transitions.
type Scheduler struct {
	repo store.Repository
	cfg  config.SchedulerConfig
	log  *zap.Logger
	now  func() time.Time
	rng  *rand.Rand
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.now = fn }
}

// New builds a Scheduler over the given repository.
func New(repo store.Repository, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		repo: repo,
		cfg:  cfg,
		log:  observability.GetLogger().Named("scheduler"),
		now:  time.Now,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates a pending job. The retry budget comes from the active
// pattern's retryCount so a job admits retryCount+1 total attempts; when
// no pattern exists yet the job still enqueues with a zero budget.
func (s *Scheduler) Enqueue(ctx context.Context, req *schemas.EnqueueRequest) (*schemas.Job, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	jobType := req.Type
	if jobType == "" {
		jobType = schemas.JobTypePostVehicle
	}
	priority := s.cfg.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	retries := 0
	if pat, err := s.repo.ActivePatternForType(ctx, jobType); err == nil {
		retries = pat.RetryCount
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolving pattern for %q: %w", jobType, err)
	}

	now := s.now()
	job := &schemas.Job{
		ID:          uuid.NewString(),
		AccountID:   req.AccountID,
		Type:        jobType,
		Status:      schemas.JobPending,
		Priority:    priority,
		Payload:     req.Payload,
		RetriesLeft: retries,
		NotBefore:   now,
		CreatedAt:   now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	s.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("account_id", job.AccountID),
		zap.String("type", job.Type),
		zap.Int("priority", job.Priority))
	return job, nil
}

// ManualTrigger enqueues a posting job for a specific vehicle, or for the
// most recently updated vehicle without an active posting when no id is
// given. Manual jobs jump the queue via a higher priority.
func (s *Scheduler) ManualTrigger(ctx context.Context, accountID, vehicleID string) (*schemas.Job, error) {
	var (
		vehicle *schemas.Vehicle
		err     error
	)
	if vehicleID != "" {
		vehicle, err = s.repo.GetVehicle(ctx, vehicleID)
	} else {
		vehicle, err = s.repo.NextEligibleVehicle(ctx, accountID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoVehicle
	}
	if err != nil {
		return nil, fmt.Errorf("selecting vehicle: %w", err)
	}

	payload := make(map[string]any, len(vehicle.Fields)+1)
	for k, v := range vehicle.Fields {
		payload[k] = v
	}
	payload["vehicle_id"] = vehicle.ID

	manual := s.cfg.ManualPriority
	return s.Enqueue(ctx, &schemas.EnqueueRequest{
		AccountID: accountID,
		Type:      schemas.JobTypePostVehicle,
		Priority:  &manual,
		Payload:   payload,
	})
}

// ClaimNext atomically assigns the highest-priority eligible pending job
// for the account to agentID and resolves the pattern it should run.
// Exactly one concurrent caller wins any given job; everyone else gets
// ErrNoWork or a different job.
func (s *Scheduler) ClaimNext(ctx context.Context, accountID, agentID string) (*Claim, error) {
	job, err := s.repo.ClaimNextJob(ctx, accountID, agentID, s.now())
	if errors.Is(err, store.ErrNoJob) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}

	pat, err := s.repo.ActivePatternForType(ctx, job.Type)
	if errors.Is(err, store.ErrNotFound) {
		// undo the claim; the job would be unexecutable
		if rqErr := s.repo.RequeueJob(ctx, job.ID, s.now().Add(s.cfg.RetryBackoff), false); rqErr != nil {
			s.log.Error("failed to requeue patternless job",
				zap.String("job_id", job.ID), zap.Error(rqErr))
		}
		return nil, ErrNoPattern
	}
	if err != nil {
		return nil, fmt.Errorf("resolving pattern: %w", err)
	}

	s.log.Info("job claimed",
		zap.String("job_id", job.ID),
		zap.String("agent_id", agentID),
		zap.String("pattern", pat.Name),
		zap.Int("pattern_version", pat.Version))
	return &Claim{Job: job, Pattern: pat}, nil
}

// Complete finalizes an attempt. Success completes the job. A retryable
// failure with budget left requeues it behind a backoff gate if the
// pattern's failure action allows retries; an abort pattern, a fatal or
// payload failure, or an exhausted budget fails it permanently. The
// skip-step failure action never reaches here as a failure, so only
// retry and abort apply.
func (s *Scheduler) Complete(ctx context.Context, jobID string, report *schemas.JobStatusRequest) (*schemas.Job, error) {
	now := s.now()

	if report.Success {
		job, err := s.repo.CompleteJob(ctx, jobID, schemas.JobCompleted, report.Result, nil, now)
		if err != nil {
			return nil, fmt.Errorf("completing job: %w", err)
		}
		s.log.Info("job completed",
			zap.String("job_id", jobID),
			zap.String("agent_id", report.AgentID),
			zap.Int64("duration_ms", report.DurationMs))
		return job, nil
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, store.ErrInvalidTransition
	}

	action := schemas.FailRetry
	pat, patErr := s.repo.ActivePatternForType(ctx, job.Type)
	switch {
	case patErr == nil:
		if pat.FailureAction != "" {
			action = pat.FailureAction
		}
	case !errors.Is(patErr, store.ErrNotFound):
		return nil, fmt.Errorf("resolving pattern for %q: %w", job.Type, patErr)
	}

	retryable := report.Error != "" && !report.Fatal &&
		!isPayloadFailure(report.Error) && action != schemas.FailAbort
	if retryable && job.RetriesLeft > 0 {
		if err := s.repo.RequeueJob(ctx, jobID, now.Add(s.cfg.RetryBackoff), true); err != nil {
			return nil, fmt.Errorf("requeueing job: %w", err)
		}
		s.log.Warn("job attempt failed, requeued",
			zap.String("job_id", jobID),
			zap.String("agent_id", report.AgentID),
			zap.Int("retries_left", job.RetriesLeft-1),
			zap.String("error", report.Error))
		return s.repo.GetJob(ctx, jobID)
	}

	msg := report.Error
	if msg == "" {
		msg = "attempt failed"
	}
	job, err = s.repo.CompleteJob(ctx, jobID, schemas.JobFailed, report.Result, &msg, now)
	if err != nil {
		return nil, fmt.Errorf("failing job: %w", err)
	}
	s.log.Error("job failed permanently",
		zap.String("job_id", jobID),
		zap.String("agent_id", report.AgentID),
		zap.String("error", msg))
	return job, nil
}

// CompleteResult is a convenience wrapper for in-process callers that
// hold a classified failure instead of a wire report.
func (s *Scheduler) CompleteResult(ctx context.Context, jobID, agentID string, result json.RawMessage, failure *schemas.ClassifiedError) (*schemas.Job, error) {
	report := &schemas.JobStatusRequest{AgentID: agentID, Result: result}
	if failure == nil {
		report.Success = true
	} else {
		report.Error = failure.Error()
		report.Fatal = !failure.Retryable()
	}
	return s.Complete(ctx, jobID, report)
}

// Release returns a claimed job to pending behind the backoff gate
// without consuming its retry budget. Used when execution never started,
// typically because no session slot was available.
func (s *Scheduler) Release(ctx context.Context, jobID string) error {
	if err := s.repo.RequeueJob(ctx, jobID, s.now().Add(s.cfg.RetryBackoff), false); err != nil {
		return fmt.Errorf("releasing job: %w", err)
	}
	s.log.Info("job released back to queue", zap.String("job_id", jobID))
	return nil
}

// Get loads a single job.
func (s *Scheduler) Get(ctx context.Context, jobID string) (*schemas.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// Sweep requeues processing jobs whose agents are OFFLINE. Jobs reclaimed
// more than MaxReclaims times are failed with reason agent-lost instead.
// Reclaims do not consume the pattern retry budget; losing an agent is
// not the pattern's fault.
func (s *Scheduler) Sweep(ctx context.Context) (requeued, failed int, err error) {
	requeued, failed, err = s.repo.ReclaimLostJobs(ctx, s.cfg.MaxReclaims, s.cfg.RetryBackoff, s.now())
	if err != nil {
		return 0, 0, fmt.Errorf("reclaim sweep: %w", err)
	}
	if requeued > 0 || failed > 0 {
		s.log.Warn("reclaimed jobs from offline agents",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed))
	}
	return requeued, failed, nil
}

// Run drives the reclaim sweep until ctx is cancelled, with jittered
// intervals so multiple backends never sweep in lockstep.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("reclaim sweeper started", zap.Duration("interval", s.cfg.SweepInterval))
	for {
		timer := time.NewTimer(jittered(s.rng, s.cfg.SweepInterval, s.cfg.SweepJitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info("reclaim sweeper stopped")
			return ctx.Err()
		case <-timer.C:
		}
		if _, _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("reclaim sweep failed", zap.Error(err))
		}
	}
}

// payloadPrefix is the wire convention older extension agents use to
// mark an error fatal when they do not send the fatal flag.
const payloadPrefix = "payload: "

func isPayloadFailure(msg string) bool {
	return len(msg) >= len(payloadPrefix) && msg[:len(payloadPrefix)] == payloadPrefix
}

// jittered spreads d by up to frac in either direction.
func jittered(rng *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	delta := (rng.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}
