package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/browser"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/interpreter"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/registry"
	"github.com/curbpost/curbpost/internal/scheduler"
)

// Runner is the server-side pooled agent: it registers like any other
// agent, claims jobs through the same scheduler, and executes patterns
// in pooled browser sessions. One Runner drives one agent identity.
type Runner struct {
	cfg      config.RunnerConfig
	registry *registry.Registry
	sched    *scheduler.Scheduler
	pool     *browser.Pool
	interp   *interpreter.Interpreter
	log      *zap.Logger
	rng      *rand.Rand

	agentID string
}

// NewRunner builds a pooled-agent runner.
func NewRunner(cfg config.RunnerConfig, reg *registry.Registry, sched *scheduler.Scheduler, pool *browser.Pool, interp *interpreter.Interpreter) *Runner {
	return &Runner{
		cfg:      cfg,
		registry: reg,
		sched:    sched,
		pool:     pool,
		interp:   interp,
		log:      observability.GetLogger().Named("runner"),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Run registers the pooled agent and polls for work until ctx ends.
// Each poll interval is jittered so multiple runners never herd.
func (r *Runner) Run(ctx context.Context) error {
	agent, err := r.registry.Register(ctx, &schemas.RegisterRequest{
		AccountID: r.cfg.AccountID,
		Source:    schemas.SourcePooled,
	})
	if err != nil {
		return fmt.Errorf("registering pooled agent: %w", err)
	}
	r.agentID = agent.ID
	r.log.Info("pooled agent registered", zap.String("agent_id", r.agentID))

	for {
		timer := time.NewTimer(r.pollDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info("pooled agent stopped")
			return ctx.Err()
		case <-timer.C:
		}

		if err := r.poll(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("poll cycle failed", zap.Error(err))
		}
	}
}

func (r *Runner) pollDelay() time.Duration {
	d := r.cfg.PollInterval
	if r.cfg.PollJitter > 0 {
		delta := (r.rng.Float64()*2 - 1) * r.cfg.PollJitter * float64(d)
		d += time.Duration(delta)
	}
	return d
}

// poll heartbeats, claims at most one job and executes it.
func (r *Runner) poll(ctx context.Context) error {
	if _, err := r.registry.Heartbeat(ctx, r.agentID, &schemas.HeartbeatRequest{}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}

	claim, err := r.sched.ClaimNext(ctx, r.cfg.AccountID, r.agentID)
	if errors.Is(err, scheduler.ErrNoWork) || errors.Is(err, scheduler.ErrNoPattern) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming work: %w", err)
	}

	return r.execute(ctx, claim)
}

func (r *Runner) execute(ctx context.Context, claim *scheduler.Claim) error {
	job := claim.Job
	log := r.log.With(zap.String("job_id", job.ID), zap.String("pattern", claim.Pattern.Name))

	if _, err := r.registry.Heartbeat(ctx, r.agentID, &schemas.HeartbeatRequest{
		Status: schemas.AgentWorking, CurrentTaskID: &job.ID,
	}); err != nil {
		log.Warn("failed to mark agent working", zap.Error(err))
	}
	defer func() {
		none := ""
		if _, err := r.registry.Heartbeat(ctx, r.agentID, &schemas.HeartbeatRequest{
			Status: schemas.AgentReady, CurrentTaskID: &none,
		}); err != nil && ctx.Err() == nil {
			log.Warn("failed to mark agent ready", zap.Error(err))
		}
	}()

	sess, err := r.pool.Create(ctx, &schemas.CreateSessionRequest{AccountID: job.AccountID})
	if errors.Is(err, browser.ErrPoolSaturated) {
		// back off without consuming the retry budget
		if rqErr := r.sched.Release(ctx, job.ID); rqErr != nil {
			return rqErr
		}
		log.Warn("pool saturated, job returned to queue")
		return nil
	}
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	defer sess.Close()

	res, err := r.interp.Execute(ctx, claim.Pattern, job.Payload, sess)
	if err != nil {
		return fmt.Errorf("executing pattern: %w", err)
	}

	summary, _ := json.Marshal(res)
	finished, err := r.sched.CompleteResult(ctx, job.ID, r.agentID, summary, res.Failure)
	if err != nil {
		return fmt.Errorf("reporting outcome: %w", err)
	}

	if finished.Terminal() {
		if err := r.registry.RecordOutcome(ctx, r.agentID, res.Success, res.Elapsed.Milliseconds()); err != nil {
			log.Warn("failed to record outcome", zap.Error(err))
		}
	}

	if res.Success {
		log.Info("job executed",
			zap.Int("steps", res.StepsCompleted),
			zap.Int("recovered_retries", res.RecoveredRetries),
			zap.Duration("elapsed", res.Elapsed))
	} else {
		log.Warn("job attempt failed",
			zap.Int("failed_ordinal", res.FailedOrdinal),
			zap.String("status", string(finished.Status)),
			zap.Error(res.Failure))
	}
	return nil
}
