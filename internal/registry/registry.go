// Package registry tracks agent identity and liveness. Agents register
// once, heartbeat on a cadence and are swept to OFFLINE when the cadence
// lapses; a later heartbeat revives them without re-registration.
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/config"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/store"
)

var (
	// ErrUnknownAgent is returned for heartbeats from an id that never
	// registered.
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrBadStatus rejects a heartbeat carrying a status outside the
	// lifecycle set.
	ErrBadStatus = errors.New("invalid agent status")
)

// Registry owns agent registration, heartbeats and the liveness sweep.
type Registry struct {
	repo store.Repository
	cfg  config.RegistryConfig
	log  *zap.Logger
	now  func() time.Time
	rng  *rand.Rand
}

// Option customizes a Registry.
type Option func(*Registry)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(fn func() time.Time) Option {
	return func(r *Registry) { r.now = fn }
}

// New builds a Registry over the given repository.
func New(repo store.Repository, cfg config.RegistryConfig, opts ...Option) *Registry {
	r := &Registry{
		repo: repo,
		cfg:  cfg,
		log:  observability.GetLogger().Named("registry"),
		now:  time.Now,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates an agent identity, or confirms an existing one. Sending
// the same agent_id twice is not an error: the second call refreshes the
// metadata and returns the stored agent unchanged otherwise. New agents
// without an explicit id are named <account>-<n> from a per-account
// sequence.
func (r *Registry) Register(ctx context.Context, req *schemas.RegisterRequest) (*schemas.Agent, error) {
	if req.AccountID == "" {
		return nil, fmt.Errorf("account_id is required")
	}
	if req.Source != schemas.SourceExtension && req.Source != schemas.SourcePooled {
		return nil, fmt.Errorf("unknown execution source %q", req.Source)
	}

	if req.AgentID != "" {
		existing, err := r.repo.GetAgent(ctx, req.AgentID)
		switch {
		case err == nil:
			if len(req.Metadata) > 0 {
				if err := r.repo.RefreshAgentMetadata(ctx, existing.ID, req.Metadata); err != nil {
					return nil, fmt.Errorf("refreshing agent metadata: %w", err)
				}
				existing.Metadata = req.Metadata
			}
			r.log.Debug("agent re-registered", zap.String("agent_id", existing.ID))
			return existing, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	id := req.AgentID
	if id == "" {
		seq, err := r.repo.NextAgentSeq(ctx, req.AccountID)
		if err != nil {
			return nil, fmt.Errorf("allocating agent id: %w", err)
		}
		id = fmt.Sprintf("%s-%d", req.AccountID, seq)
	}

	agent := &schemas.Agent{
		ID:              id,
		AccountID:       req.AccountID,
		Status:          schemas.AgentReady,
		Source:          req.Source,
		Metadata:        req.Metadata,
		LastHeartbeatAt: r.now(),
		CreatedAt:       r.now(),
	}
	if err := r.repo.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("creating agent: %w", err)
	}
	r.log.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("account_id", agent.AccountID),
		zap.String("source", string(agent.Source)))
	return agent, nil
}

// Heartbeat stamps the agent's liveness. An explicit status in the request
// wins; otherwise an OFFLINE agent is revived to READY and any other
// status is kept. Reported metrics are merged into the agent's metadata
// key by key; registration metadata the metrics do not mention survives.
func (r *Registry) Heartbeat(ctx context.Context, agentID string, req *schemas.HeartbeatRequest) (*schemas.Agent, error) {
	var status *schemas.AgentStatus
	if req.Status != "" {
		if !schemas.ValidAgentStatus(req.Status) {
			return nil, fmt.Errorf("%w: %q", ErrBadStatus, req.Status)
		}
		status = &req.Status
	}

	agent, err := r.repo.Heartbeat(ctx, agentID, r.now(), status, req.CurrentTaskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	if err != nil {
		return nil, err
	}

	if len(req.Metrics) > 0 {
		if err := r.repo.MergeAgentMetadata(ctx, agentID, req.Metrics); err != nil {
			r.log.Warn("failed to store heartbeat metrics",
				zap.String("agent_id", agentID), zap.Error(err))
		} else {
			merged := make(map[string]string, len(agent.Metadata)+len(req.Metrics))
			for k, v := range agent.Metadata {
				merged[k] = v
			}
			for k, v := range req.Metrics {
				merged[k] = v
			}
			agent.Metadata = merged
		}
	}
	return agent, nil
}

// RecordOutcome bumps exactly one of the agent's task counters and notes
// the attempt duration in the agent's metadata when one was reported.
func (r *Registry) RecordOutcome(ctx context.Context, agentID string, success bool, durationMs int64) error {
	if err := r.repo.RecordOutcome(ctx, agentID, success); err != nil {
		return err
	}
	if durationMs > 0 {
		meta := map[string]string{"last_task_duration_ms": strconv.FormatInt(durationMs, 10)}
		if err := r.repo.MergeAgentMetadata(ctx, agentID, meta); err != nil {
			r.log.Warn("failed to store task duration",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	}
	return nil
}

// ReportError stores the agent's latest error and flips it to ERROR.
func (r *Registry) ReportError(ctx context.Context, agentID, msg string) error {
	return r.repo.SetAgentError(ctx, agentID, msg, r.now())
}

// Get loads a single agent.
func (r *Registry) Get(ctx context.Context, agentID string) (*schemas.Agent, error) {
	agent, err := r.repo.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return agent, err
}

// Sweep marks every agent silent past the liveness window as OFFLINE and
// returns the ids it flipped. Jobs those agents held are reclaimed by the
// scheduler's own sweep; the two are decoupled on purpose so a slow
// reclaim never delays liveness accounting.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.cfg.Window())
	ids, err := r.repo.MarkAgentsOffline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("liveness sweep: %w", err)
	}
	if len(ids) > 0 {
		r.log.Warn("agents went offline", zap.Strings("agent_ids", ids))
	}
	return ids, nil
}

// Run drives the liveness sweep until ctx is cancelled. Each interval is
// jittered so multiple backends never sweep in lockstep.
func (r *Registry) Run(ctx context.Context) error {
	r.log.Info("liveness sweeper started",
		zap.Duration("interval", r.cfg.SweepInterval),
		zap.Duration("window", r.cfg.Window()))
	for {
		timer := time.NewTimer(jittered(r.rng, r.cfg.SweepInterval, r.cfg.SweepJitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info("liveness sweeper stopped")
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.log.Error("liveness sweep failed", zap.Error(err))
		}
	}
}

// jittered spreads d by up to frac in either direction.
func jittered(rng *rand.Rand, d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	delta := (rng.Float64()*2 - 1) * frac * float64(d)
	return d + time.Duration(delta)
}
