package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/curbpost/curbpost/api/schemas"
)

// Memory is an in-memory Repository. It backs database-less runs and the
// concurrency tests; every mutation holds the single mutex so the same
// atomicity guarantees hold as in the SQL implementation.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]*schemas.Job
	agents   map[string]*schemas.Agent
	seqs     map[string]int64
	patterns map[string]*schemas.Pattern // keyed by id
	vehicles map[string]*schemas.Vehicle
	activity []*schemas.ActivityEvent
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]*schemas.Job),
		agents:   make(map[string]*schemas.Agent),
		seqs:     make(map[string]int64),
		patterns: make(map[string]*schemas.Pattern),
		vehicles: make(map[string]*schemas.Vehicle),
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

// -- Jobs --

func (m *Memory) CreateJob(_ context.Context, job *schemas.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*schemas.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *Memory) ClaimNextJob(_ context.Context, accountID, agentID string, now time.Time) (*schemas.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*schemas.Job
	for _, j := range m.jobs {
		if j.AccountID == accountID && j.Status == schemas.JobPending && !j.NotBefore.After(now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoJob
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})

	job := candidates[0]
	job.Status = schemas.JobProcessing
	job.AssignedAgent = &agentID
	started := now
	job.StartedAt = &started
	job.Attempts++
	cp := *job
	return &cp, nil
}

func (m *Memory) CompleteJob(_ context.Context, id string, status schemas.JobStatus, result json.RawMessage, errMsg *string, now time.Time) (*schemas.Job, error) {
	if status != schemas.JobCompleted && status != schemas.JobFailed {
		return nil, ErrInvalidTransition
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrInvalidTransition
	}
	if job.Status != schemas.JobProcessing {
		return nil, ErrInvalidTransition
	}
	job.Status = status
	job.Result = result
	job.Error = errMsg
	completed := now
	job.CompletedAt = &completed
	job.AssignedAgent = nil
	cp := *job
	return &cp, nil
}

func (m *Memory) RequeueJob(_ context.Context, id string, notBefore time.Time, decrementRetries bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.Status != schemas.JobProcessing {
		return ErrInvalidTransition
	}
	job.Status = schemas.JobPending
	job.AssignedAgent = nil
	job.StartedAt = nil
	job.NotBefore = notBefore
	if decrementRetries {
		job.RetriesLeft--
	}
	return nil
}

func (m *Memory) ReclaimLostJobs(_ context.Context, maxReclaims int, backoff time.Duration, now time.Time) (requeued, failed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.Status != schemas.JobProcessing || j.AssignedAgent == nil {
			continue
		}
		agent, ok := m.agents[*j.AssignedAgent]
		if !ok || agent.Status != schemas.AgentOffline {
			continue
		}

		j.ReclaimCount++
		j.AssignedAgent = nil
		j.StartedAt = nil
		j.NotBefore = now.Add(backoff)
		if j.ReclaimCount > maxReclaims {
			j.Status = schemas.JobFailed
			reason := schemas.ReasonAgentLost
			j.Error = &reason
			completed := now
			j.CompletedAt = &completed
			failed++
		} else {
			j.Status = schemas.JobPending
			requeued++
		}
	}
	return requeued, failed, nil
}

// -- Agents --

func (m *Memory) CreateAgent(_ context.Context, agent *schemas.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.ID] = &cp
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*schemas.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (m *Memory) NextAgentSeq(_ context.Context, accountID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[accountID]++
	return m.seqs[accountID], nil
}

func (m *Memory) RefreshAgentMetadata(_ context.Context, id string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.Metadata = metadata
	return nil
}

func (m *Memory) MergeAgentMetadata(_ context.Context, id string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	// copy-on-write so agent snapshots handed out earlier stay stable
	merged := make(map[string]string, len(agent.Metadata)+len(metadata))
	for k, v := range agent.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	agent.Metadata = merged
	return nil
}

func (m *Memory) Heartbeat(_ context.Context, id string, at time.Time, status *schemas.AgentStatus, currentTask *string) (*schemas.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}

	agent.LastHeartbeatAt = at
	switch {
	case status != nil && *status != "":
		agent.Status = *status
	case agent.Status == schemas.AgentOffline:
		agent.Status = schemas.AgentReady
	}
	if currentTask != nil {
		if *currentTask == "" {
			agent.CurrentTaskID = nil
		} else {
			task := *currentTask
			agent.CurrentTaskID = &task
		}
	}
	cp := *agent
	return &cp, nil
}

func (m *Memory) RecordOutcome(_ context.Context, id string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if success {
		agent.TasksCompleted++
	} else {
		agent.TasksFailed++
	}
	return nil
}

func (m *Memory) SetAgentError(_ context.Context, id, msg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	agent.LastError = &msg
	agent.LastErrorAt = &at
	agent.Status = schemas.AgentError
	return nil
}

func (m *Memory) MarkAgentsOffline(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for _, a := range m.agents {
		if a.Status == schemas.AgentOffline || a.Status == schemas.AgentPaused {
			continue
		}
		if a.LastHeartbeatAt.Before(cutoff) {
			a.Status = schemas.AgentOffline
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// -- Patterns and vehicles --

func (m *Memory) UpsertPattern(_ context.Context, p *schemas.Pattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.patterns[p.ID] = &cp
	return nil
}

func (m *Memory) ActivePatternForType(_ context.Context, jobType string) (*schemas.Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *schemas.Pattern
	for _, p := range m.patterns {
		if !p.IsActive || p.Name != jobType {
			continue
		}
		if best == nil || betterPattern(p, best) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// betterPattern mirrors the SQL ordering: weight, then version, then the
// default flag.
func betterPattern(a, b *schemas.Pattern) bool {
	if a.Weight != b.Weight {
		return a.Weight > b.Weight
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	return a.IsDefault && !b.IsDefault
}

func (m *Memory) UpsertVehicle(_ context.Context, v *schemas.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.vehicles[v.ID] = &cp
	return nil
}

func (m *Memory) GetVehicle(_ context.Context, id string) (*schemas.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *Memory) NextEligibleVehicle(_ context.Context, accountID string) (*schemas.Vehicle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *schemas.Vehicle
	for _, v := range m.vehicles {
		if v.AccountID != accountID || v.ActivePosting {
			continue
		}
		if best == nil || v.UpdatedAt.After(best.UpdatedAt) {
			best = v
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

// -- Activity --

func (m *Memory) AppendActivity(_ context.Context, ev *schemas.ActivityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.activity = append(m.activity, &cp)
	return nil
}

// ActivityEvents returns a snapshot of the log, oldest first. Tests only.
func (m *Memory) ActivityEvents() []*schemas.ActivityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schemas.ActivityEvent, len(m.activity))
	copy(out, m.activity)
	return out
}
