package schemas

import "time"

// -- Agent Schemas --

// AgentStatus describes where an agent sits in its lifecycle.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "IDLE"
	AgentReady   AgentStatus = "READY"
	AgentWorking AgentStatus = "WORKING"
	AgentError   AgentStatus = "ERROR"
	AgentOffline AgentStatus = "OFFLINE"
	AgentPaused  AgentStatus = "PAUSED"
	AgentOnline  AgentStatus = "ONLINE"
)

// ValidAgentStatus reports whether s is one of the known lifecycle states.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentIdle, AgentReady, AgentWorking, AgentError, AgentOffline, AgentPaused, AgentOnline:
		return true
	}
	return false
}

// ExecutionSource identifies where an agent actually runs.
type ExecutionSource string

const (
	// SourceExtension is an agent living inside a user's browser extension.
	SourceExtension ExecutionSource = "extension"
	// SourcePooled is a server-side agent backed by the browser session pool.
	SourcePooled ExecutionSource = "pooled"
)

// Agent is one automation worker ("soldier") identity. Agents are never
// deleted; an agent that stops heartbeating is marked OFFLINE and revived
// on its next heartbeat.
type Agent struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Status    AgentStatus     `json:"status"`
	Source    ExecutionSource `json:"source"`

	TasksCompleted int64 `json:"tasks_completed"`
	TasksFailed    int64 `json:"tasks_failed"`

	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	CurrentTaskID   *string    `json:"current_task_id,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	LastErrorAt     *time.Time `json:"last_error_at,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SuccessRate returns tasksCompleted/(tasksCompleted+tasksFailed) and
// reports whether it is defined. At 0/0 the rate is undefined.
func (a *Agent) SuccessRate() (float64, bool) {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 0, false
	}
	return float64(a.TasksCompleted) / float64(total), true
}

// -- Worker Protocol Bodies (agents) --

// RegisterRequest is the body of POST /agents/register.
type RegisterRequest struct {
	AgentID   string            `json:"agent_id,omitempty"` // present on re-registration
	AccountID string            `json:"account_id" binding:"required"`
	Source    ExecutionSource   `json:"source" binding:"required"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse returns the assigned (or confirmed) agent id.
type RegisterResponse struct {
	AgentID string      `json:"agent_id"`
	Status  AgentStatus `json:"status"`
}

// HeartbeatRequest is the body of POST /agents/:id/heartbeat.
type HeartbeatRequest struct {
	Status        AgentStatus       `json:"status,omitempty"`
	CurrentTaskID *string           `json:"current_task,omitempty"`
	Metrics       map[string]string `json:"metrics,omitempty"`
}

// HeartbeatResponse echoes the agent state the backend now holds.
type HeartbeatResponse struct {
	Status        AgentStatus `json:"status"`
	CurrentTaskID *string     `json:"current_task,omitempty"`
}
