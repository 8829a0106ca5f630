package schemas

import (
	"encoding/json"
	"time"
)

// -- Job Schemas --

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobTypePostVehicle is the one job type the system ships with: post a
// vehicle listing to a marketplace page.
const JobTypePostVehicle = "post-vehicle"

// ReasonAgentLost is the terminal error set on a job whose assigned agent
// went OFFLINE too many times mid-processing.
const ReasonAgentLost = "agent-lost"

// Job is a unit of posting work. The scheduler is the sole writer of
// Status and AssignedAgent; at most one agent holds a processing job.
type Job struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	Type      string    `json:"type"`
	Status    JobStatus `json:"status"`
	Priority  int       `json:"priority"`

	// Payload carries the listing fields and photo references a pattern
	// is filled from.
	Payload map[string]any `json:"payload"`

	AssignedAgent *string         `json:"assigned_agent,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`

	Attempts     int `json:"attempts"`
	RetriesLeft  int `json:"retries_left"`
	ReclaimCount int `json:"reclaim_count"`

	// NotBefore gates claim eligibility; it implements retry backoff.
	NotBefore time.Time `json:"not_before"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can never transition again.
func (j *Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// -- Worker Protocol Bodies (jobs) --

// JobStatusRequest is the body of POST /jobs/:id/status. Fatal marks the
// reported error as non-retryable regardless of the job's remaining
// budget.
type JobStatusRequest struct {
	AgentID    string          `json:"agent_id" binding:"required"`
	Success    bool            `json:"success"`
	Fatal      bool            `json:"fatal,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// JobStatusResponse acknowledges an outcome report.
type JobStatusResponse struct {
	Status JobStatus `json:"status"`
}

// EnqueueRequest creates a job directly (manual trigger path). A nil
// Priority takes the configured default; an explicit zero is kept.
type EnqueueRequest struct {
	AccountID string         `json:"account_id" binding:"required"`
	VehicleID string         `json:"vehicle_id,omitempty"`
	Type      string         `json:"type,omitempty"`
	Priority  *int           `json:"priority,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EnqueueResponse carries the created job id.
type EnqueueResponse struct {
	JobID string `json:"job_id"`
}

// Vehicle is the minimal inventory record the manual trigger selects
// from. Ingestion of these records is out of scope; the scheduler only
// reads them.
type Vehicle struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	Fields        map[string]any `json:"fields"`
	ActivePosting bool           `json:"active_posting"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
