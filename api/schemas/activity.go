package schemas

import "time"

// -- Activity Log Schemas --

// ActivityEvent is one append-only observability record emitted by an
// agent. Events never block or gate job execution.
type ActivityEvent struct {
	ID        string            `json:"id"`
	AgentID   string            `json:"agent_id"`
	EventType string            `json:"event_type"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	TaskID    *string           `json:"task_id,omitempty"`
	VehicleID *string           `json:"vehicle_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// LogActivityRequest is the body of POST /agents/:id/activity.
type LogActivityRequest struct {
	EventType string            `json:"event_type" binding:"required"`
	Message   string            `json:"message" binding:"required"`
	Details   map[string]string `json:"details,omitempty"`
	TaskID    *string           `json:"task_id,omitempty"`
	VehicleID *string           `json:"vehicle_id,omitempty"`
}

// LogActivityResponse acknowledges the appended event.
type LogActivityResponse struct {
	ActivityID string    `json:"activity_id"`
	Timestamp  time.Time `json:"timestamp"`
}
