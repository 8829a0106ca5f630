package schemas

import "time"

// -- Browser Session Schemas --

// SessionInfo is the externally visible state of one pooled browser
// session. Sessions are process-local and never survive a restart.
type SessionInfo struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Healthy    bool      `json:"healthy"`
	CurrentURL string    `json:"current_url,omitempty"`
	Headless   bool      `json:"headless"`
	Stealth    bool      `json:"stealth"`
}

// BrowserActionType enumerates the pool's primitives.
type BrowserActionType string

const (
	ActionNavigate   BrowserActionType = "navigate"
	ActionClick      BrowserActionType = "click"
	ActionType       BrowserActionType = "type"
	ActionExtract    BrowserActionType = "extract"
	ActionScreenshot BrowserActionType = "screenshot"
)

// ActionSpec is one primitive to execute against a pooled session.
type ActionSpec struct {
	Action   BrowserActionType `json:"action" binding:"required"`
	URL      string            `json:"url,omitempty"`
	Selector string            `json:"selector,omitempty"`
	Text     string            `json:"text,omitempty"`
	// TimeoutMs bounds the action; the pool applies its default when zero.
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

// PageElement is one interactive element reported by the extract action.
type PageElement struct {
	Tag      string `json:"tag"`
	Role     string `json:"role,omitempty"`
	Label    string `json:"label,omitempty"`
	Selector string `json:"selector,omitempty"`
	Visible  bool   `json:"visible"`
}

// ActionResult is the outcome of one session primitive.
type ActionResult struct {
	Success    bool          `json:"success"`
	DurationMs int64         `json:"duration_ms"`
	Error      string        `json:"error,omitempty"`
	CurrentURL string        `json:"current_url,omitempty"`
	Elements   []PageElement `json:"elements,omitempty"`
	// Screenshot is base64-encoded PNG when the action was a screenshot.
	Screenshot string `json:"screenshot,omitempty"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	AccountID string `json:"account_id,omitempty"`
	Headless  *bool  `json:"headless,omitempty"`
	Stealth   *bool  `json:"stealth,omitempty"`
}

// CreateSessionResponse carries the new session handle.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

// SessionStateResponse is the cheap health probe result.
type SessionStateResponse struct {
	CurrentURL string `json:"current_url,omitempty"`
	IsHealthy  bool   `json:"is_healthy"`
}
