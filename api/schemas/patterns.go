package schemas

import "time"

// -- Pattern Schemas --

// StepType enumerates the primitive actions a pattern step may perform.
type StepType string

const (
	StepNavigate     StepType = "navigate"
	StepWait         StepType = "wait"
	StepClick        StepType = "click"
	StepDump         StepType = "dump" // type text into a field
	StepSelectOption StepType = "selectOption"
	StepUploadPhotos StepType = "uploadPhotos"
)

// ValidStepType reports whether t is a known step type. Unknown types are
// rejected when a pattern is loaded, never at execution time.
func ValidStepType(t StepType) bool {
	switch t {
	case StepNavigate, StepWait, StepClick, StepDump, StepSelectOption, StepUploadPhotos:
		return true
	}
	return false
}

// RecoveryHint tells the interpreter how to retry a step whose element
// did not resolve.
type RecoveryHint string

const (
	RecoverNone RecoveryHint = "none"
	// RecoverScroll scrolls the page and retries the selector lookup.
	RecoverScroll RecoveryHint = "scroll-retry"
	// RecoverReopen re-opens the nearest dropdown and retries. Listing
	// forms love to collapse their option lists mid-fill.
	RecoverReopen RecoveryHint = "reopen-retry"
)

// ValidRecoveryHint reports whether h is a known recovery hint.
func ValidRecoveryHint(h RecoveryHint) bool {
	switch h {
	case RecoverNone, RecoverScroll, RecoverReopen, "":
		return true
	}
	return false
}

// FailureAction decides what the interpreter does when a step fails after
// its retry budget is spent.
type FailureAction string

const (
	FailRetry    FailureAction = "retry"
	FailAbort    FailureAction = "abort"
	FailSkipStep FailureAction = "skip-step"
)

// ValidFailureAction reports whether a is a known failure action.
func ValidFailureAction(a FailureAction) bool {
	switch a {
	case FailRetry, FailAbort, FailSkipStep:
		return true
	}
	return false
}

// Step is one primitive action inside a pattern. Selectors are opaque
// strings tried in order until one resolves; the interpreter never parses
// them.
type Step struct {
	Ordinal int      `json:"ordinal"`
	Type    StepType `json:"type"`

	// Field ties the step to a payload field (optional).
	Field string `json:"field,omitempty"`
	// Value is a templated placeholder, e.g. "{{year}}" or a literal.
	Value string `json:"value,omitempty"`

	Selectors []string `json:"selectors,omitempty"`

	DelayMs       int  `json:"delay_ms,omitempty"`
	DelayJitterMs int  `json:"delay_jitter_ms,omitempty"`
	TimeoutMs     int  `json:"timeout_ms,omitempty"`
	Optional      bool `json:"optional,omitempty"`

	Recovery RecoveryHint `json:"recovery,omitempty"`
}

// Pattern is a versioned declarative script describing how to carry out a
// job against a target page. A pattern with zero steps is valid and
// trivially succeeds.
type Pattern struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version int    `json:"version"`

	Steps []Step `json:"steps"`

	IsDefault bool `json:"is_default"`
	IsActive  bool `json:"is_active"`

	// Weight orders selection when several active patterns qualify for
	// the same job type; higher wins.
	Weight int `json:"weight"`

	TimeoutMs     int           `json:"timeout_ms,omitempty"`
	RetryCount    int           `json:"retry_count"`
	FailureAction FailureAction `json:"failure_action"`

	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
}
