package schemas

import "fmt"

// -- Error Taxonomy --

// ErrorClass buckets every automation failure into the retry policy it
// deserves. The interpreter classifies; callers only read the class.
type ErrorClass string

const (
	// ErrClassCapacity: pool at its ceiling. Retryable after backoff,
	// never surfaced as a job failure on first occurrence.
	ErrClassCapacity ErrorClass = "capacity"
	// ErrClassSelector: a step's target was not found after fallbacks
	// and retries. Retried at the pattern level up to retryCount.
	ErrClassSelector ErrorClass = "selector-resolution"
	// ErrClassTimeout: navigation or action exceeded its bound. Treated
	// like a selector error for retry purposes.
	ErrClassTimeout ErrorClass = "timeout"
	// ErrClassAgentLost: heartbeat gap mid-processing. Not attributed to
	// the pattern; the job is reclaimed for another agent.
	ErrClassAgentLost ErrorClass = "agent-lost"
	// ErrClassAuth: bad or missing worker secret. Fatal for the request.
	ErrClassAuth ErrorClass = "authentication"
	// ErrClassPayload: a required templated field is missing with no
	// fallback. Fatal for the job; retrying cannot fix missing input.
	ErrClassPayload ErrorClass = "payload"
)

// ClassifiedError carries an ErrorClass alongside the failure detail so
// the scheduler can pick retry-vs-abort without string matching.
type ClassifiedError struct {
	Class ErrorClass
	// Ordinal is the failing step's ordinal, when the error is tied to a
	// step (-1 otherwise).
	Ordinal int
	// Field names the payload field involved, when any.
	Field string
	// Selector is the selector in play when the failure occurred.
	Selector string
	Msg      string
	Err      error
}

func (e *ClassifiedError) Error() string {
	if e.Ordinal >= 0 {
		return fmt.Sprintf("%s (step %d): %s", e.Class, e.Ordinal, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable reports whether the class is worth another attempt.
func (e *ClassifiedError) Retryable() bool {
	switch e.Class {
	case ErrClassCapacity, ErrClassSelector, ErrClassTimeout, ErrClassAgentLost:
		return true
	}
	return false
}
