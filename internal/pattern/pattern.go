// Package pattern owns the declarative automation script model: parsing,
// load-time validation and placeholder templating. The interpreter only
// ever sees patterns that passed validation here.
package pattern

import (
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/curbpost/curbpost/api/schemas"
)

// json is configured once; patterns are decoded on every job pickup so
// the faster codec is worth carrying.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ValidateSteps rejects malformed steps at load time so that a bad script
// never fails mid-run against a live page.
func ValidateSteps(steps []schemas.Step) error {
	var errs []error
	for i, st := range steps {
		if !schemas.ValidStepType(st.Type) {
			errs = append(errs, fmt.Errorf("step %d: unknown type %q", i, st.Type))
		}
		if !schemas.ValidRecoveryHint(st.Recovery) {
			errs = append(errs, fmt.Errorf("step %d: unknown recovery hint %q", i, st.Recovery))
		}
		if st.Ordinal != i {
			errs = append(errs, fmt.Errorf("step %d: ordinal %d out of sequence", i, st.Ordinal))
		}
		if st.DelayMs < 0 || st.DelayJitterMs < 0 || st.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("step %d: negative duration", i))
		}

		switch st.Type {
		case schemas.StepNavigate:
			if st.Value == "" {
				errs = append(errs, fmt.Errorf("step %d: navigate requires a value (URL)", i))
			}
		case schemas.StepClick, schemas.StepDump, schemas.StepSelectOption, schemas.StepUploadPhotos:
			if len(st.Selectors) == 0 {
				errs = append(errs, fmt.Errorf("step %d: %s requires at least one selector", i, st.Type))
			}
		case schemas.StepWait:
			// wait needs neither a selector nor a value
		}
	}
	return errors.Join(errs...)
}

// ValidatePattern checks the whole pattern, steps included.
func ValidatePattern(p *schemas.Pattern) error {
	if p.Name == "" {
		return fmt.Errorf("pattern %s: name is required", p.ID)
	}
	if p.Version <= 0 {
		return fmt.Errorf("pattern %s: version must be positive", p.ID)
	}
	if !schemas.ValidFailureAction(p.FailureAction) {
		return fmt.Errorf("pattern %s: unknown failure action %q", p.ID, p.FailureAction)
	}
	if p.RetryCount < 0 {
		return fmt.Errorf("pattern %s: retry count must not be negative", p.ID)
	}
	if err := ValidateSteps(p.Steps); err != nil {
		return fmt.Errorf("pattern %s: %w", p.ID, err)
	}
	return nil
}

// EncodeSteps validates and serializes steps for storage.
func EncodeSteps(steps []schemas.Step) ([]byte, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	return json.Marshal(steps)
}

// DecodeSteps deserializes and re-validates stored steps.
func DecodeSteps(data []byte) ([]schemas.Step, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var steps []schemas.Step
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}

// DecodePattern deserializes and validates a whole pattern document.
func DecodePattern(data []byte) (*schemas.Pattern, error) {
	var p schemas.Pattern
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode pattern: %w", err)
	}
	if err := ValidatePattern(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
