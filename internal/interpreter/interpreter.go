// Package interpreter runs declarative posting patterns against an
// execution handle. It is deliberately free of browser imports so the
// same walk drives pooled sessions, remote agents and test doubles.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/curbpost/curbpost/api/schemas"
	"github.com/curbpost/curbpost/internal/observability"
	"github.com/curbpost/curbpost/internal/pattern"
)

const (
	defaultStepTimeout    = 30 * time.Second
	defaultPatternTimeout = 10 * time.Minute
)

// StepOutcome records what happened to a single step during a run.
type StepOutcome struct {
	Ordinal  int              `json:"ordinal"`
	Type     schemas.StepType `json:"type"`
	Selector string           `json:"selector,omitempty"`
	Skipped  bool             `json:"skipped,omitempty"`
	Retries  int              `json:"retries,omitempty"`
	Error    string           `json:"error,omitempty"`
	Elapsed  time.Duration    `json:"elapsed"`
}

// Result is the full trace of one pattern execution. FailedOrdinal is -1
// on success. Steps always holds every step reached, so a failed run still
// shows how far it got. SkippedFailures counts steps a skip-step pattern
// walked past after they failed; their errors stay in the step trace.
type Result struct {
	Success          bool
	StepsCompleted   int
	SkippedOptional  int
	SkippedFailures  int
	RecoveredRetries int
	FailedOrdinal    int
	Failure          *schemas.ClassifiedError
	Elapsed          time.Duration
	Steps            []StepOutcome
}

// Interpreter walks a pattern's steps in ordinal order. The rng, sleep and
// clock hooks exist so tests can run jittered patterns deterministically.
type Interpreter struct {
	log   *zap.Logger
	rng   *rand.Rand
	sleep func(context.Context, time.Duration) error
	now   func() time.Time
}

// Option customizes an Interpreter.
type Option func(*Interpreter)

// WithRand fixes the jitter source.
func WithRand(r *rand.Rand) Option {
	return func(it *Interpreter) { it.rng = r }
}

// WithSleep replaces the delay function, letting tests skip real waits.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(it *Interpreter) { it.sleep = fn }
}

// WithClock replaces the wall clock used for elapsed accounting.
func WithClock(fn func() time.Time) Option {
	return func(it *Interpreter) { it.now = fn }
}

// New builds an Interpreter with production defaults.
func New(opts ...Option) *Interpreter {
	it := &Interpreter{
		log: observability.GetLogger().Named("interpreter"),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
	it.sleep = func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(it)
	}
	return it
}

// Execute runs every step of pat against h using payload for templating.
// A pattern with zero steps succeeds immediately. A skip-step pattern
// walks past failed steps, recording their errors in the trace; any other
// failure action stops the walk at the first failure. The returned error
// is non-nil only for infrastructure faults (context cancellation);
// pattern level failures are reported through Result.Failure so the
// caller can decide between retry and abort.
func (it *Interpreter) Execute(ctx context.Context, pat *schemas.Pattern, payload map[string]any, h Handle) (*Result, error) {
	start := it.now()
	res := &Result{FailedOrdinal: -1, Steps: make([]StepOutcome, 0, len(pat.Steps))}

	overall := defaultPatternTimeout
	if pat.TimeoutMs > 0 {
		overall = time.Duration(pat.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, overall)
	defer cancel()

	log := it.log.With(zap.String("pattern", pat.Name), zap.Int("version", pat.Version))

	for i := range pat.Steps {
		st := &pat.Steps[i]
		stepStart := it.now()
		outcome, cerr := it.runStep(ctx, log, pat, st, payload, h)
		outcome.Elapsed = it.now().Sub(stepStart)
		res.Steps = append(res.Steps, outcome)
		res.RecoveredRetries += outcome.Retries

		switch {
		case cerr == nil && outcome.Skipped:
			res.SkippedOptional++
		case cerr == nil:
			res.StepsCompleted++
		default:
			if ctx.Err() != nil && cerr.Class != schemas.ErrClassTimeout {
				// the pattern deadline fired mid-step
				cerr = &schemas.ClassifiedError{
					Class:   schemas.ErrClassTimeout,
					Ordinal: st.Ordinal,
					Msg:     "pattern deadline exceeded",
					Err:     ctx.Err(),
				}
			}
			if pat.FailureAction == schemas.FailSkipStep && ctx.Err() == nil {
				res.Steps[len(res.Steps)-1].Error = cerr.Error()
				res.SkippedFailures++
				log.Warn("step failed, walking past it",
					zap.Int("ordinal", st.Ordinal),
					zap.String("class", string(cerr.Class)),
					zap.Error(cerr))
				continue
			}
			res.FailedOrdinal = st.Ordinal
			res.Failure = cerr
			res.Elapsed = it.now().Sub(start)
			log.Warn("pattern execution failed",
				zap.Int("ordinal", st.Ordinal),
				zap.String("class", string(cerr.Class)),
				zap.Error(cerr))
			return res, nil
		}

		if err := it.delay(ctx, st); err != nil {
			res.FailedOrdinal = st.Ordinal
			res.Failure = &schemas.ClassifiedError{
				Class:   schemas.ErrClassTimeout,
				Ordinal: st.Ordinal,
				Msg:     "interrupted during post-step delay",
				Err:     err,
			}
			res.Elapsed = it.now().Sub(start)
			return res, nil
		}
	}

	res.Success = true
	res.Elapsed = it.now().Sub(start)
	log.Info("pattern execution complete",
		zap.Int("steps", res.StepsCompleted),
		zap.Int("skipped", res.SkippedOptional),
		zap.Duration("elapsed", res.Elapsed))
	return res, nil
}

// runStep executes one step, applying templating, selector fallback and
// the step's recovery hint. It returns a ClassifiedError on failure; a nil
// error with Skipped set means an optional step was bypassed.
func (it *Interpreter) runStep(ctx context.Context, log *zap.Logger, pat *schemas.Pattern, st *schemas.Step, payload map[string]any, h Handle) (StepOutcome, *schemas.ClassifiedError) {
	out := StepOutcome{Ordinal: st.Ordinal, Type: st.Type}

	value, cerr := it.renderValue(st, payload)
	if cerr != nil {
		if st.Optional {
			out.Skipped = true
			log.Debug("skipping optional step with unresolved payload field",
				zap.Int("ordinal", st.Ordinal), zap.String("field", st.Field))
			return out, nil
		}
		return out, cerr
	}

	var refs []string
	if st.Type == schemas.StepUploadPhotos {
		var perr error
		refs, perr = pattern.PhotoRefs(payload, st.Field)
		if perr != nil {
			if st.Optional {
				out.Skipped = true
				return out, nil
			}
			var mfe *pattern.MissingFieldError
			if errors.As(perr, &mfe) {
				return out, mfe.Classify(st.Ordinal)
			}
			return out, &schemas.ClassifiedError{
				Class:   schemas.ErrClassPayload,
				Ordinal: st.Ordinal,
				Field:   st.Field,
				Msg:     perr.Error(),
				Err:     perr,
			}
		}
	}

	// a wait without selectors is a pure pause; the post-step delay does
	// the waiting, so there is nothing to resolve.
	if st.Type == schemas.StepWait && len(st.Selectors) == 0 {
		return out, nil
	}

	// navigate has no selector; a single attempt bounded by the step timeout.
	if st.Type == schemas.StepNavigate {
		if err := it.withTimeout(ctx, st, func(sctx context.Context) error {
			return h.Navigate(sctx, value)
		}); err != nil {
			return out, classify(err, st, "")
		}
		return out, nil
	}

	selector, retries, cerr := it.resolve(ctx, st, pat.RetryCount, h)
	out.Retries = retries
	if cerr != nil {
		if st.Optional {
			out.Skipped = true
			log.Debug("skipping optional step, no selector matched",
				zap.Int("ordinal", st.Ordinal), zap.Strings("selectors", st.Selectors))
			return out, nil
		}
		return out, cerr
	}
	out.Selector = selector

	err := it.withTimeout(ctx, st, func(sctx context.Context) error {
		switch st.Type {
		case schemas.StepClick:
			return h.Click(sctx, selector)
		case schemas.StepWait:
			return nil // resolution already waited for the element
		case schemas.StepDump:
			return h.Type(sctx, selector, value)
		case schemas.StepSelectOption:
			return h.SelectOption(sctx, selector, value)
		case schemas.StepUploadPhotos:
			return h.UploadPhotos(sctx, selector, refs)
		default:
			return fmt.Errorf("unhandled step type %q", st.Type)
		}
	})
	if err != nil {
		if st.Optional {
			out.Skipped = true
			return out, nil
		}
		return out, classify(err, st, selector)
	}
	return out, nil
}

// resolve walks the step's selector list in order, once per attempt,
// applying the recovery hint between attempts, up to retryCount retries.
// It returns the first selector that matched and how many retries it took.
func (it *Interpreter) resolve(ctx context.Context, st *schemas.Step, retryCount int, h Handle) (string, int, *schemas.ClassifiedError) {
	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		if attempt > 0 {
			if err := it.recover(ctx, st, h); err != nil {
				lastErr = err
				break
			}
		}
		for _, sel := range st.Selectors {
			ok, err := h.Resolve(ctx, sel)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				return sel, attempt, nil
			}
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}

	cerr := &schemas.ClassifiedError{
		Class:   schemas.ErrClassSelector,
		Ordinal: st.Ordinal,
		Field:   st.Field,
		Msg:     fmt.Sprintf("no selector matched after %d attempts", retryCount+1),
		Err:     lastErr,
	}
	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(lastErr, context.Canceled) {
		cerr.Class = schemas.ErrClassTimeout
		cerr.Msg = "timed out resolving selectors"
	}
	return "", retryCount, cerr
}

// recover applies the step's recovery hint before another attempt.
func (it *Interpreter) recover(ctx context.Context, st *schemas.Step, h Handle) error {
	switch st.Recovery {
	case schemas.RecoverScroll:
		return h.Scroll(ctx)
	case schemas.RecoverReopen:
		if len(st.Selectors) == 0 {
			return nil
		}
		return h.ReopenDropdown(ctx, st.Selectors[0])
	default:
		return nil
	}
}

// renderValue templates the step's value against the payload. A step with
// an empty value but a bound field implicitly templates that field.
func (it *Interpreter) renderValue(st *schemas.Step, payload map[string]any) (string, *schemas.ClassifiedError) {
	if st.Type == schemas.StepUploadPhotos {
		return "", nil // photos come from PhotoRefs, not the value template
	}
	raw := st.Value
	if raw == "" && st.Field != "" && st.Type != schemas.StepClick && st.Type != schemas.StepWait {
		raw = "{{" + st.Field + "}}"
	}
	if raw == "" {
		return "", nil
	}
	rendered, err := pattern.Render(raw, payload)
	if err != nil {
		var mfe *pattern.MissingFieldError
		if errors.As(err, &mfe) {
			return "", mfe.Classify(st.Ordinal)
		}
		return "", &schemas.ClassifiedError{
			Class:   schemas.ErrClassPayload,
			Ordinal: st.Ordinal,
			Field:   st.Field,
			Msg:     err.Error(),
			Err:     err,
		}
	}
	return rendered, nil
}

// withTimeout runs fn under the step's timeout, or the default when unset.
func (it *Interpreter) withTimeout(ctx context.Context, st *schemas.Step, fn func(context.Context) error) error {
	d := defaultStepTimeout
	if st.TimeoutMs > 0 {
		d = time.Duration(st.TimeoutMs) * time.Millisecond
	}
	sctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(sctx)
}

// delay sleeps for the step's base delay plus uniform jitter.
func (it *Interpreter) delay(ctx context.Context, st *schemas.Step) error {
	d := time.Duration(st.DelayMs) * time.Millisecond
	if st.DelayJitterMs > 0 {
		d += time.Duration(it.rng.Int63n(int64(st.DelayJitterMs))) * time.Millisecond
	}
	return it.sleep(ctx, d)
}

// classify maps a raw handle error to the failure taxonomy.
func classify(err error, st *schemas.Step, selector string) *schemas.ClassifiedError {
	class := schemas.ErrClassSelector
	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		class = schemas.ErrClassTimeout
		msg = fmt.Sprintf("step %q timed out", st.Type)
	}
	return &schemas.ClassifiedError{
		Class:    class,
		Ordinal:  st.Ordinal,
		Field:    st.Field,
		Selector: selector,
		Msg:      msg,
		Err:      err,
	}
}
