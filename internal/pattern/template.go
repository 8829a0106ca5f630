package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/curbpost/curbpost/api/schemas"
)

// placeholderRe matches {{field}} and {{field|fallback}}. Field names are
// plain identifiers; anything after the first pipe is a literal default.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*(?:\|([^}]*))?\}\}`)

// MissingFieldError names the payload field a template needed but did not
// get. It is deliberately a distinct type: a missing input is fatal for
// the job and must never be retried or silently submitted empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("payload field %q is missing and has no fallback", e.Field)
}

// Classify wraps the error into the shared taxonomy.
func (e *MissingFieldError) Classify(ordinal int) *schemas.ClassifiedError {
	return &schemas.ClassifiedError{
		Class:   schemas.ErrClassPayload,
		Ordinal: ordinal,
		Field:   e.Field,
		Msg:     e.Error(),
		Err:     e,
	}
}

// Render substitutes every placeholder in value against the payload.
// A placeholder whose field is absent resolves to its fallback; without
// one, Render fails with a MissingFieldError.
func Render(value string, payload map[string]any) (string, error) {
	var missing *MissingFieldError

	out := placeholderRe.ReplaceAllStringFunc(value, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		field := sub[1]

		if v, ok := lookup(payload, field); ok {
			return stringify(v)
		}
		// The second group is only meaningful if a pipe was present.
		if strings.Contains(m, "|") {
			return sub[2]
		}
		if missing == nil {
			missing = &MissingFieldError{Field: field}
		}
		return ""
	})

	if missing != nil {
		return "", missing
	}
	return out, nil
}

// lookup resolves dotted paths ("vehicle.year") through nested maps.
func lookup(payload map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var cur any = payload
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// stringify renders payload values the way a human would type them:
// integers without an exponent, floats trimmed, everything else via fmt.
func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; whole values print as ints.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// PhotoRefs pulls the photo reference list out of a payload field, for
// uploadPhotos steps. Accepts []string or []any of strings.
func PhotoRefs(payload map[string]any, field string) ([]string, error) {
	v, ok := lookup(payload, field)
	if !ok {
		return nil, &MissingFieldError{Field: field}
	}
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("payload field %q contains a non-string photo reference", field)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("payload field %q is not a photo list", field)
	}
}
