// internal/action/reflection.go
package action

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xkilldash9x/repoagent/internal/ledger"
	"github.com/xkilldash9x/repoagent/internal/llmutil"
)

// MaxReflectionNotes bounds the notes a single reflection may carry.
const MaxReflectionNotes = 5

// ReflectionParseError reports reflection output that violates its contract.
type ReflectionParseError struct {
	Reason string
	Raw    string
}

func (e *ReflectionParseError) Error() string {
	return "reflection parse error: " + e.Reason
}

// IsReflectionParseError reports whether err is, or wraps, a ReflectionParseError.
func IsReflectionParseError(err error) bool {
	var pe *ReflectionParseError
	return errors.As(err, &pe)
}

// ParseReflection decodes the first JSON object in raw into a Reflection.
// notes must hold 1 to 5 non-empty strings; next_focus and risks are optional.
func ParseReflection(raw string) (ledger.Reflection, error) {
	object, _, err := llmutil.ExtractFirstObject(raw)
	if err != nil {
		return ledger.Reflection{}, &ReflectionParseError{Reason: err.Error(), Raw: raw}
	}
	var obj map[string]interface{}
	if err := json.UnmarshalFromString(object, &obj); err != nil {
		return ledger.Reflection{}, &ReflectionParseError{Reason: err.Error(), Raw: raw}
	}

	fail := func(format string, args ...interface{}) (ledger.Reflection, error) {
		return ledger.Reflection{}, &ReflectionParseError{Reason: fmt.Sprintf(format, args...), Raw: raw}
	}

	notes, ok := obj["notes"].([]interface{})
	if !ok || len(notes) == 0 {
		return fail("reflection requires a non-empty notes array")
	}
	if len(notes) > MaxReflectionNotes {
		return fail("reflection notes must be short (max %d)", MaxReflectionNotes)
	}

	var r ledger.Reflection
	for _, n := range notes {
		s, ok := n.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fail("each note must be a non-empty string")
		}
		r.Notes = append(r.Notes, strings.TrimSpace(s))
	}

	if nf, present := obj["next_focus"]; present && nf != nil {
		s, ok := nf.(string)
		if !ok || strings.TrimSpace(s) == "" {
			return fail("next_focus must be a non-empty string if provided")
		}
		r.NextFocus = strings.TrimSpace(s)
	}

	if rawRisks, present := obj["risks"]; present && rawRisks != nil {
		risks, ok := rawRisks.([]interface{})
		if !ok {
			return fail("risks must be a list of strings if provided")
		}
		for _, item := range risks {
			s, ok := item.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return fail("each risk must be a non-empty string")
			}
			r.Risks = append(r.Risks, strings.TrimSpace(s))
		}
	}
	return r, nil
}
