// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNoJSONObject is returned when a response contains no well-formed JSON object.
var ErrNoJSONObject = errors.New("no JSON object found in response")

// fenceRegex captures the body of a markdown code fence. \x60 is a backtick.
var fenceRegex = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// maxCandidates bounds how many '{' positions are tried before giving up.
const maxCandidates = 64

// StripFences removes a leading markdown code fence, returning its body and
// whatever followed the closing fence.
func StripFences(response string) (body, rest string) {
	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "```") {
		return response, ""
	}
	loc := fenceRegex.FindStringSubmatchIndex(response)
	if loc == nil {
		return strings.TrimPrefix(response, "```"), ""
	}
	return response[loc[2]:loc[3]], strings.TrimSpace(response[loc[1]:])
}

// ExtractFirstObject returns the first well-formed JSON object in response and
// the non-whitespace text that trails it. Leading prose and markdown fences are
// tolerated; text after the object is reported, never parsed.
func ExtractFirstObject(response string) (object string, trailing string, err error) {
	body, afterFence := StripFences(response)

	searchFrom := 0
	for attempt := 0; attempt < maxCandidates; attempt++ {
		rel := strings.IndexByte(body[searchFrom:], '{')
		if rel < 0 {
			break
		}
		start := searchFrom + rel
		end, ok := matchBrace(body, start)
		if !ok {
			// An unbalanced brace in prose; a later object may still be whole.
			searchFrom = start + 1
			continue
		}
		candidate := body[start:end]
		if json.Valid([]byte(candidate)) {
			trailing = strings.TrimSpace(body[end:])
			if afterFence != "" {
				trailing = strings.TrimSpace(trailing + "\n" + afterFence)
			}
			return candidate, trailing, nil
		}
		searchFrom = start + 1
	}
	return "", "", ErrNoJSONObject
}

// matchBrace finds the index just past the '}' balancing the '{' at start,
// skipping braces inside JSON strings.
func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// ParseJSONResponse decodes the first JSON object in an LLM response into T.
func ParseJSONResponse[T any](response string) (*T, error) {
	object, _, err := ExtractFirstObject(response)
	if err != nil {
		return nil, fmt.Errorf("%w (response: %s)", err, Truncate(strings.TrimSpace(response), 200))
	}

	var result T
	if err := json.Unmarshal([]byte(object), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(object, 500))
	}
	return &result, nil
}

// Truncate cuts s to at most max runes. Truncated strings end in "...".
func Truncate(s string, max int) string {
	out, cut := TruncateRunes(s, max)
	if cut {
		return out + "..."
	}
	return out
}

// TruncateRunes cuts s to at most max runes and reports whether anything was removed.
func TruncateRunes(s string, max int) (string, bool) {
	if max <= 0 {
		return "", s != ""
	}
	if len(s) <= max || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}
