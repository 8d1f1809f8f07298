// internal/ledger/ledger.go
package ledger

import (
	"reflect"
	"strings"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

// EntryKind discriminates ledger entries.
type EntryKind string

const (
	KindToolCall    EntryKind = "tool_call"
	KindObservation EntryKind = "observation"
	KindLLMAction   EntryKind = "llm_action"
	KindDriverNote  EntryKind = "driver_note"
	KindReflection  EntryKind = "reflection"
)

// DriverTestsTool is the observation tool name for driver-run tests.
const DriverTestsTool = "driver.run_tests"

// Reflection is a set of corrective lessons produced by the reflection model.
type Reflection struct {
	Notes     []string `json:"notes"`
	NextFocus string   `json:"next_focus,omitempty"`
	Risks     []string `json:"risks"`
}

// Entry is one immutable ledger record. Which fields are set depends on Kind.
type Entry struct {
	Kind EntryKind

	// tool_call
	Name string
	Args map[string]interface{}

	// observation
	Tool        string
	Observation schemas.Observation

	// llm_action
	Object map[string]interface{}

	// driver_note
	Note string

	// reflection
	Reflection Reflection
}

// ToMap renders the entry in the shape shown to the model.
func (e Entry) ToMap() map[string]interface{} {
	switch e.Kind {
	case KindToolCall:
		return map[string]interface{}{"kind": string(e.Kind), "name": e.Name, "args": e.Args}
	case KindObservation:
		obs := map[string]interface{}{"ok": e.Observation.OK, "output": e.Observation.Output, "truncated": e.Observation.Truncated}
		if len(e.Observation.Meta) > 0 {
			obs["meta"] = e.Observation.Meta
		}
		return map[string]interface{}{"kind": string(e.Kind), "tool": e.Tool, "obs": obs}
	case KindLLMAction:
		return map[string]interface{}{"kind": string(e.Kind), "obj": e.Object}
	case KindDriverNote:
		return map[string]interface{}{"kind": string(e.Kind), "note": e.Note}
	case KindReflection:
		var nextFocus interface{}
		if e.Reflection.NextFocus != "" {
			nextFocus = e.Reflection.NextFocus
		}
		return map[string]interface{}{
			"kind":       string(e.Kind),
			"notes":      nonNil(e.Reflection.Notes),
			"next_focus": nextFocus,
			"risks":      nonNil(e.Reflection.Risks),
		}
	default:
		return map[string]interface{}{"kind": string(e.Kind)}
	}
}

// Ledger is the append-only history of one run. It is owned by a single
// driver and is not safe for concurrent use.
type Ledger struct {
	entries []Entry
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) AppendToolCall(name string, args map[string]interface{}) {
	l.entries = append(l.entries, Entry{Kind: KindToolCall, Name: name, Args: copyMap(args)})
}

func (l *Ledger) AppendObservation(tool string, obs schemas.Observation) {
	l.entries = append(l.entries, Entry{Kind: KindObservation, Tool: tool, Observation: obs})
}

func (l *Ledger) AppendLLMAction(obj map[string]interface{}) {
	l.entries = append(l.entries, Entry{Kind: KindLLMAction, Object: obj})
}

func (l *Ledger) AppendDriverNote(note string) {
	l.entries = append(l.entries, Entry{Kind: KindDriverNote, Note: note})
}

// AppendReflection records a reflection after removing lessons already present
// in the last dedupWindow reflections. Matching is case-insensitive and ignores
// surrounding whitespace. It returns false when nothing new remained.
func (l *Ledger) AppendReflection(r Reflection, dedupWindow int) bool {
	var recent []Reflection
	for _, e := range l.entries {
		if e.Kind == KindReflection {
			recent = append(recent, e.Reflection)
		}
	}
	if dedupWindow > 0 && len(recent) > dedupWindow {
		recent = recent[len(recent)-dedupWindow:]
	}

	seen := make(map[string]struct{})
	for _, prev := range recent {
		for _, n := range prev.Notes {
			seen[normalize(n)] = struct{}{}
		}
		if prev.NextFocus != "" {
			seen[normalize(prev.NextFocus)] = struct{}{}
		}
		for _, risk := range prev.Risks {
			seen[normalize(risk)] = struct{}{}
		}
	}

	fresh := func(s string) bool {
		key := normalize(s)
		if key == "" {
			return false
		}
		if _, dup := seen[key]; dup {
			return false
		}
		seen[key] = struct{}{}
		return true
	}

	var out Reflection
	for _, n := range r.Notes {
		if fresh(n) {
			out.Notes = append(out.Notes, n)
		}
	}
	for _, risk := range r.Risks {
		if fresh(risk) {
			out.Risks = append(out.Risks, risk)
		}
	}
	if r.NextFocus != "" && fresh(r.NextFocus) {
		out.NextFocus = r.NextFocus
	}

	if len(out.Notes) == 0 && out.NextFocus == "" && len(out.Risks) == 0 {
		return false
	}
	l.entries = append(l.entries, Entry{Kind: KindReflection, Reflection: out})
	return true
}

// Entries returns a copy of all entries in order.
func (l *Ledger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.entries) }

// LastN returns the most recent n entries. n <= 0 returns everything.
func (l *Ledger) LastN(n int) []Entry {
	if n <= 0 || n >= len(l.entries) {
		return l.Entries()
	}
	out := make([]Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// HasAnyObservation reports whether any tool or test observation was recorded.
func (l *Ledger) HasAnyObservation() bool {
	for _, e := range l.entries {
		if e.Kind == KindObservation {
			return true
		}
	}
	return false
}

// DetectLoop reports whether the last k tool calls were the same tool with
// identical arguments.
func (l *Ledger) DetectLoop(k int) bool {
	if k <= 1 {
		return false
	}
	var calls []Entry
	for _, e := range l.entries {
		if e.Kind == KindToolCall {
			calls = append(calls, e)
		}
	}
	if len(calls) < k {
		return false
	}
	last := calls[len(calls)-k:]
	for _, c := range last[1:] {
		if c.Name != last[0].Name || !reflect.DeepEqual(c.Args, last[0].Args) {
			return false
		}
	}
	return true
}

// TouchedFiles returns the unique paths written by write_file, in first-write order.
func (l *Ledger) TouchedFiles() []string {
	seen := make(map[string]struct{})
	var files []string
	for _, e := range l.entries {
		if e.Kind != KindObservation || e.Tool != "write_file" || !e.Observation.OK {
			continue
		}
		rel, _ := e.Observation.Meta["rel_path"].(string)
		if rel == "" {
			continue
		}
		if _, dup := seen[rel]; dup {
			continue
		}
		seen[rel] = struct{}{}
		files = append(files, rel)
	}
	return files
}

// ToPromptList renders the last maxHistory entries for the prompt.
func (l *Ledger) ToPromptList(maxHistory int) []map[string]interface{} {
	entries := l.LastN(maxHistory)
	out := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ToMap())
	}
	return out
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
