// internal/ledger/summary.go
package ledger

// TestOutcome is the last driver test result seen in a run.
type TestOutcome struct {
	OK     bool   `json:"ok"`
	Output string `json:"output"`
}

// Summary is a compact snapshot derived from a ledger. Reflection fields come
// first so they lead the state shown to the model.
type Summary struct {
	ReflectionNotes     []string     `json:"reflection_notes"`
	ReflectionNextFocus []string     `json:"reflection_next_focus"`
	ReflectionRisks     []string     `json:"reflection_risks"`
	Notes               []string     `json:"notes"`
	FilesTouched        []string     `json:"files_touched"`
	LastTest            *TestOutcome `json:"last_test"`
	RunID               string       `json:"run_id"`
}

// Summarize derives a Summary. It holds nothing the ledger cannot reproduce.
func (l *Ledger) Summarize(runID string) Summary {
	s := Summary{
		ReflectionNotes:     []string{},
		ReflectionNextFocus: []string{},
		ReflectionRisks:     []string{},
		Notes:               []string{},
		RunID:               runID,
	}
	for _, e := range l.entries {
		switch e.Kind {
		case KindDriverNote:
			s.Notes = append(s.Notes, e.Note)
		case KindReflection:
			s.ReflectionNotes = append(s.ReflectionNotes, e.Reflection.Notes...)
			if e.Reflection.NextFocus != "" {
				s.ReflectionNextFocus = append(s.ReflectionNextFocus, e.Reflection.NextFocus)
			}
			s.ReflectionRisks = append(s.ReflectionRisks, e.Reflection.Risks...)
		case KindObservation:
			if e.Tool == DriverTestsTool {
				s.LastTest = &TestOutcome{OK: e.Observation.OK, Output: e.Observation.Output}
			}
		}
	}
	s.FilesTouched = nonNil(l.TouchedFiles())
	return s
}
