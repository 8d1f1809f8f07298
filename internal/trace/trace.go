// internal/trace/trace.go
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind names a trace event.
type Kind string

const (
	KindRunStart          Kind = "run_start"
	KindLLMRequest        Kind = "llm_request"
	KindLLMAction         Kind = "llm_action"
	KindLLMParseError     Kind = "llm_parse_error"
	KindLLMTrailingText   Kind = "llm_trailing_text"
	KindDriverNote        Kind = "driver_note"
	KindToolResult        Kind = "tool_result"
	KindTests             Kind = "tests"
	KindReflectionRequest Kind = "reflection_request"
	KindReflection        Kind = "reflection"
	KindFinal             Kind = "final"
	KindRunEnd            Kind = "run_end"
)

// Payload is the free-form body of a trace record.
type Payload map[string]interface{}

// Record is one line of a trace file.
type Record struct {
	TS      float64 `json:"ts"`
	RunID   string  `json:"run_id"`
	Kind    Kind    `json:"kind"`
	Payload Payload `json:"payload"`
}

// Time converts the record timestamp.
func (r Record) Time() time.Time {
	sec := int64(r.TS)
	return time.Unix(sec, int64((r.TS-float64(sec))*1e9))
}

// Sink is an append-only stream of trace records for one run. Records are
// for audit and replay only; the driver never reads them back.
type Sink interface {
	RunID() string
	Log(kind Kind, payload Payload)
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// -- File Sink --

// FileSink appends JSON lines to a file. Safe for concurrent use, although a
// driver logs from a single goroutine.
type FileSink struct {
	mu     sync.Mutex
	runID  string
	path   string
	file   *os.File
	logger *zap.Logger
	now    func() time.Time
	err    error
}

// NewFileSink opens (or creates) the trace file at path for appending.
func NewFileSink(path, runID string, logger *zap.Logger) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file %s: %w", path, err)
	}
	return &FileSink{
		runID:  runID,
		path:   path,
		file:   f,
		logger: logger.Named("trace").With(zap.String("run_id", runID)),
		now:    time.Now,
	}, nil
}

func (s *FileSink) RunID() string { return s.runID }

// Path returns the trace file path.
func (s *FileSink) Path() string { return s.path }

// Log writes one record. Write failures are logged and remembered, never
// surfaced to the caller.
func (s *FileSink) Log(kind Kind, payload Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := Record{TS: unixSeconds(s.now()), RunID: s.runID, Kind: kind, Payload: payload}
	line, err := json.Marshal(rec)
	if err == nil {
		_, err = s.file.Write(append(line, '\n'))
	}
	if err != nil {
		if s.err == nil {
			s.err = err
		}
		s.logger.Warn("Failed to write trace record.", zap.String("kind", string(kind)), zap.Error(err))
	}
}

// Err returns the first write error, if any.
func (s *FileSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close flushes and closes the trace file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// -- Memory Sink --

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.Mutex
	runID   string
	records []Record
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink(runID string) *MemorySink {
	return &MemorySink{runID: runID}
}

func (s *MemorySink) RunID() string { return s.runID }

func (s *MemorySink) Log(kind Kind, payload Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, Record{TS: unixSeconds(time.Now()), RunID: s.runID, Kind: kind, Payload: payload})
}

// Records returns a copy of everything logged so far.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// OfKind returns the logged records of one kind.
func (s *MemorySink) OfKind(kind Kind) []Record {
	var out []Record
	for _, r := range s.Records() {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// -- Reading --

const maxLineBytes = 64 << 20

// ReadRun returns the records of runID from a trace file, in file order.
// An empty runID returns every record. Malformed lines are skipped.
func ReadRun(path, runID string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer f.Close()
	return Decode(f, runID)
}

// Decode reads JSON-lines records from r, filtered by runID.
func Decode(r io.Reader, runID string) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out []Record
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.UnmarshalFromString(line, &rec); err != nil {
			continue
		}
		if runID == "" || rec.RunID == runID {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return out, fmt.Errorf("failed to read trace: %w", err)
	}
	return out, nil
}

// -- Counters --

// Tally accumulates run statistics one record at a time.
type Tally struct {
	stats schemas.RunStats
}

// NewTally creates an empty tally.
func NewTally() *Tally {
	return &Tally{stats: schemas.RunStats{ToolBreakdown: map[string]int{}}}
}

// Add counts one record.
func (t *Tally) Add(kind Kind, payload Payload) {
	switch kind {
	case KindLLMAction:
		t.stats.Steps++
	case KindToolResult:
		t.stats.ToolCalls++
		if tool, _ := payload["tool"].(string); tool != "" {
			t.stats.ToolBreakdown[tool]++
		}
	case KindReflection:
		t.stats.Reflections++
	case KindDriverNote:
		if note, _ := payload["note"].(string); strings.Contains(note, "Loop detected") {
			t.stats.LoopDetections++
		}
	case KindLLMParseError:
		t.stats.ParseErrors++
	case KindTests:
		t.stats.TestRuns++
	}
}

// Stats returns a copy of the counters.
func (t *Tally) Stats() schemas.RunStats {
	out := t.stats
	out.ToolBreakdown = make(map[string]int, len(t.stats.ToolBreakdown))
	for k, v := range t.stats.ToolBreakdown {
		out.ToolBreakdown[k] = v
	}
	return out
}

// Count derives run statistics from trace records.
func Count(records []Record) schemas.RunStats {
	t := NewTally()
	for _, r := range records {
		t.Add(r.Kind, r.Payload)
	}
	return t.Stats()
}

// TallySink forwards records to an underlying sink while counting them.
type TallySink struct {
	Sink
	tally *Tally
}

// NewTallySink wraps sink.
func NewTallySink(sink Sink) *TallySink {
	return &TallySink{Sink: sink, tally: NewTally()}
}

func (s *TallySink) Log(kind Kind, payload Payload) {
	s.tally.Add(kind, payload)
	s.Sink.Log(kind, payload)
}

// Stats returns the counters so far.
func (s *TallySink) Stats() schemas.RunStats { return s.tally.Stats() }
