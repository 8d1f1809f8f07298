package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/repoagent/internal/eval"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reporter renders eval reports to an output.
type Reporter interface {
	// Write renders one report.
	Write(report *eval.Report) error
	// WriteComparison renders a baseline comparison.
	WriteComparison(cmp eval.Comparison) error
	// Close finalizes the output and closes any underlying file handle.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format ("json" or "text") writing to
// outputPath, or to stdout when the path is empty or "stdout".
func New(format, outputPath string) (Reporter, error) {
	switch format {
	case "json", "text":
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		// Wrap Stdout so Close() is a no-op.
		writer = &nopWriteCloser{os.Stdout}
	} else {
		if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}
	return NewWithWriter(format, writer)
}

// NewWithWriter creates a reporter that takes ownership of w.
func NewWithWriter(format string, w io.WriteCloser) (Reporter, error) {
	switch format {
	case "json":
		return &jsonReporter{w: w}, nil
	case "text":
		return &textReporter{w: w}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

type jsonReporter struct {
	w io.WriteCloser
}

func (r *jsonReporter) Write(report *eval.Report) error {
	return r.encode(report)
}

func (r *jsonReporter) WriteComparison(cmp eval.Comparison) error {
	return r.encode(cmp)
}

func (r *jsonReporter) encode(v interface{}) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func (r *jsonReporter) Close() error { return r.w.Close() }

type textReporter struct {
	w io.WriteCloser
}

func (r *textReporter) Write(report *eval.Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Suite: %s (%s)\n", report.SuiteName, report.Timestamp)
	b.WriteString(eval.FormatMetrics(report.Metrics))
	b.WriteString("\n")

	if len(report.Results) > 0 {
		b.WriteString("RESULTS:\n")
		for _, res := range report.Results {
			fmt.Fprintf(&b, "  [%s] %s#%d steps=%d tools=%d %.1fs", status(res), res.TaskID, res.RolloutIndex, res.Steps, res.ToolCalls, res.DurationS)
			if res.Error != "" {
				fmt.Fprintf(&b, " error=%q", res.Error)
			}
			b.WriteString("\n")
		}
	}
	_, err := io.WriteString(r.w, b.String())
	return err
}

func (r *textReporter) WriteComparison(cmp eval.Comparison) error {
	_, err := io.WriteString(r.w, eval.FormatComparison(cmp)+"\n")
	return err
}

func (r *textReporter) Close() error { return r.w.Close() }

func status(r eval.TaskResult) string {
	switch {
	case r.Error != "":
		return "ERROR"
	case r.Success == nil:
		return "NO TESTS"
	case *r.Success:
		return "PASS"
	default:
		return "FAIL"
	}
}
