// internal/trace/format.go
package trace

import (
	"fmt"
	"io"
	"strings"
)

// FormatOptions controls PrettyPrint.
type FormatOptions struct {
	Kind            Kind
	Max             int
	Full            bool
	MaxPayloadLen   int
	TimestampLayout string
	// Offset is added to record numbers, for output printed in pieces.
	Offset int
}

// Filter applies the kind and max options.
func Filter(records []Record, opts FormatOptions) []Record {
	var out []Record
	for _, r := range records {
		if opts.Kind != "" && r.Kind != opts.Kind {
			continue
		}
		out = append(out, r)
		if opts.Max > 0 && len(out) >= opts.Max {
			break
		}
	}
	return out
}

// PrettyPrint writes numbered, human-readable records to w. Payloads are
// truncated unless Full is set; full llm_request records show each message.
func PrettyPrint(w io.Writer, records []Record, opts FormatOptions) error {
	maxLen := opts.MaxPayloadLen
	if maxLen <= 0 {
		maxLen = 1200
	}
	layout := opts.TimestampLayout
	if layout == "" {
		layout = "2006-01-02 15:04:05"
	}

	for i, r := range records {
		ts := "-"
		if r.TS > 0 {
			ts = r.Time().Format(layout)
		}

		body, err := formatPayload(r, opts.Full, maxLen)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%3d. %s [%s] (run=%s)\n    %s\n\n", opts.Offset+i+1, ts, r.Kind, r.RunID, body); err != nil {
			return err
		}
	}
	return nil
}

func formatPayload(r Record, full bool, maxLen int) (string, error) {
	if full && r.Kind == KindLLMRequest {
		if msgs, ok := r.Payload["messages"].([]interface{}); ok && len(msgs) > 0 {
			var b strings.Builder
			for _, m := range msgs {
				msg, _ := m.(map[string]interface{})
				fmt.Fprintf(&b, "- role: %v\n  content:\n%v\n\n", msg["role"], msg["content"])
			}
			return strings.TrimRight(b.String(), "\n"), nil
		}
	}

	if full {
		data, err := json.MarshalIndent(r.Payload, "", "  ")
		return string(data), err
	}
	data, err := json.Marshal(r.Payload)
	if err != nil {
		return "", err
	}
	s := string(data)
	if len(s) > maxLen {
		s = s[:maxLen] + "..."
	}
	return s, nil
}
