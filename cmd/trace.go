package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/trace"
)

// newTraceCmd creates the `trace` command, a pretty-printer for JSONL traces.
func newTraceCmd() *cobra.Command {
	var (
		path, runID, kind string
		maxRecords        int
		full, follow      bool
	)

	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Pretty-print the records of a trace file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := trace.FormatOptions{Kind: trace.Kind(kind), Max: maxRecords, Full: full}
			out := cmd.OutOrStdout()

			if follow {
				return followTrace(cmd.Context(), path, runID, opts, out)
			}

			records, err := trace.ReadRun(path, runID)
			if err != nil {
				return err
			}
			records = trace.Filter(records, opts)
			if len(records) == 0 {
				fmt.Fprintln(out, "No matching records.")
				return nil
			}
			return trace.PrettyPrint(out, records, opts)
		},
	}

	traceCmd.Flags().StringVar(&path, "trace", "", "Trace file (JSONL)")
	traceCmd.Flags().StringVar(&runID, "run", "", "Only show this run id")
	traceCmd.Flags().StringVar(&kind, "kind", "", "Only show records of this kind")
	traceCmd.Flags().IntVar(&maxRecords, "max", 0, "Stop after this many records (0 for all)")
	traceCmd.Flags().BoolVar(&full, "full", false, "Print complete payloads and request messages")
	traceCmd.Flags().BoolVar(&follow, "follow", false, "Keep printing records as they are appended")
	_ = traceCmd.MarkFlagRequired("trace")
	return traceCmd
}

func followTrace(ctx context.Context, path, runID string, opts trace.FormatOptions, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var printErr error
	shown := 0
	err := trace.Follow(ctx, path, runID, observability.GetLogger(), func(r trace.Record) {
		if printErr != nil || (opts.Kind != "" && r.Kind != opts.Kind) {
			return
		}
		o := opts
		o.Offset = shown
		if printErr = trace.PrettyPrint(out, []trace.Record{r}, o); printErr != nil {
			cancel()
			return
		}
		shown++
		if opts.Max > 0 && shown >= opts.Max {
			cancel()
		}
	})
	if printErr != nil {
		return printErr
	}
	return err
}
