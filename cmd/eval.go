package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/internal/eval"
	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/reporting"
	"github.com/xkilldash9x/repoagent/internal/worker"
)

// newEvalCmd creates the `eval` command, which runs a suite and reports metrics.
func newEvalCmd() *cobra.Command {
	var (
		suitePath, format, compareWith, output string
		taskIDs                        []string
		quiet                          bool
		rollouts                       int
	)

	evalCmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate the agent on a task suite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			if rollouts < 1 {
				return fmt.Errorf("--rollouts must be at least 1")
			}
			cfg.SetRolloutCount(rollouts)

			suite, err := eval.LoadSuite(suitePath)
			if err != nil {
				return err
			}

			var baseline *eval.Report
			if compareWith != "" {
				if baseline, err = eval.LoadReport(compareWith); err != nil {
					return err
				}
			}

			var reporter reporting.Reporter
			if output != "" {
				reporter, err = reporting.New(format, output)
			} else {
				reporter, err = reporting.NewWithWriter(format, nopCloser{cmd.OutOrStdout()})
			}
			if err != nil {
				return err
			}
			defer reporter.Close()

			var opts []worker.Option
			if dir := cfg.Eval().TraceDir; dir != "" {
				opts = append(opts, worker.WithTraceDir(dir))
			}
			comps, err := initializeComponents(ctx, cfg, logger, opts...)
			if err != nil {
				return err
			}
			defer comps.Shutdown(logger)

			progress := cmd.ErrOrStderr()
			if quiet {
				progress = nil
			}
			eng, err := comps.Engine(cfg, logger, progress)
			if err != nil {
				return fmt.Errorf("failed to initialize rollout engine: %w", err)
			}
			runner, err := eval.NewRunner(cfg, eng, logger)
			if err != nil {
				return err
			}

			report, _, err := runner.Run(ctx, suite, taskIDs...)
			if err != nil {
				return err
			}

			if path := cfg.Eval().ReportPath; path != "" {
				if err := eval.WriteReport(report, path); err != nil {
					return err
				}
				logger.Info("Report written", zap.String("path", path))
			}

			if err := reporter.Write(report); err != nil {
				return fmt.Errorf("failed to render report: %w", err)
			}
			if baseline != nil {
				if err := reporter.WriteComparison(eval.Compare(baseline, report)); err != nil {
					return fmt.Errorf("failed to render comparison: %w", err)
				}
			}
			return nil
		},
	}

	evalCmd.Flags().StringVar(&suitePath, "suite", "", "Task suite file (.json, .yaml)")
	evalCmd.Flags().StringSliceVar(&taskIDs, "task", nil, "Only run these task ids")
	evalCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text or json")
	evalCmd.Flags().StringVarP(&output, "output", "o", "", "Write the rendered report to this file instead of stdout")
	evalCmd.Flags().StringVar(&compareWith, "compare", "", "Baseline report to compare against")
	evalCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress per-rollout progress lines")
	evalCmd.Flags().IntVar(&rollouts, "rollouts", 1, "Rollouts per task")
	evalCmd.Flags().Int("workers", 0, "Concurrent work units (overrides config)")
	evalCmd.Flags().String("report", "", "Write the JSON report to this path (overrides config)")
	evalCmd.Flags().String("trace-dir", "", "Directory for per-rollout traces (overrides config)")
	evalCmd.Flags().Int("max-iters", 0, "Maximum driver iterations (overrides config)")
	_ = evalCmd.MarkFlagRequired("suite")

	bindFlag(evalCmd, "workers", "rollout.workers")
	bindFlag(evalCmd, "report", "eval.report_path")
	bindFlag(evalCmd, "trace-dir", "eval.trace_dir")
	bindFlag(evalCmd, "max-iters", "agent.max_iters")
	return evalCmd
}
