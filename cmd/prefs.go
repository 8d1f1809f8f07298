package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/internal/eval"
	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/prefs"
	"github.com/xkilldash9x/repoagent/internal/worker"
)

// newPrefsCmd creates the `prefs` command, which turns parallel rollouts of a
// suite into a preference dataset.
func newPrefsCmd() *cobra.Command {
	var (
		suitePath string
		taskIDs   []string
		quiet     bool
	)

	prefsCmd := &cobra.Command{
		Use:   "prefs",
		Short: "Generate preference pairs from parallel rollouts of a suite",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			rc := cfg.Rollout()

			suite, err := eval.LoadSuite(suitePath)
			if err != nil {
				return err
			}
			tasks, err := eval.FilterTasks(suite.Tasks, taskIDs)
			if err != nil {
				return err
			}

			// Validate output settings before spending model calls.
			writer, err := prefs.NewWriter(rc.OutPath, rc.MetaPath, rc.WriteMode, logger)
			if err != nil {
				return err
			}

			var opts []worker.Option
			if rc.TraceDir != "" {
				opts = append(opts, worker.WithTraceDir(rc.TraceDir))
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

			res, err := eng.Run(ctx, tasks)
			if err != nil {
				return err
			}

			builder := prefs.NewBuilder(logger, prefs.MetaDefaults{
				Suite:       suite.Name,
				Model:       cfg.LLM().Model,
				Temperature: rc.Temperature,
				BaseSeed:    rc.BaseSeed,
			}, comps.Metrics)
			ds, err := builder.Build(tasks, res.ByTask, res.Rollouts)
			if err != nil {
				return fmt.Errorf("failed to build preference dataset: %w", err)
			}
			if err := writer.Write(ds); err != nil {
				return err
			}

			if comps.Store != nil {
				saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				if err := comps.Store.SavePairs(saveCtx, ds.Pairs, ds.Metas); err != nil {
					logger.Error("Failed to persist preference pairs", zap.Error(err))
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Wrote %d pairs to %s\n", len(ds.Pairs), writer.OutPath())
			fmt.Fprintf(out, "Metadata: %s\n", writer.MetaPath())
			if len(ds.NoContrast) > 0 {
				fmt.Fprintf(out, "No contrast (%d): %v\n", len(ds.NoContrast), ds.NoContrast)
			}
			if res.TimedOut {
				fmt.Fprintln(out, "Warning: the rollout pool timed out; unfinished rollouts were recorded as failed.")
			}
			return nil
		},
	}

	prefsCmd.Flags().StringVar(&suitePath, "suite", "", "Task suite file (.json, .yaml)")
	prefsCmd.Flags().StringSliceVar(&taskIDs, "task", nil, "Only run these task ids")
	prefsCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress per-rollout progress lines")
	prefsCmd.Flags().Int("rollouts", 0, "Rollouts per task (overrides config)")
	prefsCmd.Flags().Int("workers", 0, "Concurrent work units (overrides config)")
	prefsCmd.Flags().Int("base-seed", 0, "Seed of rollout 0; rollout i uses base+i (overrides config)")
	prefsCmd.Flags().Float32("temperature", 0, "Sampling temperature for every rollout (overrides config)")
	prefsCmd.Flags().Duration("timeout", 0, "Overall pool timeout, 0 for none (overrides config)")
	prefsCmd.Flags().String("out", "", "Dataset JSONL path (overrides config)")
	prefsCmd.Flags().String("meta-out", "", "Metadata JSONL path (overrides config)")
	prefsCmd.Flags().String("write-mode", "", "overwrite or append (overrides config)")
	prefsCmd.Flags().String("trace-dir", "", "Directory for per-rollout traces (overrides config)")
	_ = prefsCmd.MarkFlagRequired("suite")

	bindFlag(prefsCmd, "rollouts", "rollout.rollouts")
	bindFlag(prefsCmd, "workers", "rollout.workers")
	bindFlag(prefsCmd, "base-seed", "rollout.base_seed")
	bindFlag(prefsCmd, "temperature", "rollout.temperature")
	bindFlag(prefsCmd, "timeout", "rollout.timeout")
	bindFlag(prefsCmd, "out", "rollout.out_path")
	bindFlag(prefsCmd, "meta-out", "rollout.meta_path")
	bindFlag(prefsCmd, "write-mode", "rollout.write_mode")
	bindFlag(prefsCmd, "trace-dir", "rollout.trace_dir")
	return prefsCmd
}
