package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/engine"
	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/worker"
)

// newRunCmd creates the `run` command: one driver run against one repository.
func newRunCmd() *cobra.Command {
	var (
		repo, goal, testCmd, tracePath string
		seed                           int
	)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent once against a repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			var opts []worker.Option
			if tracePath != "" {
				opts = append(opts, worker.WithTraceFile(tracePath))
			}
			comps, err := initializeComponents(ctx, cfg, logger, opts...)
			if err != nil {
				return err
			}
			defer comps.Shutdown(logger)

			if !cmd.Flags().Changed("seed") {
				seed = cfg.Rollout().BaseSeed
			}
			outcome := comps.Worker.Run(ctx, worker.Unit{
				Task:        schemas.TaskSpec{TaskID: "run", Repo: repo, Goal: goal, TestCmd: testCmd},
				Seed:        seed,
				Temperature: cfg.LLM().Temperature,
			})

			logger.Info("Run finished",
				zap.String("run_id", outcome.RunID),
				zap.Int("steps", outcome.Steps),
				zap.String("outcome", engine.OutcomeLabel(outcome)))

			data, err := json.MarshalIndent(outcome, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode run outcome: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))

			if outcome.Error != "" {
				return fmt.Errorf("run %s failed: %s", outcome.RunID, outcome.Error)
			}
			return nil
		},
	}

	runCmd.Flags().StringVar(&repo, "repo", "", "Path or git URL of the repository to work on")
	runCmd.Flags().StringVar(&goal, "goal", "", "Task description given to the model")
	runCmd.Flags().StringVar(&testCmd, "test-cmd", "", "Test command, e.g. \"pytest -q\"")
	runCmd.Flags().StringVar(&tracePath, "trace", "", "Append the JSONL trace to this file")
	runCmd.Flags().IntVar(&seed, "seed", 0, "Sampling seed (default rollout.base_seed)")
	runCmd.Flags().String("test-policy", "", "When to run tests: on_write, on_final or never (overrides config)")
	runCmd.Flags().Int("max-iters", 0, "Maximum driver iterations (overrides config)")
	runCmd.Flags().Bool("sandbox", true, "Work on a disposable copy of the repository (overrides config)")
	_ = runCmd.MarkFlagRequired("repo")
	_ = runCmd.MarkFlagRequired("goal")

	bindFlag(runCmd, "test-policy", "agent.test_policy")
	bindFlag(runCmd, "max-iters", "agent.max_iters")
	bindFlag(runCmd, "sandbox", "sandbox.enabled")
	return runCmd
}
