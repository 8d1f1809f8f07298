package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
	"github.com/xkilldash9x/repoagent/internal/engine"
	"github.com/xkilldash9x/repoagent/internal/llmclient"
	"github.com/xkilldash9x/repoagent/internal/observability"
	"github.com/xkilldash9x/repoagent/internal/store"
	"github.com/xkilldash9x/repoagent/internal/worker"
)

// newLLMClient is swapped in tests to avoid real model transports.
var newLLMClient = func(ctx context.Context, cfg config.LLMConfig, retry *llmclient.RetryPolicy, logger *zap.Logger) (schemas.LLMClient, error) {
	return llmclient.NewClient(ctx, cfg, retry, logger)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// components holds the services shared by the run, eval and prefs commands.
type components struct {
	Client  schemas.LLMClient
	Worker  *worker.Worker
	Metrics *observability.RolloutMetrics
	Store   *store.Store
	DBPool  *pgxpool.Pool
}

// Shutdown releases the model client and database pool.
func (c *components) Shutdown(logger *zap.Logger) {
	if c.Client != nil {
		if err := c.Client.Close(); err != nil {
			logger.Warn("Error closing model client", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
	}
}

// Engine wraps the worker in a rollout engine that reports progress to w.
func (c *components) Engine(cfg config.Interface, logger *zap.Logger, progress io.Writer) (*engine.Engine, error) {
	opts := []engine.Option{engine.WithMetrics(c.Metrics)}
	if c.Store != nil {
		opts = append(opts, engine.WithStore(c.Store))
	}
	if progress != nil {
		opts = append(opts, engine.WithProgress(func(p engine.Progress) {
			fmt.Fprintf(progress, "[%d/%d] %s#%d %s\n", p.Done, p.Total, p.Outcome.TaskID, p.Outcome.RolloutIndex, engine.OutcomeLabel(p.Outcome))
		}))
	}
	return engine.New(cfg, logger, c.Worker, opts...)
}

// initializeComponents wires the model client, worker, metrics endpoint and
// optional database store. The metrics server stops when ctx ends.
func initializeComponents(ctx context.Context, cfg config.Interface, logger *zap.Logger, workerOpts ...worker.Option) (*components, error) {
	c := &components{Metrics: observability.NewRolloutMetrics()}

	if addr := cfg.Metrics().Addr; addr != "" {
		observability.ServeMetrics(ctx, addr, c.Metrics.Registry, logger)
	}

	retry := llmclient.NewRetryPolicy(cfg.Backoff(), logger, llmclient.WithOnRetry(c.Metrics.OnRetry))
	client, err := newLLMClient(ctx, cfg.LLM(), retry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize model client: %w", err)
	}
	c.Client = client

	w, err := worker.NewWorker(cfg, client, logger, workerOpts...)
	if err != nil {
		c.Shutdown(logger)
		return nil, fmt.Errorf("failed to initialize worker: %w", err)
	}
	c.Worker = w

	if url := cfg.Database().URL; url != "" {
		st, pool, err := store.Connect(ctx, url, logger)
		if err != nil {
			c.Shutdown(logger)
			return nil, fmt.Errorf("failed to initialize database store: %w", err)
		}
		c.Store, c.DBPool = st, pool
		if err := st.EnsureSchema(ctx); err != nil {
			c.Shutdown(logger)
			return nil, err
		}
	}
	return c, nil
}
