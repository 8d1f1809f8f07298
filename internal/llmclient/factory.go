// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

// NewClient is a factory function that creates an LLMRouter from the
// configuration. The reflection tier reuses the action client unless a
// separate reflection model is configured.
func NewClient(ctx context.Context, cfg config.LLMConfig, retry *RetryPolicy, logger *zap.Logger) (schemas.LLMClient, error) {
	actionClient, err := newProviderClient(ctx, cfg, cfg.Model, retry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create action client: %w", err)
	}

	reflectionClient := actionClient
	if cfg.ReflectionModel != "" && cfg.ReflectionModel != cfg.Model {
		reflectionClient, err = newProviderClient(ctx, cfg, cfg.ReflectionModel, retry, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create reflection client: %w", err)
		}
	}

	return NewLLMRouter(logger, actionClient, reflectionClient)
}

func newProviderClient(ctx context.Context, cfg config.LLMConfig, model string, retry *RetryPolicy, logger *zap.Logger) (schemas.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI, config.ProviderTogether:
		return NewOpenAIClient(cfg, model, retry, logger)
	case config.ProviderGemini:
		return NewGoogleClient(ctx, cfg, model, retry, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderOpenAI, config.ProviderTogether, config.ProviderGemini)
	}
}
