// internal/llmclient/router.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
)

// LLMRouter implements the LLMClient interface and routes requests to the
// action or reflection model by tier.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[schemas.ModelTier]schemas.LLMClient
}

var _ schemas.LLMClient = (*LLMRouter)(nil)

// NewLLMRouter creates a new router with the specified clients for each tier.
func NewLLMRouter(logger *zap.Logger, actionClient, reflectionClient schemas.LLMClient) (*LLMRouter, error) {
	if actionClient == nil || reflectionClient == nil {
		return nil, fmt.Errorf("both action and reflection tier clients must be provided")
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[schemas.ModelTier]schemas.LLMClient{
			schemas.TierAction:     actionClient,
			schemas.TierReflection: reflectionClient,
		},
	}, nil
}

// Generate selects the client for the request's tier. An empty tier means the
// action tier.
func (r *LLMRouter) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.GenerationResponse, error) {
	tier := req.Tier
	if tier == "" {
		tier = schemas.TierAction
	}

	client, ok := r.clients[tier]
	if !ok {
		return schemas.GenerationResponse{}, fmt.Errorf("no LLM client configured for tier: %s", tier)
	}

	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client.Generate(ctx, req)
}

// Close closes every distinct underlying client.
func (r *LLMRouter) Close() error {
	seen := make(map[schemas.LLMClient]struct{}, len(r.clients))
	var errs []error
	for _, c := range r.clients {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
