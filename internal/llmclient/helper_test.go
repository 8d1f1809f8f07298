package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

// MockLLMClient is a mock implementation of the LLMClient interface for testing.
type MockLLMClient struct {
	mock.Mock
	Name string
}

// Generate mocks the Generate method.
func (m *MockLLMClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.GenerationResponse, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(schemas.GenerationResponse), args.Error(1)
}

// Close mocks the Close method.
func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) (*zap.Logger, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return zap.New(core), logs
}

// fastRetry returns a policy with millisecond backoff and no rate limit.
func fastRetry(t *testing.T, maxRetries int, opts ...RetryOption) *RetryPolicy {
	t.Helper()
	logger, _ := setupTestLogger(t)
	cfg := config.BackoffConfig{MaxRetries: maxRetries, Burst: 1}
	opts = append([]RetryOption{WithBackoffFactory(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	})}, opts...)
	return NewRetryPolicy(cfg, logger, opts...)
}

// getValidLLMConfig returns a valid LLMConfig for testing purposes.
func getValidLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		Provider:    config.ProviderOpenAI,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.0,
		MaxTokens:   600,
		JSONMode:    true,
	}
}
