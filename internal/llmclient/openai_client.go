// internal/llmclient/openai_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint,
// including Together.
type OpenAIClient struct {
	client   *openai.Client
	provider string
	model    string
	cfg      config.LLMConfig
	retry    *RetryPolicy
	logger   *zap.Logger
}

var _ schemas.LLMClient = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client for model. The together provider defaults
// its base URL to the Together endpoint.
func NewOpenAIClient(cfg config.LLMConfig, model string, retry *RetryPolicy, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for provider %q", cfg.Provider)
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required for provider %q", cfg.Provider)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	case cfg.Provider == config.ProviderTogether:
		clientCfg.BaseURL = config.TogetherBaseURL
	}
	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}

	provider := string(cfg.Provider)
	if provider == "" {
		provider = string(config.ProviderOpenAI)
	}
	return &OpenAIClient{
		client:   openai.NewClientWithConfig(clientCfg),
		provider: provider,
		model:    model,
		cfg:      cfg,
		retry:    retry,
		logger:   logger.Named("llm_client." + provider),
	}, nil
}

// Generate sends the conversation and returns the first choice's content.
func (c *OpenAIClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.GenerationResponse, error) {
	chatReq := c.buildRequest(req)

	var out schemas.GenerationResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := c.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return c.wrapError(err)
		}
		if len(resp.Choices) == 0 {
			return &TransportError{Provider: c.provider, StatusCode: http.StatusBadGateway, Err: ErrEmptyResponse}
		}

		c.logger.Debug("LLM generation complete",
			zap.String("model", resp.Model),
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", resp.Usage.PromptTokens),
			zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			zap.String("finish_reason", string(resp.Choices[0].FinishReason)))

		out = schemas.GenerationResponse{
			Content:          resp.Choices[0].Message.Content,
			Model:            resp.Model,
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		}
		return nil
	})
	if err != nil {
		return schemas.GenerationResponse{}, err
	}
	return out, nil
}

// Close is a no-op; the HTTP client holds no resources worth releasing.
func (c *OpenAIClient) Close() error { return nil }

func (c *OpenAIClient) buildRequest(req schemas.GenerationRequest) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}

	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	chatReq := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Options.Temperature,
		TopP:        c.cfg.TopP,
		MaxTokens:   maxTokens,
		Seed:        req.Options.Seed,
	}
	if req.Options.ForceJSONFormat {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return chatReq
}

// wrapError converts SDK errors into TransportErrors carrying the HTTP status.
func (c *OpenAIClient) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &TransportError{Provider: c.provider, StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &TransportError{Provider: c.provider, StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return &TransportError{Provider: c.provider, Err: err}
}
