// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

const providerGemini = "gemini"

// GoogleClient implements schemas.LLMClient on top of the Gemini API SDK.
type GoogleClient struct {
	client *genai.Client
	model  string
	cfg    config.LLMConfig
	retry  *RetryPolicy
	logger *zap.Logger
}

var _ schemas.LLMClient = (*GoogleClient)(nil)

// NewGoogleClient initializes the SDK client for model.
func NewGoogleClient(ctx context.Context, cfg config.LLMConfig, model string, retry *RetryPolicy, logger *zap.Logger) (*GoogleClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Google/Gemini API Key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("model name is required for provider %q", cfg.Provider)
	}

	timeout := cfg.APITimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	clientCfg := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GoogleClient{
		client: client,
		model:  model,
		cfg:    cfg,
		retry:  retry,
		logger: logger.Named("llm_client.gemini"),
	}, nil
}

// Generate sends the conversation and returns the candidate text.
func (c *GoogleClient) Generate(ctx context.Context, req schemas.GenerationRequest) (schemas.GenerationResponse, error) {
	contents, genCfg := c.buildRequest(req)

	var out schemas.GenerationResponse
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
		if err != nil {
			return c.wrapError(err)
		}
		if len(resp.Candidates) == 0 {
			return &TransportError{Provider: providerGemini, StatusCode: http.StatusBadRequest, Err: errors.New("gemini API returned no candidates")}
		}

		candidate := resp.Candidates[0]
		text := resp.Text()
		if text == "" {
			switch candidate.FinishReason {
			case genai.FinishReasonSafety, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
				return &TransportError{
					Provider:   providerGemini,
					StatusCode: http.StatusBadRequest,
					Err:        fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason),
				}
			}
			return &TransportError{Provider: providerGemini, Err: fmt.Errorf("%w (Reason: %s)", ErrEmptyResponse, candidate.FinishReason)}
		}

		var promptTokens, completionTokens int
		if resp.UsageMetadata != nil {
			promptTokens = int(resp.UsageMetadata.PromptTokenCount)
			completionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
		c.logger.Debug("LLM generation complete (Gemini)",
			zap.Duration("duration", time.Since(start)),
			zap.Int("prompt_tokens", promptTokens),
			zap.Int("completion_tokens", completionTokens))

		out = schemas.GenerationResponse{
			Content:          text,
			Model:            c.model,
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
		}
		return nil
	})
	if err != nil {
		return schemas.GenerationResponse{}, err
	}
	return out, nil
}

// Close is a no-op for the Gemini SDK client.
func (c *GoogleClient) Close() error { return nil }

// buildRequest maps a conversation onto Gemini contents. System turns become
// the system instruction; assistant turns use the model role.
func (c *GoogleClient) buildRequest(req schemas.GenerationRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case schemas.RoleSystem:
			system = append(system, m.Content)
		case schemas.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Options.Temperature),
	}
	if len(system) > 0 {
		genCfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if c.cfg.TopP > 0 {
		genCfg.TopP = genai.Ptr(c.cfg.TopP)
	}
	maxTokens := req.Options.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.cfg.MaxTokens
	}
	if maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(maxTokens)
	}
	if req.Options.Seed != nil {
		genCfg.Seed = genai.Ptr(int32(*req.Options.Seed))
	}
	if req.Options.ForceJSONFormat {
		genCfg.ResponseMIMEType = "application/json"
	}
	return contents, genCfg
}

func (c *GoogleClient) wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &TransportError{Provider: providerGemini, StatusCode: apiErr.Code, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &TransportError{Provider: providerGemini, StatusCode: apiErrPtr.Code, Err: err}
	}
	return &TransportError{Provider: providerGemini, Err: err}
}
