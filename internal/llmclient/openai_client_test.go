package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

// chatHandler answers chat completion requests with content, recording the
// decoded request body.
func chatHandler(t *testing.T, content string, seen *map[string]interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-api-key", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []map[string]interface{}{{
				"index":         0,
				"message":       map[string]interface{}{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]interface{}{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19},
		})
	}
}

func setupOpenAIClient(t *testing.T, handler http.HandlerFunc, retry *RetryPolicy) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := getValidLLMConfig()
	cfg.BaseURL = server.URL
	logger, _ := setupTestLogger(t)
	if retry == nil {
		retry = fastRetry(t, 3)
	}
	client, err := NewOpenAIClient(cfg, cfg.Model, retry, logger)
	require.NoError(t, err)
	return client
}

func testRequest() schemas.GenerationRequest {
	seed := 42
	return schemas.GenerationRequest{
		Messages: []schemas.Message{
			{Role: schemas.RoleSystem, Content: "system"},
			{Role: schemas.RoleUser, Content: "GOAL:\nFix add"},
		},
		Tier:    schemas.TierAction,
		Options: schemas.GenerationOptions{Temperature: 0.7, Seed: &seed, ForceJSONFormat: true},
	}
}

func TestNewOpenAIClient_Validation(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.APIKey = ""
	_, err := NewOpenAIClient(cfg, "m", fastRetry(t, 0), logger)
	assert.ErrorContains(t, err, "API key is required")

	cfg = getValidLLMConfig()
	_, err = NewOpenAIClient(cfg, "", fastRetry(t, 0), logger)
	assert.ErrorContains(t, err, "model name is required")
}

func TestOpenAIClient_Generate(t *testing.T) {
	var seen map[string]interface{}
	client := setupOpenAIClient(t, chatHandler(t, `{"type":"final","summary":"ok","changes":[]}`, &seen), nil)

	resp, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"type":"final","summary":"ok","changes":[]}`, resp.Content)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 7, resp.CompletionTokens)

	assert.Equal(t, "test-model", seen["model"])
	assert.Equal(t, float64(42), seen["seed"])
	assert.InDelta(t, 0.7, seen["temperature"], 1e-6)
	assert.Equal(t, float64(600), seen["max_tokens"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, seen["response_format"])
	msgs, ok := seen["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
}

func TestOpenAIClient_RetriesRateLimit(t *testing.T) {
	var attempts int32
	ok := chatHandler(t, "done", nil)
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
			return
		}
		ok(w, r)
	}, nil)

	resp, err := client.Generate(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestOpenAIClient_PermanentError(t *testing.T) {
	var attempts int32
	client := setupOpenAIClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key","type":"invalid_request_error"}}`))
	}, nil)

	_, err := client.Generate(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusUnauthorized, te.StatusCode)
	assert.False(t, te.Retryable())
}

func TestOpenAIClient_TogetherBaseURL(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderTogether
	client, err := NewOpenAIClient(cfg, "meta-llama/Llama-3.3-70B-Instruct-Turbo", fastRetry(t, 0), logger)
	require.NoError(t, err)
	assert.Equal(t, "together", client.provider)

	req := client.buildRequest(schemas.GenerationRequest{Messages: []schemas.Message{{Role: schemas.RoleUser, Content: "hi"}}})
	assert.Equal(t, "meta-llama/Llama-3.3-70B-Instruct-Turbo", req.Model)
	assert.Nil(t, req.ResponseFormat)
	assert.Nil(t, req.Seed)
}
