package llmclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/xkilldash9x/repoagent/api/schemas"
	"github.com/xkilldash9x/repoagent/internal/config"
)

func setupGoogleClient(t *testing.T) *GoogleClient {
	t.Helper()
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderGemini
	cfg.TopP = 0.9
	client, err := NewGoogleClient(context.Background(), cfg, "gemini-2.5-flash", fastRetry(t, 0), logger)
	require.NoError(t, err)
	return client
}

func TestNewGoogleClient_MissingAPIKey(t *testing.T) {
	logger, _ := setupTestLogger(t)
	cfg := getValidLLMConfig()
	cfg.Provider = config.ProviderGemini
	cfg.APIKey = ""

	client, err := NewGoogleClient(context.Background(), cfg, "gemini-2.5-flash", fastRetry(t, 0), logger)
	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "Google/Gemini API Key is required")
}

func TestGoogleClient_BuildRequest(t *testing.T) {
	client := setupGoogleClient(t)
	req := testRequest()
	req.Messages = append(req.Messages,
		schemas.Message{Role: schemas.RoleAssistant, Content: `{"type":"tool_call"}`},
		schemas.Message{Role: schemas.RoleUser, Content: "next"})

	contents, cfg := client.buildRequest(req)

	require.Len(t, contents, 3)
	assert.Equal(t, genai.RoleUser, contents[0].Role)
	assert.Equal(t, "GOAL:\nFix add", contents[0].Parts[0].Text)
	assert.Equal(t, genai.RoleModel, contents[1].Role)

	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "system", cfg.SystemInstruction.Parts[0].Text)
	require.NotNil(t, cfg.Temperature)
	assert.Equal(t, float32(0.7), *cfg.Temperature)
	require.NotNil(t, cfg.TopP)
	assert.Equal(t, float32(0.9), *cfg.TopP)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, int32(42), *cfg.Seed)
	assert.Equal(t, int32(600), cfg.MaxOutputTokens)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
}

func TestGoogleClient_BuildRequest_Minimal(t *testing.T) {
	client := setupGoogleClient(t)
	client.cfg.TopP = 0
	client.cfg.MaxTokens = 0

	_, cfg := client.buildRequest(schemas.GenerationRequest{
		Messages: []schemas.Message{{Role: schemas.RoleUser, Content: "hi"}},
	})
	assert.Nil(t, cfg.SystemInstruction)
	assert.Nil(t, cfg.TopP)
	assert.Nil(t, cfg.Seed)
	assert.Zero(t, cfg.MaxOutputTokens)
	assert.Empty(t, cfg.ResponseMIMEType)
}
