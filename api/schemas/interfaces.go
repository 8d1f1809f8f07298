package schemas

import "context"

// -- Conversation --

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// -- LLM Client Interface --

// ModelTier selects which configured model serves a request. The driver asks
// the action tier for the next step and the reflection tier for corrective notes.
type ModelTier string

const (
	TierAction     ModelTier = "action"
	TierReflection ModelTier = "reflection"
)

// GenerationOptions controls sampling for a single request.
type GenerationOptions struct {
	Temperature     float32 `json:"temperature"`
	Seed            *int    `json:"seed,omitempty"`
	MaxTokens       int     `json:"max_tokens,omitempty"`
	ForceJSONFormat bool    `json:"force_json_format"`
}

// GenerationRequest is a full conversation plus sampling options.
type GenerationRequest struct {
	Messages []Message         `json:"messages"`
	Tier     ModelTier         `json:"tier"`
	Options  GenerationOptions `json:"options"`
}

// GenerationResponse is the raw text produced by the model and its token usage.
type GenerationResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

// LLMClient is the model transport. Implementations map a conversation to raw
// text and are responsible for their own timeouts and retries.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResponse, error)
	Close() error
}
