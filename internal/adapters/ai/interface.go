package ai

import "context"

// ChatMessage is one turn in a completion request
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-agnostic completion input
type CompletionRequest struct {
	Messages       []ChatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens"`
	ResponseFormat string        `json:"response_format,omitempty"` // "json" for strict JSON output
}

// Usage reports token consumption for cost accounting
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Completion is the provider-agnostic completion output
type Completion struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// LLM is the language model capability consumed by the analyst
type LLM interface {
	// Complete runs one chat completion
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)

	// GetName returns provider name
	GetName() string

	// IsEnabled returns whether the provider is configured and usable
	IsEnabled() bool
}
