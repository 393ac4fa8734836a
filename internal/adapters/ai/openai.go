package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/tradeswarm/internal/adapters/config"
	"github.com/selivandex/tradeswarm/pkg/faults"
	"github.com/selivandex/tradeswarm/pkg/logger"
)

const defaultChatCompletionsURL = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider implements the LLM capability against any
// OpenAI-compatible chat completions endpoint
type OpenAIProvider struct {
	apiKey  string
	model   string
	baseURL string
	enabled bool
	client  *http.Client
}

// NewOpenAIProvider creates new OpenAI-compatible provider
func NewOpenAIProvider(cfg *config.LLMConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultChatCompletionsURL
	}
	return &OpenAIProvider{
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		baseURL: baseURL,
		enabled: cfg.Enabled && cfg.APIKey != "",
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (o *OpenAIProvider) GetName() string {
	return "openai"
}

func (o *OpenAIProvider) IsEnabled() bool {
	return o.enabled
}

// Complete runs one chat completion
func (o *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	reqBody := map[string]any{
		"model":       o.model,
		"messages":    req.Messages,
		"temperature": req.Temperature,
		"max_tokens":  req.MaxTokens,
	}
	if req.ResponseFormat == "json" {
		reqBody["response_format"] = map[string]string{"type": "json_object"}
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", o.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", o.apiKey))

	startTime := time.Now()
	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, faults.Wrap(faults.KindProviderError, "llm request failed", err)
	}
	defer resp.Body.Close()

	latency := time.Since(startTime)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, faults.Newf(faults.KindUnauthorized, "llm auth failed (status %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.New(faults.KindRateLimited, "llm rate limited")
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, faults.Newf(faults.KindProviderError, "llm API error (status %d): %s", resp.StatusCode, truncate(string(body), 300))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, faults.Wrap(faults.KindProviderError, "failed to decode llm response", err)
	}

	if len(result.Choices) == 0 {
		return nil, faults.New(faults.KindProviderError, "no choices in llm response")
	}

	logger.Debug("llm completion finished",
		zap.String("model", o.model),
		zap.Duration("latency", latency),
		zap.Int("prompt_tokens", result.Usage.PromptTokens),
		zap.Int("completion_tokens", result.Usage.CompletionTokens),
	)

	return &Completion{
		Content: result.Choices[0].Message.Content,
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
