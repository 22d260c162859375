package models

import "encoding/json"

// ChatMessage represents a single message in a chat conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is an OpenAI-compatible chat completion request.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

// CompletionRequest is a legacy /v1/completions request.
type CompletionRequest struct {
	Model     string          `json:"model"`
	Prompt    json.RawMessage `json:"prompt"`
	MaxTokens *int            `json:"max_tokens,omitempty"`
	Stream    bool            `json:"stream,omitempty"`
}

// EmbeddingRequest is an OpenAI-compatible embedding request. Input is either
// a string or an array of strings.
type EmbeddingRequest struct {
	Model string          `json:"model"`
	Input json.RawMessage `json:"input"`
}

// Usage represents token usage from an LLM response.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageEnvelope extracts the usage block from any OpenAI response body.
type UsageEnvelope struct {
	Model string `json:"model"`
	Usage *Usage `json:"usage,omitempty"`
}

// AdmissionRequest is the normalized view of an inbound request that the
// admission path works on.
type AdmissionRequest struct {
	RequestID string
	SessionID string
	Model     string
	// Messages is the normalized content used for fingerprinting.
	Messages    []ChatMessage
	InputTokens int
	// ExpectedOutputTokens is nil when the caller did not bound the output.
	ExpectedOutputTokens *int
}
