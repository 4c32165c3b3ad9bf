// Package llm provides an abstraction for OpenAI-compatible chat completion APIs.
package llm

import "context"

// LLMClient defines the chat completion operation used by the ai-agent integration.
type LLMClient interface {
	// CreateChatCompletion sends a chat completion request (non-streaming).
	CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// Ensure Client implements LLMClient interface.
var _ LLMClient = (*Client)(nil)
