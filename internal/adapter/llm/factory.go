package llm

import (
	"log"
	"time"
)

// ModeMock selects the mock client.
const ModeMock = "MOCK"

// NewLLMClient creates an LLM client for the given run mode.
// mode MOCK returns a MockClient; anything else returns a real Client.
func NewLLMClient(mode, baseURL, apiKey string, timeout time.Duration) LLMClient {
	if mode == ModeMock {
		log.Println("INFO: FLOWRUN_MODE=MOCK, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
