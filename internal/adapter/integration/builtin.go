package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xiaot623/flowrun/internal/adapter/llm"
)

// BuiltinOptions configures RegisterBuiltins.
type BuiltinOptions struct {
	HTTPClient *http.Client
	LLM        llm.LLMClient
	Model      string
	// Mock registers canned toolkit adapters for gmail, slack and google_sheets.
	Mock bool
}

// RegisterBuiltins registers the built-in adapters and returns a disposer for all of them.
func RegisterBuiltins(r *Registry, opts BuiltinOptions) func() {
	var disposers []func()
	disposers = append(disposers, r.MustRegister("http", NewHTTPAdapter(opts.HTTPClient)))
	if opts.LLM != nil {
		disposers = append(disposers, r.MustRegister("ai-agent", NewAIAgentAdapter(opts.LLM, opts.Model)))
	}
	if opts.Mock {
		disposers = append(disposers,
			r.MustRegister("gmail", AdapterFunc(mockGmail)),
			r.MustRegister("slack", AdapterFunc(mockSlack)),
			r.MustRegister("google_sheets", AdapterFunc(mockSheets)),
		)
	}
	return func() {
		for i := len(disposers) - 1; i >= 0; i-- {
			disposers[i]()
		}
	}
}

// HTTPAdapter performs a generic HTTP request described by the step config:
// url (required), method (default GET), headers, body.
type HTTPAdapter struct {
	client *http.Client
}

// NewHTTPAdapter creates an HTTP adapter. A nil client uses a 30s timeout client.
func NewHTTPAdapter(client *http.Client) *HTTPAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPAdapter{client: client}
}

// Invoke performs the request.
func (a *HTTPAdapter) Invoke(ctx context.Context, target string, config map[string]interface{}, _ map[string]interface{}) (Result, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("http: url is required")
	}
	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := config["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = strings.NewReader(v)
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return Result{}, fmt.Errorf("http: failed to marshal body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, body)
	if err != nil {
		return Result{}, fmt.Errorf("http: failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("http: request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("http: failed to read response: %w", err)
	}

	var decoded interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		decoded = string(data)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("http: %s %s returned %d", req.Method, url, resp.StatusCode)
	}
	return Result{Output: map[string]interface{}{
		"status": resp.StatusCode,
		"body":   decoded,
	}}, nil
}

// AIAgentAdapter runs a chat completion with the step prompt and the run context.
type AIAgentAdapter struct {
	client llm.LLMClient
	model  string
}

// NewAIAgentAdapter creates an ai-agent adapter.
func NewAIAgentAdapter(client llm.LLMClient, model string) *AIAgentAdapter {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &AIAgentAdapter{client: client, model: model}
}

// Invoke sends config.prompt (and optional config.system) together with the run context.
func (a *AIAgentAdapter) Invoke(ctx context.Context, target string, config map[string]interface{}, runContext map[string]interface{}) (Result, error) {
	prompt, _ := config["prompt"].(string)
	if prompt == "" {
		return Result{}, fmt.Errorf("ai-agent: prompt is required")
	}
	model, _ := config["model"].(string)
	if model == "" {
		model = a.model
	}
	system, _ := config["system"].(string)
	if system == "" {
		system = "You are a workflow step. Answer concisely using the provided context."
	}

	contextJSON, err := json.Marshal(runContext)
	if err != nil {
		return Result{}, fmt.Errorf("ai-agent: failed to encode context: %w", err)
	}

	resp, err := a.client.CreateChatCompletion(ctx, &llm.ChatCompletionRequest{
		Model: model,
		Messages: []llm.ChatMessage{
			{Role: "system", Content: system + "\n\nContext:\n" + string(contextJSON)},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Output: map[string]interface{}{
		"content": resp.Content(),
		"model":   resp.Model,
	}}
	if resp.Usage != nil {
		res.TokensUsed = resp.Usage.TotalTokens
	}
	return res, nil
}

func mockGmail(ctx context.Context, _ string, config map[string]interface{}, _ map[string]interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{
		"messageId": "msg_" + uuid.New().String()[:8],
		"status":    "sent",
		"to":        config["to"],
		"subject":   config["subject"],
	}}, nil
}

func mockSlack(ctx context.Context, _ string, config map[string]interface{}, _ map[string]interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Output: map[string]interface{}{
		"ok":      true,
		"channel": config["channel"],
		"ts":      fmt.Sprintf("%d.000100", time.Now().Unix()),
	}}, nil
}

func mockSheets(ctx context.Context, _ string, config map[string]interface{}, _ map[string]interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	rows := 1
	if values, ok := config["values"].([]interface{}); ok {
		rows = len(values)
	}
	return Result{Output: map[string]interface{}{
		"spreadsheetId": config["spreadsheetId"],
		"updatedRows":   rows,
	}}, nil
}
