package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/xiaot623/flowrun/internal/domain"
)

// Client talks to a flowrun server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// LoadWorkflowFile reads a workflow definition from a YAML (or JSON) file.
func LoadWorkflowFile(path string) (*domain.CreateWorkflowRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	var req domain.CreateWorkflowRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse workflow file: %w", err)
	}
	if len(req.Steps) == 0 {
		return nil, fmt.Errorf("workflow file %s has no steps", path)
	}
	return &req, nil
}

// CreateWorkflow submits a workflow definition.
func (c *Client) CreateWorkflow(ctx context.Context, req *domain.CreateWorkflowRequest) (*domain.CreateWorkflowResponse, error) {
	var resp domain.CreateWorkflowResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workflows", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetWorkflow fetches the current state of a run.
func (c *Client) GetWorkflow(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetResult fetches the aggregated result of a finished run.
func (c *Client) GetResult(ctx context.Context, id string) (*domain.AggregatedResult, error) {
	var res domain.AggregatedResult
	if err := c.do(ctx, http.MethodGet, "/v1/workflows/"+url.PathEscape(id)+"/result", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Control sends a lifecycle operation such as start, approve or cancel.
func (c *Client) Control(ctx context.Context, id, op string) (*domain.Run, error) {
	var run domain.Run
	if err := c.do(ctx, http.MethodPost, "/v1/workflows/"+url.PathEscape(id)+"/"+op, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// SkipStep marks a pending step as skipped.
func (c *Client) SkipStep(ctx context.Context, id, stepID string) (*domain.Run, error) {
	var run domain.Run
	path := "/v1/workflows/" + url.PathEscape(id) + "/steps/" + url.PathEscape(stepID) + "/skip"
	if err := c.do(ctx, http.MethodPost, path, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ResolveTool asks how a tool would be served.
func (c *Client) ResolveTool(ctx context.Context, tool string) (*domain.ToolResolution, error) {
	var res domain.ToolResolution
	if err := c.do(ctx, http.MethodGet, "/v1/tools/"+url.PathEscape(tool)+"/resolve", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ToolTrust fetches the trust score of a catalog tool.
func (c *Client) ToolTrust(ctx context.Context, tool string) (*domain.ToolTrustResponse, error) {
	var res domain.ToolTrustResponse
	if err := c.do(ctx, http.MethodGet, "/v1/tools/"+url.PathEscape(tool)+"/trust", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Watch streams a run's events over WebSocket until the server closes the stream.
func (c *Client) Watch(ctx context.Context, id string, handler func(domain.Event)) error {
	addr := c.baseURL + "/v1/workflows/" + url.PathEscape(id) + "/stream"
	switch {
	case strings.HasPrefix(addr, "https://"):
		addr = "wss://" + strings.TrimPrefix(addr, "https://")
	case strings.HasPrefix(addr, "http://"):
		addr = "ws://" + strings.TrimPrefix(addr, "http://")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read: %w", err)
		}
		var e domain.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal event: %w", err)
		}
		handler(e)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
