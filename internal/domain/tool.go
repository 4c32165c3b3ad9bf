package domain

import "time"

// Alternative is a suggested substitute for an unsupported integration.
type Alternative struct {
	Toolkit     string  `json:"toolkit"`
	Name        string  `json:"name"`
	Confidence  float64 `json:"confidence"`
	Recommended bool    `json:"recommended"`
}

// APIKeyInfo describes how a user can supply credentials for a tool.
type APIKeyInfo struct {
	DisplayName string `json:"displayName"`
	DocsURL     string `json:"docsUrl"`
}

// ToolResolution is the advisory outcome of resolving a requested integration.
type ToolResolution struct {
	RequestedTool string          `json:"requestedTool"`
	Level         ResolutionLevel `json:"level"`
	Alternatives  []Alternative   `json:"alternatives"`
	APIKeyInfo    *APIKeyInfo     `json:"apiKeyInfo,omitempty"`
	Message       string          `json:"message"`
}

// Supported reports whether a step targeting the tool may be dispatched.
func (r ToolResolution) Supported() bool {
	return r.Level != ResolutionUnsupported
}

// TrustComponents holds the four trust sub-scores.
type TrustComponents struct {
	Security    float64 `json:"security"`
	Reliability float64 `json:"reliability"`
	Performance float64 `json:"performance"`
	Community   float64 `json:"community"`
}

// TrustBreakdown lists the boolean facts behind a trust score.
type TrustBreakdown struct {
	HasOAuth           bool `json:"hasOAuth"`
	HTTPSOnly          bool `json:"httpsOnly"`
	RateLimited        bool `json:"rateLimited"`
	EncryptedTransit   bool `json:"encryptedTransit"`
	ActivelyMaintained bool `json:"activelyMaintained"`
}

// TrustScore is a composite rating for an integration.
type TrustScore struct {
	ToolID        string          `json:"toolId"`
	Overall       float64         `json:"overall"`
	Components    TrustComponents `json:"components"`
	Breakdown     TrustBreakdown  `json:"breakdown"`
	LastEvaluated time.Time       `json:"lastEvaluated"`
}
