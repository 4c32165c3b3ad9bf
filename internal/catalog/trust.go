package catalog

import "github.com/xiaot623/flowrun/internal/trust"

// TrustInput extracts the scoring input for the entry.
func (e Entry) TrustInput() trust.Input {
	return trust.Input{
		AuthMethod:       e.AuthMethod,
		HasHTTPSEndpoint: e.HTTPSEndpoint,
		DocsURL:          e.DocsURL,
		HasRateLimiting:  e.RateLimited,
		EncryptedTransit: e.EncryptedTransit,
		SuccessRate:      e.SuccessRate,
		AvgLatencyMs:     e.AvgLatencyMs,
		UsageCount:       e.UsageCount,
		LastUpdated:      e.LastUpdated,
	}
}
