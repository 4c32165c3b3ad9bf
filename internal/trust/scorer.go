// Package trust computes composite trust scores for integrations.
package trust

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/xiaot623/flowrun/internal/domain"
)

const (
	defaultReliability = 60.0
	defaultPerformance = 70.0
	unknownVolume      = 35.0
	unknownRecency     = 15.0
	maintainedWindow   = 180 * 24 * time.Hour
)

// Input is the raw metadata and observed metrics for one integration.
type Input struct {
	AuthMethod       domain.AuthMethod
	HasHTTPSEndpoint bool
	DocsURL          string
	HasRateLimiting  bool
	EncryptedTransit bool

	// Optional observed metrics.
	SuccessRate  *float64
	AvgLatencyMs *float64
	UsageCount   *int64
	LastUpdated  *time.Time
}

// Weights controls how components contribute to the overall score.
type Weights struct {
	Security    float64
	Reliability float64
	Performance float64
	Community   float64
}

// EqualWeights gives every component the same weight.
var EqualWeights = Weights{Security: 1, Reliability: 1, Performance: 1, Community: 1}

// Scorer computes and caches trust scores per tool id.
// Cached scores are only dropped through InvalidateCache or ClearCache.
type Scorer struct {
	weights Weights
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]domain.TrustScore
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithWeights overrides the component weights.
func WithWeights(w Weights) Option {
	return func(s *Scorer) { s.weights = w }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scorer) { s.now = now }
}

// NewScorer creates a scorer with equal weights.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		weights: EqualWeights,
		now:     time.Now,
		cache:   make(map[string]domain.TrustScore),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the cached score for toolID, computing it from in on a miss.
func (s *Scorer) Score(toolID string, in Input) domain.TrustScore {
	s.mu.RLock()
	cached, ok := s.cache[toolID]
	s.mu.RUnlock()
	if ok {
		return cached
	}

	score := s.Compute(toolID, in)

	s.mu.Lock()
	s.cache[toolID] = score
	s.mu.Unlock()
	return score
}

// Cached returns the cached score for toolID, if any.
func (s *Scorer) Cached(toolID string) (domain.TrustScore, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	score, ok := s.cache[toolID]
	return score, ok
}

// InvalidateCache drops the cached score for toolID.
func (s *Scorer) InvalidateCache(toolID string) {
	s.mu.Lock()
	delete(s.cache, toolID)
	s.mu.Unlock()
}

// ClearCache drops every cached score.
func (s *Scorer) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]domain.TrustScore)
	s.mu.Unlock()
}

// Compute calculates a score without touching the cache.
func (s *Scorer) Compute(toolID string, in Input) domain.TrustScore {
	now := s.now()
	c := domain.TrustComponents{
		Security:    Security(in),
		Reliability: Reliability(in.SuccessRate),
		Performance: Performance(in.AvgLatencyMs),
		Community:   Community(in.UsageCount, in.LastUpdated, now),
	}

	w := s.weights
	total := w.Security + w.Reliability + w.Performance + w.Community
	if total <= 0 {
		w, total = EqualWeights, 4
	}
	overall := (c.Security*w.Security + c.Reliability*w.Reliability +
		c.Performance*w.Performance + c.Community*w.Community) / total

	return domain.TrustScore{
		ToolID:     toolID,
		Overall:    clamp(round2(overall)),
		Components: c,
		Breakdown: domain.TrustBreakdown{
			HasOAuth:           in.AuthMethod == domain.AuthOAuth2,
			HTTPSOnly:          httpsOnly(in),
			RateLimited:        in.HasRateLimiting,
			EncryptedTransit:   in.EncryptedTransit,
			ActivelyMaintained: in.LastUpdated != nil && now.Sub(*in.LastUpdated) <= maintainedWindow,
		},
		LastEvaluated: now,
	}
}

// Security scores auth strength and transport protections.
func Security(in Input) float64 {
	var score float64
	switch in.AuthMethod {
	case domain.AuthOAuth2:
		score = 25
	case domain.AuthAPIKey:
		score = 15
	case domain.AuthBearer:
		score = 10
	}
	if httpsOnly(in) {
		score += 25
	}
	if in.HasRateLimiting {
		score += 25
	}
	if in.EncryptedTransit {
		score += 25
	}
	return math.Min(score, 100)
}

// Reliability is the observed success rate, accepted as a fraction or a percentage.
func Reliability(successRate *float64) float64 {
	if successRate == nil || math.IsNaN(*successRate) {
		return defaultReliability
	}
	v := *successRate
	if v <= 1 {
		v *= 100
	}
	return clamp(v)
}

// Performance maps average latency onto 0-100, 5s or slower scoring 0.
func Performance(avgLatencyMs *float64) float64 {
	if avgLatencyMs == nil || math.IsNaN(*avgLatencyMs) {
		return defaultPerformance
	}
	return clamp(100 - *avgLatencyMs/50)
}

// Community combines usage volume (0-70) with recency of the last update (0-30).
func Community(usage *int64, lastUpdated *time.Time, now time.Time) float64 {
	volume := unknownVolume
	if usage != nil {
		n := float64(*usage)
		if n < 0 {
			n = 0
		}
		volume = math.Min(70, 70*math.Log10(n+1)/5)
	}

	recency := unknownRecency
	if lastUpdated != nil {
		age := now.Sub(*lastUpdated)
		switch {
		case age <= 30*24*time.Hour:
			recency = 30
		case age <= 90*24*time.Hour:
			recency = 20
		case age <= maintainedWindow:
			recency = 10
		default:
			recency = 0
		}
	}
	return clamp(round2(volume + recency))
}

// RecommendationBadge maps an overall score to a badge.
func RecommendationBadge(overall float64) domain.Badge {
	switch {
	case overall >= 70:
		return domain.BadgeRecommended
	case overall >= 40:
		return domain.BadgeCaution
	default:
		return domain.BadgeNotRecommended
	}
}

func httpsOnly(in Input) bool {
	return in.HasHTTPSEndpoint || strings.HasPrefix(strings.ToLower(in.DocsURL), "https://")
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
