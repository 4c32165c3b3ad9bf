// Package resolver decides how a requested integration can be served.
package resolver

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/trust"
)

const (
	// DefaultMinConfidence is the floor below which alternatives are not offered.
	DefaultMinConfidence = 0.3
	recommendedAt        = 0.9
	maxAlternatives      = 4
	categoryWeight       = 0.7
	nameWeight           = 0.3
)

// Resolver resolves tool identifiers against a catalog. Results are cached per
// normalized tool id until Invalidate or Clear is called.
type Resolver struct {
	catalog       *catalog.Catalog
	scorer        *trust.Scorer
	minConfidence float64

	mu    sync.RWMutex
	cache map[string]domain.ToolResolution
}

// New creates a resolver. A non-positive minConfidence selects the default floor.
func New(cat *catalog.Catalog, scorer *trust.Scorer, minConfidence float64) *Resolver {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	if scorer == nil {
		scorer = trust.NewScorer()
	}
	return &Resolver{
		catalog:       cat,
		scorer:        scorer,
		minConfidence: minConfidence,
		cache:         make(map[string]domain.ToolResolution),
	}
}

// Resolve never fails: an unsupported tool is a normal outcome.
func (r *Resolver) Resolve(requested string) domain.ToolResolution {
	key := catalog.Normalize(requested)

	r.mu.RLock()
	cached, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		cached.RequestedTool = requested
		return cached
	}

	res := r.resolve(requested, key)

	r.mu.Lock()
	r.cache[key] = res
	r.mu.Unlock()
	return res
}

// Invalidate drops the cached resolution for a tool.
func (r *Resolver) Invalidate(tool string) {
	r.mu.Lock()
	delete(r.cache, catalog.Normalize(tool))
	r.mu.Unlock()
}

// Clear drops all cached resolutions.
func (r *Resolver) Clear() {
	r.mu.Lock()
	r.cache = make(map[string]domain.ToolResolution)
	r.mu.Unlock()
}

func (r *Resolver) resolve(requested, key string) domain.ToolResolution {
	res := domain.ToolResolution{RequestedTool: requested, Alternatives: []domain.Alternative{}}

	entry, known := r.catalog.Get(key)
	if known && entry.Native {
		res.Level = domain.ResolutionNative
		res.Message = fmt.Sprintf("%s is natively supported", entry.Name)
		return res
	}
	if known && entry.APIKey {
		display := entry.DisplayName
		if display == "" {
			display = entry.Name + " API Key"
		}
		res.Level = domain.ResolutionAPIKey
		res.APIKeyInfo = &domain.APIKeyInfo{DisplayName: display, DocsURL: entry.DocsURL}
		res.Message = fmt.Sprintf("%s is supported with a user-supplied API key", entry.Name)
		return res
	}

	category := catalog.InferCategory(requested)
	if known && entry.Category != "" {
		category = entry.Category
	}

	var candidates []domain.Alternative
	for _, e := range r.catalog.List() {
		if catalog.Normalize(e.ID) == key {
			continue
		}
		confidence := r.confidence(key, category, e)
		if confidence < r.minConfidence {
			continue
		}
		candidates = append(candidates, domain.Alternative{
			Toolkit:     e.ID,
			Name:        e.Name,
			Confidence:  confidence,
			Recommended: confidence >= recommendedAt,
		})
	}

	if len(candidates) == 0 {
		res.Level = domain.ResolutionUnsupported
		res.Message = fmt.Sprintf("%s is not supported and no alternative reached the minimum confidence of %.2f", requested, r.minConfidence)
		return res
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].Toolkit < candidates[j].Toolkit
	})
	if len(candidates) > maxAlternatives {
		candidates = candidates[:maxAlternatives]
	}
	res.Level = domain.ResolutionAlternative
	res.Alternatives = candidates
	res.Message = fmt.Sprintf("%s is not supported directly; %d alternative(s) available, best match %s (%.0f%%)",
		requested, len(candidates), candidates[0].Name, candidates[0].Confidence*100)
	return res
}

// confidence blends category fit and name similarity, scaled by the candidate's trust score.
func (r *Resolver) confidence(key, category string, e catalog.Entry) float64 {
	var sameCategory float64
	if category != "" && strings.EqualFold(category, e.Category) {
		sameCategory = 1
	}
	sim := math.Max(Similarity(key, catalog.Normalize(e.ID)), Similarity(key, catalog.Normalize(e.Name)))
	score := r.scorer.Score(e.ID, e.TrustInput())

	c := (categoryWeight*sameCategory + nameWeight*sim) * (0.75 + 0.25*score.Overall/100)
	c = math.Max(0, math.Min(1, c))
	return math.Round(c*1000) / 1000
}

// Similarity is the Jaccard index of the character bigrams of a and b.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	inter := 0
	for g := range ba {
		if bb[g] {
			inter++
		}
	}
	union := len(ba) + len(bb) - inter
	return float64(inter) / float64(union)
}

func bigrams(s string) map[string]bool {
	out := make(map[string]bool)
	runes := []rune(s)
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])] = true
	}
	return out
}
