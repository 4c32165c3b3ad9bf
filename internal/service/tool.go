package service

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/trust"
)

// ToolInfo is a catalog entry with its current trust score.
type ToolInfo struct {
	catalog.Entry
	Trust domain.TrustScore `json:"trust"`
	Badge domain.Badge      `json:"badge"`
}

// ListTools lists the catalog with trust scores.
func (s *Service) ListTools(ctx context.Context) []ToolInfo {
	entries := s.catalog.List()
	tools := make([]ToolInfo, 0, len(entries))
	for _, e := range entries {
		score := s.scorer.Score(e.ID, e.TrustInput())
		tools = append(tools, ToolInfo{Entry: e, Trust: score, Badge: trust.RecommendationBadge(score.Overall)})
	}
	return tools
}

// UpsertTool adds or replaces a catalog entry. Cached trust scores and
// resolutions are dropped since rankings may change.
func (s *Service) UpsertTool(ctx context.Context, e catalog.Entry) (*ToolInfo, error) {
	e.ID = catalog.Normalize(e.ID)
	if e.ID == "" {
		return nil, fmt.Errorf("tool id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		e.Name = e.ID
	}
	if e.Category == "" {
		e.Category = catalog.InferCategory(e.Name)
	}
	if e.LastUpdated == nil {
		now := time.Now()
		e.LastUpdated = &now
	}

	row := catalog.ToRow(e)
	if err := s.store.UpsertTool(ctx, &row); err != nil {
		return nil, fmt.Errorf("failed to store tool: %w", err)
	}
	s.catalog.Upsert(e)
	s.scorer.InvalidateCache(e.ID)
	s.resolver.Clear()
	log.Printf("INFO: tool %s upserted (category=%s)", e.ID, e.Category)

	score := s.scorer.Score(e.ID, e.TrustInput())
	return &ToolInfo{Entry: e, Trust: score, Badge: trust.RecommendationBadge(score.Overall)}, nil
}

// ResolveTool classifies how a requested tool can be served.
func (s *Service) ResolveTool(ctx context.Context, name string) domain.ToolResolution {
	return s.resolver.Resolve(name)
}

// GetToolTrust returns the trust score and badge of a catalog tool.
func (s *Service) GetToolTrust(ctx context.Context, id string) (*domain.ToolTrustResponse, error) {
	e, ok := s.catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: tool %s", domain.ErrNotFound, id)
	}
	score := s.scorer.Score(e.ID, e.TrustInput())
	return &domain.ToolTrustResponse{Score: score, Badge: trust.RecommendationBadge(score.Overall)}, nil
}

// InvalidateToolTrust drops the cached trust score of a tool, and with it any
// cached resolution that ranked it.
func (s *Service) InvalidateToolTrust(ctx context.Context, id string) error {
	e, ok := s.catalog.Get(id)
	if !ok {
		return fmt.Errorf("%w: tool %s", domain.ErrNotFound, id)
	}
	s.scorer.InvalidateCache(e.ID)
	s.resolver.Clear()
	return nil
}
