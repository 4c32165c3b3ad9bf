package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/xiaot623/flowrun/internal/adapter/integration"
	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/config"
	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/engine"
	"github.com/xiaot623/flowrun/internal/events"
	"github.com/xiaot623/flowrun/internal/repository"
	"github.com/xiaot623/flowrun/internal/resolver"
	"github.com/xiaot623/flowrun/internal/session"
	"github.com/xiaot623/flowrun/internal/trust"
	"github.com/xiaot623/flowrun/policy"
)

type Service struct {
	store        store.Store
	config       *config.Config
	policyEngine *policy.Engine
	registry     *integration.Registry

	catalog  *catalog.Catalog
	scorer   *trust.Scorer
	resolver *resolver.Resolver
	engine   *engine.Engine
	bus      *events.Bus

	createMu  sync.Mutex
	mu        sync.RWMutex
	sessions  map[string]*session.Session
	recorders map[string]<-chan struct{}
}

func New(store store.Store, registry *integration.Registry, cfg *config.Config, policyEngine *policy.Engine) *Service {
	cat := catalog.New()
	scorer := trust.NewScorer()
	res := resolver.New(cat, scorer, cfg.MinConfidence)
	return &Service{
		store:        store,
		config:       cfg,
		policyEngine: policyEngine,
		registry:     registry,
		catalog:      cat,
		scorer:       scorer,
		resolver:     res,
		engine: engine.New(res, registry, policy.NewEvaluator(), engine.Config{
			StepTimeout:     cfg.StepTimeout,
			CostPer1KTokens: cfg.CostPer1KTokens,
		}),
		bus:       events.NewBus(),
		sessions:  make(map[string]*session.Session),
		recorders: make(map[string]<-chan struct{}),
	}
}

// LoadCatalog stores every seed entry the state store does not know yet and
// then loads the whole tool table into the in-memory catalog.
func (s *Service) LoadCatalog(ctx context.Context, seed []catalog.Entry) error {
	for _, e := range seed {
		existing, err := s.store.GetTool(ctx, catalog.Normalize(e.ID))
		if err != nil {
			return fmt.Errorf("failed to get tool %s: %w", e.ID, err)
		}
		if existing != nil {
			continue
		}
		e.ID = catalog.Normalize(e.ID)
		row := catalog.ToRow(e)
		if err := s.store.UpsertTool(ctx, &row); err != nil {
			return fmt.Errorf("failed to seed tool %s: %w", e.ID, err)
		}
	}

	rows, err := s.store.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	for _, r := range rows {
		s.catalog.Upsert(catalog.FromRow(r))
	}
	s.resolver.Clear()
	s.scorer.ClearCache()
	log.Printf("INFO: tool catalog loaded with %d tools", s.catalog.Len())
	return nil
}

// Bus exposes the event bus for stream consumers.
func (s *Service) Bus() *events.Bus {
	return s.bus
}

// Shutdown cancels runs that are still executing and closes every stream.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.RLock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.RUnlock()

	for _, sess := range sessions {
		if st := sess.Status(); st == domain.RunStatusRunning || st == domain.RunStatusPaused {
			if err := sess.Cancel(ctx); err != nil {
				log.Printf("WARN: failed to cancel workflow %s on shutdown: %v", sess.ID(), err)
			}
		}
	}
	s.bus.Shutdown()
}

func (s *Service) sessionOptions() session.Options {
	return session.Options{
		MaxParallelism:           s.config.MaxParallelism,
		CheckpointEvery:          s.config.CheckpointEvery,
		CheckpointOnExternalCall: s.config.CheckpointOnExternalCall,
		RunTimeout:               s.config.RunTimeout,
	}
}

func (s *Service) sessionDeps() session.Deps {
	return session.Deps{
		Runner:    s.engine,
		Publisher: s.bus,
		Closer:    s.bus,
		Decider:   s.policyEngine,
	}
}
