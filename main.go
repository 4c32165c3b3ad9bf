package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/flowrun/internal/adapter/integration"
	"github.com/xiaot623/flowrun/internal/adapter/llm"
	"github.com/xiaot623/flowrun/internal/catalog"
	"github.com/xiaot623/flowrun/internal/config"
	"github.com/xiaot623/flowrun/internal/repository"
	"github.com/xiaot623/flowrun/internal/service"
	server "github.com/xiaot623/flowrun/internal/transport/http"
	"github.com/xiaot623/flowrun/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log.Printf("Starting flowrun...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Default autonomy level: %s", cfg.DefaultAutonomyLevel)
	if cfg.Mode != "" {
		log.Printf("Mode: %s", cfg.Mode)
	}

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Load tool catalog seed
	seed := catalog.Seed()
	if cfg.CatalogFile != "" {
		seed, err = catalog.LoadFile(cfg.CatalogFile)
		if err != nil {
			log.Fatalf("Failed to load catalog file: %v", err)
		}
	}

	// Initialize integrations
	llmClient := llm.NewLLMClient(cfg.Mode, cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	registry := integration.NewRegistry()
	dispose := integration.RegisterBuiltins(registry, integration.BuiltinOptions{
		HTTPClient: &http.Client{Timeout: cfg.StepTimeout},
		LLM:        llmClient,
		Model:      cfg.LLMModel,
		Mock:       cfg.Mode == llm.ModeMock,
	})
	defer dispose()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize service
	svc := service.New(db, registry, cfg, policyEngine)
	if err := svc.LoadCatalog(ctx, seed); err != nil {
		log.Fatalf("Failed to load tool catalog: %v", err)
	}

	e := server.NewServer(svc)
	e.Debug = cfg.LogLevel == "debug"

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down flowrun...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc.Shutdown(shutdownCtx)
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown server gracefully: %v", err)
	}

	log.Println("flowrun stopped")
}
