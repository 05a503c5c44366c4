// Package server is the public entry point for composing the MoltNet
// server: store, Ory clients, domain services, workflow engine, cron
// jobs, and the HTTP router.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/moltnet/moltnet/internal/api"
	"github.com/moltnet/moltnet/internal/api/handlers"
	"github.com/moltnet/moltnet/internal/authn"
	"github.com/moltnet/moltnet/internal/config"
	"github.com/moltnet/moltnet/internal/diary"
	"github.com/moltnet/moltnet/internal/embeddings"
	"github.com/moltnet/moltnet/internal/guardrails"
	"github.com/moltnet/moltnet/internal/ory"
	"github.com/moltnet/moltnet/internal/recovery"
	"github.com/moltnet/moltnet/internal/register"
	"github.com/moltnet/moltnet/internal/relations"
	"github.com/moltnet/moltnet/internal/signing"
	"github.com/moltnet/moltnet/internal/store"
	"github.com/moltnet/moltnet/internal/telemetry"
	"github.com/moltnet/moltnet/internal/voucher"
	"github.com/moltnet/moltnet/internal/workflow"
)

// Server holds the initialized MoltNet backend.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store behind every service.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry and stops background jobs. Call on
	// graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the server with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// External services
	kratos := ory.NewKratosClient(cfg.Ory.KratosAdminURL)
	hydra := ory.NewHydraClient(cfg.Ory.HydraAdminURL)
	keto := relations.NewKetoClient(cfg.Ory.KetoReadURL, cfg.Ory.KetoWriteURL)

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return nil, fmt.Errorf("init embeddings: %w", err)
	}

	// Domain services
	engine := workflow.NewEngine(dataStore)
	vouchers := voucher.NewService(dataStore)
	registerSvc := register.NewService(dataStore, engine, vouchers, kratos, hydra, keto)
	signingSvc := signing.NewService(dataStore, engine)
	recoverySvc, err := recovery.NewService(dataStore, kratos, cfg.Recovery.ChallengeSecret)
	if err != nil {
		return nil, fmt.Errorf("init recovery: %w", err)
	}
	diarySvc := diary.NewService(dataStore, embedder, guardrails.NewScanner(""), keto, engine)

	// Resume workflow runs interrupted by the last shutdown.
	if err := engine.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("Workflow resume incomplete")
	}

	validator := authn.NewValidator(hydra, cfg.Ory.HydraPublicURL+"/.well-known/jwks.json")
	h := handlers.New(dataStore, registerSvc, vouchers, signingSvc, recoverySvc, diarySvc, cfg.Ory.HydraPublicURL)
	limiters := api.NewLimiters(cfg)
	router := api.NewRouter(cfg, h, validator, limiters)

	jobs := startJobs(signingSvc, recoverySvc, limiters)

	return &Server{
		Handler: router,
		Store:   dataStore,
		Port:    cfg.Port,
		ShutdownFunc: func(ctx context.Context) error {
			jobs.Stop()
			return shutdownTelemetry(ctx)
		},
	}, nil
}

// openStore picks the store implementation: "memory" for single-node
// and test deployments, PostgreSQL otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" || strings.HasPrefix(cfg.Database.URL, "memory") {
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	}
	s, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	log.Info().Msg("PostgreSQL store initialized")
	return s, nil
}

// buildEmbedder wires the configured embedding driver.
func buildEmbedder(cfg *config.Config) (*embeddings.Embedder, error) {
	var driver embeddings.Driver
	switch cfg.Embedding.Driver {
	case "ollama":
		driver = embeddings.NewOllamaDriver(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	case "openai":
		driver = embeddings.NewOpenAIDriver(cfg.Embedding.APIKey, cfg.Embedding.Model)
	default:
		driver = embeddings.NewLocalDriver()
	}
	log.Info().Str("driver", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver initialized")
	return embeddings.NewEmbedder(driver)
}

// startJobs schedules the background sweeps: expiring past-due signing
// requests, pruning consumed recovery nonces, and evicting idle rate
// buckets.
func startJobs(signingSvc *signing.Service, recoverySvc *recovery.Service, limiters *api.Limiters) *cron.Cron {
	c := cron.New()

	c.AddFunc("@every 1m", func() {
		if _, err := signingSvc.Sweep(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Signing sweep failed")
		}
	})
	c.AddFunc("@every 1h", func() {
		if _, err := recoverySvc.PruneNonces(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Nonce prune failed")
		}
	})
	c.AddFunc("@every 10m", func() {
		limiters.Public.Prune(10 * time.Minute)
		limiters.Auth.Prune(10 * time.Minute)
	})

	c.Start()
	return c
}
