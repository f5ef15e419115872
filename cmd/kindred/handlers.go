package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kindredco/kindred/internal/config"
	"github.com/kindredco/kindred/internal/jobs"
	"github.com/kindredco/kindred/internal/memory"
	"github.com/kindredco/kindred/internal/observability"
	"github.com/kindredco/kindred/internal/orchestrator"
	"github.com/kindredco/kindred/internal/prompt"
	"github.com/kindredco/kindred/internal/provider"
	"github.com/kindredco/kindred/internal/retrieval"
	"github.com/kindredco/kindred/internal/store"
	"github.com/kindredco/kindred/internal/web"
)

// runServe implements the serve command. It wires configuration, storage,
// providers, and the HTTP surface, then blocks until shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics(nil)

	tracer, shutdownTracer, err := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "kindred",
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(flushCtx); err != nil {
			logger.Warn(flushCtx, "tracer shutdown failed", "error", err)
		}
	}()

	logger.Info(ctx, "starting kindred",
		"version", version,
		"config", configPath,
		"addr", cfg.Server.Addr,
	)

	stores, pgBackend, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	var searcher retrieval.Searcher
	if cfg.Retrieval.Enabled && pgBackend != nil {
		embedder, err := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
			APIKey:  cfg.Providers.OpenAI.APIKey,
			BaseURL: cfg.Providers.OpenAI.BaseURL,
			Model:   cfg.Retrieval.EmbeddingModel,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize embedder: %w", err)
		}
		searcher, err = retrieval.NewPgVectorSearcher(pgBackend.DB(), embedder)
		if err != nil {
			return fmt.Errorf("failed to initialize retrieval: %w", err)
		}
		logger.Info(ctx, "knowledge retrieval enabled", "model", cfg.Retrieval.EmbeddingModel)
	}

	assembler := prompt.NewAssembler(stores.Agents, stores.Memories, searcher, logger, prompt.Config{
		RetrievalLimit: cfg.Retrieval.Limit,
		MinScore:       cfg.Retrieval.MinScore,
	})

	var extractor orchestrator.Extractor
	if cfg.Memory.Enabled {
		extractor = memory.NewExtractor(stores.Messages, stores.Memories, registry, logger, metrics, memory.Config{
			MinMessages: cfg.Memory.MinMessages,
			Window:      cfg.Memory.Window,
			Model:       cfg.Memory.Model,
		})
	}

	runner := orchestrator.NewTurnRunner(stores, registry, assembler, extractor, logger, metrics, tracer, orchestrator.Config{
		DefaultModel:      defaultModel(cfg),
		ExtractionTimeout: cfg.Memory.Timeout,
	})

	if cfg.Retention.Enabled {
		sweeper := jobs.NewRetentionSweeper(stores.Conversations, logger, jobs.RetentionConfig{
			MaxIdle:  cfg.Retention.MaxIdle,
			Schedule: cfg.Retention.Schedule,
		})
		if err := sweeper.Start(ctx); err != nil {
			return fmt.Errorf("failed to start retention sweeper: %w", err)
		}
		defer sweeper.Stop()
	}

	handler := web.NewServer(runner, stores, web.NewJWTValidator(cfg.Auth.JWTSecret),
		web.NewAutoProvisionResolver(), logger, metrics)

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     handler,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info(ctx, "kindred listening", "addr", cfg.Server.Addr)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

// runMigrate applies pending migrations against the configured database.
func runMigrate(ctx context.Context, configPath string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database.URL == "" {
		return errors.New("no database configured: set database.url or DATABASE_URL")
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	_, backend, err := store.NewPostgresStores(cfg.Database.URL, poolConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer backend.Close()

	migrator, err := store.NewMigrator(backend.DB())
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	logger.Info(ctx, "migrations applied", "count", len(applied), "versions", applied)
	return nil
}

// openStores connects to Postgres when a URL is configured, applying
// pending migrations, and falls back to in-memory storage otherwise.
// The backend is nil for the in-memory case.
func openStores(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*store.Stores, *store.PostgresBackend, error) {
	if cfg.Database.URL == "" {
		logger.Warn(ctx, "no database configured, using in-memory storage")
		stores, _ := store.NewMemoryStores()
		return stores, nil, nil
	}

	stores, backend, err := store.NewPostgresStores(cfg.Database.URL, poolConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator, err := store.NewMigrator(backend.DB())
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("failed to initialize migrator: %w", err)
	}
	applied, err := migrator.Up(ctx)
	if err != nil {
		backend.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	if len(applied) > 0 {
		logger.Info(ctx, "migrations applied", "count", len(applied))
	}
	return stores, backend, nil
}

func poolConfig(cfg *config.Config) *store.PostgresConfig {
	pc := store.DefaultPostgresConfig()
	if cfg.Database.MaxOpenConns > 0 {
		pc.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		pc.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	return pc
}

// defaultModel picks the fallback model for turns that name none,
// preferring whichever provider is configured.
func defaultModel(cfg *config.Config) string {
	switch {
	case cfg.Providers.Anthropic.APIKey != "" && cfg.Providers.Anthropic.DefaultModel != "":
		return cfg.Providers.Anthropic.DefaultModel
	case cfg.Providers.Anthropic.APIKey != "":
		return "claude-sonnet-4-20250514"
	case cfg.Providers.OpenAI.DefaultModel != "":
		return cfg.Providers.OpenAI.DefaultModel
	default:
		return "gpt-4o"
	}
}

// buildRegistry registers every provider that has an API key configured.
// At least one provider must be available.
func buildRegistry(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	registered := 0

	if cfg.Providers.Anthropic.APIKey != "" {
		p, err := provider.NewAnthropicProvider(provider.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			MaxRetries:   cfg.Providers.Anthropic.MaxRetries,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize anthropic provider: %w", err)
		}
		registry.Register(p)
		registered++
	}

	if cfg.Providers.OpenAI.APIKey != "" {
		p, err := provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			MaxRetries:   cfg.Providers.OpenAI.MaxRetries,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai provider: %w", err)
		}
		registry.Register(p)
		registered++
	}

	if registered == 0 {
		return nil, errors.New("no LLM providers configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}
	return registry, nil
}
