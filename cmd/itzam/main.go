// Package main is the entry point for the itzam generation service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/itzam-ai/itzam/internal/auth"
	"github.com/itzam-ai/itzam/internal/callback"
	"github.com/itzam-ai/itzam/internal/config"
	"github.com/itzam-ai/itzam/internal/dispatch"
	"github.com/itzam-ai/itzam/internal/domain"
	"github.com/itzam-ai/itzam/internal/ledger"
	"github.com/itzam-ai/itzam/internal/logging"
	"github.com/itzam-ai/itzam/internal/notify"
	"github.com/itzam-ai/itzam/internal/observability"
	"github.com/itzam-ai/itzam/internal/params"
	"github.com/itzam-ai/itzam/internal/pipeline"
	"github.com/itzam-ai/itzam/internal/registry"
	"github.com/itzam-ai/itzam/internal/server"
	"github.com/itzam-ai/itzam/internal/store"
	"github.com/itzam-ai/itzam/internal/store/memory"
	"github.com/itzam-ai/itzam/internal/store/objectstore"
	"github.com/itzam-ai/itzam/internal/store/postgres"
	"github.com/itzam-ai/itzam/internal/store/rediscache"
)

// refreshInterval is how often the model catalog is reloaded.
const refreshInterval = time.Minute

// backend is everything a storage implementation provides.
type backend interface {
	store.WorkflowStore
	store.ThreadStore
	store.RunStore
	store.ModelStore
	store.APIKeyStore
	store.ProviderKeyReadWriter
	store.PlanStore
	store.KnowledgeStore
}

func main() {
	path := flag.String("config", envOr("ITZAM_CONFIG", "config.yaml"), "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Log, "itzam")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("itzam stopped")
	}
	log.Info().Msg("itzam stopped")
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	shutdownTracing, err := observability.Setup(ctx, cfg.Tracing, log)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Warn().Err(err).Msg("flushing traces")
		}
	}()

	checks := map[string]server.Check{}

	// --- Storage ---
	var db backend
	if cfg.Database.DSN == "" {
		log.Warn().Msg("no database configured; runs are kept in memory")
		mem := memory.New()
		seed(mem, cfg.Seed, log)
		db = mem
	} else {
		pool, err := postgres.Open(ctx, cfg.Database.DSN, cfg.Database.MaxConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		checks["postgres"] = pool.Ping
		db = pg
	}

	var providerKeys store.ProviderKeyReadWriter = db
	if cfg.Redis.Addr != "" {
		rdb, err := rediscache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		providerKeys = rediscache.NewProviderKeys(rdb, db, cfg.Redis.KeyTTL, log)
	}

	var uploader store.Uploader = memory.New()
	if cfg.Storage.Bucket != "" {
		up, err := objectstore.New(ctx, cfg.Storage, log)
		if err != nil {
			return err
		}
		uploader = up
	}

	// --- Model catalog ---
	models, err := cfg.CatalogModels()
	if err != nil {
		return err
	}
	if len(models) > 0 {
		if err := db.UpsertModels(ctx, models); err != nil {
			return fmt.Errorf("seeding model catalog: %w", err)
		}
	}
	reg := registry.New(db, cfg.Providers,
		registry.WithHTTPClient(&http.Client{}),
		registry.WithLogger(log),
	)
	if err := reg.Refresh(ctx); err != nil {
		return err
	}

	// --- Run pipeline ---
	led := ledger.New(db, ledger.WithLogger(log))

	var notifier notify.Notifier = notify.Nop{}
	if cfg.Notify.DiscordWebhookURL != "" {
		notifier = notify.NewDiscord(cfg.Notify.DiscordWebhookURL, cfg.Notify.Timeout)
	}

	pipe := pipeline.New(pipeline.Config{
		Builder: &params.Builder{
			Workflows:       db,
			Threads:         db,
			Runs:            db,
			Knowledge:       db,
			Uploader:        uploader,
			Models:          reg,
			HistoryWindow:   cfg.Generation.HistoryWindow,
			MaxOutputTokens: cfg.Generation.MaxOutputTokens,
			Log:             log,
		},
		Dispatcher: dispatch.New(reg,
			dispatch.WithTimeout(cfg.Generation.DispatchTimeout),
			dispatch.WithTracer(observability.Tracer()),
			dispatch.WithLogger(log),
		),
		Ledger:        led,
		ProviderKeys:  providerKeys,
		Plans:         db,
		Callbacks:     callback.New(cfg.Callback.Timeout, log),
		Notifier:      notify.Logged{Next: notifier, Log: log},
		CloseTimeout:  cfg.Generation.CloseTimeout,
		NotifyTimeout: cfg.Notify.Timeout,
		Log:           log,
	})

	srv := server.New(server.Deps{
		Pipeline:     pipe,
		Auth:         auth.New(db, cfg.Auth.SessionSecret, cfg.Auth.EventSecret),
		Ledger:       led,
		Models:       reg,
		Clients:      reg,
		ProviderKeys: providerKeys,
		Workflows:    db,
		Threads:      db,
		Runs:         db,
		Checks:       checks,
		Log:          log,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Int("models", len(reg.Available())).Msg("itzam listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		refreshCatalog(gctx, reg, log)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown")
		}
		// Event-origin runs and notifications outlive their requests.
		if err := pipe.Wait(sctx); err != nil {
			log.Warn().Err(err).Msg("background runs still in flight at shutdown")
		}
		return nil
	})
	return g.Wait()
}

// refreshCatalog reloads the model catalog until ctx ends, so models and
// prices edited in the store reach new runs without a restart.
func refreshCatalog(ctx context.Context, reg *registry.Registry, log zerolog.Logger) {
	t := time.NewTicker(refreshInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := reg.Refresh(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("refreshing model catalog")
		}
	}
}

// seed loads the configured owner, key and workflows into a memory store.
func seed(mem *memory.Store, cfg config.SeedConfig, log zerolog.Logger) {
	if cfg.APIKey == "" {
		return
	}
	mem.PutAPIKeyHash(auth.HashAPIKey(cfg.APIKey), cfg.OwnerID)
	mem.SetPlatformKeys(cfg.OwnerID, true)
	for name, key := range cfg.ProviderKeys {
		mem.PutProviderKey(cfg.OwnerID, name, key)
	}
	for _, w := range cfg.Workflows {
		mem.PutWorkflow(domain.Workflow{
			ID:           "wf_" + w.Slug,
			Slug:         w.Slug,
			OwnerID:      cfg.OwnerID,
			Name:         w.Name,
			Prompt:       w.Prompt,
			ModelTag:     w.ModelTag,
			ContextSlugs: w.ContextSlugs,
			IsActive:     true,
			CreatedAt:    time.Now().UTC(),
		})
	}
	log.Info().Str("owner", cfg.OwnerID).Int("workflows", len(cfg.Workflows)).Msg("seeded in-memory store")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
