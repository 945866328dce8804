package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/genchain/internal/engine"
	"github.com/rendis/genchain/internal/httpapi"
	"github.com/rendis/genchain/internal/ledger"
	"github.com/rendis/genchain/internal/lifecycle"
	"github.com/rendis/genchain/internal/logging"
	"github.com/rendis/genchain/internal/orchestrator"
	"github.com/rendis/genchain/internal/provider"
	"github.com/rendis/genchain/internal/registry"
	"github.com/rendis/genchain/internal/resolver"
	"github.com/rendis/genchain/internal/scheduler"
	"github.com/rendis/genchain/internal/secrets"
	"github.com/rendis/genchain/internal/storage"
	"github.com/rendis/genchain/internal/store"
	"github.com/rendis/genchain/internal/streaming"
	"github.com/rendis/genchain/internal/telemetry"
	"github.com/rendis/genchain/internal/validation"
	"github.com/rendis/genchain/internal/webhook"
	"github.com/rendis/genchain/pkg/mcp"
)

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(logging.NewCorrelationHandler(h))
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg *Config) (*store.SQLStore, error) {
	if cfg.Database.Driver == "" || cfg.Database.Driver == store.DriverLibSQL {
		if path, ok := strings.CutPrefix(cfg.Database.DSN, "file:"); ok {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
	}
	s, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// app is the fully wired engine.
type app struct {
	cfg          *Config
	logger       *slog.Logger
	sql          *store.SQLStore
	store        store.Store
	hub          streaming.EventHub
	registry     *registry.Registry
	ledger       *ledger.Ledger
	lifecycle    *lifecycle.Service
	orchestrator *orchestrator.Orchestrator
	receiver     *webhook.Receiver
	scheduler    *scheduler.Scheduler
	closers      []func() error
}

func buildApp(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if a.sql, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.sql.Close)

	metrics, err := telemetry.New()
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = storage.NewRedisClient(cfg.Redis)
		a.closers = append(a.closers, rdb.Close)
	}
	switch cfg.Events.Backend {
	case "", "memory":
		a.hub = streaming.NewMemoryHub()
	case "redis":
		if rdb == nil {
			return nil, errors.New("events.backend=redis requires redis.addr")
		}
		a.hub = streaming.NewRedisHub(rdb, logger)
	default:
		return nil, fmt.Errorf("unknown events backend %q", cfg.Events.Backend)
	}
	a.store = streaming.NewPublishingStore(a.sql, a.hub, logger)

	var vault secrets.Vault
	if cfg.Vault.Configured() {
		if vault, err = secrets.NewAESVault(a.sql, cfg.Vault); err != nil {
			return nil, err
		}
	}
	keys := secrets.NewKeyResolver(vault, logger)

	if a.registry, err = registry.New(keys, logger); err != nil {
		return nil, err
	}
	if cfg.ModelsFile != "" {
		if err := a.registry.LoadFile(cfg.ModelsFile); err != nil {
			return nil, err
		}
	}

	policy, err := resolver.ParseMissingPolicy(cfg.MissingPolicy)
	if err != nil {
		return nil, err
	}
	var sanitizer *resolver.Sanitizer
	if cfg.Storage.Endpoint != "" {
		objects, err := storage.NewObjectStorage(cfg.Storage)
		if err != nil {
			return nil, err
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		opts := []resolver.SanitizerOption{resolver.WithSanitizerLogger(logger)}
		if cfg.SanitizeDedup {
			if rdb == nil {
				return nil, errors.New("sanitize_dedup requires redis.addr")
			}
			opts = append(opts, resolver.WithDedup(storage.NewBlobIndex(rdb, cfg.Redis.TTL)))
		}
		sanitizer = resolver.NewSanitizer(objects, opts...)
	}
	res := resolver.New(policy, sanitizer, logger)

	validator, err := validation.NewTemplateValidator(a.registry)
	if err != nil {
		return nil, err
	}

	breakers := engine.NewCircuitBreakerRegistry(cfg.Provider.Breaker)
	dispatcher := provider.NewHTTPDispatcher(cfg.Provider, breakers, metrics, logger)

	a.ledger = ledger.New(a.sql, cfg.Ledger, logger)
	a.lifecycle = lifecycle.New(a.store, a.registry, a.ledger, dispatcher,
		lifecycle.WithMetrics(metrics), lifecycle.WithLogger(logger))
	a.orchestrator = orchestrator.New(a.store, a.lifecycle, a.registry, validator, res,
		orchestrator.Config{Workers: cfg.Workers},
		orchestrator.WithMetrics(metrics), orchestrator.WithLogger(logger))
	a.closers = append(a.closers, func() error { a.orchestrator.Shutdown(); return nil })

	if a.receiver, err = webhook.NewReceiver(a.lifecycle, a.store, a.orchestrator, keys,
		webhook.WithMetrics(metrics), webhook.WithLogger(logger)); err != nil {
		return nil, err
	}
	if a.scheduler, err = scheduler.NewScheduler(a.orchestrator, cfg.Sweep, logger); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) httpServer() *httpapi.Server {
	return httpapi.NewServer(httpapi.Deps{
		Executions:  a.orchestrator,
		Generations: a.lifecycle,
		Records:     a.store,
		Webhooks:    a.receiver,
		Hub:         a.hub,
	}, httpapi.WithLogger(a.logger))
}

func (a *app) mcpServer() *mcp.Server {
	return mcp.NewServer(mcp.ServerDeps{
		Engine:       a.orchestrator,
		Generations:  a.store,
		Hub:          a.hub,
		SweepTimeout: a.cfg.Sweep.Timeout,
		Logger:       a.logger,
	})
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
