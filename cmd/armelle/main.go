// Package main is the entry point for the Armelle conversation manager.
// It wires the session store, workflow engine, conversation manager, and
// transports together and runs them until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nteguem/armelle-manager-sub002/internal/config"
	"github.com/nteguem/armelle-manager-sub002/internal/conversation"
	"github.com/nteguem/armelle-manager-sub002/internal/definition"
	"github.com/nteguem/armelle-manager-sub002/internal/flows"
	"github.com/nteguem/armelle-manager-sub002/internal/intent"
	"github.com/nteguem/armelle-manager-sub002/internal/message"
	"github.com/nteguem/armelle-manager-sub002/internal/observability"
	"github.com/nteguem/armelle-manager-sub002/internal/service"
	"github.com/nteguem/armelle-manager-sub002/internal/session"
	"github.com/nteguem/armelle-manager-sub002/internal/transport"
	"github.com/nteguem/armelle-manager-sub002/internal/workflow"
	"github.com/nteguem/armelle-manager-sub002/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadOrDefaults(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "armelle", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	render, err := message.NewCatalogRenderer(cfg.Messages, cfg.Conversation.DefaultLanguage, metrics, logger)
	if err != nil {
		logger.Error("message catalog load failed", zap.Error(err))
		return 1
	}

	// Workflow catalog: declared in code, validated at startup so a broken
	// definition never reaches a user.
	defs := flows.Catalog()
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("workflow validation error", zap.String("error", ve.Error()))
		}
		return 1
	}
	registry := definition.NewRegistry(defs)

	store, storeCloser, err := buildSessionStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("session store initialization failed", zap.Error(err))
		return 1
	}

	services := service.NewRegistry(cfg.Services, metrics, logger)
	services.Register("taxpayer", service.NewDirectory())
	services.Register("tax", service.NewCalculator())

	engine := workflow.NewEngine(registry, services, render, metrics, logger, cfg.Conversation, cfg.Workflow)
	detector := intent.NewDetector(cfg.Intent, metrics, logger)
	responder := intent.NewResponder()

	manager := conversation.NewManager(store, registry, engine, detector, responder, render, metrics, logger, cfg.Conversation, cfg.Workflow)

	// Telegram transport.
	var sender model.Sender
	var telegram *transport.Telegram
	if cfg.Telegram.Enabled {
		token := os.Getenv(cfg.Telegram.TokenEnv)
		if token == "" {
			logger.Error("telegram enabled but token not set", zap.String("env", cfg.Telegram.TokenEnv))
			return 1
		}
		telegram, err = transport.NewTelegram(token, manager, logger)
		if err != nil {
			logger.Error("telegram initialization failed", zap.Error(err))
			return 1
		}
		sender = telegram
	}

	// Admin API authentication.
	var authenticate func(http.Handler) http.Handler
	if cfg.Admin.Enabled {
		secret := os.Getenv(cfg.Admin.SecretEnv)
		if secret == "" {
			logger.Warn("admin API enabled without a signing secret, all admin requests will be rejected",
				zap.String("env", cfg.Admin.SecretEnv))
		}
		authenticate = transport.AdminAuthenticator(cfg.Admin, []byte(secret))
	}

	readiness := observability.ReadinessChecks{
		WorkflowsLoaded: func() bool { return registry.Count() > 0 },
		MessagesLoaded: func() bool {
			probe := render.Render(model.NewMessage("error.generic", nil), cfg.Conversation.DefaultLanguage)
			return probe != "error.generic"
		},
		SessionStore: store,
	}
	if telegram != nil {
		readiness.Transport = telegram
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Store:        store,
		Registry:     registry,
		Engine:       engine,
		Ready:        readiness,
		Authenticate: authenticate,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.TracingMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Background tasks.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	sweeper := conversation.NewSweeper(manager, sender, cfg.Workflow)
	go sweeper.Run(bgCtx)

	if telegram != nil {
		go telegram.Run(bgCtx)
	}

	logger.Info("armelle started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
		zap.Int("workflows", registry.Count()),
		zap.Bool("telegram", cfg.Telegram.Enabled),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildSessionStore creates the session store named by config. Redis and
// postgres drivers fall back to memory when their address env var is unset,
// so a dev checkout runs with zero external dependencies.
func buildSessionStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (session.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory session store")
		return session.NewMemoryStore(), nil, nil

	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory session store",
				zap.String("env", cfg.Redis.AddrEnv))
			return session.NewMemoryStore(), nil, nil
		}

		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Redis.DB})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("session store: redis ping: %w", err)
		}

		logger.Info("using redis session store", zap.String("addr", addr))
		store := session.NewRedisStore(client,
			session.WithTTL(cfg.Redis.TTL),
			session.WithPrefix(cfg.Redis.Prefix),
		)
		return store, func() { client.Close() }, nil

	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			logger.Warn("postgres DSN not configured, using in-memory session store",
				zap.String("env", cfg.Postgres.DSNEnv))
			return session.NewMemoryStore(), nil, nil
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = cfg.Postgres.MaxConns
		poolCfg.MinConns = cfg.Postgres.MinConns
		poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("session store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("session store: ping: %w", err)
		}

		logger.Info("using postgres session store")
		return session.NewPgStore(pool), pool.Close, nil

	default:
		return nil, nil, fmt.Errorf("session store: unsupported driver %q", cfg.Driver)
	}
}
