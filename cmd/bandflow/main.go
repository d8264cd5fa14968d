// Package main is the entry point for the bandflow server.
// It wires all dependencies together and starts the HTTP server, or
// attaches to the realtime broker and prints the frames a role receives.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/bandflow/internal/capability"
	"github.com/pitabwire/bandflow/internal/config"
	"github.com/pitabwire/bandflow/internal/idempotency"
	"github.com/pitabwire/bandflow/internal/observability"
	"github.com/pitabwire/bandflow/internal/realtime"
	"github.com/pitabwire/bandflow/internal/schema"
	"github.com/pitabwire/bandflow/internal/transport"
	"github.com/pitabwire/bandflow/internal/workflow"
	"github.com/pitabwire/bandflow/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "bandflow",
		Short:        "Band equipment workflows and realtime updates",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to configuration file")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP API",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), configPath)
			},
		},
		newWatchCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "bandflow %s (%s)\n", version, commit)
			},
		},
	)
	return root
}

func newWatchCmd(configPath *string) *cobra.Command {
	var role, userID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to a role's destinations and print every frame",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return watch(cmd.Context(), *configPath, role, userID, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role whose destinations to subscribe to (defaults to realtime.role)")
	cmd.Flags().StringVar(&userID, "user", "", "user ID for user-scoped queues (defaults to realtime.user_id)")
	return cmd
}

// setup loads configuration and initializes the logger.
func setup(configPath string) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}

func serve(parent context.Context, configPath string) error {
	// Step 1: Load configuration and initialize telemetry.
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "bandflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Workflow store.
	store, storeCloser, err := buildWorkflowStore(ctx, cfg.Workflow, logger)
	if err != nil {
		logger.Error("workflow store initialization failed", zap.Error(err))
		return err
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Step 3: Schema loader and its cache.
	cache, cacheCloser := buildSchemaCache(cfg.Schema.Cache, logger)
	if cacheCloser != nil {
		defer cacheCloser()
	}
	loader := schema.NewLoader(cfg.Schema, cache, logger, metrics)

	// Step 4: Workflow engine.
	engine := workflow.NewEngine(loader, store,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)

	readiness := observability.ReadinessChecks{
		WorkflowStore: store,
		SchemaCache:   cache,
	}

	// Step 5: Realtime client (optional).
	var rt transport.RealtimeService
	if cfg.Realtime.Enabled {
		client := newRealtimeClient(cfg, logger, metrics)
		defer client.Disconnect()
		rt = client
		readiness.Realtime = client

		go func() {
			if err := client.Connect(ctx, ""); err != nil {
				logger.Warn("realtime broker not reachable at startup, connecting on first use",
					zap.String("broker_url", cfg.Realtime.BrokerURL),
					zap.Error(err),
				)
			}
		}()
	}

	// Step 6: HTTP router.
	secret := config.Secret(cfg.Identity.SecretEnv)
	if secret == "" {
		err := fmt.Errorf("identity: %s environment variable not set", cfg.Identity.SecretEnv)
		logger.Error("identity configuration failed", zap.Error(err))
		return err
	}

	idem, idemCloser := buildIdempotencyStore(cfg.Idempotency, logger)
	if idemCloser != nil {
		defer idemCloser()
	}
	if hc, ok := idem.(observability.HealthChecker); ok {
		readiness.Idempotency = hc
	}

	policy, err := capability.LoadPolicy(cfg.Identity.PolicyFile)
	if err != nil {
		logger.Error("capability policy load failed", zap.Error(err))
		return err
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		Authorize:    policy,
		Idempotency:  idem,
		Workflows:    engine,
		Realtime:     rt,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 7: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("workflow_store", cfg.Workflow.Store.Driver),
		zap.Bool("realtime", cfg.Realtime.Enabled),
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
		return err
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
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

// watch subscribes to the destinations of role and writes each message to
// out as a JSON line until interrupted.
func watch(parent context.Context, configPath, role, userID string, out io.Writer) error {
	cfg, logger, err := setup(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if role == "" {
		role = cfg.Realtime.Role
	}
	if userID == "" {
		userID = cfg.Realtime.UserID
	}
	if role == "" {
		return fmt.Errorf("watch: --role is required")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client := newRealtimeClient(cfg, logger, nil)
	defer client.Disconnect()

	client.OnStatusChange(func(st realtime.Status) {
		logger.Info("broker status",
			zap.String("state", string(st.State)),
			zap.String("last_error", st.LastError),
		)
	})

	// Handlers for different destinations run concurrently.
	var mu sync.Mutex
	enc := json.NewEncoder(out)
	handler := func(_ context.Context, msg model.RealtimeMessage) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(msg); err != nil {
			logger.Warn("writing frame failed", zap.Error(err))
		}
	}

	if err := client.SubscribeToRoleUpdates(ctx, role, userID, handler); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	logger.Info("watching",
		zap.String("role", role),
		zap.Strings("destinations", realtime.RoleDestinations(role, userID)),
	)

	<-ctx.Done()
	return nil
}

func newRealtimeClient(cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) *realtime.Client {
	return realtime.NewClient(realtime.NewStompDialer(cfg.Realtime),
		realtime.WithLogger(logger),
		realtime.WithMetrics(metrics),
		realtime.WithReconnectDelay(cfg.Realtime.ReconnectDelay),
		realtime.WithToken(config.Secret(cfg.Realtime.TokenEnv)),
	)
}

// buildWorkflowStore creates the workflow store based on config.
func buildWorkflowStore(ctx context.Context, cfg config.WorkflowConfig, logger *zap.Logger) (workflow.WorkflowStore, func(), error) {
	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory workflow store")
		return workflow.NewMemoryWorkflowStore(), nil, nil
	case "postgres":
		dsn := config.Secret(cfg.Store.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("workflow store: %s environment variable not set", cfg.Store.DSNEnv)
		}
		pool, err := workflow.OpenPool(ctx, dsn, cfg.Store)
		if err != nil {
			return nil, nil, err
		}
		store := workflow.NewPgWorkflowStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported workflow store driver: %q", cfg.Store.Driver)
	}
}

// buildSchemaCache creates the resolved-schema cache based on config.
func buildSchemaCache(cfg config.SchemaCacheConfig, logger *zap.Logger) (schema.Cache, func()) {
	switch cfg.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: config.Secret(cfg.AddrEnv),
			DB:   cfg.DB,
		})
		logger.Info("using redis schema cache", zap.Int("db", cfg.DB))
		return schema.NewRedisCache(client, cfg.TTL), func() { client.Close() }
	case "none":
		return schema.NopCache{}, nil
	default:
		return schema.NewMemoryCache(cfg.TTL), nil
	}
}

// buildIdempotencyStore creates the idempotency store based on config.
// Returns a nil store when replay protection is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) (idempotency.Store, func()) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Store.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: config.Secret(cfg.Store.AddrEnv),
			DB:   cfg.Store.DB,
		})
		logger.Info("using redis idempotency store", zap.Int("db", cfg.Store.DB))
		return idempotency.NewRedisStore(client), func() { client.Close() }
	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore(), nil
	}
}
