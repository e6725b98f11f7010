// Package main is the Hyperagent backend entry point. One binary runs the
// durable store, the workflow runtime with its dispatch poller, the runner
// callback endpoint, the pull-request projection, and the realtime surfaces
// (WebSocket, metrics, optional MCP) on shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hyperagent/hyperagent/internal/common/config"
	"github.com/hyperagent/hyperagent/internal/common/httpmw"
	"github.com/hyperagent/hyperagent/internal/common/logger"
	"github.com/hyperagent/hyperagent/internal/db"
	"github.com/hyperagent/hyperagent/internal/events"
	gateways "github.com/hyperagent/hyperagent/internal/gateway/websocket"
	"github.com/hyperagent/hyperagent/internal/mcpserver"
	"github.com/hyperagent/hyperagent/internal/metrics"
	"github.com/hyperagent/hyperagent/internal/policy"
	"github.com/hyperagent/hyperagent/internal/pullrequest"
	prrepository "github.com/hyperagent/hyperagent/internal/pullrequest/repository"
	"github.com/hyperagent/hyperagent/internal/runner"
	runnerdocker "github.com/hyperagent/hyperagent/internal/runner/docker"
	"github.com/hyperagent/hyperagent/internal/session"
	"github.com/hyperagent/hyperagent/internal/tracing"
	"github.com/hyperagent/hyperagent/internal/workflow"
	workflowhandlers "github.com/hyperagent/hyperagent/internal/workflow/handlers"
)

const serverName = "hyperagent"

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Hyperagent backend...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Callback base URL defaults to the local server address. Docker
	// deployments that cannot reach the host via localhost must configure
	// runner.callbackBaseUrl explicitly.
	if cfg.Runner.CallbackBaseURL == "" {
		cfg.Runner.CallbackBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	// 4. Initialize event bus (in-memory unless NATS is configured)
	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() { _ = busCleanup() }()
	if providedBus.NATS != nil {
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory event bus")
	}

	// 5. Open the durable store: a single-writer connection plus a
	// read-only pool for snapshot reads, both over the same WAL file.
	dbPath := db.NormalizePath(cfg.Database.Path)
	writerDB, err := db.OpenSQLite(dbPath)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err), zap.String("db_path", dbPath))
	}
	readerDB, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writerDB.Close()
		log.Fatal("Failed to open read-only database", zap.Error(err), zap.String("db_path", dbPath))
	}
	pool := db.NewPool(sqlx.NewDb(writerDB, "sqlite3"), sqlx.NewDb(readerDB, "sqlite3"))
	defer pool.Close()
	log.Info("Database initialized", zap.String("db_path", dbPath))

	// 6. Runner gateway: docker launches sandbox containers, loopback posts
	// the callback in-process. A dead docker daemon degrades to loopback so
	// development machines still schedule steps.
	gateway := buildGateway(ctx, cfg, log)

	// 7. Workflow runtime over the shared pool
	rt, runtimeCleanup, err := buildRuntime(pool, gateway, cfg, dbPath, log)
	if err != nil {
		log.Fatal("Failed to initialize workflow runtime", zap.Error(err))
	}
	defer func() { _ = runtimeCleanup() }()
	rt.SetEventBus(providedBus.Bus)

	// 8. Isolation sessions (git worktrees) for step execution
	sessionMgr := session.NewManager(session.Config{
		AuthorName:      cfg.Git.AuthorName,
		AuthorEmail:     cfg.Git.AuthorEmail,
		PreferredRemote: cfg.Git.PreferredRemote,
		FetchOnStart:    cfg.Git.FetchOnStart,
	}, log)
	rt.SetSessionManager(sessionMgr)

	// 9. Policy hook: expression rules when configured, allow-all otherwise
	if cfg.Policy.RulesPath != "" {
		exprPolicy, err := policy.Load(cfg.Policy.RulesPath, log)
		if err != nil {
			log.Fatal("Failed to load policy rules", zap.Error(err), zap.String("path", cfg.Policy.RulesPath))
		}
		rt.SetPolicy(exprPolicy)
		log.Info("Policy rules loaded", zap.String("path", cfg.Policy.RulesPath))
	}

	// 10. Pull-request projection
	var prSvc *pullrequest.Service
	if cfg.PullRequest.Enabled {
		prRepo, prCleanup, err := prrepository.Provide(pool.Writer(), pool.Reader())
		if err != nil {
			log.Fatal("Failed to initialize pull-request store", zap.Error(err))
		}
		defer func() { _ = prCleanup() }()
		prSvc = pullrequest.NewService(prRepo, rt, cfg.Git, providedBus.Bus, log)
		rt.SetPullRequestOpener(prSvc)
		log.Info("Pull-request projection enabled")
	}

	// 11. Metrics: queue gauges refresh from the runtime, pipeline counters
	// follow runner telemetry on the bus.
	collector := metrics.NewCollector(rt, cfg.Workflow.MetricsRefresh(), log)
	collector.Start(ctx, providedBus.Bus)
	defer collector.Stop()

	// ============================================
	// HTTP SERVER (WebSocket + HTTP endpoints)
	// ============================================
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))

	// WebSocket endpoint - live workflow event stream
	wsGateway := gateways.NewGateway(log)
	go wsGateway.Hub.Run(ctx)
	gateways.RegisterEventBridge(ctx, providedBus.Bus, wsGateway.Hub, log)
	wsGateway.SetupRoutes(router)

	// Workflow + pull-request handlers (HTTP + WebSocket), including the
	// runner callback route.
	workflowhandlers.RegisterRoutes(router, wsGateway.Dispatcher, rt, prSvc, collector, cfg.Runner, log)

	// Prometheus exposition
	router.GET("/metrics", gin.WrapH(collector.Handler()))

	// Optional MCP surface proxying the HTTP API
	if cfg.MCP.Enabled {
		baseURL := cfg.MCP.BaseURL
		if baseURL == "" {
			baseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
		}
		_, mcpCleanup, err := mcpserver.Provide(ctx, mcpserver.Config{
			Port:          cfg.MCP.Port,
			HyperagentURL: baseURL,
		}, log)
		if err != nil {
			log.Fatal("Failed to start MCP server", zap.Error(err))
		}
		defer func() { _ = mcpCleanup() }()
		log.Info("MCP server listening", zap.Int("port", cfg.MCP.Port))
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 12. Start the dispatch poller last so every collaborator is wired
	// before the first claim.
	rt.StartWorker()

	log.Info("API configured",
		zap.String("callback", "/workflows/:workflowId/steps/:stepId/callback"),
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("metrics", "/metrics"),
		zap.String("health", "/health"),
	)

	// ============================================
	// GRACEFUL SHUTDOWN
	// ============================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Hyperagent...")

	// Stop claiming before tearing anything down; in-flight callbacks finish
	// against the still-open store.
	rt.StopWorker()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	if closer, ok := gateway.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			log.Error("Runner gateway close error", zap.Error(err))
		}
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Hyperagent stopped")
}

// buildGateway selects the runner gateway implementation. Docker mode probes
// the daemon once at startup; an unreachable daemon falls back to the
// loopback gateway so steps still execute in-process.
func buildGateway(ctx context.Context, cfg *config.Config, log *logger.Logger) runner.Gateway {
	if cfg.Runner.Mode != "docker" {
		log.Info("Using loopback runner gateway")
		return runner.NewLoopbackGateway(cfg.Runner, log)
	}

	probe, err := runnerdocker.NewClient(runnerdocker.Config{
		Host:       cfg.Runner.DockerHost,
		APIVersion: cfg.Runner.DockerAPIVersion,
	}, log)
	if err == nil {
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		err = probe.Ping(pingCtx)
		pingCancel()
		_ = probe.Close()
	}
	if err != nil {
		log.Warn("Docker daemon not available - falling back to loopback gateway", zap.Error(err))
		return runner.NewLoopbackGateway(cfg.Runner, log)
	}

	log.Info("Using docker runner gateway", zap.String("image", cfg.Runner.Image))
	return runner.NewDockerGateway(cfg.Runner, cfg.Git, log)
}

// buildRuntime assembles the workflow repository and runtime. The executor
// shells out to the configured agent CLI when one is set; otherwise steps
// complete as no-ops, which keeps dev mode free of external dependencies.
func buildRuntime(pool *db.Pool, gateway runner.Gateway, cfg *config.Config, dbPath string, log *logger.Logger) (*workflow.Runtime, func() error, error) {
	var executor workflow.AgentExecutor
	if cfg.Runner.AgentProvider != "" {
		command := []string{cfg.Runner.AgentProvider}
		if cfg.Runner.AgentModel != "" {
			command = append(command, "--model", cfg.Runner.AgentModel)
		}
		executor = &workflow.ScriptExecutor{
			Command: command,
			Timeout: cfg.Runner.EnqueueTimeoutDuration(),
		}
		log.Info("Using script executor", zap.String("provider", cfg.Runner.AgentProvider))
	} else {
		executor = workflow.NoopExecutor{}
		log.Info("No agent provider configured - steps execute as no-ops")
	}

	_, rt, cleanup, err := workflow.Provide(pool, gateway, executor, cfg.Workflow, dbPath, log)
	if err != nil {
		return nil, nil, err
	}
	return rt, cleanup, nil
}

// corsMiddleware returns a CORS middleware for HTTP and WebSocket connections
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol, X-Workflow-Runner-Token")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
