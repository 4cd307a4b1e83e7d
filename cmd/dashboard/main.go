package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsdeck/internal/core/services"
	httphandlers "opsdeck/internal/handlers/http"
	"opsdeck/internal/infrastructure/broadcast"
	"opsdeck/internal/infrastructure/collectors"
	"opsdeck/internal/infrastructure/distributed"
	"opsdeck/internal/infrastructure/middleware"
	"opsdeck/internal/infrastructure/monitoring"
	repositories "opsdeck/internal/infrastructure/repositories"
	wssignal "opsdeck/internal/infrastructure/signal"
	"opsdeck/pkg/config"
	"opsdeck/pkg/logger"
	"opsdeck/pkg/tracing"
	"opsdeck/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/opsdeck/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	// Initialize tracing
	tracerProvider, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "opsdeck",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	historyRepo := repoFactory.CreateHistoryRepository()
	resultBuffer := repoFactory.CreateResultBuffer()

	// Initialize monitoring
	promRegistry := prometheus.NewRegistry()
	collector := monitoring.NewPrometheusCollector(promRegistry)

	// Initialize services
	alertService := services.NewAlertService(services.AlertConfig{
		SuppressionWindow: cfg.Alerts.SuppressionWindow.Std(),
		RetainedEvents:    cfg.Alerts.RetainedEvents,
		Rules:             cfg.Alerts.Rules,
	}, zapLogger)

	authService := services.NewAuthService(services.AuthConfig{
		JWTSecret:      cfg.Auth.JWTSecret,
		TokenTTL:       cfg.Auth.TokenTTL.Std(),
		AdminToken:     cfg.Auth.AdminToken,
		UserToken:      cfg.Auth.UserToken,
		AllowAnonymous: cfg.Auth.AllowAnonymous,
	})

	// With a shared Redis backend, alerts raised here are fanned out to the
	// other instances over pub/sub.
	var eventBus *distributed.EventBus
	if client := repoFactory.Client(); client != nil {
		eventBus = distributed.NewEventBus(client, utils.NewID(), log)
		alertService = distributed.NewAlertFanout(alertService, eventBus, log)
	}

	// Initialize the broadcast hub
	registry := broadcast.NewRegistry(broadcast.RegistryConfig{
		MaxSessions:       cfg.Dashboard.MaxSessions,
		SessionQueueLimit: cfg.Dashboard.SessionQueueLimit,
		DefaultIdle:       cfg.Dashboard.SessionIdleTimeout.Std(),
		ResumeGrace:       cfg.Dashboard.ResumeGracePeriod.Std(),
	}, zapLogger)

	hub := broadcast.NewHub(broadcast.HubConfig{
		Tick:          cfg.Dashboard.UpdateInterval.Std(),
		SweepInterval: cfg.Dashboard.SweepInterval.Std(),
		ResultTTL:     cfg.Dashboard.ResumeGracePeriod.Std(),
	}, registry, historyRepo, alertService, resultBuffer, wssignal.JSONEncoder{}, collector, zapLogger)
	hub.Start()

	// Rebroadcast alerts arriving from other instances to local sessions.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	if eventBus != nil {
		go func() {
			err := eventBus.Subscribe(busCtx, func(event *distributed.Event) error {
				if event.Kind != distributed.EventAlertRaised {
					return nil
				}
				alert, err := distributed.DecodeAlert(event)
				if err != nil {
					return err
				}
				hub.PublishAlert(busCtx, alert)
				return nil
			})
			if err != nil && err != context.Canceled {
				log.Warnw("event bus subscription ended", "error", err)
			}
		}()
	}

	// Command gateway with the built-in command set
	commandGateway, err := services.NewCommandGateway(services.CommandConfig{
		Timeout:   cfg.Command.Timeout.Std(),
		Workers:   cfg.Command.Workers,
		QueueSize: cfg.Command.QueueSize,
	}, services.BuiltinPolicyTable(), services.BuiltinHandlers(historyRepo, alertService, hub), hub, collector, zapLogger)
	if err != nil {
		log.Fatalw("failed to create command gateway", "error", err)
	}

	// Host metric sampling
	var systemCollector *collectors.SystemCollector
	if cfg.Collectors.SystemEnabled {
		systemCollector = collectors.NewSystemCollector(hub, cfg.Collectors.SystemInterval.Std(), zapLogger)
		systemCollector.Start()
	}

	// Health checks; the background loop shares the bus context so it stops
	// with the rest of the plumbing on shutdown.
	healthChecker := monitoring.NewHealthChecker(log)
	healthChecker.AddHistoryCheck(historyRepo, 30*time.Second, 2*time.Second)
	if client := repoFactory.Client(); client != nil {
		healthChecker.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	healthChecker.StartBackgroundChecks(busCtx)

	// WebSocket server
	wsServer := wssignal.NewWebSocketServer(hub, authService, commandGateway, historyRepo, wssignal.WebSocketConfig{
		AllowedOrigins:       cfg.Auth.AllowedOrigins,
		ReadTimeout:          cfg.Server.ReadTimeout.Std(),
		WriteTimeout:         cfg.Server.WriteTimeout.Std(),
		RateLimitEnabled:     cfg.RateLimiting.Enabled,
		ConnectionsPerMinute: cfg.RateLimiting.WebSocket.ConnectionsPerMinute,
		MessagesPerSecond:    cfg.RateLimiting.WebSocket.MessagesPerSecond,
		Burst:                cfg.RateLimiting.WebSocket.Burst,
		MaxMessageSize:       cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
	}, zapLogger)

	// HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.TokenTTL.Std())
	dashboardHandler := httphandlers.NewDashboardHandler(historyRepo, alertService, commandGateway, registry)
	healthHandler := httphandlers.NewHealthHandler(healthChecker)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	authHandler.SetupRoutes(router)
	healthHandler.SetupRoutes(router)

	public := router.Group("/api/v1")
	public.Use(middleware.OptionalAuthMiddleware(authService))
	admin := router.Group("/api/v1")
	admin.Use(middleware.AuthMiddleware(authService), middleware.AdminOnly())
	dashboardHandler.SetupRoutes(public, admin)

	router.GET("/ws", gin.WrapF(wsServer.HandleWebSocket))

	// Prometheus metrics endpoint
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})))
		log.Info("Prometheus metrics enabled")
	}

	// ReadHeaderTimeout instead of ReadTimeout: a whole-request read timeout
	// would tear down long-lived websocket connections.
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout.Std(),
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Infof("Starting opsdeck server on %s", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down opsdeck server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("Error force closing server", "error", closeErr)
		}
	}

	// Stop producers before the hub so nothing publishes into closed state.
	if systemCollector != nil {
		systemCollector.Shutdown()
	}
	commandGateway.Shutdown()
	busCancel()
	if eventBus != nil {
		eventBus.Close()
	}
	hub.Shutdown()

	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error shutting down tracer", "error", err)
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("opsdeck server stopped")
}
