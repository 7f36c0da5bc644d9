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

	"castrelay/internal/core/services"
	httphandlers "castrelay/internal/handlers/http"
	"castrelay/internal/infrastructure/middleware"
	"castrelay/internal/infrastructure/monitoring"
	"castrelay/internal/infrastructure/repositories"
	signalinfra "castrelay/internal/infrastructure/signal"
	"castrelay/pkg/config"
	"castrelay/pkg/logger"
	"castrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	startTime := time.Now()

	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "castrelay: %v\n", err)
		os.Exit(1)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()
	ctxLogger := logger.NewContextLogger(zapLogger)

	tracer, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	presenceRepo := repoFactory.CreatePresenceRepository()

	syncer := services.NewPresenceSyncer(presenceRepo, services.DefaultPresenceSyncerConfig(), log)
	registry := services.NewSessionRegistry(syncer, log)

	moderator, err := services.NewChatModerator(cfg.Chat.BlocklistPattern, cfg.Chat.MaxLength)
	if err != nil {
		log.Fatalw("invalid chat blocklist", "error", err)
	}
	qualityService := services.NewQualityService()
	rtcConfig := services.NewRTCConfigService(cfg)

	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	relay := signalinfra.NewRelay(registry, moderator, qualityService, rtcConfig, log,
		signalinfra.WithMetrics(collector),
	)

	wsCfg := signalinfra.ServerConfig{
		PingInterval:   cfg.Signal.PingInterval,
		PongTimeout:    cfg.Signal.PongTimeout,
		WriteTimeout:   cfg.Signal.WriteTimeout,
		SendBuffer:     cfg.Signal.SendBuffer,
		MaxMessageSize: cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins: cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsCfg.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsCfg.Burst = cfg.RateLimiting.WebSocket.Burst
		wsCfg.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	wsServer := signalinfra.NewWebSocketServer(relay, wsCfg, log)

	health := monitoring.NewHealthChecker()
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 30*time.Second, 2*time.Second)
	}
	health.AddPresenceCheck(presenceRepo, 30*time.Second, 2*time.Second)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	health.StartBackgroundChecks(bgCtx)
	go collector.Run(bgCtx, registry, cfg.Monitoring.MetricsInterval)
	if repoFactory.UsesRedis() {
		go syncer.Run(bgCtx, registry, cfg.Redis.ResyncInterval)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(),
		middleware.RequestLogger(ctxLogger),
		middleware.ErrorHandlerMiddleware(log),
	)

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	api := router.Group("/")
	api.Use(
		middleware.OriginFilter(cfg.Signal.AllowedOrigins),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)
	httphandlers.NewRoomHandler(registry, presenceRepo, qualityService, rtcConfig).SetupRoutes(api)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": relay.ConnectionCount(),
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := health.CheckAll(ctx)
		code := http.StatusOK
		if status.Status != "healthy" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// hijacked websocket connections reset both deadlines per frame
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting castrelay signaling server",
			"address", cfg.Server.Address,
			"ws_path", cfg.Signal.Path,
			"redis", repoFactory.UsesRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	bgCancel()
	if err := syncer.Flush(shutdownCtx); err != nil {
		log.Warnw("failed to flush presence updates", "error", err)
	}
	syncer.Stop()

	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error shutting down tracer", "error", err)
	}

	log.Info("castrelay signaling server stopped")
}
