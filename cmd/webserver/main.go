package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dynamic-api/configs"
	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/engine"
	"dynamic-api/internal/handlers"
	"dynamic-api/internal/introspect"
	"dynamic-api/internal/logger"
	"dynamic-api/internal/metrics"
	"dynamic-api/internal/middleware"
	"dynamic-api/internal/params"
	"dynamic-api/internal/pool"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := configs.LoadConfig()
	if err != nil {
		logger.New("info").Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metadata store
	db, err := database.NewDBManager(cfg, log)
	if err != nil {
		log.Error("failed to initialize metadata database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Cache and cross-instance invalidation
	cacheMgr := cache.NewCacheManager(cfg.RedisURL, log)
	defer cacheMgr.Close()
	catalog := cache.NewEndpointCatalog(db, cacheMgr, cfg.CacheTTL, log)

	registry := pool.NewRegistry(cfg.PoolMaxConnections, log)
	defer registry.CloseAll()

	// Another instance edited a datasource: drop our pools for it so the
	// next request reopens them with the new settings.
	cacheMgr.OnMetadataUpdate(func(u cache.MetadataUpdate) {
		if u.Kind != cache.KindDatasource || u.Origin == cacheMgr.InstanceID() {
			return
		}
		log.Info("closing pools for datasource changed elsewhere", "datasource_id", u.ID, "action", u.Action)
		registry.CloseDatasource(u.ID)
	})

	// Services
	authService := services.NewAuthService(cfg, db, log)
	endpointService := services.NewEndpointService(db, cacheMgr, log)
	datasourceService := services.NewDatasourceService(db, authService, registry, cacheMgr, log)
	introspector := introspect.New(registry, log)

	warmCtx, cancelWarm := context.WithTimeout(ctx, 30*time.Second)
	log.Info("datasource pools warmed", "opened", datasourceService.WarmPools(warmCtx))
	cancelWarm()

	// Engine
	wsHandler := handlers.NewWebSocketHandler(log)
	go wsHandler.RunHub(ctx)

	recorder := engine.NewRecorder(log, db, wsHandler, cfg.TimezoneOffset, cfg.TelemetryWorkers)
	defer recorder.Close()

	clock := clockwork.NewRealClock()
	publicPaths := engine.NewPublicPaths(log, clock, cfg.PublicPathsRefresh, catalog)
	go publicPaths.Run(ctx)

	orchestrator := engine.NewOrchestrator(engine.Deps{
		Store:     catalog,
		Validator: params.NewValidator(catalog),
		Auth:      authService,
		Scopes:    authService,
		IPGate:    authService,
		Resolver:  datasourceService,
		Pools:     registry,
		Telemetry: recorder,
		Public:    publicPaths,
		Clock:     clock,
		Logger:    log,
		RowCap:    cfg.RowCap,
	})

	// Handlers
	dynamicHandler := handlers.NewDynamicHandler(orchestrator, log)
	clientHandler := handlers.NewClientHandler(db, authService, cacheMgr, cfg.CacheTTL, cfg.TimezoneOffset)
	endpointHandler := handlers.NewEndpointHandler(endpointService)
	datasourceHandler := handlers.NewDatasourceHandler(datasourceService, endpointService, introspector, registry)

	// Setup Gin router
	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(metrics.Middleware())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-API-Key, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	// Dynamic endpoints authenticate inside the orchestrator.
	router.Any(cfg.DynamicPrefix+"/*path",
		middleware.RateLimitMiddleware(cacheMgr, cfg.RateLimitPerHour),
		dynamicHandler.Handle,
	)

	api := router.Group("/api")
	api.Use(middleware.ValidationMiddleware())
	api.POST("/token", clientHandler.IssueToken)

	// Protected routes
	protected := api.Group("")
	protected.Use(middleware.AuthMiddleware(authService))
	protected.Use(middleware.RateLimitMiddleware(cacheMgr, cfg.RateLimitPerHour))
	protected.GET("/usage/daily", clientHandler.GetDailyUsage)
	protected.GET("/usage/top", clientHandler.GetTopEndpoints)

	admin := protected.Group("")
	admin.Use(middleware.AdminOnly())
	admin.POST("/clients", clientHandler.RegisterClient)

	admin.GET("/endpoints", endpointHandler.List)
	admin.POST("/endpoints", endpointHandler.Create)
	admin.POST("/endpoints/infer", endpointHandler.Infer)
	admin.GET("/endpoints/:id", endpointHandler.Get)
	admin.PUT("/endpoints/:id", endpointHandler.Update)
	admin.POST("/endpoints/:id/publish", endpointHandler.Publish)
	admin.POST("/endpoints/:id/deprecate", endpointHandler.Deprecate)

	admin.GET("/datasources", datasourceHandler.List)
	admin.POST("/datasources", datasourceHandler.Create)
	admin.GET("/datasources/pools", datasourceHandler.Pools)
	admin.GET("/datasources/:id", datasourceHandler.Get)
	admin.PUT("/datasources/:id", datasourceHandler.Update)
	admin.POST("/datasources/:id/activate", datasourceHandler.Activate)
	admin.POST("/datasources/:id/deactivate", datasourceHandler.Deactivate)
	admin.POST("/datasources/:id/test", datasourceHandler.Test)
	admin.GET("/datasources/:id/tables", datasourceHandler.ListTables)
	admin.GET("/datasources/:id/tables/:table", datasourceHandler.DescribeTable)
	admin.POST("/datasources/:id/tables/:table/generate", datasourceHandler.Generate)

	// WebSocket route
	if cfg.EnableWebSocket {
		router.GET("/ws/usage", wsHandler.HandleConnections)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"services": map[string]any{
				"database": "connected",
				"redis": func() string {
					if cacheMgr.IsAvailable() {
						return "connected"
					}
					return "local_cache_only"
				}(),
				"pools":             len(registry.Stats()),
				"public_paths":      publicPaths.Len(),
				"websocket_clients": wsHandler.Clients(),
			},
		})
	})

	// Start server
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("server starting", "port", cfg.ServerPort, "dynamic_prefix", cfg.DynamicPrefix)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
