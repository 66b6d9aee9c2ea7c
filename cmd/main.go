package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"github.com/screenlink/screenlink/broker/internal/activity"
	"github.com/screenlink/screenlink/broker/internal/agentws"
	"github.com/screenlink/screenlink/broker/internal/auth"
	"github.com/screenlink/screenlink/broker/internal/cache"
	"github.com/screenlink/screenlink/broker/internal/db"
	"github.com/screenlink/screenlink/broker/internal/debug"
	"github.com/screenlink/screenlink/broker/internal/events"
	"github.com/screenlink/screenlink/broker/internal/logger"
	"github.com/screenlink/screenlink/broker/internal/mcp"
	"github.com/screenlink/screenlink/broker/internal/middleware"
	"github.com/screenlink/screenlink/broker/internal/oauth"
	"github.com/screenlink/screenlink/broker/internal/registry"
	"github.com/screenlink/screenlink/broker/internal/router"
	"github.com/screenlink/screenlink/broker/internal/terminal"
	"github.com/screenlink/screenlink/broker/internal/update"
)

// Version is stamped at build time.
var Version = "dev"

func main() {
	// Configuration from environment
	appURL := getEnv("APP_URL", "http://localhost:8080")
	port := getEnv("API_PORT", "8080")
	logLevel := getEnv("LOG_LEVEL", "info")
	logPretty := getEnv("LOG_PRETTY", "false") == "true"
	tlsCertFile := os.Getenv("TLS_CERT_FILE")
	tlsKeyFile := os.Getenv("TLS_KEY_FILE")
	sessionSecret := os.Getenv("SESSION_SECRET")
	rateLimitEnabled := getEnv("RATE_LIMIT_ENABLED", "true") == "true"
	queueLimit := getEnvInt("AGENT_QUEUE_LIMIT", registry.DefaultQueueLimit)
	debugMode := getEnv("DEBUG_MODE", "false") == "true"
	debugAPIKey := os.Getenv("DEBUG_API_KEY")

	logger.Initialize(logLevel, logPretty)
	log := logger.GetLogger()
	log.Info().Str("version", Version).Str("appUrl", appURL).Msg("Starting ScreenLink broker")

	// Database
	database, err := db.NewDatabase(db.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnv("DB_PORT", "5432"),
		User:     getEnv("DB_USER", "screenlink"),
		Password: getEnv("DB_PASSWORD", "screenlink"),
		DBName:   getEnv("DB_NAME", "screenlink"),
		SSLMode:  getEnv("DB_SSL_MODE", "disable"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	// Redis cache (optional, shared update-check lookups)
	redisCache, err := cache.NewCache(cache.Config{
		Host:     getEnv("REDIS_HOST", "localhost"),
		Port:     getEnv("REDIS_PORT", "6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
		Enabled:  getEnv("CACHE_ENABLED", "false") == "true",
	})
	if err != nil {
		log.Warn().Err(err).Msg("Redis unavailable, continuing without shared cache")
		redisCache, _ = cache.NewCache(cache.Config{Enabled: false})
	}
	defer redisCache.Close()

	// NATS lifecycle events (optional)
	publisher, err := events.NewPublisher(events.Config{
		URL:     os.Getenv("NATS_URL"),
		Enabled: getEnv("EVENTS_ENABLED", "false") == "true",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize event publisher")
	}
	defer publisher.Close()

	// Core services
	reg := registry.NewRegistry(database, publisher, queueLimit)
	tracker := activity.NewTracker(database)
	cmdRouter := router.NewRouter(reg, database, tracker)
	cmdRouter.SetEventPublisher(publisher)

	// Session auth for the OAuth consent flow
	if sessionSecret == "" {
		log.Fatal().Msg("SESSION_SECRET is required (at least 32 bytes)")
	}
	jwtManager, err := auth.NewJWTManager(sessionSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid SESSION_SECRET")
	}
	authHandler := auth.NewHandler(database, jwtManager)

	oauthServer := oauth.NewServer(database, authHandler, appURL)
	terminalManager := terminal.NewManager(reg, cmdRouter)
	terminalHandler := terminal.NewHandler(terminalManager, authHandler)
	agentHandler := agentws.NewHandler(reg, cmdRouter)
	updateService := update.NewService(database, redisCache)
	updateHandler := update.NewHandler(updateService)
	mcpHandler := mcp.NewHandler(database, reg, cmdRouter, appURL, Version)

	// HTTP server
	if logLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())

	ipLimiter := middleware.NewFixedWindowLimiter(middleware.UnauthenticatedLimit, time.Minute)
	if !rateLimitEnabled {
		// A huge window limit is effectively no limiting, without a second
		// code path through the endpoint pipeline.
		ipLimiter = middleware.NewFixedWindowLimiter(1<<30, time.Minute)
	}

	oauthServer.RegisterRoutes(engine)
	mcpHandler.RegisterRoutes(engine, ipLimiter)

	api := engine.Group("/api")
	authHandler.RegisterRoutes(api)
	auth.NewConnectionHandler(database, authHandler, appURL).RegisterRoutes(api)
	agentHandler.RegisterRoutes(api)
	terminalHandler.RegisterRoutes(api)
	updateHandler.RegisterRoutes(api)
	if debugMode {
		if debugAPIKey == "" {
			log.Warn().Msg("DEBUG_MODE enabled without DEBUG_API_KEY; debug endpoints stay locked")
		}
		debug.NewHandler(reg, debugAPIKey).RegisterRoutes(api)
		log.Warn().Msg("Debug endpoints enabled")
	}

	engine.GET("/healthz", func(c *gin.Context) {
		if err := database.DB().Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":          "ok",
			"connectedAgents": reg.Count(),
			"version":         Version,
		})
	})

	// Scheduled maintenance
	scheduler := cron.New()
	oauthDB := db.NewOAuthDB(database.DB())
	scheduler.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := oauthDB.PurgeExpired(ctx); err != nil {
			log.Error().Err(err).Msg("Credential purge failed")
		} else if n > 0 {
			log.Info().Int64("purged", n).Msg("Purged expired credentials")
		}
	})
	scheduler.AddFunc("@every 1m", func() {
		if n := reg.SweepStale(); n > 0 {
			log.Info().Int("closed", n).Msg("Closed stale agent connections")
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:    ":" + port,
		Handler: engine,
	}

	go func() {
		var err error
		if tlsCertFile != "" && tlsKeyFile != "" {
			log.Info().Str("port", port).Msg("Listening with TLS")
			err = server.ListenAndServeTLS(tlsCertFile, tlsKeyFile)
		} else {
			log.Info().Str("port", port).Msg("Listening")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}

	reg.Cleanup()
	log.Info().Msg("Shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}
