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
	"go.uber.org/zap"

	"github.com/loopdev/loopdev/internal/common/config"
	"github.com/loopdev/loopdev/internal/common/logger"
	"github.com/loopdev/loopdev/internal/connection"
	"github.com/loopdev/loopdev/internal/events/bus"
	"github.com/loopdev/loopdev/internal/loop/api"
	"github.com/loopdev/loopdev/internal/loop/manager"
	"github.com/loopdev/loopdev/internal/loop/repository"
	"github.com/loopdev/loopdev/internal/streaming"
)

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

	log.Info("Starting Loop Manager service...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-process otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		eventBus, err = bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewInProcBus(log)
		log.Info("Using in-process event bus")
	}
	defer eventBus.Close()

	// 5. Open the repository
	repo, err := openRepository(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open repository", zap.Error(err))
	}
	defer repo.Close()
	log.Info("Opened repository", zap.String("driver", cfg.Database.Driver))

	// 6. Connection manager
	conns := connection.NewManager(cfg.Deployment.RemoteOnly, log)
	defer conns.ResetAllConnections()

	// 7. Loop manager with startup recovery
	mgr := manager.NewManager(repo, conns, eventBus, cfg.Loops, log)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("Failed to start loop manager", zap.Error(err))
	}
	log.Info("Started loop manager")

	// 8. WebSocket hub bridged to the event bus
	hub := streaming.NewHub(log)
	if _, err := hub.Bind(eventBus); err != nil {
		log.Fatal("Failed to bind WebSocket hub", zap.Error(err))
	}
	go hub.Run(ctx)

	// 9. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())

	// 10. Register API and WebSocket routes
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, mgr, repo, conns, log)
	streaming.SetupWebSocketRoutes(v1, streaming.NewWSHandler(hub, log))

	// Health check endpoint at root level
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"bus_connected": eventBus.IsConnected(),
		})
	})

	// 11. Create HTTP server
	port := cfg.Server.Port
	if port == 0 {
		port = 8084 // Default loop manager port
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	// 12. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 13. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Loop Manager service...")

	// 14. Graceful shutdown: stop taking requests, then stop loops
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	mgr.Stop()
	cancel()

	log.Info("Loop Manager service stopped")
}

// openRepository builds the persistence backend selected by the config.
func openRepository(ctx context.Context, cfg config.DatabaseConfig) (repository.Repository, error) {
	switch cfg.Driver {
	case "postgres":
		return repository.NewPostgresRepository(ctx, cfg.URL)
	case "memory":
		return repository.NewMemoryRepository(), nil
	default:
		return repository.NewSQLiteRepository(cfg.Path)
	}
}
