package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	pubnub "github.com/pubnub/go"

	"peermatch-system/config"
	"peermatch-system/handlers"
	_ "peermatch-system/migrations"
	"peermatch-system/monitoring"
	"peermatch-system/security"
	"peermatch-system/services"
	"peermatch-system/utils"
)

func main() {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()

	// Initialize Redis
	redisClient := utils.NewRedisClient(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	defer redisClient.Close()

	// Initialize PubNub
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PubNubPublishKey
	pnConfig.SubscribeKey = cfg.PubNubSubscribeKey
	pnConfig.SecretKey = cfg.PubNubSecretKey
	if instanceID, err := utils.GenerateCode(8); err == nil {
		pnConfig.UUID = fmt.Sprintf("matchqueue-%s", instanceID)
	}

	pn := pubnub.NewPubNub(pnConfig)

	// Initialize services
	typeKeys, urgencyKeys := services.QueueIndexKeys()
	monitor := monitoring.NewMonitor(redisClient, typeKeys, urgencyKeys)
	notifier := services.NewPubNubNotifier(pn)
	mirror := services.NewRecordMirror(app)
	queueService := services.NewQueueService(redisClient, notifier, mirror, cfg, monitor)
	maintenance := services.NewMaintenanceService(queueService, cfg, monitor)

	// Initialize handlers
	queueHandler := handlers.NewQueueHandler(app, queueService)
	adminHandler := handlers.NewAdminHandler(app, maintenance)
	rateLimiter := security.NewRateLimiter(redisClient, cfg.RateLimitPerMinute)

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: true,
	})

	// Start background maintenance
	maintenance.Start()

	// Setup graceful shutdown
	go handleShutdown(maintenance)

	// Metrics endpoint on its own port
	if cfg.EnableMetrics {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Printf("Metrics server listening on :%s", cfg.MetricsPort)
			if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Register routes
	app.OnServe().BindFunc(func(e *core.ServeEvent) error {
		// Matchmaking endpoints
		e.Router.POST("/api/matchmaking/join", rateLimiter.Guard(queueHandler.JoinQueue))
		e.Router.POST("/api/matchmaking/leave", rateLimiter.Guard(queueHandler.LeaveQueue))
		e.Router.GET("/api/matchmaking/status", queueHandler.GetQueueStatus)
		e.Router.GET("/api/matchmaking/stats", queueHandler.GetQueueStats)

		// Matcher endpoints
		e.Router.GET("/api/matchmaking/candidates", queueHandler.GetCandidates)
		e.Router.POST("/api/matchmaking/confirm", queueHandler.ConfirmMatch)

		// Admin endpoints
		e.Router.GET("/api/admin/matchmaking/health", adminHandler.GetHealth)
		e.Router.POST("/api/admin/matchmaking/cleanup", adminHandler.ForceCleanup)

		// Health check
		e.Router.GET("/health", func(e *core.RequestEvent) error {
			if err := utils.RedisHealthCheck(redisClient); err != nil {
				return e.JSON(503, map[string]string{
					"status": "unhealthy",
					"error":  err.Error(),
				})
			}
			return e.JSON(200, map[string]string{"status": "healthy"})
		})

		log.Println("Server routes registered")

		return e.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}

// handleShutdown handles graceful shutdown
func handleShutdown(maintenance *services.MaintenanceService) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutdown signal received, stopping maintenance tasks...")
	maintenance.Stop()
}
