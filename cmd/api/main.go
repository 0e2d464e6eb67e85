package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/wenwu/saas-platform/vpn-core/internal/cache"
	"github.com/wenwu/saas-platform/vpn-core/internal/client"
	"github.com/wenwu/saas-platform/vpn-core/internal/config"
	"github.com/wenwu/saas-platform/vpn-core/internal/cronjob"
	"github.com/wenwu/saas-platform/vpn-core/internal/db"
	"github.com/wenwu/saas-platform/vpn-core/internal/http"
	"github.com/wenwu/saas-platform/vpn-core/internal/repository"
	"github.com/wenwu/saas-platform/vpn-core/internal/service"
)

func main() {
	log.Println("Starting VPN Core...")

	// .env is optional; real deployments set environment variables directly
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded configuration from .env")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	database, err := db.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Initialize Redis (optional: without it the eligible-node cache and the
	// queue-length metric are disabled)
	var nodeCache service.EligibleCache
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		c, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("Redis unavailable, continuing without cache: %v", err)
		} else {
			defer c.Close()
			nodeCache = cache.NewNodeCache(c)
			rdb = c
		}
	}

	// Initialize repositories
	nodeRepo := repository.NewNodeRepository(database.Pool)
	subscriptionRepo := repository.NewSubscriptionRepository(database.Pool)
	promoRepo := repository.NewPromoRepository(database.Pool)
	paymentRepo := repository.NewPaymentRepository(database.Pool)
	eventRepo := repository.NewEventLogRepository(database.Pool)

	// Initialize panel client
	panelClient := client.NewPanelClient(cfg.Panel.BaseURL, cfg.Panel.Username, cfg.Panel.Password)

	// Initialize services
	prober := &service.TCPProber{Timeout: cfg.Jobs.ProbeTimeout}
	registry := service.NewNodeRegistry(nodeRepo, subscriptionRepo, prober, nodeCache)
	selector := service.NewFleetSelector(nodeRepo, subscriptionRepo, nodeCache)
	ledger := service.NewPromoLedger(promoRepo)
	manager := service.NewSubscriptionManager(subscriptionRepo, paymentRepo, eventRepo, ledger, selector, panelClient)
	registry.SetMigrator(manager)

	// Background jobs
	jobs := cronjob.New(manager, registry)
	if err := jobs.Start(cfg.Jobs.SweepSpec, cfg.Jobs.ProbeSpec); err != nil {
		log.Fatalf("Failed to start background jobs: %v", err)
	}
	defer jobs.Stop()

	stats := service.NewStatsService(subscriptionRepo, nodeRepo, promoRepo, rdb, jobs.SweepsRunning)

	// Initialize HTTP server
	handler := http.NewHandler(manager, registry, ledger, stats)
	server := http.NewServer(cfg, handler)

	go func() {
		addr := fmt.Sprintf(":%s", cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := server.Run(addr); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	log.Println("Server exited")
}
