package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fulfillment-service/config"
	"fulfillment-service/internal/api"
	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting fulfillment service")

	tp, err := util.InitTracer("fulfillment-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	commissions := loadCommissions(cfg.Business)
	lockTTL := time.Duration(cfg.Business.SettlementLockTTLSeconds) * time.Second
	settlementTimeout := time.Duration(cfg.Business.SettlementTimeoutSeconds) * time.Second

	stockSync := service.NewStockSynchronizer(db, redisClient, eventPublisher)
	allocation := service.NewAllocationEngine(db, stockSync, redisClient, eventPublisher)
	settlement := service.NewSettlementEngine(db, allocation, redisClient, eventPublisher, commissions, lockTTL, settlementTimeout)
	resolver := service.NewCredentialResolver(db)
	provisioning := service.NewProvisioningService(db, stockSync)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	changeConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicChanges, cfg.Kafka.ConsumerGroup)
	stockWorker := worker.NewStockWorker(changeConsumer, stockSync)
	go func() {
		if err := stockWorker.Start(workerCtx); err != nil {
			log.Printf("Stock worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(settlement, allocation, stockSync, resolver, provisioning, db, redisClient)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	stockWorker.Stop()

	log.Println("Server exited")
}

// loadCommissions parses the configured commission amounts, falling back to
// the standard schedule on bad input.
func loadCommissions(cfg config.BusinessConfig) service.CommissionSchedule {
	commissions := service.DefaultCommissions()
	if v, err := decimal.NewFromString(cfg.CommissionProfileSlots); err == nil {
		commissions.ProfileSlots = v
	}
	if v, err := decimal.NewFromString(cfg.CommissionFullAccount); err == nil {
		commissions.FullAccount = v
	}
	return commissions
}
