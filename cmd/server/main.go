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
	"fulfillment-service/internal/idempotency"
	"fulfillment-service/internal/redisclient"
	"fulfillment-service/internal/reservation"
	"fulfillment-service/internal/saga"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/sweeper"
	"fulfillment-service/internal/util"
	"fulfillment-service/internal/worker"

	"github.com/gin-gonic/gin"
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

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	engine := reservation.NewEngine(db, db, redisClient, eventPublisher, reservation.Config{
		MaxRetries: cfg.Reservation.MaxRetries,
		RetryDelay: cfg.Reservation.RetryDelay,
		TTL:        cfg.Reservation.TTL,
	})

	limiter := redisclient.NewUserRateLimiter(redisClient, cfg.Idempotency.RateLimitMax, cfg.Idempotency.RateLimitWindow)
	guard := idempotency.NewGuard(db, limiter, idempotency.Config{
		TokenTTL: cfg.Idempotency.TokenTTL,
	})

	userValidator := service.NewUserValidatorClient(cfg.Upstream.UserServiceURL, 5*time.Second)
	paymentGateway := service.NewPaymentGatewayClient(cfg.Upstream.PaymentGatewayURL, 10*time.Second)
	inventoryClient := service.NewInventoryClient(engine)

	coordinator := saga.NewCoordinator(db, db, userValidator, inventoryClient, paymentGateway, eventPublisher, saga.Config{
		MaxRetries:     cfg.Saga.MaxRetries,
		RetryInterval:  cfg.Saga.RetryInterval,
		StepTimeout:    cfg.Saga.StepTimeout,
		SagaTimeout:    cfg.Saga.SagaTimeout,
		ReservationTTL: cfg.Reservation.TTL,
	})

	orderService := service.NewOrderService(db, guard, coordinator, service.Config{
		HTTPFailurePolicy:   idempotency.PolicyRetainFailed,
		IntakeFailurePolicy: idempotency.PolicyReleaseToken,
	})

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	workerCount := cfg.Kafka.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	consumers := make([]worker.IntakeConsumer, 0, workerCount)
	for i := 0; i < workerCount; i++ {
		c := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIntake, cfg.Kafka.ConsumerGroup)
		defer c.Close()
		consumers = append(consumers, c)
	}

	pool := worker.NewPool(consumers, orderService)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(backgroundCtx); err != nil && err != context.Canceled {
			log.Printf("Intake worker pool error: %v", err)
		}
	}()

	sw := sweeper.NewSweeper(db, coordinator, engine, db, redisClient, sweeper.Config{
		SagaInterval:        cfg.Sweep.SagaInterval,
		ReservationInterval: cfg.Sweep.ReservationInterval,
		TokenInterval:       cfg.Sweep.TokenInterval,
		BatchLimit:          cfg.Sweep.BatchLimit,
		TerminalRetention:   cfg.Sweep.TerminalRetention,
	})
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		sw.Run(backgroundCtx)
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(orderService, db, engine, cfg.Server.TenantID)
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

	backgroundCancel()
	<-poolDone
	<-sweeperDone

	log.Println("Server exited")
}
