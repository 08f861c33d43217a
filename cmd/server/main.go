package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"face_sync/internal/cache"
	"face_sync/internal/config"
	"face_sync/internal/device"
	"face_sync/internal/handlers"
	"face_sync/internal/kafka"
	"face_sync/internal/metrics"
	"face_sync/internal/repository"
	"face_sync/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "", log.LstdFlags)

	// ---------- config ----------
	cfg := config.Load()

	// ---------- db ----------
	pool, err := repository.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("db: ", err)
	}
	defer pool.Close()

	// ---------- repositories ----------
	queueRepo := repository.NewQueueRepository(pool, cfg.WorkerMaxAttempts, cfg.ClaimStaleAfter)
	deviceRepo := repository.NewDeviceRepository(pool)
	personRepo := repository.NewPersonRepository(pool)
	eventRepo := repository.NewEventRepository(pool)
	outboxRepo := repository.NewOutboxRepository(pool, cfg.OutboxMaxRetries)

	// ---------- redis ----------
	redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer redisCache.Close()

	// ---------- metrics ----------
	metrics.Register()
	metrics.StartDBCollectors(ctx, pool, 15*time.Second, logger)
	cache.StartRedisSizeCollector(ctx, redisCache.Client(), 30*time.Second, logger)

	// ---------- device client + queue worker ----------
	deviceClient := device.NewClient(cfg.DeviceTimeout, logger)
	devices := service.NewCachedDeviceDirectory(deviceRepo, redisCache, cfg.CacheTTL)

	processor := service.NewProcessor(queueRepo, devices, personRepo, deviceClient, logger)
	worker := service.NewWorker(queueRepo, processor, cfg.WorkerID, cfg.WorkerPollInterval, cfg.WorkerMaxPollInterval, logger)
	workerDone := worker.Start(ctx)

	// ---------- event ingestion + outbox ----------
	eventService := service.NewEventService(pool, eventRepo, outboxRepo, cfg.KafkaEventsTopic, logger)

	producer, err := kafka.NewSyncProducer(cfg.KafkaBrokers)
	if err != nil {
		log.Fatal("kafka producer: ", err)
	}
	defer producer.Close()

	sender := service.NewOutboxSender(
		outboxRepo,
		producer,
		cfg.OutboxPollInterval,
		cfg.OutboxBatchSize,
		cfg.OutboxRetentionDays,
		cfg.OutboxMaxRetries,
		logger,
	)
	senderDone := sender.Start(ctx)

	// ---------- kafka command ingest ----------
	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.KafkaCommandsTopic, queueRepo, logger)
	if err != nil {
		log.Fatal("kafka consumer: ", err)
	}
	defer consumer.Close()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Start(ctx); err != nil {
			logger.Printf("kafka consumer stopped: %v", err)
		}
	}()

	// ---------- handlers ----------
	queueHandler := handlers.NewQueueHandler(queueRepo)
	eventHandler := handlers.NewEventHandler(eventService)
	deviceHandler := handlers.NewDeviceHandler(devices, deviceClient, redisCache, cfg.CacheTTL)

	// ---------- router ----------
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	handlers.RegisterRoutes(r, cfg.EventPath, queueHandler, eventHandler, deviceHandler)

	// ---------- start server ----------
	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	go func() {
		logger.Println("server starting on", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server: ", err)
		}
	}()

	<-ctx.Done()
	logger.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}

	// the worker and sender finish their in-flight row before exiting; wait
	// for them so the process does not die mid-write
	<-workerDone
	<-senderDone
	<-consumerDone
}
