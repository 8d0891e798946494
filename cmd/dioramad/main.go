package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/diorama-ai/diorama/config"
	"github.com/diorama-ai/diorama/internal/api"
	"github.com/diorama-ai/diorama/internal/archive"
	"github.com/diorama-ai/diorama/internal/backend"
	"github.com/diorama-ai/diorama/internal/backend/gemini"
	"github.com/diorama-ai/diorama/internal/backend/openrouter"
	"github.com/diorama-ai/diorama/internal/backend/pollinations"
	"github.com/diorama-ai/diorama/internal/pipeline"
	"github.com/diorama-ai/diorama/internal/router"
	"github.com/diorama-ai/diorama/internal/scene"
	"github.com/diorama-ai/diorama/internal/telemetry"
	"github.com/diorama-ai/diorama/internal/worker"
	"github.com/diorama-ai/diorama/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("diorama", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	events := telemetry.NewJSONLWriter(os.Stderr)
	if cfg.EventLogPath != "" {
		fileEvents, err := telemetry.OpenJSONLFile(cfg.EventLogPath)
		if err != nil {
			log.Fatalf("failed to open event log: %v", err)
		}
		defer fileEvents.Close()
		events = fileEvents
	}

	// 3. Model registry and backend adapters
	registry := backend.NewRegistry(cfg.Models, cfg.HardLimits)
	adapters := []backend.Adapter{
		gemini.New(cfg.GeminiAPIKey),
		openrouter.New(cfg.OpenRouterAPIKey),
		pollinations.New(),
	}

	// 4. Init rate limiter
	limiter := ratelimit.New(registry.Tier, ratelimit.DefaultRates())

	// 5. Init router
	rtr, err := router.New(router.Config{
		Primary:  cfg.PrimaryBackend,
		Fallback: cfg.FallbackBackend,
		CapabilityModels: map[backend.Capability]string{
			backend.CapabilityText:   cfg.TextModel,
			backend.CapabilityCode:   cfg.CodeModel,
			backend.CapabilityVision: cfg.VisionModel,
			backend.CapabilityImage:  cfg.ImageModel,
		},
		MaxRetries:         cfg.MaxRetries,
		CallTimeout:        cfg.CallTimeout,
		TextRetries:        cfg.TextRetries,
		ImageRetries:       cfg.ImageRetries,
		InitialBackoff:     cfg.InitialBackoff,
		MaxBackoff:         cfg.MaxBackoff,
		Parallelism:        router.ParallelismMode(cfg.Parallelism),
		RescueModels:       cfg.RescueModels,
		SafeModels:         cfg.SafeModels,
		AltImageBackend:    cfg.AltImageBackend,
		AltImageModel:      cfg.AltImageModel,
		PublicImageBackend: cfg.PublicImageBackend,
		Registry:           registry,
	}, adapters, router.WithLimiter(limiter), router.WithEmitter(events))
	if err != nil {
		log.Fatalf("failed to build router: %v", err)
	}

	// 6. Run archive: postgres when configured, in memory otherwise
	ctx := context.Background()
	var store archive.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect postgres: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping postgres: %v", err)
		}
		log.Println("PostgreSQL connected")
		store = archive.NewPostgresStore(pool)
	} else {
		log.Println("POSTGRES_DSN empty, keeping run records in memory")
		store = archive.NewMemoryStore()
	}

	// 7. Job queue and tracker: redis when configured, in process otherwise
	var (
		queue   worker.Queue
		tracker worker.Tracker
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")
		queue = worker.NewRedisQueue(rdb, "")
		tracker = worker.NewRedisTracker(rdb, 0)
	} else {
		log.Println("REDIS_ADDR empty, keeping job queue in process")
		queue = worker.NewMemoryQueue(cfg.QueueCapacity)
		tracker = worker.NewMemoryTracker()
	}

	// 8. Init pipeline
	orch, err := pipeline.New(scene.Stages(rtr),
		pipeline.WithEmitter(events),
		pipeline.WithSink(archive.NewRecorder(store)),
	)
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	// 9. Start worker pool
	jobs := worker.NewPool(queue, tracker, orch, cfg.WorkerCount)
	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()
	poolDone := make(chan error, 1)
	go func() { poolDone <- jobs.Start(poolCtx) }()

	// 10. Init Chi router
	tracer := otel.GetTracerProvider().Tracer("diorama")
	handler := api.NewHandler(orch, jobs, rtr, tracer)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	handler.Register(r)

	// 11. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No write timeout: scene streams outlive any fixed deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("diorama starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}

	stopPool()
	if err := <-poolDone; err != nil {
		log.Printf("worker pool stopped with error: %v", err)
	}
	log.Println("Server stopped")
}
