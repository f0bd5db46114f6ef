package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gauntlet-g3-zapcut/zapcut/internal/api"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/config"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/db"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/pipeline"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/queue"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/services"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/storage"
	"github.com/gauntlet-g3-zapcut/zapcut/internal/worker"
)

func main() {
	log.Println("Starting Zapcut API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	// Wire the pipeline: gate → coordinator → dispatcher/ingestor. These are
	// shared between the API (webhook ingestion, manual advance) and the
	// worker (dispatch, assembly).
	retry := pipeline.NewRetryPolicy(cfg.MaxStageAttempts)
	gate := pipeline.NewGate(database, q)
	coordinator := pipeline.NewCoordinator(database, q, gate)
	provider := services.NewReplicateClient(cfg.ReplicateToken)
	dispatcher := pipeline.NewDispatcher(database, provider, q, coordinator, retry, cfg.PublicBaseURL, pipeline.ModelConfig{
		Image:   cfg.ImageModel,
		Upscale: cfg.UpscaleModel,
		Video:   cfg.VideoModel,
		Music:   cfg.MusicModel,
		Voice:   cfg.VoiceModel,
	})
	ingestor := pipeline.NewIngestor(database, stor, q, coordinator, retry, cfg.WebhookSecret)

	// Create API handler
	handler := api.NewHandler(database, q, ingestor, coordinator)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		// Storyboard planner — OpenAI preferred, Gemini as fallback
		var planner services.StoryboardGenerator
		if cfg.OpenAIKey != "" {
			planner = services.NewOpenAIService(cfg.OpenAIKey)
			log.Println("Storyboard planner: OpenAI")
		} else {
			planner = services.NewGeminiService(cfg.GeminiKey)
			log.Println("Storyboard planner: Gemini (fallback)")
		}

		assembler := services.NewAssemblerClient(cfg.AssemblerURL, cfg.AssemblerKey)

		w := worker.New(database, q, planner, coordinator, dispatcher, assembler)

		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.MaxConcurrentJobs)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
