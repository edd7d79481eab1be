package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
	"github.com/voicedeskhq/voicedesk/services"
	"github.com/voicedeskhq/voicedesk/workers"
)

func main() {
	log.Println("Starting pipeline workers...")

	// Load Config
	configPath := os.Getenv("VOICEDESK_CONFIG_PATH")

	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	// Test database connection
	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	} else {
		log.Println("  Set database timezone to UTC")
	}

	log.Println("  Connected to database successfully")

	// Redis connection for worker heartbeats (optional)
	var redisClient *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Printf("⚠️ Invalid REDIS_URL, worker heartbeats disabled: %v", err)
		} else {
			redisClient = redis.NewClient(opts)
		}
	}

	// Initialize services
	callService := services.NewCallRecordService(pg)
	eventService := services.NewEventStoreService(pg)
	queueService := services.NewJobQueueService(pg)

	dispositionService := services.NewDispositionService(pg, callService, eventService)
	notifier := services.NewLightweightReviewNotifier(pg)
	dispositionService.SetNotifier(notifier)

	transcriptionService := services.NewTranscriptionService(pg, callService, eventService, queueService)
	if config.App.Transcription.APIKey != "" {
		transcriptionService.SetTranscriber(services.NewDeepgramTranscriber(config.App.Transcription.APIKey))
	} else {
		log.Println("⚠️ DEEPGRAM_API_KEY not set, transcription jobs will fail")
	}

	analysisService := services.NewAnalysisService(pg, callService, queueService)
	if config.App.Analysis.APIKey != "" {
		analysisService.SetAnalyzer(services.NewOpenAIAnalyzer(config.App.Analysis.APIKey, config.App.Analysis.BaseURL))
	} else {
		log.Println("⚠️ OPENAI_API_KEY not set, analysis jobs will fail")
	}

	insightService := services.NewCallInsightService(pg)
	analysisService.SetInsightPublisher(insightService)

	cleanupService := services.NewCleanupService(pg, queueService, dispositionService)

	// Ensure PGMQ queues exist before anything publishes to them
	if err := services.CreateReviewQueueIfNotExists(pg); err != nil {
		log.Printf("⚠️ Failed to create review notification queue: %v", err)
	}
	if err := insightService.CreateQueueIfNotExists(); err != nil {
		log.Printf("⚠️ Failed to create call insight queue: %v", err)
	}

	fcmService, _ := services.NewFCMService(pg)
	notificationWorker := workers.NewNotificationWorker(pg, fcmService, dispositionService)

	// Start pipeline workers in separate goroutines
	var wg sync.WaitGroup

	workerCount := config.App.Pipeline.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}

	var first *workers.PipelineWorker
	for i := 0; i < workerCount; i++ {
		workerID := fmt.Sprintf("pipeline-%s", uuid.New().String()[:8])
		worker := workers.NewPipelineWorker(workerID, pg, redisClient, queueService, eventService, callService)
		worker.RegisterStage(db.JobTypeTranscription, transcriptionService)
		worker.RegisterStage(db.JobTypeAnalysis, analysisService)
		worker.RegisterStage(db.JobTypeDisposition, dispositionService)
		worker.RegisterStage(db.JobTypeCleanup, cleanupService)
		worker.SetNotifier(notifier)
		if first == nil {
			first = worker
		}

		wg.Add(1)
		go func(w *workers.PipelineWorker) {
			defer wg.Done()
			w.StartPipelineWorker()
		}(worker)
	}

	// Start lease reclaimer (one per process is enough)
	wg.Add(1)
	go func() {
		defer wg.Done()
		first.StartLeaseReclaimer()
	}()

	// Start cleanup scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		first.StartCleanupScheduler()
	}()

	// Start review notification worker
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Println("Starting review notification worker...")
		notificationWorker.StartNotificationWorker()
	}()

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Printf("Workers started successfully (%d pipeline workers). Press Ctrl+C to stop.", workerCount)
	<-c

	log.Println("Shutting down workers...")
	// Workers will stop when main goroutine exits
	// In a production system, you might want to implement graceful shutdown
}
