package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/voicedeskhq/voicedesk/internal/config"
	"github.com/voicedeskhq/voicedesk/router"
)

func main() {
	log.Println("Starting API server...")

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

	// Redis connection (worker heartbeat reads for queue health)
	var redisClient *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Printf("⚠️ Invalid REDIS_URL, continuing without Redis: %v", err)
		} else {
			redisClient = redis.NewClient(opts)
		}
	}

	r := router.NewGinRouter(pg, redisClient)

	port := config.App.Port
	if port == "" {
		port = "8080"
	}

	log.Printf("API server listening on :%s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
