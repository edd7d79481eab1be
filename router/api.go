package router

import (
	"database/sql"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/voicedeskhq/voicedesk/handlers"
	"github.com/voicedeskhq/voicedesk/services"
)

// NewGinRouter creates a new Gin router with all API routes
func NewGinRouter(pg *sql.DB, redisClient *redis.Client) *gin.Engine {
	r := gin.Default()

	// Add CORS middleware
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-Telephony-Signature, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Initialize services
	callService := services.NewCallRecordService(pg)
	eventService := services.NewEventStoreService(pg)
	queueService := services.NewJobQueueService(pg)
	dispositionService := services.NewDispositionService(pg, callService, eventService)
	authService := services.NewAuthService(pg, redisClient)

	fcmService, err := services.NewFCMService(pg)
	if err != nil {
		log.Printf("⚠️ Failed to initialize FCM service: %v", err)
	}

	// Initialize handlers
	webhookHandler := handlers.NewWebhookHandler(eventService, queueService)
	jobHandler := handlers.NewJobHandler(queueService, callService, redisClient)
	callHandler := handlers.NewCallHandler(callService, dispositionService)
	eventHandler := handlers.NewEventHandler(eventService, queueService)
	dispositionHandler := handlers.NewDispositionHandler(dispositionService)
	authHandler := handlers.NewAuthHandler(authService, fcmService)

	agentAuth := handlers.NewAgentAuthMiddleware(authService)
	supervisorOnly := agentAuth.RequireSupervisor()

	// Public routes
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Telephony provider webhook (authenticated by HMAC signature, not by agent token)
	r.POST("/webhook/telephony", webhookHandler.ReceiveTelephonyWebhook)

	// Agent login
	r.POST("/auth/login", authHandler.Login)

	// Protected routes (require agent authentication)
	protected := r.Group("/")
	protected.Use(agentAuth.RequireAgent())
	{
		// Auth routes
		auth := protected.Group("/auth")
		{
			auth.GET("/me", authHandler.Me)
		}

		// Call record routes
		calls := protected.Group("/calls")
		{
			calls.GET("", callHandler.ListCalls)
			calls.GET("/review-queue", callHandler.GetReviewQueue)
			calls.GET("/:id", callHandler.GetCall)
			calls.GET("/:id/jobs", jobHandler.ListCallJobs)
			calls.GET("/:id/history", callHandler.GetCallHistory)
			calls.POST("/:id/disposition", callHandler.ApplyDisposition)
		}

		// Disposition catalog routes
		dispositions := protected.Group("/dispositions")
		{
			dispositions.GET("", dispositionHandler.ListDispositions)
			dispositions.GET("/:id", dispositionHandler.GetDisposition)
		}

		// Webhook event routes
		events := protected.Group("/events")
		{
			events.GET("", eventHandler.ListEvents)
			events.GET("/:id", eventHandler.GetEvent)
			events.POST("/:id/reprocess", supervisorOnly, eventHandler.ReprocessEvent)
		}

		// Job queue routes
		jobs := protected.Group("/jobs")
		{
			jobs.GET("/stats", jobHandler.GetQueueStats)
			jobs.GET("/health", jobHandler.GetQueueHealth)
			jobs.GET("/:id", jobHandler.GetJob)
			jobs.POST("/transcription", supervisorOnly, jobHandler.EnqueueTranscriptionJob)
			jobs.POST("/analysis", supervisorOnly, jobHandler.EnqueueAnalysisJob)
			jobs.POST("/disposition", supervisorOnly, jobHandler.EnqueueDispositionJob)
			jobs.POST("/:id/cancel", supervisorOnly, jobHandler.CancelJob)
		}

		// Agent management routes
		agents := protected.Group("/agents")
		{
			agents.POST("", supervisorOnly, authHandler.CreateAgent)
			agents.PUT("/fcm-token", authHandler.UpdateFCMToken)
		}
	}

	return r
}
