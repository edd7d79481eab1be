package handlers

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/services"
	"github.com/voicedeskhq/voicedesk/workers"
)

// Backlog thresholds feeding the queue health score
const (
	queueBacklogWarning  = 100
	queueBacklogCritical = 500
)

type JobHandler struct {
	Queue *services.JobQueueService
	Calls *services.CallRecordService
	Redis *redis.Client
}

func NewJobHandler(queue *services.JobQueueService, calls *services.CallRecordService, redisClient *redis.Client) *JobHandler {
	return &JobHandler{Queue: queue, Calls: calls, Redis: redisClient}
}

// EnqueueTranscriptionJob re-runs transcription for an existing call
// POST /jobs/transcription
func (h *JobHandler) EnqueueTranscriptionJob(c *gin.Context) {
	h.enqueueJob(c, db.JobTypeTranscription)
}

// EnqueueAnalysisJob re-runs analysis for an existing call
// POST /jobs/analysis
func (h *JobHandler) EnqueueAnalysisJob(c *gin.Context) {
	h.enqueueJob(c, db.JobTypeAnalysis)
}

// EnqueueDispositionJob re-runs the disposition engine for an existing call
// POST /jobs/disposition
func (h *JobHandler) EnqueueDispositionJob(c *gin.Context) {
	h.enqueueJob(c, db.JobTypeDisposition)
}

func (h *JobHandler) enqueueJob(c *gin.Context, jobType string) {
	var req db.EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	// Manual jobs target stored calls, so reject unknown ids here instead
	// of letting the stage burn retries on them
	if _, err := h.Calls.GetCall(req.CallID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Call not found: " + err.Error()})
		return
	}

	priority := db.ParseJobPriority(req.Priority, db.DefaultPriorityForJobType(jobType))

	job, err := h.Queue.Enqueue(jobType, req.CallID, "", priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job: " + err.Error()})
		return
	}

	log.Printf("🔧 Queued %s job %s for call %s (%s)", jobType, job.ID, req.CallID, priority)

	c.JSON(http.StatusCreated, gin.H{
		"job":     job,
		"message": "Job queued successfully",
	})
}

// GetJob returns a specific job by ID
// GET /jobs/{id}
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID is required"})
		return
	}

	job, err := h.Queue.GetJob(jobID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job": job})
}

// ListCallJobs returns every job that touched one call, newest first
// GET /calls/{id}/jobs
func (h *JobHandler) ListCallJobs(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Call ID is required"})
		return
	}

	jobs, err := h.Queue.ListJobsForCall(callID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// CancelJob cancels a job that has not been leased yet
// POST /jobs/{id}/cancel
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID is required"})
		return
	}

	cancelled, err := h.Queue.Cancel(jobID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel job: " + err.Error()})
		return
	}

	if !cancelled {
		if _, getErr := h.Queue.GetJob(jobID); getErr != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found: " + getErr.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job is not cancellable; only queued jobs can be cancelled"})
		return
	}

	log.Printf("🔧 Cancelled job %s", jobID)

	c.JSON(http.StatusOK, gin.H{"message": "Job cancelled successfully"})
}

// GetQueueStats returns the live queue snapshot
// GET /jobs/stats
func (h *JobHandler) GetQueueStats(c *gin.Context) {
	stats, err := h.Queue.Stats()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get queue stats: " + err.Error()})
		return
	}

	if count, err := workers.CountActiveWorkers(c.Request.Context(), h.Redis); err != nil {
		log.Printf("⚠️ Failed to count active workers: %v", err)
	} else {
		stats.ActiveWorkers = count
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetQueueHealth scores pipeline health 0-100 from backlog depth, the
// recent failure rate, and worker heartbeats. Always responds 200 so
// monitors read the score instead of guessing from transport errors.
// GET /jobs/health
func (h *JobHandler) GetQueueHealth(c *gin.Context) {
	stats, err := h.Queue.Stats()
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"score":  0,
			"status": "unhealthy",
			"reasons": []string{
				"queue backend unreachable: " + err.Error(),
			},
		})
		return
	}

	if count, err := workers.CountActiveWorkers(c.Request.Context(), h.Redis); err != nil {
		log.Printf("⚠️ Failed to count active workers: %v", err)
	} else {
		stats.ActiveWorkers = count
	}

	score, reasons := scoreQueueHealth(stats)

	status := "healthy"
	switch {
	case score < 50:
		status = "unhealthy"
	case score < 80:
		status = "degraded"
	}

	c.JSON(http.StatusOK, gin.H{
		"score":   score,
		"status":  status,
		"reasons": reasons,
		"stats":   stats,
	})
}

func scoreQueueHealth(stats *db.QueueStats) (int, []string) {
	score := 100
	reasons := []string{}

	if stats.QueueLength >= queueBacklogCritical {
		score -= 40
		reasons = append(reasons, fmt.Sprintf("backlog critical: %d jobs queued", stats.QueueLength))
	} else if stats.QueueLength >= queueBacklogWarning {
		score -= 15
		reasons = append(reasons, fmt.Sprintf("backlog elevated: %d jobs queued", stats.QueueLength))
	}

	finished := stats.CompletedLastHour + stats.FailedLastHour
	if finished > 0 {
		failureRate := float64(stats.FailedLastHour) / float64(finished)
		if failureRate >= 0.5 {
			score -= 40
			reasons = append(reasons, fmt.Sprintf("failure rate %.0f%% over the last hour", failureRate*100))
		} else if failureRate >= 0.1 {
			score -= 20
			reasons = append(reasons, fmt.Sprintf("failure rate %.0f%% over the last hour", failureRate*100))
		}
	}

	if stats.ActiveWorkers == 0 && stats.QueueLength > 0 {
		score -= 30
		reasons = append(reasons, "jobs queued but no worker heartbeats")
	}

	if score < 0 {
		score = 0
	}

	return score, reasons
}
