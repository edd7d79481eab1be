package workers

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
	"github.com/voicedeskhq/voicedesk/services"
)

const (
	// Heartbeat keys let the health endpoint count live workers.
	workerHeartbeatPrefix = "voicedesk:worker:"
	workerHeartbeatTTL    = 30 * time.Second

	pollInterval    = 1 * time.Second
	reclaimInterval = 30 * time.Second
	cleanupInterval = 1 * time.Hour
)

// StageProcessor executes one pipeline job type.
type StageProcessor interface {
	ProcessJob(job *db.Job) error
}

// PipelineWorker leases jobs off the queue and dispatches them to the
// registered stage for their type. Stage errors are classified: terminal
// errors fail the job immediately, transient ones go back on the queue
// with exponential backoff until the retry budget runs out.
type PipelineWorker struct {
	PG       *sql.DB
	Redis    *redis.Client
	Queue    *services.JobQueueService
	Events   *services.EventStoreService
	Calls    *services.CallRecordService
	Notifier services.ReviewNotifier

	WorkerID string
	stages   map[string]StageProcessor
}

func NewPipelineWorker(workerID string, pg *sql.DB, redisClient *redis.Client, queue *services.JobQueueService, events *services.EventStoreService, calls *services.CallRecordService) *PipelineWorker {
	return &PipelineWorker{
		PG:       pg,
		Redis:    redisClient,
		Queue:    queue,
		Events:   events,
		Calls:    calls,
		WorkerID: workerID,
		stages:   make(map[string]StageProcessor),
	}
}

// RegisterStage binds a job type to its processor.
func (w *PipelineWorker) RegisterStage(jobType string, processor StageProcessor) {
	w.stages[jobType] = processor
}

func (w *PipelineWorker) SetNotifier(notifier services.ReviewNotifier) {
	w.Notifier = notifier
}

// StartPipelineWorker polls the queue until the process exits.
func (w *PipelineWorker) StartPipelineWorker() {
	log.Printf("🔄 Pipeline worker %s started, polling for jobs...", w.WorkerID)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for range ticker.C {
		w.heartbeat()
		w.drainQueue()
	}
}

// drainQueue leases and runs jobs until the queue comes back empty.
func (w *PipelineWorker) drainQueue() {
	for {
		job, err := w.Queue.Lease(w.WorkerID)
		if err != nil {
			log.Printf("⚠️ Worker %s: failed to lease job: %v", w.WorkerID, err)
			return
		}
		if job == nil {
			return
		}
		w.processJob(job)
	}
}

func (w *PipelineWorker) processJob(job *db.Job) {
	if err := w.Queue.MarkProcessing(job.ID); err != nil {
		log.Printf("⚠️ Worker %s: failed to mark job %s processing: %v", w.WorkerID, job.ID, err)
		return
	}

	log.Printf("🔧 Worker %s: processing %s job %s (call: %s, attempt %d/%d)",
		w.WorkerID, job.JobType, job.ID, job.CallID, job.AttemptCount+1, job.MaxRetries)

	err := w.runStage(job)
	if err == nil {
		if err := w.Queue.Complete(job.ID, job.TokensUsed, job.APICostCents); err != nil {
			log.Printf("⚠️ Worker %s: failed to complete job %s: %v", w.WorkerID, job.ID, err)
			return
		}
		log.Printf("✅ Worker %s: completed %s job %s", w.WorkerID, job.JobType, job.ID)
		return
	}

	if services.IsRetryable(err) && job.AttemptCount < job.MaxRetries {
		delay := retryBackoff(job.AttemptCount)
		if retryErr := w.Queue.RetryLater(job.ID, delay, err.Error()); retryErr != nil {
			log.Printf("⚠️ Worker %s: failed to requeue job %s: %v", w.WorkerID, job.ID, retryErr)
			return
		}
		log.Printf("⚠️ Worker %s: %s job %s failed (attempt %d/%d), retrying in %s: %v",
			w.WorkerID, job.JobType, job.ID, job.AttemptCount+1, job.MaxRetries, delay.Round(time.Second), err)
		return
	}

	w.failPermanently(job, err)
}

// runStage dispatches to the stage processor behind a recover so a
// panicking job cannot take the worker loop down with it.
func (w *PipelineWorker) runStage(job *db.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Worker %s: %s job %s panicked: %v", w.WorkerID, job.JobType, job.ID, r)
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()

	processor, ok := w.stages[job.JobType]
	if !ok {
		return &services.ValidationError{Field: "job_type", Message: fmt.Sprintf("no stage registered for %q", job.JobType)}
	}

	return processor.ProcessJob(job)
}

// failPermanently marks the job failed and surfaces the failure on the
// owning call record and driving event so operators can find it.
func (w *PipelineWorker) failPermanently(job *db.Job, stageErr error) {
	log.Printf("❌ Worker %s: %s job %s failed permanently after %d attempts: %v",
		w.WorkerID, job.JobType, job.ID, job.AttemptCount+1, stageErr)

	if err := w.Queue.Fail(job.ID, stageErr.Error()); err != nil {
		log.Printf("⚠️ Worker %s: failed to mark job %s failed: %v", w.WorkerID, job.ID, err)
	}

	if job.CallID != "" {
		var err error
		switch job.JobType {
		case db.JobTypeTranscription:
			err = w.Calls.SetTranscriptionStatus(job.CallID, db.ProcessingStatusFailed)
		case db.JobTypeAnalysis:
			err = w.Calls.SetAnalysisStatus(job.CallID, db.ProcessingStatusFailed)
		case db.JobTypeDisposition:
			err = w.Calls.SetDispositionStatus(job.CallID, db.ProcessingStatusFailed)
		}
		if err != nil {
			log.Printf("⚠️ Worker %s: failed to mark call %s stage failed: %v", w.WorkerID, job.CallID, err)
		}
	}

	if job.EventID != "" {
		if err := w.Events.MarkFailed(job.EventID, stageErr.Error()); err != nil {
			log.Printf("⚠️ Worker %s: failed to mark event %s failed: %v", w.WorkerID, job.EventID, err)
		}
	}

	if w.Notifier != nil && job.CallID != "" {
		if err := w.Notifier.SendPipelineFailureNotification(job.CallID, job.JobType, stageErr.Error()); err != nil {
			log.Printf("⚠️ Worker %s: failed to queue pipeline failure notification: %v", w.WorkerID, err)
		}
	}
}

// retryBackoff doubles the base delay per failed attempt, caps it, and adds
// up to a second of jitter so retries from one outage don't re-lease in
// lockstep.
func retryBackoff(attemptCount int) time.Duration {
	base := config.App.Pipeline.BackoffBaseSeconds
	if base <= 0 {
		base = 5
	}
	ceiling := config.App.Pipeline.BackoffCapSeconds
	if ceiling <= 0 {
		ceiling = 300
	}

	seconds := base
	for i := 0; i < attemptCount && seconds < ceiling; i++ {
		seconds *= 2
	}
	if seconds > ceiling {
		seconds = ceiling
	}

	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return time.Duration(seconds)*time.Second + jitter
}

func (w *PipelineWorker) heartbeat() {
	if w.Redis == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := workerHeartbeatPrefix + w.WorkerID
	if err := w.Redis.Set(ctx, key, time.Now().UTC().Format(time.RFC3339), workerHeartbeatTTL).Err(); err != nil {
		log.Printf("⚠️ Worker %s: heartbeat failed: %v", w.WorkerID, err)
	}
}

// CountActiveWorkers reports how many workers have a live heartbeat key.
func CountActiveWorkers(ctx context.Context, redisClient *redis.Client) (int, error) {
	if redisClient == nil {
		return 0, nil
	}
	keys, err := redisClient.Keys(ctx, workerHeartbeatPrefix+"*").Result()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// StartLeaseReclaimer returns expired leases to the queue so jobs from
// crashed workers get picked up again.
func (w *PipelineWorker) StartLeaseReclaimer() {
	log.Println("🔄 Lease reclaimer started...")

	ticker := time.NewTicker(reclaimInterval)
	defer ticker.Stop()

	for range ticker.C {
		reclaimed, err := w.Queue.ReclaimExpiredLeases()
		if err != nil {
			log.Printf("⚠️ Lease reclaimer: %v", err)
			continue
		}
		if reclaimed > 0 {
			log.Printf("🔄 Lease reclaimer: returned %d expired leases to the queue", reclaimed)
		}
	}
}

// StartCleanupScheduler enqueues a low-priority cleanup job on an interval.
func (w *PipelineWorker) StartCleanupScheduler() {
	log.Println("🧹 Cleanup scheduler started...")

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		if _, err := w.Queue.Enqueue(db.JobTypeCleanup, "", "", db.JobPriorityLow); err != nil {
			log.Printf("⚠️ Cleanup scheduler: failed to enqueue cleanup job: %v", err)
		}
	}
}
