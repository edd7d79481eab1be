package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
)

// ErrJobNotFound is returned when no job matches the lookup.
var ErrJobNotFound = errors.New("job not found")

// JobQueueService is the durable priority queue backing the pipeline.
// Jobs live in the jobs table; the lease query is the only synchronization
// point between workers, so exactly one worker ever runs a given job.
type JobQueueService struct {
	PG *sql.DB
}

func NewJobQueueService(pg *sql.DB) *JobQueueService {
	return &JobQueueService{PG: pg}
}

func validJobType(jobType string) bool {
	switch jobType {
	case db.JobTypeTranscription, db.JobTypeAnalysis, db.JobTypeDisposition, db.JobTypeCleanup:
		return true
	}
	return false
}

// Enqueue adds a job at the given priority. A zero priority picks the
// job type's default. callID and eventID may each be empty depending on
// where in the chain the job sits.
func (s *JobQueueService) Enqueue(jobType, callID, eventID string, priority db.JobPriority) (*db.Job, error) {
	if !validJobType(jobType) {
		return nil, &ValidationError{Field: "job_type", Message: fmt.Sprintf("unknown job type %q", jobType)}
	}
	if priority == 0 {
		priority = db.DefaultPriorityForJobType(jobType)
	}

	maxRetries := config.App.Pipeline.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	var callIDParam, eventIDParam interface{}
	if callID != "" {
		callIDParam = callID
	}
	if eventID != "" {
		eventIDParam = eventID
	}

	job := &db.Job{
		ID:         uuid.New().String(),
		JobType:    jobType,
		Priority:   priority,
		CallID:     callID,
		EventID:    eventID,
		Status:     db.JobStatusQueued,
		MaxRetries: maxRetries,
		RunAfter:   time.Now(),
		QueuedAt:   time.Now(),
	}

	_, err := s.PG.Exec(`
		INSERT INTO jobs (id, job_type, priority, call_id, event_id, status, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, job.ID, job.JobType, int(job.Priority), callIDParam, eventIDParam, job.Status, job.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}

	log.Printf("📥 Enqueued %s job %s (priority %s)", jobType, job.ID, priority.String())
	return job, nil
}

// Lease atomically claims the next eligible job for workerID: the oldest
// queued job at the highest priority whose run_after gate has passed.
// Returns nil with no error when the queue has nothing eligible.
func (s *JobQueueService) Lease(workerID string) (*db.Job, error) {
	leaseSeconds := config.App.Pipeline.LeaseTimeoutSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = 300
	}

	query := `
		UPDATE jobs
		SET status = $1, leased_at = NOW(), leased_by = $2,
		    lease_expires_at = NOW() + INTERVAL '1 second' * $3,
		    updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $4 AND run_after <= NOW()
			ORDER BY priority DESC, queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_type, priority, call_id, event_id, status,
		          attempt_count, max_retries, last_error, run_after, queued_at,
		          leased_at, leased_by, lease_expires_at, completed_at,
		          tokens_used, api_cost_cents, created_at, updated_at
	`

	row := s.PG.QueryRow(query, db.JobStatusLeased, workerID, leaseSeconds, db.JobStatusQueued)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}

	return job, nil
}

// MarkProcessing moves a leased job to processing before stage dispatch
func (s *JobQueueService) MarkProcessing(jobID string) error {
	_, err := s.PG.Exec(`
		UPDATE jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, db.JobStatusProcessing, jobID, db.JobStatusLeased)
	if err != nil {
		return fmt.Errorf("failed to mark job %s processing: %w", jobID, err)
	}
	return nil
}

// Complete finishes a job and records the stage's external API usage
func (s *JobQueueService) Complete(jobID string, tokensUsed int, apiCostCents float64) error {
	_, err := s.PG.Exec(`
		UPDATE jobs
		SET status = $1, completed_at = NOW(), last_error = NULL,
		    tokens_used = $2, api_cost_cents = $3, updated_at = NOW()
		WHERE id = $4
	`, db.JobStatusCompleted, tokensUsed, apiCostCents, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	return nil
}

// Fail marks a job permanently failed. It will never be leased again
// unless an operator reprocesses the driving event.
func (s *JobQueueService) Fail(jobID, errDetail string) error {
	_, err := s.PG.Exec(`
		UPDATE jobs
		SET status = $1, completed_at = NOW(), last_error = $2, updated_at = NOW()
		WHERE id = $3
	`, db.JobStatusFailed, errDetail, jobID)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	return nil
}

// RetryLater returns the job to the queue at the same priority with a
// run_after gate, counting the failed attempt. The original queued_at is
// kept so the job does not jump the FIFO line when the gate opens.
func (s *JobQueueService) RetryLater(jobID string, delay time.Duration, errDetail string) error {
	_, err := s.PG.Exec(`
		UPDATE jobs
		SET status = $1, attempt_count = attempt_count + 1, last_error = $2,
		    run_after = NOW() + INTERVAL '1 second' * $3,
		    leased_at = NULL, leased_by = NULL, lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $4
	`, db.JobStatusQueued, errDetail, int(delay.Seconds()), jobID)
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", jobID, err)
	}
	return nil
}

// Cancel cancels a job if and only if it is still queued. Once leased,
// the stage runs to completion or failure; there is no mid-flight abort.
func (s *JobQueueService) Cancel(jobID string) (bool, error) {
	result, err := s.PG.Exec(`
		UPDATE jobs
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, db.JobStatusCancelled, jobID, db.JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job %s: %w", jobID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check cancel result: %w", err)
	}

	return rowsAffected > 0, nil
}

// ReclaimExpiredLeases rescues jobs whose worker died mid-run. Jobs with
// retry budget left go back to queued; jobs already out of budget go to
// failed so a crash-looping payload cannot circulate forever. Returns how
// many jobs were requeued.
func (s *JobQueueService) ReclaimExpiredLeases() (int, error) {
	failResult, err := s.PG.Exec(`
		UPDATE jobs
		SET status = $1, completed_at = NOW(),
		    last_error = 'lease expired with no retry budget left', updated_at = NOW()
		WHERE status IN ($2, $3) AND lease_expires_at < NOW()
		  AND attempt_count >= max_retries
	`, db.JobStatusFailed, db.JobStatusLeased, db.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to fail expired-lease jobs: %w", err)
	}

	requeueResult, err := s.PG.Exec(`
		UPDATE jobs
		SET status = $1, attempt_count = attempt_count + 1,
		    last_error = 'lease expired, worker presumed dead',
		    leased_at = NULL, leased_by = NULL, lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE status IN ($2, $3) AND lease_expires_at < NOW()
	`, db.JobStatusQueued, db.JobStatusLeased, db.JobStatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	failed, _ := failResult.RowsAffected()
	requeued, _ := requeueResult.RowsAffected()
	if failed > 0 || requeued > 0 {
		log.Printf("⚠️  Reclaimed expired leases: %d requeued, %d failed terminally", requeued, failed)
	}

	return int(requeued), nil
}

// GetJob returns a single job
func (s *JobQueueService) GetJob(jobID string) (*db.Job, error) {
	query := `
		SELECT id, job_type, priority, call_id, event_id, status,
		       attempt_count, max_retries, last_error, run_after, queued_at,
		       leased_at, leased_by, lease_expires_at, completed_at,
		       tokens_used, api_cost_cents, created_at, updated_at
		FROM jobs
		WHERE id = $1
	`

	row := s.PG.QueryRow(query, jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsForCall returns all jobs touching one call, newest first
func (s *JobQueueService) ListJobsForCall(callID string) ([]db.Job, error) {
	query := `
		SELECT id, job_type, priority, call_id, event_id, status,
		       attempt_count, max_retries, last_error, run_after, queued_at,
		       leased_at, leased_by, lease_expires_at, completed_at,
		       tokens_used, api_cost_cents, created_at, updated_at
		FROM jobs
		WHERE call_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.PG.Query(query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs for call: %w", err)
	}
	defer rows.Close()

	var jobs []db.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			continue
		}
		jobs = append(jobs, *job)
	}

	return jobs, nil
}

// Stats returns the operational snapshot behind the stats and health
// endpoints. ActiveWorkers is filled in by the caller from heartbeats.
func (s *JobQueueService) Stats() (*db.QueueStats, error) {
	stats := &db.QueueStats{
		StatusCounts: map[string]int{},
		QueuedByType: map[string]int{},
	}

	rows, err := s.PG.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to get job status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		stats.StatusCounts[status] = count
	}
	stats.QueueLength = stats.StatusCounts[db.JobStatusQueued]

	typeRows, err := s.PG.Query(`
		SELECT job_type, COUNT(*) FROM jobs WHERE status = $1 GROUP BY job_type
	`, db.JobStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to get queued job types: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var jobType string
		var count int
		if err := typeRows.Scan(&jobType, &count); err != nil {
			continue
		}
		stats.QueuedByType[jobType] = count
	}

	err = s.PG.QueryRow(`
		SELECT
			COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(queued_at))) FILTER (WHERE status = 'queued'), 0),
			COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= NOW() - INTERVAL '1 hour'),
			COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= NOW() - INTERVAL '1 hour')
		FROM jobs
	`).Scan(&stats.OldestQueuedAgeSeconds, &stats.CompletedLastHour, &stats.FailedLastHour)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue timing stats: %w", err)
	}

	stats.BackendHealthy = s.PG.Ping() == nil
	return stats, nil
}

// PruneFinishedJobs deletes completed and cancelled jobs older than the
// retention window. Failed jobs are kept for operator inspection.
func (s *JobQueueService) PruneFinishedJobs(retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	result, err := s.PG.Exec(`
		DELETE FROM jobs
		WHERE status IN ($1, $2)
		  AND completed_at < NOW() - INTERVAL '1 day' * $3
	`, db.JobStatusCompleted, db.JobStatusCancelled, retentionDays)
	if err != nil {
		return 0, fmt.Errorf("failed to prune finished jobs: %w", err)
	}

	pruned, _ := result.RowsAffected()
	return int(pruned), nil
}

func scanJob(row rowScanner) (*db.Job, error) {
	var job db.Job
	var priority int
	var callID, eventID, lastError, leasedBy sql.NullString
	var leasedAt, leaseExpiresAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.JobType, &priority, &callID, &eventID, &job.Status,
		&job.AttemptCount, &job.MaxRetries, &lastError, &job.RunAfter, &job.QueuedAt,
		&leasedAt, &leasedBy, &leaseExpiresAt, &completedAt,
		&job.TokensUsed, &job.APICostCents, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Priority = db.JobPriority(priority)
	if callID.Valid {
		job.CallID = callID.String
	}
	if eventID.Valid {
		job.EventID = eventID.String
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if leasedBy.Valid {
		job.LeasedBy = leasedBy.String
	}
	if leasedAt.Valid {
		job.LeasedAt = &leasedAt.Time
	}
	if leaseExpiresAt.Valid {
		job.LeaseExpiresAt = &leaseExpiresAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}

	return &job, nil
}
