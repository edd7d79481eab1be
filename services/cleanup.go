package services

import (
	"database/sql"
	"log"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
)

// CleanupService is the stage behind cleanup jobs: repair call records
// whose disposition head drifted from their audit history, then prune
// finished jobs past the retention window.
type CleanupService struct {
	PG           *sql.DB
	Queue        *JobQueueService
	Dispositions *DispositionService
}

func NewCleanupService(pg *sql.DB, queue *JobQueueService, dispositions *DispositionService) *CleanupService {
	return &CleanupService{
		PG:           pg,
		Queue:        queue,
		Dispositions: dispositions,
	}
}

func (s *CleanupService) ProcessJob(job *db.Job) error {
	repaired, err := s.Dispositions.ReconcileDispositionHeads()
	if err != nil {
		return err
	}
	if repaired > 0 {
		log.Printf("🧹 Cleanup: repaired %d call records from disposition history", repaired)
	}

	pruned, err := s.Queue.PruneFinishedJobs(config.App.Pipeline.JobRetentionDays)
	if err != nil {
		return err
	}
	if pruned > 0 {
		log.Printf("🧹 Cleanup: pruned %d finished jobs past retention", pruned)
	}

	return nil
}
