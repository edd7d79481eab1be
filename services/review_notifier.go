package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const ReviewNotificationQueue = "review_notifications"

// ReviewNotifier pushes operator-facing alerts out of the pipeline without
// blocking it. Implementations decide the transport.
type ReviewNotifier interface {
	SendManualReviewNotification(callID, suggestedDispositionID string, confidence *float64) error
	SendPipelineFailureNotification(callID, stage, errDetail string) error
}

// LightweightReviewNotifier implements ReviewNotifier for the API server
// and pipeline workers. It only sends messages to the PGMQ queue; the
// notification worker consumes them and delivers pushes.
type LightweightReviewNotifier struct {
	PG *sql.DB
}

// NewLightweightReviewNotifier creates a new lightweight review notifier
func NewLightweightReviewNotifier(pg *sql.DB) *LightweightReviewNotifier {
	return &LightweightReviewNotifier{PG: pg}
}

// SendManualReviewNotification queues a review alert for a call whose
// disposition needs a human decision
func (l *LightweightReviewNotifier) SendManualReviewNotification(callID, suggestedDispositionID string, confidence *float64) error {
	notification := map[string]interface{}{
		"type":        "manual_review",
		"call_id":     callID,
		"priority":    "medium",
		"created_at":  time.Now(),
		"retry_count": 0,
	}
	if suggestedDispositionID != "" {
		notification["suggested_disposition_id"] = suggestedDispositionID
	}
	if confidence != nil {
		notification["suggested_confidence"] = *confidence
	}

	notificationJSON, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = l.PG.Exec(`SELECT pgmq.send($1, $2)`, ReviewNotificationQueue, string(notificationJSON))
	if err != nil {
		return fmt.Errorf("failed to send notification to queue: %w", err)
	}

	return nil
}

// SendPipelineFailureNotification queues an alert for a call whose
// pipeline stage failed permanently
func (l *LightweightReviewNotifier) SendPipelineFailureNotification(callID, stage, errDetail string) error {
	notification := map[string]interface{}{
		"type":        "pipeline_failure",
		"call_id":     callID,
		"stage":       stage,
		"error":       errDetail,
		"priority":    "high",
		"created_at":  time.Now(),
		"retry_count": 0,
	}

	notificationJSON, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	_, err = l.PG.Exec(`SELECT pgmq.send($1, $2)`, ReviewNotificationQueue, string(notificationJSON))
	if err != nil {
		return fmt.Errorf("failed to send notification to queue: %w", err)
	}

	return nil
}

// CreateReviewQueueIfNotExists ensures the PGMQ queue exists at boot
func CreateReviewQueueIfNotExists(pg *sql.DB) error {
	_, err := pg.Exec(`SELECT pgmq.create($1)`, ReviewNotificationQueue)
	if err != nil {
		return fmt.Errorf("failed to create review notification queue: %w", err)
	}
	return nil
}
