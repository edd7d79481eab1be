package workers

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/voicedeskhq/voicedesk/services"
)

// NotificationWorker drains the review notification queue and delivers
// supervisor pushes. The pipeline only enqueues; delivery failures stay
// out of the job retry budget.
type NotificationWorker struct {
	PG           *sql.DB
	FCMService   *services.FCMService
	Dispositions *services.DispositionService
}

// ReviewNotificationMessage is the payload the pipeline puts on the queue.
type ReviewNotificationMessage struct {
	Type                   string    `json:"type"` // "manual_review", "pipeline_failure"
	CallID                 string    `json:"call_id"`
	SuggestedDispositionID string    `json:"suggested_disposition_id,omitempty"`
	SuggestedConfidence    *float64  `json:"suggested_confidence,omitempty"`
	Stage                  string    `json:"stage,omitempty"`
	Error                  string    `json:"error,omitempty"`
	Priority               string    `json:"priority"`
	RetryCount             int       `json:"retry_count"`
	CreatedAt              time.Time `json:"created_at"`
}

// PGMQMessage represents a message read from PGMQ
type PGMQMessage struct {
	MsgID      int64           `json:"msg_id"`
	ReadCT     int             `json:"read_ct"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Message    json.RawMessage `json:"message"`
}

// Messages that keep failing delivery get dropped after this many reads.
const maxNotificationReads = 5

func NewNotificationWorker(pg *sql.DB, fcmService *services.FCMService, dispositions *services.DispositionService) *NotificationWorker {
	return &NotificationWorker{
		PG:           pg,
		FCMService:   fcmService,
		Dispositions: dispositions,
	}
}

// StartNotificationWorker starts the notification worker to process messages from PGMQ
func (w *NotificationWorker) StartNotificationWorker() {
	log.Println("🔔 Notification worker started, processing messages from PGMQ...")

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		w.processReviewQueue(services.ReviewNotificationQueue)
	}
}

// processReviewQueue reads a batch of review notifications and delivers them
func (w *NotificationWorker) processReviewQueue(queueName string) {
	// Read messages from PGMQ (visibility timeout of 30 seconds)
	// pgmq.read returns: msg_id, read_ct, enqueued_at, vt, message, headers (6 columns in newer PGMQ)
	query := `SELECT msg_id, read_ct, enqueued_at, vt, message FROM pgmq.read($1, 30, $2)`
	batchSize := 10

	rows, err := w.PG.Query(query, queueName, batchSize)
	if err != nil {
		log.Printf("❌ Failed to read from queue %s: %v", queueName, err)
		return
	}
	defer rows.Close()

	messagesProcessed := 0
	for rows.Next() {
		var (
			msgID      int64
			readCT     int
			enqueuedAt time.Time
			vt         time.Time
			messageRaw []byte
		)

		if err := rows.Scan(&msgID, &readCT, &enqueuedAt, &vt, &messageRaw); err != nil {
			log.Printf("❌ Failed to scan message from queue %s: %v", queueName, err)
			continue
		}

		pgmqMsg := &PGMQMessage{
			MsgID:      msgID,
			ReadCT:     readCT,
			EnqueuedAt: enqueuedAt,
			Message:    json.RawMessage(messageRaw),
		}

		w.processReviewMessage(queueName, pgmqMsg)
		messagesProcessed++
	}

	if messagesProcessed > 0 {
		log.Printf("⚡ Processed %d review notification messages", messagesProcessed)
	}
}

// processReviewMessage delivers a single notification. Malformed messages
// and messages past the read budget are deleted rather than retried forever.
func (w *NotificationWorker) processReviewMessage(queueName string, pgmqMsg *PGMQMessage) {
	var msg ReviewNotificationMessage
	if err := json.Unmarshal(pgmqMsg.Message, &msg); err != nil {
		log.Printf("❌ Failed to unmarshal review notification %d: %v", pgmqMsg.MsgID, err)
		w.deleteMessage(queueName, pgmqMsg.MsgID)
		return
	}

	var err error
	switch msg.Type {
	case "manual_review":
		err = w.deliverManualReview(&msg)
	case "pipeline_failure":
		err = w.deliverPipelineFailure(&msg)
	default:
		log.Printf("⚠️ Unknown review notification type: %s", msg.Type)
		w.deleteMessage(queueName, pgmqMsg.MsgID)
		return
	}

	if err != nil {
		log.Printf("❌ Failed to deliver %s notification for call %s (read %d): %v",
			msg.Type, msg.CallID, pgmqMsg.ReadCT, err)
		if pgmqMsg.ReadCT >= maxNotificationReads {
			log.Printf("⚠️ Dropping notification %d for call %s after %d delivery attempts",
				pgmqMsg.MsgID, msg.CallID, pgmqMsg.ReadCT)
			w.deleteMessage(queueName, pgmqMsg.MsgID)
		}
		// Otherwise leave it; the visibility timeout re-surfaces it.
		return
	}

	w.deleteMessage(queueName, pgmqMsg.MsgID)
}

func (w *NotificationWorker) deliverManualReview(msg *ReviewNotificationMessage) error {
	dispositionName := ""
	if msg.SuggestedDispositionID != "" && w.Dispositions != nil {
		if disposition, err := w.Dispositions.GetDisposition(msg.SuggestedDispositionID); err == nil {
			dispositionName = disposition.Name
		} else {
			log.Printf("⚠️ Could not resolve suggested disposition %s: %v", msg.SuggestedDispositionID, err)
		}
	}

	return w.FCMService.SendManualReviewPush(msg.CallID, msg.SuggestedDispositionID, dispositionName, msg.SuggestedConfidence)
}

func (w *NotificationWorker) deliverPipelineFailure(msg *ReviewNotificationMessage) error {
	return w.FCMService.SendPipelineFailurePush(msg.CallID, msg.Stage, msg.Error)
}

// deleteMessage deletes a processed message from PGMQ
func (w *NotificationWorker) deleteMessage(queueName string, msgID int64) {
	query := `SELECT pgmq.delete($1, $2::bigint)`
	_, err := w.PG.Exec(query, queueName, msgID)
	if err != nil {
		log.Printf("❌ Failed to delete message %d from queue %s: %v", msgID, queueName, err)
	}
}

// GetQueueStats returns statistics about the notification queues
func (w *NotificationWorker) GetQueueStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	queues := []string{services.ReviewNotificationQueue, services.CallInsightQueue}

	for _, queue := range queues {
		query := `SELECT pgmq.metrics($1)`
		var metricsJSON sql.NullString

		err := w.PG.QueryRow(query, queue).Scan(&metricsJSON)
		if err != nil {
			log.Printf("❌ Failed to get metrics for queue %s: %v", queue, err)
			continue
		}

		if metricsJSON.Valid {
			var metrics map[string]interface{}
			if err := json.Unmarshal([]byte(metricsJSON.String), &metrics); err == nil {
				stats[queue] = metrics
			}
		}
	}

	return stats, nil
}
