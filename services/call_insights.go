package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/voicedeskhq/voicedesk/db"
)

const CallInsightQueue = "call_insights"

// InsightPublisher feeds analyzed calls to downstream consumers (BI
// exports, coaching dashboards) without coupling the pipeline to them.
type InsightPublisher interface {
	PublishCallInsight(call *db.CallRecord, analysis *db.CallAnalysis) error
}

// CallInsightService publishes one message per analyzed call to PGMQ.
// Consumers run outside this process and read at their own pace; a full
// insight queue never slows the pipeline down.
type CallInsightService struct {
	PG *sql.DB
}

// NewCallInsightService creates a new call insight service
func NewCallInsightService(pg *sql.DB) *CallInsightService {
	return &CallInsightService{PG: pg}
}

// CallInsightMessage is the queue payload consumed by downstream workers
type CallInsightMessage struct {
	CallID   string         `json:"call_id"`
	CallData map[string]any `json:"call_data"`
}

// PublishCallInsight sends one analyzed call to the insight queue
func (s *CallInsightService) PublishCallInsight(call *db.CallRecord, analysis *db.CallAnalysis) error {
	callData := map[string]any{
		"provider_call_id": call.ProviderCallID,
		"direction":        call.Direction,
		"duration_seconds": call.DurationSeconds,
		"sentiment_score":  analysis.SentimentScore,
		"quality_score":    analysis.QualityScore,
		"confidence":       analysis.Confidence,
		"summary":          analysis.Summary,
		"model":            analysis.Model,
		"analyzed_at":      time.Now().UTC(),
	}
	if analysis.EscalationRisk != nil {
		callData["escalation_risk"] = *analysis.EscalationRisk
	}
	if len(analysis.Keywords) > 0 {
		callData["keywords"] = analysis.Keywords
	}

	messageJSON, err := json.Marshal(CallInsightMessage{
		CallID:   call.ID,
		CallData: callData,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal call insight: %w", err)
	}

	ctx := context.Background()
	query := `SELECT pgmq.send($1, $2::jsonb);`

	var msgID int64
	err = s.PG.QueryRowContext(ctx, query, CallInsightQueue, messageJSON).Scan(&msgID)
	if err != nil {
		return fmt.Errorf("failed to send message to PGMQ: %w", err)
	}

	log.Printf("📊 Published insight for call %s (PGMQ msg_id: %d)", call.ID, msgID)
	return nil
}

// CreateQueueIfNotExists ensures the PGMQ queue exists.
// Call this during service initialization.
func (s *CallInsightService) CreateQueueIfNotExists() error {
	ctx := context.Background()
	query := `SELECT pgmq.create($1);`

	_, err := s.PG.ExecContext(ctx, query, CallInsightQueue)
	if err != nil {
		// Queue might already exist, which is fine
		// PGMQ create is idempotent, so we can ignore errors
		log.Printf("PGMQ queue '%s' setup (might already exist): %v", CallInsightQueue, err)
		return nil
	}

	log.Printf("  PGMQ queue '%s' ready", CallInsightQueue)
	return nil
}
