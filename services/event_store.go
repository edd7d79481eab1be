package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/voicedeskhq/voicedesk/db"
)

// ErrEventNotFound is returned when no webhook event matches the lookup.
var ErrEventNotFound = errors.New("event not found")

// ErrEventNotReprocessable is returned when reprocessing is requested for
// an event that is not in failed status.
var ErrEventNotReprocessable = errors.New("event is not in failed status")

// EventStoreService owns the append-only webhook_events table. Rows are
// never deleted; reprocessing resets status fields and keeps the row, and
// duplicate deliveries for the same call each keep their own row.
type EventStoreService struct {
	PG *sql.DB
}

func NewEventStoreService(pg *sql.DB) *EventStoreService {
	return &EventStoreService{PG: pg}
}

// RecordEvent persists one inbound delivery exactly as received. The raw
// payload bytes are stored verbatim so reprocessing sees what the provider
// actually sent, not a re-serialization.
func (s *EventStoreService) RecordEvent(event *db.WebhookEvent) (*db.WebhookEvent, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Status == "" {
		event.Status = db.ProcessingStatusPending
	}

	payload := event.RawPayload
	if payload == nil {
		payloadBytes, err := json.Marshal(event.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payload = payloadBytes
	}

	_, err := s.PG.Exec(`
		INSERT INTO webhook_events (id, event_type, payload, signature_valid, status)
		VALUES ($1, $2, $3, $4, $5)
	`, event.ID, event.EventType, string(payload), event.SignatureValid, event.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}

	return event, nil
}

// MarkStarted moves the event to processing and bumps the attempt counter.
// Only the worker holding the event's chain job calls this.
func (s *EventStoreService) MarkStarted(eventID string) error {
	_, err := s.PG.Exec(`
		UPDATE webhook_events
		SET status = $1, attempt_count = attempt_count + 1, started_at = NOW()
		WHERE id = $2
	`, db.ProcessingStatusProcessing, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s started: %w", eventID, err)
	}
	return nil
}

// MarkCompleted finishes the event's lifecycle after the last pipeline
// stage for it has run.
func (s *EventStoreService) MarkCompleted(eventID, resultSummary string) error {
	var summaryParam interface{}
	if resultSummary != "" {
		summaryParam = resultSummary
	}

	_, err := s.PG.Exec(`
		UPDATE webhook_events
		SET status = $1, result_summary = $2, error_detail = NULL, completed_at = NOW()
		WHERE id = $3
	`, db.ProcessingStatusCompleted, summaryParam, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s completed: %w", eventID, err)
	}
	return nil
}

// MarkFailed records a terminal processing failure. The row stays visible
// to operators and eligible for reprocessing.
func (s *EventStoreService) MarkFailed(eventID, errDetail string) error {
	_, err := s.PG.Exec(`
		UPDATE webhook_events
		SET status = $1, error_detail = $2, completed_at = NOW()
		WHERE id = $3
	`, db.ProcessingStatusFailed, errDetail, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event %s failed: %w", eventID, err)
	}
	return nil
}

// LinkCall attaches the event to the call record it concerns, once the
// transcription stage has resolved which call that is.
func (s *EventStoreService) LinkCall(eventID, callID string) error {
	_, err := s.PG.Exec(`
		UPDATE webhook_events SET call_id = $1 WHERE id = $2
	`, callID, eventID)
	if err != nil {
		return fmt.Errorf("failed to link event %s to call %s: %w", eventID, callID, err)
	}
	return nil
}

// Reprocess returns a failed event to pending with a clean slate: zero
// attempts, no error detail, no stage timestamps. Only failed events can
// be reprocessed; anything else is rejected.
func (s *EventStoreService) Reprocess(eventID string) (*db.WebhookEvent, error) {
	result, err := s.PG.Exec(`
		UPDATE webhook_events
		SET status = $1, attempt_count = 0, error_detail = NULL,
		    result_summary = NULL, started_at = NULL, completed_at = NULL
		WHERE id = $2 AND status = $3
	`, db.ProcessingStatusPending, eventID, db.ProcessingStatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to reprocess event %s: %w", eventID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check reprocess result: %w", err)
	}
	if rowsAffected == 0 {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrEventNotReprocessable)
	}

	log.Printf("🔄 Event %s reset for reprocessing", eventID)
	return s.GetEvent(eventID)
}

// GetEvent returns a single webhook event
func (s *EventStoreService) GetEvent(eventID string) (*db.WebhookEvent, error) {
	query := `
		SELECT id, event_type, payload, signature_valid, status, attempt_count,
		       error_detail, result_summary, call_id, received_at, started_at, completed_at
		FROM webhook_events
		WHERE id = $1
	`

	var event db.WebhookEvent
	var payload string
	var errorDetail, resultSummary, callID sql.NullString
	var startedAt, completedAt sql.NullTime

	err := s.PG.QueryRow(query, eventID).Scan(
		&event.ID, &event.EventType, &payload, &event.SignatureValid, &event.Status,
		&event.AttemptCount, &errorDetail, &resultSummary, &callID,
		&event.ReceivedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	event.RawPayload = json.RawMessage(payload)
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &event.Payload)
	}
	if errorDetail.Valid {
		event.ErrorDetail = errorDetail.String
	}
	if resultSummary.Valid {
		event.ResultSummary = resultSummary.String
	}
	if callID.Valid {
		event.CallID = callID.String
	}
	if startedAt.Valid {
		event.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		event.CompletedAt = &completedAt.Time
	}

	return &event, nil
}

// ListEvents returns a paginated list of webhook events with filters
func (s *EventStoreService) ListEvents(filters map[string]interface{}) ([]db.WebhookEvent, error) {
	query := `
		SELECT id, event_type, payload, signature_valid, status, attempt_count,
		       error_detail, result_summary, call_id, received_at, started_at, completed_at
		FROM webhook_events
		WHERE 1=1
	`

	args := []interface{}{}
	argIndex := 1

	if eventType, ok := filters["event_type"].(string); ok && eventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIndex)
		args = append(args, eventType)
		argIndex++
	}

	if status, ok := filters["status"].(string); ok && status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	if callID, ok := filters["call_id"].(string); ok && callID != "" {
		query += fmt.Sprintf(" AND call_id = $%d", argIndex)
		args = append(args, callID)
		argIndex++
	}

	query += " ORDER BY received_at DESC"

	// Pagination
	limit := 20
	if l, ok := filters["limit"].(int); ok && l > 0 && l <= 100 {
		limit = l
	}
	offset := 0
	if page, ok := filters["page"].(int); ok && page > 1 {
		offset = (page - 1) * limit
	}

	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIndex, argIndex+1)
	args = append(args, limit, offset)

	rows, err := s.PG.Query(query, args...)
	if err != nil {
		log.Println("Error listing webhook events:", err)
		return nil, fmt.Errorf("failed to query webhook events: %w", err)
	}
	defer rows.Close()

	var events []db.WebhookEvent
	for rows.Next() {
		var event db.WebhookEvent
		var payload string
		var errorDetail, resultSummary, callID sql.NullString
		var startedAt, completedAt sql.NullTime

		err := rows.Scan(
			&event.ID, &event.EventType, &payload, &event.SignatureValid, &event.Status,
			&event.AttemptCount, &errorDetail, &resultSummary, &callID,
			&event.ReceivedAt, &startedAt, &completedAt,
		)
		if err != nil {
			continue
		}

		event.RawPayload = json.RawMessage(payload)
		if payload != "" {
			_ = json.Unmarshal([]byte(payload), &event.Payload)
		}
		if errorDetail.Valid {
			event.ErrorDetail = errorDetail.String
		}
		if resultSummary.Valid {
			event.ResultSummary = resultSummary.String
		}
		if callID.Valid {
			event.CallID = callID.String
		}
		if startedAt.Valid {
			event.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			event.CompletedAt = &completedAt.Time
		}

		events = append(events, event)
	}

	return events, nil
}
