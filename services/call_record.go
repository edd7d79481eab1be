package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/voicedeskhq/voicedesk/db"
)

// ErrCallNotFound is returned when no call record matches the lookup.
var ErrCallNotFound = errors.New("call not found")

// CallRecordService owns the call_records table: one row per unique
// provider call id, merged from however many webhook deliveries mention
// that call.
type CallRecordService struct {
	PG *sql.DB
}

func NewCallRecordService(pg *sql.DB) *CallRecordService {
	return &CallRecordService{PG: pg}
}

// UpsertFromCallBody creates the call record for a provider call id, or
// merges into the existing one. First writer wins: fields already present
// on the row are kept, the new delivery only fills gaps. Returns the
// surviving row.
func (s *CallRecordService) UpsertFromCallBody(body *db.TelephonyCallBody) (*db.CallRecord, error) {
	if body == nil || body.CallID == "" {
		return nil, &ValidationError{Field: "callId", Message: "missing provider call id"}
	}

	direction := body.Direction
	if direction == "" {
		direction = db.CallDirectionInbound
	}

	// Convert empty strings to NULL
	var fromNumberParam, fromNameParam, toNumberParam, toNameParam interface{}
	if body.From.PhoneNumber != "" {
		fromNumberParam = body.From.PhoneNumber
	}
	if body.From.Name != "" {
		fromNameParam = body.From.Name
	}
	if body.To.PhoneNumber != "" {
		toNumberParam = body.To.PhoneNumber
	}
	if body.To.Name != "" {
		toNameParam = body.To.Name
	}

	var startedAtParam, endedAtParam interface{}
	if body.StartTime != nil {
		startedAtParam = *body.StartTime
	}
	if body.EndTime != nil {
		endedAtParam = *body.EndTime
	}

	var recordingURLParam, recordingDurationParam, recordingSizeParam interface{}
	if body.Recording != nil {
		if body.Recording.ContentURI != "" {
			recordingURLParam = body.Recording.ContentURI
		}
		if body.Recording.DurationSeconds > 0 {
			recordingDurationParam = body.Recording.DurationSeconds
		}
		if body.Recording.SizeBytes > 0 {
			recordingSizeParam = body.Recording.SizeBytes
		}
	}

	var callID string
	err := s.PG.QueryRow(`
		INSERT INTO call_records (
			id, provider_call_id, direction, from_number, from_name, to_number, to_name,
			started_at, ended_at, duration_seconds,
			recording_url, recording_duration_seconds, recording_size_bytes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (provider_call_id) DO UPDATE SET
			from_number = COALESCE(call_records.from_number, EXCLUDED.from_number),
			from_name = COALESCE(call_records.from_name, EXCLUDED.from_name),
			to_number = COALESCE(call_records.to_number, EXCLUDED.to_number),
			to_name = COALESCE(call_records.to_name, EXCLUDED.to_name),
			started_at = COALESCE(call_records.started_at, EXCLUDED.started_at),
			ended_at = COALESCE(call_records.ended_at, EXCLUDED.ended_at),
			duration_seconds = GREATEST(call_records.duration_seconds, EXCLUDED.duration_seconds),
			recording_url = COALESCE(call_records.recording_url, EXCLUDED.recording_url),
			recording_duration_seconds = COALESCE(call_records.recording_duration_seconds, EXCLUDED.recording_duration_seconds),
			recording_size_bytes = COALESCE(call_records.recording_size_bytes, EXCLUDED.recording_size_bytes),
			updated_at = NOW()
		RETURNING id
	`, uuid.New().String(), body.CallID, direction,
		fromNumberParam, fromNameParam, toNumberParam, toNameParam,
		startedAtParam, endedAtParam, body.DurationSeconds,
		recordingURLParam, recordingDurationParam, recordingSizeParam,
	).Scan(&callID)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert call record: %w", err)
	}

	return s.GetCall(callID)
}

// SaveTranscription stores the transcription output. Re-running the stage
// overwrites deterministically; there is no append.
func (s *CallRecordService) SaveTranscription(callID, transcript string, confidence float64) error {
	_, err := s.PG.Exec(`
		UPDATE call_records
		SET transcript = $1, transcript_confidence = $2,
		    transcription_status = $3, updated_at = NOW()
		WHERE id = $4
	`, transcript, confidence, db.ProcessingStatusCompleted, callID)
	if err != nil {
		return fmt.Errorf("failed to save transcription: %w", err)
	}
	return nil
}

// SaveAnalysisSummary denormalizes the analysis metrics onto the call row
// for list views and the decision engine.
func (s *CallRecordService) SaveAnalysisSummary(callID string, analysis *db.CallAnalysis) error {
	var escalationRiskParam interface{}
	if analysis.EscalationRisk != nil {
		escalationRiskParam = *analysis.EscalationRisk
	}

	_, err := s.PG.Exec(`
		UPDATE call_records
		SET sentiment_score = $1, quality_score = $2, escalation_risk = $3,
		    summary = $4, analysis_status = $5, updated_at = NOW()
		WHERE id = $6
	`, analysis.SentimentScore, analysis.QualityScore, escalationRiskParam,
		analysis.Summary, db.ProcessingStatusCompleted, callID)
	if err != nil {
		return fmt.Errorf("failed to save analysis summary: %w", err)
	}
	return nil
}

// SetTranscriptionStatus updates the transcription stage status
func (s *CallRecordService) SetTranscriptionStatus(callID, status string) error {
	_, err := s.PG.Exec(`
		UPDATE call_records SET transcription_status = $1, updated_at = NOW() WHERE id = $2
	`, status, callID)
	if err != nil {
		return fmt.Errorf("failed to set transcription status: %w", err)
	}
	return nil
}

// SetAnalysisStatus updates the analysis stage status
func (s *CallRecordService) SetAnalysisStatus(callID, status string) error {
	_, err := s.PG.Exec(`
		UPDATE call_records SET analysis_status = $1, updated_at = NOW() WHERE id = $2
	`, status, callID)
	if err != nil {
		return fmt.Errorf("failed to set analysis status: %w", err)
	}
	return nil
}

// SetDispositionStatus updates the disposition stage status
func (s *CallRecordService) SetDispositionStatus(callID, status string) error {
	_, err := s.PG.Exec(`
		UPDATE call_records SET disposition_status = $1, updated_at = NOW() WHERE id = $2
	`, status, callID)
	if err != nil {
		return fmt.Errorf("failed to set disposition status: %w", err)
	}
	return nil
}

// SetSuggestedDisposition parks the engine's below-threshold candidate on
// the call and flags it for the manual review queue. A nil suggestion
// flags the call with no candidate attached.
func (s *CallRecordService) SetSuggestedDisposition(callID, dispositionID string, confidence *float64) error {
	var dispositionParam, confidenceParam interface{}
	if dispositionID != "" {
		dispositionParam = dispositionID
	}
	if confidence != nil {
		confidenceParam = *confidence
	}

	_, err := s.PG.Exec(`
		UPDATE call_records
		SET disposition_status = $1, suggested_disposition_id = $2,
		    suggested_confidence = $3, updated_at = NOW()
		WHERE id = $4
	`, db.DispositionStatusManualRequired, dispositionParam, confidenceParam, callID)
	if err != nil {
		return fmt.Errorf("failed to set suggested disposition: %w", err)
	}
	return nil
}

// GetCall returns a single call record with its disposition name resolved
func (s *CallRecordService) GetCall(callID string) (*db.CallRecord, error) {
	query := `
		SELECT c.id, c.provider_call_id, c.direction,
		       c.from_number, c.from_name, c.to_number, c.to_name,
		       c.started_at, c.ended_at, c.duration_seconds,
		       c.recording_url, c.recording_duration_seconds, c.recording_size_bytes,
		       c.transcript, c.transcript_confidence,
		       c.transcription_status, c.analysis_status, c.disposition_status,
		       c.sentiment_score, c.quality_score, c.escalation_risk, c.summary,
		       c.disposition_id, c.disposition_applied_by, c.disposition_applied_at,
		       c.suggested_disposition_id, c.suggested_confidence,
		       c.created_at, c.updated_at,
		       d.name as disposition_name
		FROM call_records c
		LEFT JOIN dispositions d ON c.disposition_id = d.id
		WHERE c.id = $1
	`

	row := s.PG.QueryRow(query, callID)
	call, err := scanCallRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call: %w", err)
	}
	return call, nil
}

// GetCallByProviderID resolves a call by the telephony provider's id
func (s *CallRecordService) GetCallByProviderID(providerCallID string) (*db.CallRecord, error) {
	query := `
		SELECT c.id, c.provider_call_id, c.direction,
		       c.from_number, c.from_name, c.to_number, c.to_name,
		       c.started_at, c.ended_at, c.duration_seconds,
		       c.recording_url, c.recording_duration_seconds, c.recording_size_bytes,
		       c.transcript, c.transcript_confidence,
		       c.transcription_status, c.analysis_status, c.disposition_status,
		       c.sentiment_score, c.quality_score, c.escalation_risk, c.summary,
		       c.disposition_id, c.disposition_applied_by, c.disposition_applied_at,
		       c.suggested_disposition_id, c.suggested_confidence,
		       c.created_at, c.updated_at,
		       d.name as disposition_name
		FROM call_records c
		LEFT JOIN dispositions d ON c.disposition_id = d.id
		WHERE c.provider_call_id = $1
	`

	row := s.PG.QueryRow(query, providerCallID)
	call, err := scanCallRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get call by provider id: %w", err)
	}
	return call, nil
}

// ListCalls returns a paginated list of call records with filters
func (s *CallRecordService) ListCalls(filters map[string]interface{}) ([]db.CallRecord, error) {
	query := `
		SELECT c.id, c.provider_call_id, c.direction,
		       c.from_number, c.from_name, c.to_number, c.to_name,
		       c.started_at, c.ended_at, c.duration_seconds,
		       c.recording_url, c.recording_duration_seconds, c.recording_size_bytes,
		       c.transcript, c.transcript_confidence,
		       c.transcription_status, c.analysis_status, c.disposition_status,
		       c.sentiment_score, c.quality_score, c.escalation_risk, c.summary,
		       c.disposition_id, c.disposition_applied_by, c.disposition_applied_at,
		       c.suggested_disposition_id, c.suggested_confidence,
		       c.created_at, c.updated_at,
		       d.name as disposition_name
		FROM call_records c
		LEFT JOIN dispositions d ON c.disposition_id = d.id
		WHERE 1=1
	`

	args := []interface{}{}
	argIndex := 1

	if direction, ok := filters["direction"].(string); ok && direction != "" {
		query += fmt.Sprintf(" AND c.direction = $%d", argIndex)
		args = append(args, direction)
		argIndex++
	}

	if status, ok := filters["disposition_status"].(string); ok && status != "" {
		query += fmt.Sprintf(" AND c.disposition_status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	if status, ok := filters["transcription_status"].(string); ok && status != "" {
		query += fmt.Sprintf(" AND c.transcription_status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	if status, ok := filters["analysis_status"].(string); ok && status != "" {
		query += fmt.Sprintf(" AND c.analysis_status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	if dispositionID, ok := filters["disposition_id"].(string); ok && dispositionID != "" {
		query += fmt.Sprintf(" AND c.disposition_id = $%d", argIndex)
		args = append(args, dispositionID)
		argIndex++
	}

	if search, ok := filters["search"].(string); ok && search != "" {
		query += fmt.Sprintf(" AND (c.from_number ILIKE $%d OR c.to_number ILIKE $%d OR c.summary ILIKE $%d)", argIndex, argIndex, argIndex)
		args = append(args, "%"+search+"%")
		argIndex++
	}

	// Time range filter
	if timeRange, ok := filters["time_range"].(string); ok && timeRange != "" && timeRange != "all" {
		switch timeRange {
		case "last_24_hours":
			query += " AND c.created_at >= NOW() - INTERVAL '24 hours'"
		case "last_7_days":
			query += " AND c.created_at >= NOW() - INTERVAL '7 days'"
		case "last_30_days":
			query += " AND c.created_at >= NOW() - INTERVAL '30 days'"
		}
	}

	query += " ORDER BY c.created_at DESC"

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
		log.Println("Error listing call records:", err)
		return nil, fmt.Errorf("failed to query call records: %w", err)
	}
	defer rows.Close()

	var calls []db.CallRecord
	for rows.Next() {
		call, err := scanCallRecord(rows)
		if err != nil {
			continue
		}
		calls = append(calls, *call)
	}

	return calls, nil
}

// ListManualReviewQueue returns calls waiting on a human disposition,
// oldest first so nothing starves at the back of the queue.
func (s *CallRecordService) ListManualReviewQueue(filters map[string]interface{}) ([]db.CallRecord, error) {
	reviewFilters := map[string]interface{}{
		"disposition_status": db.DispositionStatusManualRequired,
	}
	if l, ok := filters["limit"].(int); ok {
		reviewFilters["limit"] = l
	}
	if page, ok := filters["page"].(int); ok {
		reviewFilters["page"] = page
	}

	query := `
		SELECT c.id, c.provider_call_id, c.direction,
		       c.from_number, c.from_name, c.to_number, c.to_name,
		       c.started_at, c.ended_at, c.duration_seconds,
		       c.recording_url, c.recording_duration_seconds, c.recording_size_bytes,
		       c.transcript, c.transcript_confidence,
		       c.transcription_status, c.analysis_status, c.disposition_status,
		       c.sentiment_score, c.quality_score, c.escalation_risk, c.summary,
		       c.disposition_id, c.disposition_applied_by, c.disposition_applied_at,
		       c.suggested_disposition_id, c.suggested_confidence,
		       c.created_at, c.updated_at,
		       d.name as disposition_name
		FROM call_records c
		LEFT JOIN dispositions d ON c.suggested_disposition_id = d.id
		WHERE c.disposition_status = $1
		ORDER BY c.updated_at ASC
	`

	limit := 20
	if l, ok := reviewFilters["limit"].(int); ok && l > 0 && l <= 100 {
		limit = l
	}
	offset := 0
	if page, ok := reviewFilters["page"].(int); ok && page > 1 {
		offset = (page - 1) * limit
	}
	query += " LIMIT $2 OFFSET $3"

	rows, err := s.PG.Query(query, db.DispositionStatusManualRequired, limit, offset)
	if err != nil {
		log.Println("Error listing review queue:", err)
		return nil, fmt.Errorf("failed to query review queue: %w", err)
	}
	defer rows.Close()

	var calls []db.CallRecord
	for rows.Next() {
		call, err := scanCallRecord(rows)
		if err != nil {
			continue
		}
		calls = append(calls, *call)
	}

	return calls, nil
}

// rowScanner lets scanCallRecord serve both QueryRow and Query results
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCallRecord(row rowScanner) (*db.CallRecord, error) {
	var call db.CallRecord
	var fromNumber, fromName, toNumber, toName sql.NullString
	var startedAt, endedAt sql.NullTime
	var recordingURL sql.NullString
	var recordingDuration sql.NullInt64
	var recordingSize sql.NullInt64
	var transcript sql.NullString
	var transcriptConfidence sql.NullFloat64
	var sentimentScore, qualityScore, escalationRisk sql.NullFloat64
	var summary sql.NullString
	var dispositionID, appliedBy sql.NullString
	var appliedAt sql.NullTime
	var suggestedID sql.NullString
	var suggestedConfidence sql.NullFloat64
	var dispositionName sql.NullString

	err := row.Scan(
		&call.ID, &call.ProviderCallID, &call.Direction,
		&fromNumber, &fromName, &toNumber, &toName,
		&startedAt, &endedAt, &call.DurationSeconds,
		&recordingURL, &recordingDuration, &recordingSize,
		&transcript, &transcriptConfidence,
		&call.TranscriptionStatus, &call.AnalysisStatus, &call.DispositionStatus,
		&sentimentScore, &qualityScore, &escalationRisk, &summary,
		&dispositionID, &appliedBy, &appliedAt,
		&suggestedID, &suggestedConfidence,
		&call.CreatedAt, &call.UpdatedAt,
		&dispositionName,
	)
	if err != nil {
		return nil, err
	}

	// Handle nullable fields
	if fromNumber.Valid {
		call.FromNumber = fromNumber.String
	}
	if fromName.Valid {
		call.FromName = fromName.String
	}
	if toNumber.Valid {
		call.ToNumber = toNumber.String
	}
	if toName.Valid {
		call.ToName = toName.String
	}
	if startedAt.Valid {
		call.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		call.EndedAt = &endedAt.Time
	}
	if recordingURL.Valid {
		call.RecordingURL = recordingURL.String
	}
	if recordingDuration.Valid {
		call.RecordingDurationSeconds = int(recordingDuration.Int64)
	}
	if recordingSize.Valid {
		call.RecordingSizeBytes = recordingSize.Int64
	}
	if transcript.Valid {
		call.Transcript = transcript.String
	}
	if transcriptConfidence.Valid {
		call.TranscriptConfidence = &transcriptConfidence.Float64
	}
	if sentimentScore.Valid {
		call.SentimentScore = &sentimentScore.Float64
	}
	if qualityScore.Valid {
		call.QualityScore = &qualityScore.Float64
	}
	if escalationRisk.Valid {
		call.EscalationRisk = &escalationRisk.Float64
	}
	if summary.Valid {
		call.Summary = summary.String
	}
	if dispositionID.Valid {
		call.DispositionID = dispositionID.String
	}
	if appliedBy.Valid {
		call.DispositionAppliedBy = appliedBy.String
	}
	if appliedAt.Valid {
		call.DispositionAppliedAt = &appliedAt.Time
	}
	if suggestedID.Valid {
		call.SuggestedDispositionID = suggestedID.String
	}
	if suggestedConfidence.Valid {
		call.SuggestedConfidence = &suggestedConfidence.Float64
	}
	if dispositionName.Valid {
		call.DispositionName = dispositionName.String
	}

	return &call, nil
}
