package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
)

// DispositionService owns the outcome catalog, the decision engine and
// every path that commits a disposition to a call. All commit paths write
// the audit row before touching the call_records head, so a crash between
// the two leaves the trail ahead of the read model, never behind it.
type DispositionService struct {
	PG       *sql.DB
	Calls    *CallRecordService
	Events   *EventStoreService
	Notifier ReviewNotifier
}

func NewDispositionService(pg *sql.DB, calls *CallRecordService, events *EventStoreService) *DispositionService {
	return &DispositionService{
		PG:     pg,
		Calls:  calls,
		Events: events,
	}
}

// SetNotifier sets the review notifier for manual-review alerts
func (s *DispositionService) SetNotifier(notifier ReviewNotifier) {
	s.Notifier = notifier
}

// DecisionOutcome is what the decision engine returns. A nil Disposition
// means no auto-apply rule matched; that is a normal outcome, not an
// error, and routes the call to manual review.
type DecisionOutcome struct {
	Disposition  *db.Disposition        `json:"disposition,omitempty"`
	Confidence   float64                `json:"confidence"`
	AutoApply    bool                   `json:"auto_apply"`
	Reasoning    map[string]interface{} `json:"reasoning"`
	Alternatives []DecisionAlternative  `json:"alternatives,omitempty"`
}

// DecisionAlternative is a lower-priority disposition that also matched
type DecisionAlternative struct {
	DispositionID string  `json:"disposition_id"`
	Name          string  `json:"name"`
	Confidence    float64 `json:"confidence"`
}

// Decide evaluates the catalog against one call's analysis. Deterministic
// and side-effect free: same inputs, same outcome. Only auto-apply-enabled
// dispositions compete; they are tried in ascending priority order and the
// first full condition match wins. Confidence is the analysis confidence
// plus the winner's boost, clamped to [0,100]; the call auto-applies only
// when that clears threshold.
func Decide(call *db.CallRecord, analysis *db.CallAnalysis, catalog []db.Disposition, threshold float64) *DecisionOutcome {
	outcome := &DecisionOutcome{
		Reasoning: map[string]interface{}{"threshold": threshold},
	}

	if analysis == nil {
		outcome.Reasoning["no_match"] = "no analysis available"
		return outcome
	}

	candidates := make([]db.Disposition, 0, len(catalog))
	for _, d := range catalog {
		if d.AutoApplyEnabled {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Priority < candidates[j].Priority
	})

	var chosen *db.Disposition
	for i := range candidates {
		if !conditionsMatch(&candidates[i].Conditions, call, analysis) {
			continue
		}
		if chosen == nil {
			chosen = &candidates[i]
			continue
		}
		outcome.Alternatives = append(outcome.Alternatives, DecisionAlternative{
			DispositionID: candidates[i].ID,
			Name:          candidates[i].Name,
			Confidence:    clampScore(analysis.Confidence + candidates[i].ConfidenceBoost),
		})
	}

	if chosen == nil {
		outcome.Reasoning["no_match"] = "no auto-apply rule matched"
		return outcome
	}

	outcome.Disposition = chosen
	outcome.Confidence = clampScore(analysis.Confidence + chosen.ConfidenceBoost)
	outcome.AutoApply = outcome.Confidence >= threshold
	outcome.Reasoning["matched_disposition"] = chosen.Name
	outcome.Reasoning["base_confidence"] = analysis.Confidence
	outcome.Reasoning["confidence_boost"] = chosen.ConfidenceBoost
	outcome.Reasoning["final_confidence"] = outcome.Confidence
	outcome.Reasoning["matched_conditions"] = describeConditions(&chosen.Conditions)

	return outcome
}

// conditionsMatch requires every configured condition to hold. A condition
// that references an analysis field the engine did not compute fails the
// match rather than erroring.
func conditionsMatch(c *db.DispositionConditions, call *db.CallRecord, analysis *db.CallAnalysis) bool {
	if c.MinSentimentScore != nil && analysis.SentimentScore < *c.MinSentimentScore {
		return false
	}

	if c.MaxEscalationRisk != nil {
		if analysis.EscalationRisk == nil {
			return false
		}
		if *analysis.EscalationRisk > *c.MaxEscalationRisk {
			return false
		}
	}

	if len(c.RequiredKeywords) > 0 {
		haystack := strings.ToLower(call.Transcript + " " + analysis.Summary + " " + strings.Join(analysis.Keywords, " "))
		for _, keyword := range c.RequiredKeywords {
			if !strings.Contains(haystack, strings.ToLower(keyword)) {
				return false
			}
		}
	}

	return true
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func describeConditions(c *db.DispositionConditions) map[string]interface{} {
	described := map[string]interface{}{}
	if c.MinSentimentScore != nil {
		described["min_sentiment_score"] = *c.MinSentimentScore
	}
	if c.MaxEscalationRisk != nil {
		described["max_escalation_risk"] = *c.MaxEscalationRisk
	}
	if len(c.RequiredKeywords) > 0 {
		described["required_keywords"] = c.RequiredKeywords
	}
	return described
}

// ProcessJob runs the disposition stage for one call: decide, then either
// commit automatically or park the call for manual review. Either way the
// driving webhook event finishes here; manual review is a human followup,
// not a pipeline failure.
func (s *DispositionService) ProcessJob(job *db.Job) error {
	if job.CallID == "" {
		return &ValidationError{Field: "call_id", Message: "disposition job has no call"}
	}

	call, err := s.Calls.GetCall(job.CallID)
	if err != nil {
		return fmt.Errorf("failed to load call for disposition: %w", err)
	}

	if err := s.Calls.SetDispositionStatus(call.ID, db.ProcessingStatusProcessing); err != nil {
		return err
	}

	analysis, err := s.getAnalysisForCall(call.ID)
	if err != nil {
		return err
	}

	catalog, err := s.ListDispositions()
	if err != nil {
		return err
	}

	outcome := Decide(call, analysis, catalog, config.App.AutoApplyThreshold)

	if outcome.AutoApply {
		if err := s.autoApply(call, outcome); err != nil {
			return err
		}
		log.Printf("🤖 Auto-applied disposition %q to call %s (confidence %.1f)",
			outcome.Disposition.Name, call.ID, outcome.Confidence)

		if job.EventID != "" {
			summary := fmt.Sprintf("disposition %q auto-applied at confidence %.1f", outcome.Disposition.Name, outcome.Confidence)
			if err := s.Events.MarkCompleted(job.EventID, summary); err != nil {
				log.Printf("⚠️  Failed to mark event %s completed: %v", job.EventID, err)
			}
		}
		return nil
	}

	// Below threshold or no match: flag for a human, keeping the best
	// candidate so the eventual manual choice can be classified
	suggestedID := ""
	var suggestedConfidence *float64
	if outcome.Disposition != nil {
		suggestedID = outcome.Disposition.ID
		c := outcome.Confidence
		suggestedConfidence = &c
	}

	if err := s.Calls.SetSuggestedDisposition(call.ID, suggestedID, suggestedConfidence); err != nil {
		return err
	}
	log.Printf("👤 Call %s routed to manual review (suggested %q, confidence %.1f)",
		call.ID, suggestedID, outcome.Confidence)

	if s.Notifier != nil {
		if err := s.Notifier.SendManualReviewNotification(call.ID, suggestedID, suggestedConfidence); err != nil {
			log.Printf("⚠️  Failed to send manual review notification: %v", err)
		}
	}

	if job.EventID != "" {
		if err := s.Events.MarkCompleted(job.EventID, "disposition requires manual review"); err != nil {
			log.Printf("⚠️  Failed to mark event %s completed: %v", job.EventID, err)
		}
	}

	return nil
}

// autoApply commits the engine's decision: audit row first, then the
// call_records head, then the catalog counters.
func (s *DispositionService) autoApply(call *db.CallRecord, outcome *DecisionOutcome) error {
	confidence := outcome.Confidence
	err := s.createDispositionHistory(call.ID, outcome.Disposition.ID, call.DispositionID,
		db.DispositionActionAutoApplied, db.SystemActor, &confidence, outcome.Reasoning, "")
	if err != nil {
		return err
	}

	_, err = s.PG.Exec(`
		UPDATE call_records
		SET disposition_id = $1, disposition_applied_by = $2, disposition_applied_at = NOW(),
		    disposition_status = $3, suggested_disposition_id = NULL, suggested_confidence = NULL,
		    updated_at = NOW()
		WHERE id = $4
	`, outcome.Disposition.ID, db.SystemActor, db.ProcessingStatusCompleted, call.ID)
	if err != nil {
		return fmt.Errorf("failed to apply disposition to call %s: %w", call.ID, err)
	}

	s.incrementUsage(outcome.Disposition.ID, true)
	return nil
}

// Apply commits a human decision for one call. Always writes an audit row,
// even when the same disposition is applied twice in a row. The action is
// classified against the engine's stored suggestion: approving it is
// user_approved, picking something else is user_override, and deciding
// with no suggestion on file is manual.
func (s *DispositionService) Apply(callID, dispositionID, actorID, overrideReason string) (*db.CallRecord, error) {
	call, err := s.Calls.GetCall(callID)
	if err != nil {
		return nil, err
	}

	disposition, err := s.GetDisposition(dispositionID)
	if err != nil {
		return nil, &ValidationError{Field: "disposition_id", Message: "unknown disposition"}
	}

	actionType := db.DispositionActionManual
	if call.SuggestedDispositionID != "" {
		if call.SuggestedDispositionID == dispositionID {
			actionType = db.DispositionActionUserApproved
		} else {
			actionType = db.DispositionActionUserOverride
		}
	}

	var confidence *float64
	if actionType == db.DispositionActionUserApproved && call.SuggestedConfidence != nil {
		confidence = call.SuggestedConfidence
	}

	reasoning := map[string]interface{}{}
	if call.SuggestedDispositionID != "" {
		reasoning["suggested_disposition_id"] = call.SuggestedDispositionID
		if call.SuggestedConfidence != nil {
			reasoning["suggested_confidence"] = *call.SuggestedConfidence
		}
	}

	err = s.createDispositionHistory(call.ID, dispositionID, call.DispositionID,
		actionType, actorID, confidence, reasoning, overrideReason)
	if err != nil {
		return nil, err
	}

	_, err = s.PG.Exec(`
		UPDATE call_records
		SET disposition_id = $1, disposition_applied_by = $2, disposition_applied_at = NOW(),
		    disposition_status = $3, updated_at = NOW()
		WHERE id = $4
	`, dispositionID, actorID, db.ProcessingStatusCompleted, call.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to apply disposition to call %s: %w", call.ID, err)
	}

	s.incrementUsage(disposition.ID, false)
	if actionType == db.DispositionActionUserOverride {
		s.incrementOverride(call.SuggestedDispositionID)
	}

	log.Printf("✅ Agent %s applied disposition %q to call %s (%s)", actorID, disposition.Name, call.ID, actionType)
	return s.Calls.GetCall(call.ID)
}

// createDispositionHistory appends one audit row. This is the source of
// truth; the head fields on call_records are derived from it.
func (s *DispositionService) createDispositionHistory(callID, dispositionID, previousDispositionID, actionType, actor string, confidence *float64, reasoning map[string]interface{}, overrideReason string) error {
	reasoningJSON, _ := json.Marshal(reasoning)

	var dispositionParam, previousParam, confidenceParam, overrideReasonParam interface{}
	if dispositionID != "" {
		dispositionParam = dispositionID
	}
	if previousDispositionID != "" {
		previousParam = previousDispositionID
	}
	if confidence != nil {
		confidenceParam = *confidence
	}
	if overrideReason != "" {
		overrideReasonParam = overrideReason
	}

	_, err := s.PG.Exec(`
		INSERT INTO disposition_history (id, call_id, disposition_id, previous_disposition_id,
		                                 action_type, actor, confidence, reasoning, override_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), callID, dispositionParam, previousParam,
		actionType, actor, confidenceParam, string(reasoningJSON), overrideReasonParam)
	if err != nil {
		return fmt.Errorf("failed to create disposition history: %w", err)
	}

	return nil
}

func (s *DispositionService) incrementUsage(dispositionID string, autoApplied bool) {
	query := `UPDATE dispositions SET usage_count = usage_count + 1, updated_at = NOW() WHERE id = $1`
	if autoApplied {
		query = `UPDATE dispositions SET usage_count = usage_count + 1, auto_applied_count = auto_applied_count + 1, updated_at = NOW() WHERE id = $1`
	}
	if _, err := s.PG.Exec(query, dispositionID); err != nil {
		log.Printf("⚠️  Failed to increment usage for disposition %s: %v", dispositionID, err)
	}
}

func (s *DispositionService) incrementOverride(dispositionID string) {
	if dispositionID == "" {
		return
	}
	_, err := s.PG.Exec(`
		UPDATE dispositions SET override_count = override_count + 1, updated_at = NOW() WHERE id = $1
	`, dispositionID)
	if err != nil {
		log.Printf("⚠️  Failed to increment override count for disposition %s: %v", dispositionID, err)
	}
}

// GetDisposition returns a single catalog entry
func (s *DispositionService) GetDisposition(dispositionID string) (*db.Disposition, error) {
	query := `
		SELECT id, name, category, auto_apply_enabled, conditions, confidence_boost,
		       priority, usage_count, auto_applied_count, override_count, created_at, updated_at
		FROM dispositions
		WHERE id = $1
	`

	row := s.PG.QueryRow(query, dispositionID)
	disposition, err := scanDisposition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("disposition not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get disposition: %w", err)
	}
	return disposition, nil
}

// ListDispositions returns the full catalog in evaluation order
func (s *DispositionService) ListDispositions() ([]db.Disposition, error) {
	query := `
		SELECT id, name, category, auto_apply_enabled, conditions, confidence_boost,
		       priority, usage_count, auto_applied_count, override_count, created_at, updated_at
		FROM dispositions
		ORDER BY priority ASC, name ASC
	`

	rows, err := s.PG.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispositions: %w", err)
	}
	defer rows.Close()

	var dispositions []db.Disposition
	for rows.Next() {
		disposition, err := scanDisposition(rows)
		if err != nil {
			continue
		}
		dispositions = append(dispositions, *disposition)
	}

	return dispositions, nil
}

// GetHistory returns a call's full audit trail, newest first
func (s *DispositionService) GetHistory(callID string) ([]db.DispositionHistory, error) {
	query := `
		SELECT h.id, h.call_id, h.disposition_id, h.previous_disposition_id,
		       h.action_type, h.actor, h.confidence, h.reasoning, h.override_reason, h.created_at,
		       d.name as disposition_name,
		       a.name as actor_name
		FROM disposition_history h
		LEFT JOIN dispositions d ON h.disposition_id = d.id
		LEFT JOIN agents a ON h.actor = a.id::text
		WHERE h.call_id = $1
		ORDER BY h.created_at DESC
	`

	rows, err := s.PG.Query(query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to query disposition history: %w", err)
	}
	defer rows.Close()

	var history []db.DispositionHistory
	for rows.Next() {
		var entry db.DispositionHistory
		var dispositionID, previousID sql.NullString
		var confidence sql.NullFloat64
		var reasoning, overrideReason sql.NullString
		var dispositionName, actorName sql.NullString

		err := rows.Scan(
			&entry.ID, &entry.CallID, &dispositionID, &previousID,
			&entry.ActionType, &entry.Actor, &confidence, &reasoning, &overrideReason, &entry.CreatedAt,
			&dispositionName, &actorName,
		)
		if err != nil {
			continue
		}

		if dispositionID.Valid {
			entry.DispositionID = dispositionID.String
		}
		if previousID.Valid {
			entry.PreviousDispositionID = previousID.String
		}
		if confidence.Valid {
			entry.Confidence = &confidence.Float64
		}
		if reasoning.Valid && reasoning.String != "" {
			_ = json.Unmarshal([]byte(reasoning.String), &entry.Reasoning)
		}
		if overrideReason.Valid {
			entry.OverrideReason = overrideReason.String
		}
		if dispositionName.Valid {
			entry.DispositionName = dispositionName.String
		}
		if actorName.Valid {
			entry.ActorName = actorName.String
		}

		history = append(history, entry)
	}

	return history, nil
}

// ReconcileDispositionHeads repairs call_records whose head fields
// disagree with their newest audit row, in the audit trail's favor. Run
// from the cleanup job; the interrupted-commit window makes this possible.
func (s *DispositionService) ReconcileDispositionHeads() (int, error) {
	result, err := s.PG.Exec(`
		UPDATE call_records c
		SET disposition_id = h.disposition_id,
		    disposition_applied_by = h.actor,
		    disposition_applied_at = h.created_at,
		    disposition_status = $1,
		    updated_at = NOW()
		FROM (
			SELECT DISTINCT ON (call_id) call_id, disposition_id, actor, created_at
			FROM disposition_history
			ORDER BY call_id, created_at DESC
		) h
		WHERE c.id = h.call_id
		  AND h.disposition_id IS NOT NULL
		  AND c.disposition_id IS DISTINCT FROM h.disposition_id
	`, db.ProcessingStatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile disposition heads: %w", err)
	}

	repaired, _ := result.RowsAffected()
	if repaired > 0 {
		log.Printf("🔧 Reconciled %d call records against the disposition audit trail", repaired)
	}
	return int(repaired), nil
}

func (s *DispositionService) getAnalysisForCall(callID string) (*db.CallAnalysis, error) {
	query := `
		SELECT id, call_id, sentiment_score, quality_score, escalation_risk,
		       confidence, summary, keywords, model, prompt_tokens, completion_tokens,
		       created_at, updated_at
		FROM call_analyses
		WHERE call_id = $1
	`

	var analysis db.CallAnalysis
	var escalationRisk sql.NullFloat64
	var summary, keywords, model sql.NullString

	err := s.PG.QueryRow(query, callID).Scan(
		&analysis.ID, &analysis.CallID, &analysis.SentimentScore, &analysis.QualityScore,
		&escalationRisk, &analysis.Confidence, &summary, &keywords, &model,
		&analysis.PromptTokens, &analysis.CompletionTokens,
		&analysis.CreatedAt, &analysis.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		// The disposition stage only runs after analysis; a missing row
		// means the chain was tampered with or the data is gone
		return nil, &ValidationError{Field: "analysis", Message: "no analysis on file for call"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis for call %s: %w", callID, err)
	}

	if escalationRisk.Valid {
		analysis.EscalationRisk = &escalationRisk.Float64
	}
	if summary.Valid {
		analysis.Summary = summary.String
	}
	if keywords.Valid && keywords.String != "" {
		_ = json.Unmarshal([]byte(keywords.String), &analysis.Keywords)
	}
	if model.Valid {
		analysis.Model = model.String
	}

	return &analysis, nil
}

func scanDisposition(row rowScanner) (*db.Disposition, error) {
	var disposition db.Disposition
	var conditions sql.NullString

	err := row.Scan(
		&disposition.ID, &disposition.Name, &disposition.Category, &disposition.AutoApplyEnabled,
		&conditions, &disposition.ConfidenceBoost, &disposition.Priority,
		&disposition.UsageCount, &disposition.AutoAppliedCount, &disposition.OverrideCount,
		&disposition.CreatedAt, &disposition.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if conditions.Valid && conditions.String != "" {
		_ = json.Unmarshal([]byte(conditions.String), &disposition.Conditions)
	}

	return &disposition, nil
}
