package db

import (
	"encoding/json"
	"strings"
	"time"
)

// ===========================
// WEBHOOK EVENT MODELS
// ===========================

// WebhookEvent represents one inbound telephony webhook delivery.
// The payload is immutable once stored; only status/attempt/error fields
// mutate, and only the worker leasing the event's job writes them.
type WebhookEvent struct {
	ID             string                 `json:"id"`
	EventType      string                 `json:"event_type"` // call.started, call.ended, recording.ready
	Payload        map[string]interface{} `json:"payload"`
	SignatureValid bool                   `json:"signature_valid"`
	Status         string                 `json:"status"` // pending, processing, completed, failed
	AttemptCount   int                    `json:"attempt_count"`
	ErrorDetail    string                 `json:"error_detail,omitempty"`
	ResultSummary  string                 `json:"result_summary,omitempty"`
	CallID         string                 `json:"call_id,omitempty"` // linked once the call record is resolved
	ReceivedAt     time.Time              `json:"received_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`

	// Raw payload bytes for reprocessing; not part of API responses
	RawPayload json.RawMessage `json:"-"`
}

// ===========================
// CALL RECORD MODELS
// ===========================

// CallRecord represents one unique telephony call, keyed by the provider's
// call id. Duplicate webhook deliveries for the same call merge into this
// row rather than creating a second one.
type CallRecord struct {
	ID             string `json:"id"`
	ProviderCallID string `json:"provider_call_id"`
	Direction      string `json:"direction"` // inbound, outbound

	// Participants
	FromNumber string `json:"from_number,omitempty"`
	FromName   string `json:"from_name,omitempty"`
	ToNumber   string `json:"to_number,omitempty"`
	ToName     string `json:"to_name,omitempty"`

	// Timing
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`

	// Recording metadata
	RecordingURL             string `json:"recording_url,omitempty"`
	RecordingDurationSeconds int    `json:"recording_duration_seconds,omitempty"`
	RecordingSizeBytes       int64  `json:"recording_size_bytes,omitempty"`

	// Transcription output
	Transcript           string   `json:"transcript,omitempty"`
	TranscriptConfidence *float64 `json:"transcript_confidence,omitempty"`

	// Per-stage pipeline status, each independently
	// pending/processing/completed/failed (disposition also manual_required)
	TranscriptionStatus string `json:"transcription_status"`
	AnalysisStatus      string `json:"analysis_status"`
	DispositionStatus   string `json:"disposition_status"`

	// AI-derived summary fields, denormalized from the analysis record
	SentimentScore *float64 `json:"sentiment_score,omitempty"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	EscalationRisk *float64 `json:"escalation_risk,omitempty"`
	Summary        string   `json:"summary,omitempty"`

	// Current disposition (read-optimized denormalization of the latest
	// disposition_history row)
	DispositionID        string     `json:"disposition_id,omitempty"`
	DispositionAppliedBy string     `json:"disposition_applied_by,omitempty"` // "auto" or agent id
	DispositionAppliedAt *time.Time `json:"disposition_applied_at,omitempty"`

	// Engine suggestion kept when confidence fell below the auto-apply
	// threshold, so a later manual apply can be classified approved/override
	SuggestedDispositionID string   `json:"suggested_disposition_id,omitempty"`
	SuggestedConfidence    *float64 `json:"suggested_confidence,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// For API responses (populated via JOINs)
	DispositionName string `json:"disposition_name,omitempty"`
}

// CallAnalysis is the detailed per-call metrics record produced by the
// analysis stage. One row per call; re-running analysis overwrites it.
type CallAnalysis struct {
	ID               string    `json:"id"`
	CallID           string    `json:"call_id"`
	SentimentScore   float64   `json:"sentiment_score"` // 0-100
	QualityScore     float64   `json:"quality_score"`   // 0-100
	EscalationRisk   *float64  `json:"escalation_risk,omitempty"`
	Confidence       float64   `json:"confidence"` // engine's own confidence, 0-100
	Summary          string    `json:"summary,omitempty"`
	Keywords         []string  `json:"keywords,omitempty"`
	Model            string    `json:"model,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// ===========================
// DISPOSITION MODELS
// ===========================

// Disposition is a configured outcome category. Mutated by configuration
// management; read-only to the pipeline except for the usage counters.
type Disposition struct {
	ID               string                `json:"id"`
	Name             string                `json:"name"`
	Category         string                `json:"category"` // positive, neutral, negative
	AutoApplyEnabled bool                  `json:"auto_apply_enabled"`
	Conditions       DispositionConditions `json:"conditions"`
	ConfidenceBoost  float64               `json:"confidence_boost"`
	Priority         int                   `json:"priority"` // lower = evaluated first
	UsageCount       int                   `json:"usage_count"`
	AutoAppliedCount int                   `json:"auto_applied_count"`
	OverrideCount    int                   `json:"override_count"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// DispositionConditions is the auto-apply rule expression evaluated against
// analysis output. Nil fields are unconstrained; a condition referencing an
// analysis field that was not computed is treated as non-matching.
type DispositionConditions struct {
	MinSentimentScore *float64 `json:"min_sentiment_score,omitempty"`
	RequiredKeywords  []string `json:"required_keywords,omitempty"`
	MaxEscalationRisk *float64 `json:"max_escalation_risk,omitempty"`
}

// DispositionHistory is one append-only audit row per disposition
// transition. Never updated or deleted.
type DispositionHistory struct {
	ID                    string                 `json:"id"`
	CallID                string                 `json:"call_id"`
	DispositionID         string                 `json:"disposition_id,omitempty"` // empty when cleared
	PreviousDispositionID string                 `json:"previous_disposition_id,omitempty"`
	ActionType            string                 `json:"action_type"` // auto_applied, user_approved, user_override, manual
	Actor                 string                 `json:"actor"`       // "system" or agent id
	Confidence            *float64               `json:"confidence,omitempty"`
	Reasoning             map[string]interface{} `json:"reasoning,omitempty"`
	OverrideReason        string                 `json:"override_reason,omitempty"`
	CreatedAt             time.Time              `json:"created_at"`

	// For API responses (populated via JOINs)
	DispositionName string `json:"disposition_name,omitempty"`
	ActorName       string `json:"actor_name,omitempty"`
}

// ===========================
// JOB QUEUE MODELS
// ===========================

// JobPriority is a closed, totally ordered priority level. Higher value
// wins across tiers; FIFO by enqueue time within a tier.
type JobPriority int

const (
	JobPriorityLow JobPriority = iota + 1
	JobPriorityMedium
	JobPriorityHigh
	JobPriorityUrgent
)

func (p JobPriority) String() string {
	switch p {
	case JobPriorityLow:
		return "low"
	case JobPriorityMedium:
		return "medium"
	case JobPriorityHigh:
		return "high"
	case JobPriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParseJobPriority maps a priority string to its level. Unrecognized or
// empty input falls back to the given default rather than erroring, so the
// boundary never rejects a request over a bad priority hint.
func ParseJobPriority(s string, fallback JobPriority) JobPriority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return JobPriorityLow
	case "medium":
		return JobPriorityMedium
	case "high":
		return JobPriorityHigh
	case "urgent":
		return JobPriorityUrgent
	default:
		return fallback
	}
}

// DefaultPriorityForJobType returns the enqueue default when the caller
// does not specify a priority. Fresh calls should be transcribed promptly;
// cleanup can always wait.
func DefaultPriorityForJobType(jobType string) JobPriority {
	switch jobType {
	case JobTypeTranscription:
		return JobPriorityHigh
	case JobTypeAnalysis, JobTypeDisposition:
		return JobPriorityMedium
	case JobTypeCleanup:
		return JobPriorityLow
	default:
		return JobPriorityMedium
	}
}

// Job is one queued unit of pipeline work.
type Job struct {
	ID           string      `json:"id"`
	JobType      string      `json:"job_type"` // transcription, analysis, disposition, cleanup
	Priority     JobPriority `json:"priority"`
	CallID       string      `json:"call_id,omitempty"`
	EventID      string      `json:"event_id,omitempty"` // webhook event driving this chain
	Status       string      `json:"status"`             // queued, leased, processing, completed, failed, cancelled
	AttemptCount int         `json:"attempt_count"`
	MaxRetries   int         `json:"max_retries"`
	LastError    string      `json:"last_error,omitempty"`

	// Backoff gate: not leasable until this passes
	RunAfter time.Time `json:"run_after"`

	QueuedAt       time.Time  `json:"queued_at"`
	LeasedAt       *time.Time `json:"leased_at,omitempty"`
	LeasedBy       string     `json:"leased_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Resource usage for the AI-calling stages
	TokensUsed   int     `json:"tokens_used"`
	APICostCents float64 `json:"api_cost_cents"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueueStats is the operational snapshot returned by the stats endpoint.
type QueueStats struct {
	QueueLength            int            `json:"queue_length"`
	StatusCounts           map[string]int `json:"status_counts"`
	QueuedByType           map[string]int `json:"queued_by_type"`
	OldestQueuedAgeSeconds float64        `json:"oldest_queued_age_seconds"`
	CompletedLastHour      int            `json:"completed_last_hour"`
	FailedLastHour         int            `json:"failed_last_hour"`
	ActiveWorkers          int            `json:"active_workers"`
	BackendHealthy         bool           `json:"backend_healthy"`
}

// ===========================
// AGENT MODELS
// ===========================

// Agent is a CRM operator account. Agents apply manual dispositions;
// supervisors additionally receive review push notifications.
type Agent struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"` // agent, supervisor
	FCMToken     string    `json:"fcm_token,omitempty"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ===========================
// WEBHOOK ENVELOPE DTOs
// ===========================

// TelephonyEnvelope is the provider's signed event wrapper. A bare
// validationToken (subscription handshake) arrives in the same shape with
// every other field empty.
type TelephonyEnvelope struct {
	Event           string            `json:"event"`
	UUID            string            `json:"uuid"`
	Timestamp       *time.Time        `json:"timestamp,omitempty"`
	Body            TelephonyCallBody `json:"body"`
	ValidationToken string            `json:"validationToken,omitempty"`
}

// TelephonyCallBody is the nested call payload inside the envelope.
type TelephonyCallBody struct {
	CallID          string              `json:"callId"`
	Direction       string              `json:"direction,omitempty"`
	From            TelephonyParty      `json:"from,omitempty"`
	To              TelephonyParty      `json:"to,omitempty"`
	StartTime       *time.Time          `json:"startTime,omitempty"`
	EndTime         *time.Time          `json:"endTime,omitempty"`
	DurationSeconds int                 `json:"duration,omitempty"`
	Recording       *TelephonyRecording `json:"recording,omitempty"`
}

type TelephonyParty struct {
	PhoneNumber string `json:"phoneNumber,omitempty"`
	Name        string `json:"name,omitempty"`
}

type TelephonyRecording struct {
	ContentURI      string `json:"contentUri"`
	DurationSeconds int    `json:"duration,omitempty"`
	SizeBytes       int64  `json:"size,omitempty"`
}

// WebhookAckResponse is returned to the provider before any pipeline work
// begins. Field names follow the provider's documented contract.
type WebhookAckResponse struct {
	Status              string `json:"status"`
	EventID             string `json:"eventId"`
	QueuedForProcessing bool   `json:"queuedForProcessing"`
}

// ===========================
// REQUEST DTOs
// ===========================

// EnqueueJobRequest enqueues a pipeline stage for an existing call.
type EnqueueJobRequest struct {
	CallID   string `json:"call_id" binding:"required"`
	Priority string `json:"priority,omitempty"` // low|medium|high|urgent
}

// ApplyDispositionRequest is the manual disposition path used by agents.
type ApplyDispositionRequest struct {
	DispositionID  string `json:"disposition_id" binding:"required"`
	OverrideReason string `json:"override_reason,omitempty"`
}

// CreateAgentRequest provisions an operator account.
type CreateAgentRequest struct {
	Email    string `json:"email" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role,omitempty"` // agent (default) or supervisor
}

// ===========================
// CONSTANTS
// ===========================

// Processing statuses shared by webhook events and call pipeline stages
const (
	ProcessingStatusPending    = "pending"
	ProcessingStatusProcessing = "processing"
	ProcessingStatusCompleted  = "completed"
	ProcessingStatusFailed     = "failed"
)

// Disposition stage additionally surfaces calls for human review
const DispositionStatusManualRequired = "manual_required"

// Job statuses
const (
	JobStatusQueued     = "queued"
	JobStatusLeased     = "leased"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job types
const (
	JobTypeTranscription = "transcription"
	JobTypeAnalysis      = "analysis"
	JobTypeDisposition   = "disposition"
	JobTypeCleanup       = "cleanup"
)

// Disposition history action types
const (
	DispositionActionAutoApplied  = "auto_applied"
	DispositionActionUserApproved = "user_approved"
	DispositionActionUserOverride = "user_override"
	DispositionActionManual       = "manual"
)

// Disposition categories
const (
	DispositionCategoryPositive = "positive"
	DispositionCategoryNeutral  = "neutral"
	DispositionCategoryNegative = "negative"
)

// Call directions
const (
	CallDirectionInbound  = "inbound"
	CallDirectionOutbound = "outbound"
)

// Telephony webhook event types
const (
	EventTypeCallStarted    = "call.started"
	EventTypeCallEnded      = "call.ended"
	EventTypeRecordingReady = "recording.ready"
)

// Agent roles
const (
	AgentRoleAgent      = "agent"
	AgentRoleSupervisor = "supervisor"
)

// Actor recorded on auto-applied history rows
const SystemActor = "system"
