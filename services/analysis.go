package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
)

const analysisRequestTimeout = 2 * time.Minute

// analysisSystemPrompt pins the JSON contract the model must return. The
// decision engine consumes these fields verbatim, so the shape is part of
// the pipeline's interface.
const analysisSystemPrompt = `You are a call center quality analyst. Given a call transcript, respond with a JSON object containing exactly these fields:
- sentiment_score: number 0-100, the caller's overall sentiment (0 hostile, 100 delighted)
- quality_score: number 0-100, how well the call was handled
- escalation_risk: number 0-100, likelihood the caller escalates further; omit when the transcript gives no signal
- confidence: number 0-100, your confidence in these scores
- summary: one or two sentences describing what happened and the outcome
- keywords: array of up to 8 lowercase topic keywords`

// AnalysisOutput is the provider-independent analysis outcome.
type AnalysisOutput struct {
	SentimentScore   float64
	QualityScore     float64
	EscalationRisk   *float64
	Confidence       float64
	Summary          string
	Keywords         []string
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Analyzer scores a transcript
type Analyzer interface {
	AnalyzeTranscript(ctx context.Context, transcript string) (*AnalysisOutput, error)
}

// OpenAIAnalyzer scores transcripts through an OpenAI-compatible chat
// completion API in JSON mode.
type OpenAIAnalyzer struct {
	client *openai.Client
}

func NewOpenAIAnalyzer(apiKey, baseURL string) *OpenAIAnalyzer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAnalyzer{client: openai.NewClientWithConfig(cfg)}
}

func (a *OpenAIAnalyzer) AnalyzeTranscript(ctx context.Context, transcript string) (*AnalysisOutput, error) {
	model := config.App.Analysis.Model
	if model == "" {
		model = openai.GPT4oMini
	}

	request := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.2,
	}

	response, err := a.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, &ExternalServiceError{Service: "openai", Err: err}
	}
	if len(response.Choices) == 0 {
		return nil, &ExternalServiceError{Service: "openai", Err: fmt.Errorf("no choices in response")}
	}

	var parsed struct {
		SentimentScore float64  `json:"sentiment_score"`
		QualityScore   float64  `json:"quality_score"`
		EscalationRisk *float64 `json:"escalation_risk"`
		Confidence     float64  `json:"confidence"`
		Summary        string   `json:"summary"`
		Keywords       []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(response.Choices[0].Message.Content), &parsed); err != nil {
		return nil, &ExternalServiceError{Service: "openai", Err: fmt.Errorf("unparseable analysis response: %v", err)}
	}

	return &AnalysisOutput{
		SentimentScore:   parsed.SentimentScore,
		QualityScore:     parsed.QualityScore,
		EscalationRisk:   parsed.EscalationRisk,
		Confidence:       parsed.Confidence,
		Summary:          parsed.Summary,
		Keywords:         parsed.Keywords,
		Model:            model,
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
	}, nil
}

// AnalysisService runs the second pipeline stage: score the transcript,
// persist the metrics and hand the call to the decision engine.
type AnalysisService struct {
	PG       *sql.DB
	Calls    *CallRecordService
	Queue    *JobQueueService
	Analyzer Analyzer
	Insights InsightPublisher
}

func NewAnalysisService(pg *sql.DB, calls *CallRecordService, queue *JobQueueService) *AnalysisService {
	return &AnalysisService{
		PG:    pg,
		Calls: calls,
		Queue: queue,
	}
}

// SetAnalyzer sets the analysis backend
func (s *AnalysisService) SetAnalyzer(a Analyzer) {
	s.Analyzer = a
}

// SetInsightPublisher sets the queue publisher for downstream consumers
func (s *AnalysisService) SetInsightPublisher(p InsightPublisher) {
	s.Insights = p
}

func (s *AnalysisService) ProcessJob(job *db.Job) error {
	if job.CallID == "" {
		return &ValidationError{Field: "call_id", Message: "analysis job has no call"}
	}

	call, err := s.Calls.GetCall(job.CallID)
	if err != nil {
		return fmt.Errorf("failed to load call for analysis: %w", err)
	}

	if call.Transcript == "" {
		return &ValidationError{Field: "transcript", Message: "call has no transcript to analyze"}
	}

	maxChars := config.App.Analysis.MaxTranscriptChars
	if maxChars > 0 && len(call.Transcript) > maxChars {
		return &ResourceLimitExceededError{
			Resource: "transcript_chars",
			Actual:   int64(len(call.Transcript)),
			Limit:    int64(maxChars),
		}
	}

	if s.Analyzer == nil {
		return &ValidationError{Field: "analyzer", Message: "no analysis backend configured"}
	}

	if err := s.Calls.SetAnalysisStatus(call.ID, db.ProcessingStatusProcessing); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), analysisRequestTimeout)
	defer cancel()

	output, err := s.Analyzer.AnalyzeTranscript(ctx, call.Transcript)
	if err != nil {
		return err
	}

	analysis, err := s.saveAnalysis(call.ID, output)
	if err != nil {
		return err
	}

	if err := s.Calls.SaveAnalysisSummary(call.ID, analysis); err != nil {
		return err
	}

	job.TokensUsed = output.PromptTokens + output.CompletionTokens
	job.APICostCents = analysisCostCents(output.PromptTokens, output.CompletionTokens)

	log.Printf("🧠 Analyzed call %s (sentiment %.0f, quality %.0f, confidence %.0f)",
		call.ID, analysis.SentimentScore, analysis.QualityScore, analysis.Confidence)

	if s.Insights != nil {
		if err := s.Insights.PublishCallInsight(call, analysis); err != nil {
			log.Printf("⚠️  Failed to publish call insight for %s: %v", call.ID, err)
		}
	}

	if _, err := s.Queue.Enqueue(db.JobTypeDisposition, call.ID, job.EventID, 0); err != nil {
		return fmt.Errorf("failed to enqueue disposition for call %s: %w", call.ID, err)
	}

	return nil
}

// saveAnalysis upserts the call's single analysis row. Re-running the stage
// overwrites every metric; there is never a second row per call.
func (s *AnalysisService) saveAnalysis(callID string, output *AnalysisOutput) (*db.CallAnalysis, error) {
	analysis := &db.CallAnalysis{
		CallID:           callID,
		SentimentScore:   clampScore(output.SentimentScore),
		QualityScore:     clampScore(output.QualityScore),
		Confidence:       clampScore(output.Confidence),
		Summary:          output.Summary,
		Keywords:         output.Keywords,
		Model:            output.Model,
		PromptTokens:     output.PromptTokens,
		CompletionTokens: output.CompletionTokens,
	}
	if output.EscalationRisk != nil {
		risk := clampScore(*output.EscalationRisk)
		analysis.EscalationRisk = &risk
	}

	var escalationRiskParam interface{}
	if analysis.EscalationRisk != nil {
		escalationRiskParam = *analysis.EscalationRisk
	}

	keywords := analysis.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, _ := json.Marshal(keywords)

	err := s.PG.QueryRow(`
		INSERT INTO call_analyses (id, call_id, sentiment_score, quality_score, escalation_risk,
		                           confidence, summary, keywords, model, prompt_tokens, completion_tokens)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (call_id) DO UPDATE SET
			sentiment_score = EXCLUDED.sentiment_score,
			quality_score = EXCLUDED.quality_score,
			escalation_risk = EXCLUDED.escalation_risk,
			confidence = EXCLUDED.confidence,
			summary = EXCLUDED.summary,
			keywords = EXCLUDED.keywords,
			model = EXCLUDED.model,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			updated_at = NOW()
		RETURNING id
	`, uuid.New().String(), callID, analysis.SentimentScore, analysis.QualityScore, escalationRiskParam,
		analysis.Confidence, analysis.Summary, string(keywordsJSON), analysis.Model,
		analysis.PromptTokens, analysis.CompletionTokens,
	).Scan(&analysis.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to save analysis for call %s: %w", callID, err)
	}

	return analysis, nil
}

func analysisCostCents(promptTokens, completionTokens int) float64 {
	prompt := config.App.Analysis.PromptCostCentsPer1M
	completion := config.App.Analysis.CompletionCostCentsPer1M
	return (float64(promptTokens)*prompt + float64(completionTokens)*completion) / 1_000_000
}
