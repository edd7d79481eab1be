package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
)

type fakeAnalyzer struct {
	output *AnalysisOutput
	err    error
	calls  int
}

func (f *fakeAnalyzer) AnalyzeTranscript(ctx context.Context, transcript string) (*AnalysisOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.output, nil
}

type fakeInsightPublisher struct {
	published []string
	err       error
}

func (f *fakeInsightPublisher) PublishCallInsight(call *db.CallRecord, analysis *db.CallAnalysis) error {
	f.published = append(f.published, call.ID)
	return f.err
}

func transcribedCallRows(callID string, transcript interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(callRecordColumns()).AddRow(
		callID, "CA100", "inbound",
		"+15550100", nil, "+15550199", nil,
		nil, nil, 300,
		"https://cdn.example.com/rec.mp3", 60, int64(900),
		transcript, 0.95,
		db.ProcessingStatusCompleted, db.ProcessingStatusPending, db.ProcessingStatusPending,
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil,
		time.Now(), time.Now(),
		nil,
	)
}

func newAnalysisFixture(t *testing.T) (*AnalysisService, sqlmock.Sqlmock, *fakeAnalyzer, func()) {
	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	calls := NewCallRecordService(sqlDB)
	queue := NewJobQueueService(sqlDB)
	service := NewAnalysisService(sqlDB, calls, queue)

	analyzer := &fakeAnalyzer{}
	service.SetAnalyzer(analyzer)

	return service, mockDB, analyzer, func() { sqlDB.Close() }
}

func TestAnalysisStage_RequiresTranscript(t *testing.T) {
	service, mockDB, analyzer, closeDB := newAnalysisFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").WillReturnRows(transcribedCallRows("call-1", nil))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeAnalysis, CallID: "call-1"})

	var validationErr *ValidationError
	assert.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "transcript", validationErr.Field)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, analyzer.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestAnalysisStage_TranscriptTooLongFailsBeforeProviderCall(t *testing.T) {
	service, mockDB, analyzer, closeDB := newAnalysisFixture(t)
	defer closeDB()

	prevMax := config.App.Analysis.MaxTranscriptChars
	config.App.Analysis.MaxTranscriptChars = 10
	defer func() { config.App.Analysis.MaxTranscriptChars = prevMax }()

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcribedCallRows("call-1", "this transcript is longer than ten characters"))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeAnalysis, CallID: "call-1"})

	var limitErr *ResourceLimitExceededError
	assert.Error(t, err)
	assert.True(t, errors.As(err, &limitErr))
	assert.Equal(t, "transcript_chars", limitErr.Resource)
	assert.Equal(t, int64(10), limitErr.Limit)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, analyzer.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestAnalysisStage_SavesMetricsAndChainsDisposition(t *testing.T) {
	service, mockDB, analyzer, closeDB := newAnalysisFixture(t)
	defer closeDB()

	prevPrompt := config.App.Analysis.PromptCostCentsPer1M
	prevCompletion := config.App.Analysis.CompletionCostCentsPer1M
	config.App.Analysis.PromptCostCentsPer1M = 15
	config.App.Analysis.CompletionCostCentsPer1M = 60
	defer func() {
		config.App.Analysis.PromptCostCentsPer1M = prevPrompt
		config.App.Analysis.CompletionCostCentsPer1M = prevCompletion
	}()

	analyzer.output = &AnalysisOutput{
		SentimentScore:   85,
		QualityScore:     80,
		Confidence:       80,
		Summary:          "caller issue resolved",
		Keywords:         []string{"billing"},
		Model:            "gpt-4o-mini",
		PromptTokens:     500,
		CompletionTokens: 120,
	}
	insights := &fakeInsightPublisher{}
	service.SetInsightPublisher(insights)

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcribedCallRows("call-1", "thanks for calling, everything is resolved"))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.ProcessingStatusProcessing, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("INSERT INTO call_analyses").
		WithArgs(sqlmock.AnyArg(), "call-1", 85.0, 80.0, nil,
			80.0, "caller issue resolved", `["billing"]`, "gpt-4o-mini", 500, 120).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("analysis-1"))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(85.0, 80.0, nil, "caller issue resolved", db.ProcessingStatusCompleted, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), db.JobTypeDisposition, int(db.JobPriorityMedium),
			"call-1", "evt-1", db.JobStatusQueued, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	job := &db.Job{ID: "job-1", JobType: db.JobTypeAnalysis, CallID: "call-1", EventID: "evt-1"}
	err := service.ProcessJob(job)

	assert.NoError(t, err)
	assert.Equal(t, 620, job.TokensUsed)
	assert.InDelta(t, 0.0147, job.APICostCents, 0.0001)
	assert.Equal(t, []string{"call-1"}, insights.published)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestAnalysisStage_ClampsModelScores(t *testing.T) {
	service, mockDB, analyzer, closeDB := newAnalysisFixture(t)
	defer closeDB()

	risk := 150.0
	analyzer.output = &AnalysisOutput{
		SentimentScore:   140,
		QualityScore:     -10,
		EscalationRisk:   &risk,
		Confidence:       120,
		Summary:          "scores out of range",
		Model:            "gpt-4o-mini",
		PromptTokens:     100,
		CompletionTokens: 50,
	}

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcribedCallRows("call-1", "short call"))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.ProcessingStatusProcessing, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("INSERT INTO call_analyses").
		WithArgs(sqlmock.AnyArg(), "call-1", 100.0, 0.0, 100.0,
			100.0, "scores out of range", `[]`, "gpt-4o-mini", 100, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("analysis-1"))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(100.0, 0.0, 100.0, "scores out of range", db.ProcessingStatusCompleted, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), db.JobTypeDisposition, int(db.JobPriorityMedium),
			"call-1", nil, db.JobStatusQueued, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeAnalysis, CallID: "call-1"})
	assert.NoError(t, err)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestAnalysisStage_ProviderFailureIsRetryable(t *testing.T) {
	service, mockDB, analyzer, closeDB := newAnalysisFixture(t)
	defer closeDB()

	analyzer.err = &ExternalServiceError{Service: "openai", Err: errors.New("429 rate limited")}

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcribedCallRows("call-1", "short call"))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.ProcessingStatusProcessing, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeAnalysis, CallID: "call-1"})
	assert.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}
