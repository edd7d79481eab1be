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

type fakeTranscriber struct {
	result *TranscriptionResult
	err    error
	calls  []string
}

func (f *fakeTranscriber) TranscribeURL(ctx context.Context, recordingURL string) (*TranscriptionResult, error) {
	f.calls = append(f.calls, recordingURL)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func webhookEventRows(eventID, eventType, payload string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "event_type", "payload", "signature_valid", "status", "attempt_count",
		"error_detail", "result_summary", "call_id", "received_at", "started_at", "completed_at",
	}).AddRow(eventID, eventType, payload, true, db.ProcessingStatusPending, 0,
		nil, nil, nil, time.Now(), nil, nil)
}

func transcriptionCallRows(callID string, recordingURL, durationSeconds, sizeBytes interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(callRecordColumns()).AddRow(
		callID, "CA100", "inbound",
		"+15550100", nil, "+15550199", nil,
		nil, nil, 300,
		recordingURL, durationSeconds, sizeBytes,
		nil, nil,
		db.ProcessingStatusPending, db.ProcessingStatusPending, db.ProcessingStatusPending,
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil,
		time.Now(), time.Now(),
		nil,
	)
}

func newTranscriptionFixture(t *testing.T) (*TranscriptionService, sqlmock.Sqlmock, *fakeTranscriber, func()) {
	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	calls := NewCallRecordService(sqlDB)
	events := NewEventStoreService(sqlDB)
	queue := NewJobQueueService(sqlDB)
	service := NewTranscriptionService(sqlDB, calls, events, queue)

	transcriber := &fakeTranscriber{}
	service.SetTranscriber(transcriber)

	return service, mockDB, transcriber, func() { sqlDB.Close() }
}

func TestTranscriptionStage_NoRecordingShortCircuits(t *testing.T) {
	service, mockDB, transcriber, closeDB := newTranscriptionFixture(t)
	defer closeDB()

	payload := `{"event":"call.started","uuid":"u-1","body":{"callId":"CA100","direction":"inbound"}}`

	mockDB.ExpectQuery("SELECT (.+) FROM webhook_events").
		WithArgs("evt-1").WillReturnRows(webhookEventRows("evt-1", "call.started", payload))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs(db.ProcessingStatusProcessing, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("INSERT INTO call_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("call-1"))
	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").WillReturnRows(transcriptionCallRows("call-1", nil, nil, nil))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs("call-1", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs(db.ProcessingStatusCompleted, "call record updated; nothing to transcribe", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeTranscription, EventID: "evt-1"})
	assert.NoError(t, err)
	assert.Empty(t, transcriber.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestTranscriptionStage_OversizedRecordingFailsBeforeProviderCall(t *testing.T) {
	service, mockDB, transcriber, closeDB := newTranscriptionFixture(t)
	defer closeDB()

	prevBytes := config.App.Transcription.MaxRecordingBytes
	config.App.Transcription.MaxRecordingBytes = 1000
	defer func() { config.App.Transcription.MaxRecordingBytes = prevBytes }()

	payload := `{"event":"recording.ready","body":{"callId":"CA100","recording":{"contentUri":"https://cdn.example.com/rec.mp3","size":5000}}}`

	mockDB.ExpectQuery("SELECT (.+) FROM webhook_events").
		WithArgs("evt-1").WillReturnRows(webhookEventRows("evt-1", "recording.ready", payload))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs(db.ProcessingStatusProcessing, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("INSERT INTO call_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("call-1"))
	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcriptionCallRows("call-1", "https://cdn.example.com/rec.mp3", 60, int64(5000)))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs("call-1", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeTranscription, EventID: "evt-1"})

	var limitErr *ResourceLimitExceededError
	assert.Error(t, err)
	assert.True(t, errors.As(err, &limitErr))
	assert.Equal(t, int64(5000), limitErr.Actual)
	assert.Equal(t, int64(1000), limitErr.Limit)
	assert.False(t, IsRetryable(err))
	assert.Empty(t, transcriber.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestTranscriptionStage_TranscribesAndChainsAnalysis(t *testing.T) {
	service, mockDB, transcriber, closeDB := newTranscriptionFixture(t)
	defer closeDB()

	transcriber.result = &TranscriptionResult{Transcript: "thanks for calling", Confidence: 0.95}

	payload := `{"event":"recording.ready","body":{"callId":"CA100","recording":{"contentUri":"https://cdn.example.com/rec.mp3"}}}`

	mockDB.ExpectQuery("SELECT (.+) FROM webhook_events").
		WithArgs("evt-1").WillReturnRows(webhookEventRows("evt-1", "recording.ready", payload))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs(db.ProcessingStatusProcessing, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("INSERT INTO call_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("call-1"))
	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcriptionCallRows("call-1", "https://cdn.example.com/rec.mp3", 60, int64(900)))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs("call-1", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.ProcessingStatusProcessing, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs("thanks for calling", 0.95, db.ProcessingStatusCompleted, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), db.JobTypeAnalysis, int(db.JobPriorityMedium),
			"call-1", "evt-1", db.JobStatusQueued, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeTranscription, EventID: "evt-1"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/rec.mp3"}, transcriber.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestTranscriptionStage_RetranscribesCallWithoutEvent(t *testing.T) {
	service, mockDB, transcriber, closeDB := newTranscriptionFixture(t)
	defer closeDB()

	transcriber.result = &TranscriptionResult{Transcript: "thanks for calling", Confidence: 0.95}

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcriptionCallRows("call-1", "https://cdn.example.com/rec.mp3", 60, int64(900)))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.ProcessingStatusProcessing, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs("thanks for calling", 0.95, db.ProcessingStatusCompleted, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), db.JobTypeAnalysis, int(db.JobPriorityMedium),
			"call-1", nil, db.JobStatusQueued, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeTranscription, CallID: "call-1"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/rec.mp3"}, transcriber.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestTranscriptionStage_CallWithoutRecordingIsTerminal(t *testing.T) {
	service, mockDB, transcriber, closeDB := newTranscriptionFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").WillReturnRows(transcriptionCallRows("call-1", nil, nil, nil))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeTranscription, CallID: "call-1"})

	var validationErr *ValidationError
	assert.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "recording_url", validationErr.Field)
	assert.False(t, IsRetryable(err))
	assert.Empty(t, transcriber.calls)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestTranscriptionStage_ProviderFailureIsRetryable(t *testing.T) {
	service, mockDB, transcriber, closeDB := newTranscriptionFixture(t)
	defer closeDB()

	transcriber.err = &ExternalServiceError{Service: "deepgram", Err: errors.New("503 service unavailable")}

	payload := `{"event":"recording.ready","body":{"callId":"CA100","recording":{"contentUri":"https://cdn.example.com/rec.mp3"}}}`

	mockDB.ExpectQuery("SELECT (.+) FROM webhook_events").
		WithArgs("evt-1").WillReturnRows(webhookEventRows("evt-1", "recording.ready", payload))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs(db.ProcessingStatusProcessing, "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectQuery("INSERT INTO call_records").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("call-1"))
	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").
		WillReturnRows(transcriptionCallRows("call-1", "https://cdn.example.com/rec.mp3", nil, nil))
	mockDB.ExpectExec("UPDATE webhook_events").
		WithArgs("call-1", "evt-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.ProcessingStatusProcessing, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := service.ProcessJob(&db.Job{ID: "job-1", JobType: db.JobTypeTranscription, EventID: "evt-1"})
	assert.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.NoError(t, mockDB.ExpectationsWereMet())
}
