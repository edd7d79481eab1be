package services

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/voicedeskhq/voicedesk/db"
)

func callRecordColumns() []string {
	return []string{
		"id", "provider_call_id", "direction",
		"from_number", "from_name", "to_number", "to_name",
		"started_at", "ended_at", "duration_seconds",
		"recording_url", "recording_duration_seconds", "recording_size_bytes",
		"transcript", "transcript_confidence",
		"transcription_status", "analysis_status", "disposition_status",
		"sentiment_score", "quality_score", "escalation_risk", "summary",
		"disposition_id", "disposition_applied_by", "disposition_applied_at",
		"suggested_disposition_id", "suggested_confidence",
		"created_at", "updated_at",
		"disposition_name",
	}
}

func TestCallRecord_UpsertFromCallBody_RequiresCallID(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	service := NewCallRecordService(sqlDB)

	_, err = service.UpsertFromCallBody(&db.TelephonyCallBody{})
	assert.Error(t, err)

	var validationErr *ValidationError
	assert.True(t, errors.As(err, &validationErr))
	assert.Equal(t, "callId", validationErr.Field)
	assert.False(t, IsRetryable(err))
}

func TestCallRecord_UpsertFromCallBody_MergesIntoExistingRow(t *testing.T) {
	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	service := NewCallRecordService(sqlDB)

	started := time.Now().Add(-10 * time.Minute)
	ended := time.Now().Add(-4 * time.Minute)

	// The conflict target resolves to the already-existing row id
	mockDB.ExpectQuery("INSERT INTO call_records").
		WithArgs(sqlmock.AnyArg(), "CA100", "inbound",
			"+15550100", nil, "+15550111", nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 360,
			"https://media.example.com/rec/CA100", 355, int64(2_100_000)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("call-existing"))

	rows := sqlmock.NewRows(callRecordColumns()).AddRow(
		"call-existing", "CA100", "inbound",
		"+15550100", nil, "+15550111", nil,
		started, ended, 360,
		"https://media.example.com/rec/CA100", 355, 2_100_000,
		nil, nil,
		db.ProcessingStatusPending, db.ProcessingStatusPending, db.ProcessingStatusPending,
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil,
		time.Now(), time.Now(),
		nil,
	)
	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-existing").
		WillReturnRows(rows)

	call, err := service.UpsertFromCallBody(&db.TelephonyCallBody{
		CallID:          "CA100",
		Direction:       "inbound",
		From:            db.TelephonyParty{PhoneNumber: "+15550100"},
		To:              db.TelephonyParty{PhoneNumber: "+15550111"},
		StartTime:       &started,
		EndTime:         &ended,
		DurationSeconds: 360,
		Recording: &db.TelephonyRecording{
			ContentURI:      "https://media.example.com/rec/CA100",
			DurationSeconds: 355,
			SizeBytes:       2_100_000,
		},
	})
	assert.NoError(t, err)
	assert.Equal(t, "call-existing", call.ID)
	assert.Equal(t, "CA100", call.ProviderCallID)
	assert.Equal(t, 360, call.DurationSeconds)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestCallRecord_SaveTranscription_Overwrites(t *testing.T) {
	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	service := NewCallRecordService(sqlDB)

	mockDB.ExpectExec("UPDATE call_records").
		WithArgs("hello, thanks for calling", 0.94, db.ProcessingStatusCompleted, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = service.SaveTranscription("call-1", "hello, thanks for calling", 0.94)
	assert.NoError(t, err)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestCallRecord_SetSuggestedDisposition(t *testing.T) {
	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	service := NewCallRecordService(sqlDB)

	confidence := 72.5
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.DispositionStatusManualRequired, "disp-2", 72.5, "call-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, service.SetSuggestedDisposition("call-1", "disp-2", &confidence))

	// No candidate: both suggestion fields stay NULL
	mockDB.ExpectExec("UPDATE call_records").
		WithArgs(db.DispositionStatusManualRequired, nil, nil, "call-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	assert.NoError(t, service.SetSuggestedDisposition("call-2", "", nil))

	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestCallRecord_ListManualReviewQueue(t *testing.T) {
	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer sqlDB.Close()

	service := NewCallRecordService(sqlDB)

	confidence := 68.0
	rows := sqlmock.NewRows(callRecordColumns()).AddRow(
		"call-7", "CA700", "inbound",
		"+15550100", nil, nil, nil,
		nil, nil, 120,
		nil, nil, nil,
		"transcript text", 0.9,
		db.ProcessingStatusCompleted, db.ProcessingStatusCompleted, db.DispositionStatusManualRequired,
		60.0, 75.0, 20.0, "customer asked about billing",
		nil, nil, nil,
		"disp-2", confidence,
		time.Now(), time.Now(),
		"Resolved",
	)
	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs(db.DispositionStatusManualRequired, 20, 0).
		WillReturnRows(rows)

	calls, err := service.ListManualReviewQueue(map[string]interface{}{})
	assert.NoError(t, err)
	assert.Len(t, calls, 1)
	assert.Equal(t, db.DispositionStatusManualRequired, calls[0].DispositionStatus)
	assert.Equal(t, "disp-2", calls[0].SuggestedDispositionID)
	assert.NotNil(t, calls[0].SuggestedConfidence)
	assert.Equal(t, 68.0, *calls[0].SuggestedConfidence)
}
