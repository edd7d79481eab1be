package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/services"
)

func newJobFixture(t *testing.T) (*JobHandler, sqlmock.Sqlmock, func()) {
	gin.SetMode(gin.TestMode)

	sqlDB, mockDB, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}

	handler := NewJobHandler(services.NewJobQueueService(sqlDB), services.NewCallRecordService(sqlDB), nil)
	return handler, mockDB, func() { sqlDB.Close() }
}

func testCallRows(callID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "provider_call_id", "direction",
		"from_number", "from_name", "to_number", "to_name",
		"started_at", "ended_at", "duration_seconds",
		"recording_url", "recording_duration_seconds", "recording_size_bytes",
		"transcript", "transcript_confidence",
		"transcription_status", "analysis_status", "disposition_status",
		"sentiment_score", "quality_score", "escalation_risk", "summary",
		"disposition_id", "disposition_applied_by", "disposition_applied_at",
		"suggested_disposition_id", "suggested_confidence",
		"created_at", "updated_at", "disposition_name",
	}).AddRow(
		callID, "CA100", "inbound",
		"+15550100", nil, "+15550199", nil,
		nil, nil, 300,
		"https://cdn.example.com/rec.mp3", nil, nil,
		nil, nil,
		db.ProcessingStatusCompleted, db.ProcessingStatusPending, db.ProcessingStatusPending,
		nil, nil, nil, nil,
		nil, nil, nil,
		nil, nil,
		time.Now(), time.Now(), nil,
	)
}

func testJobRows(jobID, jobType, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "job_type", "priority", "call_id", "event_id", "status",
		"attempt_count", "max_retries", "last_error", "run_after", "queued_at",
		"leased_at", "leased_by", "lease_expires_at", "completed_at",
		"tokens_used", "api_cost_cents", "created_at", "updated_at",
	}).AddRow(
		jobID, jobType, int(db.JobPriorityHigh), "call-1", nil, status,
		0, 3, nil, time.Now(), time.Now(),
		nil, nil, nil, nil,
		0, 0.0, time.Now(), time.Now(),
	)
}

func postJobJSON(handler gin.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", path, bytes.NewBufferString(body))
	c.Request.Header.Set("Content-Type", "application/json")
	handler(c)
	return w
}

func TestEnqueueJob_DefaultsPriorityByType(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").WillReturnRows(testCallRows("call-1"))
	mockDB.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), db.JobTypeTranscription, int(db.JobPriorityHigh),
			"call-1", nil, db.JobStatusQueued, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postJobJSON(handler.EnqueueTranscriptionJob, "/jobs/transcription", `{"call_id":"call-1"}`)

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	job := resp["job"].(map[string]interface{})
	assert.Equal(t, db.JobTypeTranscription, job["job_type"])
	assert.Equal(t, "call-1", job["call_id"])
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestEnqueueJob_ExplicitPriorityWins(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("call-1").WillReturnRows(testCallRows("call-1"))
	mockDB.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), db.JobTypeAnalysis, int(db.JobPriorityUrgent),
			"call-1", nil, db.JobStatusQueued, 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := postJobJSON(handler.EnqueueAnalysisJob, "/jobs/analysis",
		`{"call_id":"call-1","priority":"urgent"}`)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestEnqueueJob_UnknownCallIsNotFound(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT (.+) FROM call_records").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := postJobJSON(handler.EnqueueDispositionJob, "/jobs/disposition", `{"call_id":"missing"}`)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestEnqueueJob_MissingCallIDIsBadRequest(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	w := postJobJSON(handler.EnqueueTranscriptionJob, "/jobs/transcription", `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestCancelJob_CancelsQueuedJob(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectExec("UPDATE jobs").
		WithArgs(db.JobStatusCancelled, "job-1", db.JobStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/jobs/job-1/cancel", nil)
	c.Params = []gin.Param{{Key: "id", Value: "job-1"}}
	handler.CancelJob(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestCancelJob_LeasedJobIsNotCancellable(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectExec("UPDATE jobs").
		WithArgs(db.JobStatusCancelled, "job-1", db.JobStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("job-1").
		WillReturnRows(testJobRows("job-1", db.JobTypeTranscription, db.JobStatusLeased))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/jobs/job-1/cancel", nil)
	c.Params = []gin.Param{{Key: "id", Value: "job-1"}}
	handler.CancelJob(c)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestCancelJob_UnknownJobIsNotFound(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectExec("UPDATE jobs").
		WithArgs(db.JobStatusCancelled, "missing", db.JobStatusQueued).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mockDB.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("POST", "/jobs/missing/cancel", nil)
	c.Params = []gin.Param{{Key: "id", Value: "missing"}}
	handler.CancelJob(c)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestGetJob_ReturnsJob(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT (.+) FROM jobs").
		WithArgs("job-1").
		WillReturnRows(testJobRows("job-1", db.JobTypeAnalysis, db.JobStatusCompleted))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/jobs/job-1", nil)
	c.Params = []gin.Param{{Key: "id", Value: "job-1"}}
	handler.GetJob(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	job := resp["job"].(map[string]interface{})
	assert.Equal(t, "job-1", job["id"])
	assert.Equal(t, db.JobStatusCompleted, job["status"])
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestGetQueueStats_ReturnsSnapshot(t *testing.T) {
	handler, mockDB, closeDB := newJobFixture(t)
	defer closeDB()

	mockDB.ExpectQuery("SELECT status, COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(db.JobStatusQueued, 5).
			AddRow(db.JobStatusCompleted, 40))
	mockDB.ExpectQuery("SELECT job_type, COUNT").
		WithArgs(db.JobStatusQueued).
		WillReturnRows(sqlmock.NewRows([]string{"job_type", "count"}).
			AddRow(db.JobTypeTranscription, 3).
			AddRow(db.JobTypeAnalysis, 2))
	mockDB.ExpectQuery("SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"oldest", "completed", "failed"}).
			AddRow(12.5, 40, 1))

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/jobs/stats", nil)
	handler.GetQueueStats(c)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	stats := resp["stats"].(map[string]interface{})
	assert.Equal(t, float64(5), stats["queue_length"])
	assert.Equal(t, float64(1), stats["failed_last_hour"])
	assert.NoError(t, mockDB.ExpectationsWereMet())
}

func TestScoreQueueHealth(t *testing.T) {
	idle := &db.QueueStats{ActiveWorkers: 2}
	score, reasons := scoreQueueHealth(idle)
	assert.Equal(t, 100, score)
	assert.Empty(t, reasons)

	degraded := &db.QueueStats{
		QueueLength:       150,
		CompletedLastHour: 80,
		FailedLastHour:    20,
		ActiveWorkers:     2,
	}
	score, reasons = scoreQueueHealth(degraded)
	assert.Equal(t, 65, score)
	assert.Len(t, reasons, 2)

	stalled := &db.QueueStats{
		QueueLength:       600,
		CompletedLastHour: 4,
		FailedLastHour:    6,
		ActiveWorkers:     0,
	}
	score, reasons = scoreQueueHealth(stalled)
	assert.Equal(t, 0, score)
	assert.Len(t, reasons, 3)
}
