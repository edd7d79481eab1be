package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	prerecorded "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/rest"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/pkg/client/listen"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
)

const transcribeRequestTimeout = 5 * time.Minute

// TranscriptionResult is the provider-independent transcription outcome.
type TranscriptionResult struct {
	Transcript      string
	Confidence      float64
	DurationSeconds float64
}

// Transcriber turns a recording URL into text
type Transcriber interface {
	TranscribeURL(ctx context.Context, recordingURL string) (*TranscriptionResult, error)
}

// DeepgramTranscriber transcribes call recordings through Deepgram's
// pre-recorded REST API. Deepgram fetches the recording itself, so only
// the URL crosses the wire here.
type DeepgramTranscriber struct {
	dg *prerecorded.Client
}

func NewDeepgramTranscriber(apiKey string) *DeepgramTranscriber {
	client.InitWithDefault()
	c := client.NewREST(apiKey, &interfaces.ClientOptions{})
	return &DeepgramTranscriber{dg: prerecorded.New(c)}
}

func (t *DeepgramTranscriber) TranscribeURL(ctx context.Context, recordingURL string) (*TranscriptionResult, error) {
	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       config.App.Transcription.Model,
		Language:    config.App.Transcription.Language,
		SmartFormat: true,
		Punctuate:   true,
	}

	res, err := t.dg.FromURL(ctx, recordingURL, options)
	if err != nil {
		return nil, &ExternalServiceError{Service: "deepgram", Err: err}
	}
	if res == nil || res.Results == nil || len(res.Results.Channels) == 0 || len(res.Results.Channels[0].Alternatives) == 0 {
		return nil, &ExternalServiceError{Service: "deepgram", Err: fmt.Errorf("response contained no transcript")}
	}

	alternative := res.Results.Channels[0].Alternatives[0]
	result := &TranscriptionResult{
		Transcript: strings.TrimSpace(alternative.Transcript),
		Confidence: alternative.Confidence,
	}
	if res.Metadata != nil {
		result.DurationSeconds = res.Metadata.Duration
	}

	return result, nil
}

// TranscriptionService runs the first pipeline stage. Every webhook event
// enters the pipeline here: the call record is resolved from the payload
// first, and only events carrying a recording continue into transcription
// and the rest of the chain.
type TranscriptionService struct {
	PG          *sql.DB
	Calls       *CallRecordService
	Events      *EventStoreService
	Queue       *JobQueueService
	Transcriber Transcriber
}

func NewTranscriptionService(pg *sql.DB, calls *CallRecordService, events *EventStoreService, queue *JobQueueService) *TranscriptionService {
	return &TranscriptionService{
		PG:     pg,
		Calls:  calls,
		Events: events,
		Queue:  queue,
	}
}

// SetTranscriber sets the transcription backend
func (s *TranscriptionService) SetTranscriber(t Transcriber) {
	s.Transcriber = t
}

func (s *TranscriptionService) ProcessJob(job *db.Job) error {
	if job.EventID != "" {
		return s.processEvent(job.EventID)
	}

	// Operator re-transcription: no envelope to apply, work from the
	// stored call record.
	if job.CallID == "" {
		return &ValidationError{Field: "event_id", Message: "transcription job has no event or call"}
	}

	call, err := s.Calls.GetCall(job.CallID)
	if err != nil {
		return err
	}
	if call.RecordingURL == "" {
		return &ValidationError{Field: "recording_url", Message: "call has no recording to transcribe"}
	}

	return s.transcribeCall(call, "")
}

// processEvent drives the webhook-originated chain: apply the envelope to
// the call record, then transcribe if a recording arrived with it.
func (s *TranscriptionService) processEvent(eventID string) error {
	event, err := s.Events.GetEvent(eventID)
	if err != nil {
		return fmt.Errorf("failed to load event for transcription: %w", err)
	}

	if err := s.Events.MarkStarted(event.ID); err != nil {
		return err
	}

	var envelope db.TelephonyEnvelope
	if err := json.Unmarshal(event.RawPayload, &envelope); err != nil {
		return &ValidationError{Field: "payload", Message: fmt.Sprintf("malformed event payload: %v", err)}
	}

	call, err := s.Calls.UpsertFromCallBody(&envelope.Body)
	if err != nil {
		return err
	}

	if err := s.Events.LinkCall(event.ID, call.ID); err != nil {
		return err
	}

	// Events without a recording (call.started, mid-call updates) only
	// refresh the call record; the chain ends here for them
	if call.RecordingURL == "" {
		log.Printf("📞 Event %s updated call %s, no recording attached", event.ID, call.ID)
		return s.Events.MarkCompleted(event.ID, "call record updated; nothing to transcribe")
	}

	return s.transcribeCall(call, event.ID)
}

// transcribeCall runs the provider call and persists the transcript.
// eventID is empty on the operator re-transcription path; when set, the
// driving event is completed on the short-circuit outcomes.
func (s *TranscriptionService) transcribeCall(call *db.CallRecord, eventID string) error {
	if err := s.checkRecordingLimits(call); err != nil {
		return err
	}

	if s.Transcriber == nil {
		return &ValidationError{Field: "transcriber", Message: "no transcription backend configured"}
	}

	if err := s.Calls.SetTranscriptionStatus(call.ID, db.ProcessingStatusProcessing); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), transcribeRequestTimeout)
	defer cancel()

	result, err := s.Transcriber.TranscribeURL(ctx, call.RecordingURL)
	if err != nil {
		return err
	}

	if err := s.Calls.SaveTranscription(call.ID, result.Transcript, result.Confidence); err != nil {
		return err
	}

	// A silent recording transcribes successfully to nothing; analysis
	// would only reject it, so the chain ends here
	if result.Transcript == "" {
		log.Printf("🎙️  Call %s transcribed with no speech detected", call.ID)
		if eventID != "" {
			return s.Events.MarkCompleted(eventID, "recording contained no speech")
		}
		return nil
	}

	log.Printf("🎙️  Transcribed call %s (%d chars, confidence %.2f)", call.ID, len(result.Transcript), result.Confidence)

	if _, err := s.Queue.Enqueue(db.JobTypeAnalysis, call.ID, eventID, 0); err != nil {
		return fmt.Errorf("failed to enqueue analysis for call %s: %w", call.ID, err)
	}

	return nil
}

// checkRecordingLimits rejects oversized recordings using the metadata the
// webhook carried, before any provider request is made.
func (s *TranscriptionService) checkRecordingLimits(call *db.CallRecord) error {
	maxBytes := config.App.Transcription.MaxRecordingBytes
	if maxBytes > 0 && call.RecordingSizeBytes > maxBytes {
		return &ResourceLimitExceededError{
			Resource: "recording_size_bytes",
			Actual:   call.RecordingSizeBytes,
			Limit:    maxBytes,
		}
	}

	maxSeconds := config.App.Transcription.MaxRecordingSeconds
	if maxSeconds > 0 && call.RecordingDurationSeconds > maxSeconds {
		return &ResourceLimitExceededError{
			Resource: "recording_duration_seconds",
			Actual:   int64(call.RecordingDurationSeconds),
			Limit:    int64(maxSeconds),
		}
	}

	return nil
}
