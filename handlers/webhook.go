package handlers

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
	"github.com/voicedeskhq/voicedesk/internal/signature"
	"github.com/voicedeskhq/voicedesk/services"
)

// TelephonySignatureHeader carries the provider's HMAC-SHA1 hex digest of
// the raw request body.
const TelephonySignatureHeader = "X-Telephony-Signature"

type WebhookHandler struct {
	Events *services.EventStoreService
	Queue  *services.JobQueueService
}

func NewWebhookHandler(events *services.EventStoreService, queue *services.JobQueueService) *WebhookHandler {
	return &WebhookHandler{
		Events: events,
		Queue:  queue,
	}
}

// POST /webhook/telephony
//
// The only synchronous work here is the signature check and the event
// insert; everything else happens in the pipeline. The provider always
// gets its answer fast no matter what the stages do later.
func (h *WebhookHandler) ReceiveTelephonyWebhook(c *gin.Context) {
	rawBody, err := c.GetRawData()
	if err != nil {
		log.Printf("❌ Failed to read webhook body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
		return
	}

	// Subscription handshake: the provider sends a bare validationToken
	// when the webhook subscription is created and expects it echoed
	// back verbatim. No signature check, no event row.
	var envelope db.TelephonyEnvelope
	parseErr := json.Unmarshal(rawBody, &envelope)
	if parseErr == nil && envelope.ValidationToken != "" {
		log.Printf("🤝 Echoing telephony validation token")
		c.JSON(http.StatusOK, gin.H{"validationToken": envelope.ValidationToken})
		return
	}

	// Authenticity is checked on the raw bytes before anything parsed
	// from the payload is trusted.
	if !signature.Verify(rawBody, c.GetHeader(TelephonySignatureHeader), config.App.TelephonyWebhookSecret) {
		log.Printf("❌ Rejected telephony webhook with invalid signature")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook signature"})
		return
	}

	if parseErr != nil {
		log.Printf("❌ Malformed telephony webhook payload: %v", parseErr)
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	if envelope.Event == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing event type"})
		return
	}

	// Store the delivery verbatim. Duplicate deliveries each keep their
	// own row; call dedup happens downstream on the provider call id.
	event, err := h.Events.RecordEvent(&db.WebhookEvent{
		EventType:      envelope.Event,
		RawPayload:     rawBody,
		SignatureValid: true,
	})
	if err != nil {
		log.Printf("❌ Failed to record webhook event: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}

	queued := true
	if _, err := h.Queue.Enqueue(db.JobTypeTranscription, "", event.ID, 0); err != nil {
		// The event row is durable; an operator reprocess can recover it.
		log.Printf("⚠️ Failed to enqueue processing for event %s: %v", event.ID, err)
		queued = false
	}

	log.Printf("📥 Received %s event %s (queued: %t)", envelope.Event, event.ID, queued)

	c.JSON(http.StatusOK, db.WebhookAckResponse{
		Status:              "received",
		EventID:             event.ID,
		QueuedForProcessing: queued,
	})
}
