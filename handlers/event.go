package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/services"
)

type EventHandler struct {
	Events *services.EventStoreService
	Queue  *services.JobQueueService
}

func NewEventHandler(events *services.EventStoreService, queue *services.JobQueueService) *EventHandler {
	return &EventHandler{Events: events, Queue: queue}
}

// ListEvents returns stored webhook deliveries with optional filters
// GET /events
func (h *EventHandler) ListEvents(c *gin.Context) {
	filters := map[string]interface{}{
		"event_type": c.Query("event_type"),
		"status":     c.Query("status"),
		"call_id":    c.Query("call_id"),
	}

	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filters["limit"] = limit
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filters["page"] = page
	}

	events, err := h.Events.ListEvents(filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list events: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetEvent returns a single stored delivery with its processing state
// GET /events/{id}
func (h *EventHandler) GetEvent(c *gin.Context) {
	eventID := c.Param("id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event ID is required"})
		return
	}

	event, err := h.Events.GetEvent(eventID)
	if err != nil {
		if errors.Is(err, services.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Event not found: " + eventID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get event: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"event": event})
}

// ReprocessEvent resets a failed event and queues its chain again. Like
// the webhook path, a failed enqueue still returns 200: the event row is
// already reset, so reporting an error would strand it as pending.
// POST /events/{id}/reprocess
func (h *EventHandler) ReprocessEvent(c *gin.Context) {
	eventID := c.Param("id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Event ID is required"})
		return
	}

	event, err := h.Events.Reprocess(eventID)
	if err != nil {
		if errors.Is(err, services.ErrEventNotReprocessable) {
			if _, getErr := h.Events.GetEvent(eventID); getErr != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": "Event not found: " + eventID})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Only failed events can be reprocessed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reprocess event: " + err.Error()})
		return
	}

	queued := true
	if _, err := h.Queue.Enqueue(db.JobTypeTranscription, "", event.ID, 0); err != nil {
		log.Printf("⚠️ Failed to enqueue reprocess job for event %s: %v", event.ID, err)
		queued = false
	}

	c.JSON(http.StatusOK, gin.H{
		"event":                 event,
		"queued_for_processing": queued,
		"message":               "Event queued for reprocessing",
	})
}
