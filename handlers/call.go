package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/services"
)

type CallHandler struct {
	Calls        *services.CallRecordService
	Dispositions *services.DispositionService
}

func NewCallHandler(calls *services.CallRecordService, dispositions *services.DispositionService) *CallHandler {
	return &CallHandler{Calls: calls, Dispositions: dispositions}
}

// ListCalls returns call records with optional filters
// GET /calls
func (h *CallHandler) ListCalls(c *gin.Context) {
	filters := map[string]interface{}{
		"direction":            c.Query("direction"),
		"disposition_status":   c.Query("disposition_status"),
		"transcription_status": c.Query("transcription_status"),
		"analysis_status":      c.Query("analysis_status"),
		"disposition_id":       c.Query("disposition_id"),
		"search":               c.Query("search"),
		"time_range":           c.Query("time_range"),
	}

	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filters["limit"] = limit
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filters["page"] = page
	}

	calls, err := h.Calls.ListCalls(filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list calls: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// GetCall returns a single call record with its disposition resolved
// GET /calls/{id}
func (h *CallHandler) GetCall(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Call ID is required"})
		return
	}

	call, err := h.Calls.GetCall(callID)
	if err != nil {
		if errors.Is(err, services.ErrCallNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found: " + callID})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get call: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"call": call})
}

// GetReviewQueue returns calls waiting on a human disposition, oldest first
// GET /calls/review-queue
func (h *CallHandler) GetReviewQueue(c *gin.Context) {
	filters := map[string]interface{}{}
	if limit, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filters["limit"] = limit
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filters["page"] = page
	}

	calls, err := h.Calls.ListManualReviewQueue(filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list review queue: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// ApplyDisposition records an agent's disposition decision on a call
// POST /calls/{id}/disposition
func (h *CallHandler) ApplyDisposition(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Call ID is required"})
		return
	}

	var req db.ApplyDispositionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	agentID, exists := c.Get("agent_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Agent not authenticated"})
		return
	}

	call, err := h.Dispositions.Apply(callID, req.DispositionID, agentID.(string), req.OverrideReason)
	if err != nil {
		var validationErr *services.ValidationError
		switch {
		case errors.Is(err, services.ErrCallNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Call not found: " + callID})
		case errors.As(err, &validationErr):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid disposition: " + validationErr.Message})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to apply disposition: " + err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call":    call,
		"message": "Disposition applied successfully",
	})
}

// GetCallHistory returns the full disposition audit trail for a call,
// newest first
// GET /calls/{id}/history
func (h *CallHandler) GetCallHistory(c *gin.Context) {
	callID := c.Param("id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Call ID is required"})
		return
	}

	history, err := h.Dispositions.GetHistory(callID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get disposition history: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"count":   len(history),
	})
}
