package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedeskhq/voicedesk/services"
)

type DispositionHandler struct {
	Dispositions *services.DispositionService
}

func NewDispositionHandler(dispositions *services.DispositionService) *DispositionHandler {
	return &DispositionHandler{Dispositions: dispositions}
}

// ListDispositions returns the catalog in evaluation order
// GET /dispositions
func (h *DispositionHandler) ListDispositions(c *gin.Context) {
	dispositions, err := h.Dispositions.ListDispositions()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list dispositions: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dispositions": dispositions,
		"count":        len(dispositions),
	})
}

// GetDisposition returns a single catalog entry with its usage counters
// GET /dispositions/{id}
func (h *DispositionHandler) GetDisposition(c *gin.Context) {
	dispositionID := c.Param("id")
	if dispositionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Disposition ID is required"})
		return
	}

	disposition, err := h.Dispositions.GetDisposition(dispositionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Disposition not found: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"disposition": disposition})
}
