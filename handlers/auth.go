package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/services"
)

type AuthHandler struct {
	Auth *services.AuthService
	FCM  *services.FCMService
}

func NewAuthHandler(auth *services.AuthService, fcm *services.FCMService) *AuthHandler {
	return &AuthHandler{Auth: auth, FCM: fcm}
}

// Login exchanges agent credentials for a bearer token
// POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req services.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	resp, err := h.Auth.Login(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Me returns the authenticated agent's own account
// GET /auth/me
func (h *AuthHandler) Me(c *gin.Context) {
	agentID, exists := c.Get("agent_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Agent not authenticated"})
		return
	}

	agent, err := h.Auth.GetAgent(agentID.(string))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Agent not found: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// CreateAgent provisions a new operator account
// POST /agents
func (h *AuthHandler) CreateAgent(c *gin.Context) {
	var req db.CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	agent, err := h.Auth.CreateAgent(req.Email, req.Name, req.Password, req.Role)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Message})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create agent: " + err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent":   agent,
		"message": "Agent created successfully",
	})
}

// UpdateFCMToken stores the agent's device token for review push alerts
// PUT /agents/fcm-token
func (h *AuthHandler) UpdateFCMToken(c *gin.Context) {
	agentID, exists := c.Get("agent_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Agent not authenticated"})
		return
	}

	var req struct {
		FCMToken string `json:"fcm_token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	if err := h.FCM.UpdateAgentFCMToken(agentID.(string), req.FCMToken); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update FCM token: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "FCM token updated successfully"})
}
