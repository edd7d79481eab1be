package handlers

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/services"
)

type AgentAuthMiddleware struct {
	Auth *services.AuthService
}

func NewAgentAuthMiddleware(auth *services.AuthService) *AgentAuthMiddleware {
	return &AgentAuthMiddleware{Auth: auth}
}

// RequireAgent validates the bearer token and loads the agent identity
// into the request context
func (m *AgentAuthMiddleware) RequireAgent() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required"})
			c.Abort()
			return
		}

		token, err := m.Auth.ExtractTokenFromHeader(authHeader)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		claims, err := m.Auth.ValidateToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token: " + err.Error()})
			c.Abort()
			return
		}

		c.Set("agent_id", claims.Subject)
		c.Set("agent_email", claims.Email)
		c.Set("agent_role", claims.Role)

		log.Printf("AUTH SUCCESS - Agent: %s (%s)", claims.Email, claims.Subject)

		c.Next()
	}
}

// RequireSupervisor gates operator actions behind the supervisor role.
// Runs after RequireAgent, which loads agent_role.
func (m *AgentAuthMiddleware) RequireSupervisor() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("agent_role")
		if !exists || role.(string) != db.AgentRoleSupervisor {
			c.JSON(http.StatusForbidden, gin.H{"error": "Supervisor role required"})
			c.Abort()
			return
		}
		c.Next()
	}
}
