package services

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"github.com/voicedeskhq/voicedesk/db"
	"github.com/voicedeskhq/voicedesk/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// agentTokenTTL is how long an issued agent token stays valid.
const agentTokenTTL = 24 * time.Hour

// ErrInvalidCredentials is returned for unknown emails, wrong passwords and
// deactivated accounts alike so the login endpoint never reveals which one.
var ErrInvalidCredentials = errors.New("invalid email or password")

type AuthService struct {
	PG        *sql.DB
	Redis     *redis.Client
	JWTSecret string
}

// AgentClaims is the payload of an issued agent token.
type AgentClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Agent   db.Agent `json:"agent"`
	Token   string   `json:"token,omitempty"`
	Message string   `json:"message"`
}

func NewAuthService(pg *sql.DB, redis *redis.Client) *AuthService {
	return &AuthService{
		PG:        pg,
		Redis:     redis,
		JWTSecret: config.App.JWTSecret,
	}
}

// HashPassword creates a bcrypt hash of the password
func (s *AuthService) HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// Login checks the password against the agents table and issues a token.
func (s *AuthService) Login(email, password string) (*LoginResponse, error) {
	agent, err := s.getAgentByEmail(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("failed to look up agent: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if !agent.IsActive {
		log.Printf("⚠️ Login rejected for deactivated agent %s", agent.ID)
		return nil, ErrInvalidCredentials
	}

	token, err := s.IssueToken(agent)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	agent.PasswordHash = ""
	log.Printf("👤 Agent %s logged in (%s)", agent.Email, agent.Role)

	return &LoginResponse{
		Agent:   *agent,
		Token:   token,
		Message: "login successful",
	}, nil
}

// IssueToken signs an HS256 token carrying the agent identity and role.
func (s *AuthService) IssueToken(agent *db.Agent) (string, error) {
	if s.JWTSecret == "" {
		return "", errors.New("jwt secret is not configured")
	}

	now := time.Now()
	claims := AgentClaims{
		Email: agent.Email,
		Role:  agent.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(agentTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.JWTSecret))
}

// ValidateToken parses and verifies an agent token.
func (s *AuthService) ValidateToken(tokenString string) (*AgentClaims, error) {
	if s.JWTSecret == "" {
		return nil, errors.New("jwt secret is not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &AgentClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*AgentClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, errors.New("invalid token claims")
}

// ExtractTokenFromHeader extracts token from Authorization header
func (s *AuthService) ExtractTokenFromHeader(authHeader string) (string, error) {
	if authHeader == "" {
		return "", errors.New("authorization header is required")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("invalid authorization header format")
	}

	return parts[1], nil
}

// GetAgent fetches an agent by id.
func (s *AuthService) GetAgent(agentID string) (*db.Agent, error) {
	row := s.PG.QueryRow(`
		SELECT id, email, name, password_hash, role, COALESCE(fcm_token, ''), is_active, created_at, updated_at
		FROM agents WHERE id = $1`, agentID)
	return scanAgent(row)
}

// CreateAgent registers an operator account. Used by seeding and the
// supervisor-only agent management endpoint.
func (s *AuthService) CreateAgent(email, name, password, role string) (*db.Agent, error) {
	if role != db.AgentRoleAgent && role != db.AgentRoleSupervisor {
		return nil, &ValidationError{Field: "role", Message: "must be agent or supervisor"}
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var id string
	err = s.PG.QueryRow(`
		INSERT INTO agents (email, name, password_hash, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		strings.ToLower(strings.TrimSpace(email)), name, hash, role,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	log.Printf("✅ Created %s account %s (%s)", role, email, id)
	return s.GetAgent(id)
}

func (s *AuthService) getAgentByEmail(email string) (*db.Agent, error) {
	row := s.PG.QueryRow(`
		SELECT id, email, name, password_hash, role, COALESCE(fcm_token, ''), is_active, created_at, updated_at
		FROM agents WHERE email = $1`, email)
	return scanAgent(row)
}

func scanAgent(row *sql.Row) (*db.Agent, error) {
	var agent db.Agent
	err := row.Scan(
		&agent.ID, &agent.Email, &agent.Name, &agent.PasswordHash,
		&agent.Role, &agent.FCMToken, &agent.IsActive,
		&agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &agent, nil
}
