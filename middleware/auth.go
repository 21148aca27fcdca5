package middleware

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SessionData is the Redis-backed session payload created by the auth
// handler after the WorkOS callback.
type SessionData struct {
	SessionID      string    `json:"session_id"`
	AuthID         string    `json:"auth_id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	OrganizationID string    `json:"organization_id"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// AuthMiddleware authenticates requests either by Redis session (cookie or
// bearer session id) or by a WorkOS-issued access token validated against
// the WorkOS JWKS.
type AuthMiddleware struct {
	logger     *zap.Logger
	redis      *redis.Client
	jwks       *keyfunc.JWKS
	cookieName string
}

type AuthMiddlewareConfig struct {
	Logger     *zap.Logger
	Redis      *redis.Client
	JWKSURL    string
	CookieName string
}

func NewAuthMiddleware(cfg AuthMiddlewareConfig) (*AuthMiddleware, error) {
	m := &AuthMiddleware{
		logger:     cfg.Logger,
		redis:      cfg.Redis,
		cookieName: cfg.CookieName,
	}

	if cfg.JWKSURL != "" {
		jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
			RefreshInterval:  time.Hour,
			RefreshRateLimit: time.Minute,
			RefreshErrorHandler: func(err error) {
				cfg.Logger.Warn("JWKS refresh failed", zap.Error(err))
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load JWKS from %s: %w", cfg.JWKSURL, err)
		}
		m.jwks = jwks
	}

	return m, nil
}

func (m *AuthMiddleware) Handler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var credential string

		auth := c.Get("Authorization")
		if auth != "" && strings.HasPrefix(auth, "Bearer ") {
			credential = strings.TrimPrefix(auth, "Bearer ")
		}
		if credential == "" {
			credential = c.Cookies(m.cookieName)
		}
		if credential == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
				"code":  "NO_SESSION",
			})
		}

		// WorkOS access tokens are JWTs; session ids are opaque.
		if m.jwks != nil && strings.Count(credential, ".") == 2 {
			return m.handleAccessToken(c, credential)
		}
		return m.handleSession(c, credential)
	}
}

func (m *AuthMiddleware) handleAccessToken(c *fiber.Ctx, tokenString string) error {
	token, err := jwt.Parse(tokenString, m.jwks.Keyfunc)
	if err != nil || !token.Valid {
		m.logger.Debug("access token rejected",
			zap.String("path", c.Path()),
			zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired token",
			"code":  "TOKEN_INVALID",
		})
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid token claims",
			"code":  "TOKEN_INVALID",
		})
	}

	authID, _ := claims["sub"].(string)
	orgID, _ := claims["org_id"].(string)
	if authID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Token missing subject",
			"code":  "TOKEN_INVALID",
		})
	}

	c.Locals("authID", authID)
	if orgID != "" {
		c.Locals("organizationID", orgID)
	}
	return c.Next()
}

func (m *AuthMiddleware) handleSession(c *fiber.Ctx, sessionID string) error {
	sessionData, err := m.validateSession(c, sessionID)
	if err != nil {
		m.logger.Debug("invalid session",
			zap.String("path", c.Path()),
			zap.Error(err))

		// Clear invalid cookie
		c.Cookie(&fiber.Cookie{
			Name:     m.cookieName,
			Value:    "",
			Expires:  time.Now().Add(-1 * time.Hour),
			HTTPOnly: true,
			Secure:   true,
			SameSite: "Lax",
			Path:     "/",
		})

		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid or expired session",
			"code":  "SESSION_INVALID",
		})
	}

	c.Locals("authID", sessionData.AuthID)
	c.Locals("email", sessionData.Email)
	c.Locals("organizationID", sessionData.OrganizationID)
	c.Locals("sessionID", sessionID)

	// Update last activity timestamp
	m.redis.HSet(c.Context(),
		fmt.Sprintf("session_activity:%s", sessionID),
		"last_activity", time.Now().Unix(),
		"path", c.Path(),
		"method", c.Method(),
	)

	return c.Next()
}

func (m *AuthMiddleware) validateSession(c *fiber.Ctx, sessionID string) (*SessionData, error) {
	sessionKey := fmt.Sprintf("session:%s", sessionID)
	sessionBytes, err := m.redis.Get(c.Context(), sessionKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("session not found")
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var sessionData SessionData
	if err := json.Unmarshal(sessionBytes, &sessionData); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	if time.Now().After(sessionData.ExpiresAt) {
		m.redis.Del(c.Context(), sessionKey)
		return nil, fmt.Errorf("session expired")
	}

	return &sessionData, nil
}
