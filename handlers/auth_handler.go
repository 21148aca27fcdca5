package handlers

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/workos/workos-go/v4/pkg/usermanagement"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/middleware"
	"github.com/clinicdesk/backend/utils"
)

const sessionCookieName = "session"

// AuthHandler implements login via WorkOS AuthKit. The callback exchanges
// the authorization code, mirrors the user locally, and creates a Redis
// session consumed by the auth middleware.
type AuthHandler struct {
	config       *config.Config
	logger       *zap.Logger
	redisClient  *redis.Client
	pgPool       *pgxpool.Pool
	streamTokens *utils.StreamTokenGenerator
}

func NewAuthHandler(cfg *config.Config, logger *zap.Logger, redisClient *redis.Client, pgPool *pgxpool.Pool, streamTokens *utils.StreamTokenGenerator) *AuthHandler {
	usermanagement.SetAPIKey(cfg.WorkOSApiKey)
	return &AuthHandler{
		config:       cfg,
		logger:       logger,
		redisClient:  redisClient,
		pgPool:       pgPool,
		streamTokens: streamTokens,
	}
}

// Login hands the client the AuthKit authorization URL. The state value is
// held in Redis for ten minutes so the callback can reject replays.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	state := uuid.New().String()

	stateData := map[string]interface{}{
		"createdAt": time.Now(),
		"ip":        c.IP(),
		"userAgent": c.Get("User-Agent"),
	}
	stateJSON, err := json.Marshal(stateData)
	if err != nil {
		h.logger.Error("failed to marshal state data", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}

	if err := h.redisClient.Set(c.Context(), fmt.Sprintf("auth_state:%s", state), stateJSON, 10*time.Minute).Err(); err != nil {
		h.logger.Error("failed to store state in redis", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}

	authURL, err := usermanagement.GetAuthorizationURL(usermanagement.GetAuthorizationURLOpts{
		ClientID:    h.config.WorkOSClientId,
		Provider:    "authkit",
		RedirectURI: h.config.WorkOSRedirectURI,
		State:       state,
	})
	if err != nil {
		h.logger.Error("failed to build authorization URL", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Login service unavailable"})
	}

	return c.JSON(fiber.Map{"loginUrl": authURL.String()})
}

// Callback completes the AuthKit flow.
func (h *AuthHandler) Callback(c *fiber.Ctx) error {
	ctx := c.Context()
	code := c.Query("code")
	state := c.Query("state")

	if code == "" || state == "" {
		h.logger.Warn("missing code or state in callback",
			zap.String("ip", c.IP()),
			zap.String("user_agent", c.Get("User-Agent")),
		)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing code or state"})
	}

	stateKey := fmt.Sprintf("auth_state:%s", state)
	if err := h.redisClient.Get(ctx, stateKey).Err(); err != nil {
		h.logger.Error("failed to get state data", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid state"})
	}
	// Delete state immediately to prevent replay
	h.redisClient.Del(ctx, stateKey)

	resp, err := usermanagement.AuthenticateWithCode(ctx, usermanagement.AuthenticateWithCodeOpts{
		ClientID: h.config.WorkOSClientId,
		Code:     code,
	})
	if err != nil {
		h.logger.Error("failed to exchange code for token", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authentication failed"})
	}

	// Mirror the user locally so webhooks and lookups have a row even if
	// the user.created event has not arrived yet.
	_, err = h.pgPool.Exec(ctx,
		`INSERT INTO users (id, auth_id, email, first_name, last_name, org_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT (auth_id)
		 DO UPDATE SET email = $3, first_name = $4, last_name = $5,
		               org_id = COALESCE(NULLIF($6, ''), users.org_id),
		               updated_at = CURRENT_TIMESTAMP`,
		uuid.New(), resp.User.ID, resp.User.Email, resp.User.FirstName, resp.User.LastName, resp.OrganizationID)
	if err != nil {
		h.logger.Error("failed to upsert user", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create user record"})
	}

	sessionID := uuid.New().String()
	sessionDuration := time.Duration(h.config.SessionDurationHours) * time.Hour

	sessionData := middleware.SessionData{
		SessionID:      sessionID,
		AuthID:         resp.User.ID,
		Email:          resp.User.Email,
		FirstName:      resp.User.FirstName,
		LastName:       resp.User.LastName,
		OrganizationID: resp.OrganizationID,
		AccessToken:    resp.AccessToken,
		RefreshToken:   resp.RefreshToken,
		ExpiresAt:      time.Now().Add(sessionDuration),
		CreatedAt:      time.Now(),
	}

	sessionJSON, err := json.Marshal(sessionData)
	if err != nil {
		h.logger.Error("failed to marshal session data", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}

	if err := h.redisClient.Set(ctx, fmt.Sprintf("session:%s", sessionID), sessionJSON, sessionDuration).Err(); err != nil {
		h.logger.Error("failed to store session in redis", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Expires:  time.Now().Add(sessionDuration),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
		Domain:   h.config.CookieDomain,
	})

	return c.JSON(fiber.Map{
		"session": sessionID,
		"user": fiber.Map{
			"id":         resp.User.ID,
			"email":      resp.User.Email,
			"first_name": resp.User.FirstName,
			"last_name":  resp.User.LastName,
			"org_id":     resp.OrganizationID,
		},
	})
}

// Logout destroys the Redis session and clears the cookie.
func (h *AuthHandler) Logout(c *fiber.Ctx) error {
	sessionID := c.Cookies(sessionCookieName)
	if sessionID == "" {
		if id, ok := c.Locals("sessionID").(string); ok {
			sessionID = id
		}
	}
	if sessionID != "" {
		h.redisClient.Del(c.Context(), fmt.Sprintf("session:%s", sessionID))
		h.redisClient.Del(c.Context(), fmt.Sprintf("session_activity:%s", sessionID))
	}

	c.Cookie(&fiber.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Expires:  time.Now().Add(-1 * time.Hour),
		HTTPOnly: true,
		Secure:   true,
		SameSite: "Lax",
		Domain:   h.config.CookieDomain,
	})

	return c.JSON(fiber.Map{"message": "Logged out successfully"})
}

// Validate reports who the authenticated caller is.
func (h *AuthHandler) Validate(c *fiber.Ctx) error {
	authID, err := getAuthID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	orgID, _ := c.Locals("organizationID").(string)
	email, _ := c.Locals("email").(string)

	return c.JSON(fiber.Map{
		"auth_id": authID,
		"org_id":  orgID,
		"email":   email,
	})
}

// CreateStreamToken issues a short-lived token for the event stream, which
// cannot carry an Authorization header.
func (h *AuthHandler) CreateStreamToken(c *fiber.Ctx) error {
	authID, err := getAuthID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	token, err := h.streamTokens.Generate(c.Context(), authID, orgID)
	if err != nil {
		h.logger.Error("failed to issue stream token", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to issue stream token"})
	}

	return c.JSON(fiber.Map{"token": token})
}
