package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/workos/workos-go/v4/pkg/webhooks"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
)

// WorkOSWebhookHandler keeps the local organizations and users tables in
// sync with the identity provider. WorkOS is the source of truth for both;
// nothing else writes those tables.
type WorkOSWebhookHandler struct {
	config *config.Config
	logger *zap.Logger
	pgPool *pgxpool.Pool
}

// WebhookEvent is the WorkOS envelope. Data is kept raw because its shape
// depends on the event type.
type WebhookEvent struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt string          `json:"created_at"`
}

type OrganizationEvent struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type UserEvent struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type OrganizationMembershipEvent struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
}

func NewWorkOSWebhookHandler(cfg *config.Config, logger *zap.Logger, pgPool *pgxpool.Pool) *WorkOSWebhookHandler {
	return &WorkOSWebhookHandler{
		config: cfg,
		logger: logger,
		pgPool: pgPool,
	}
}

// HandleWorkOSWebhook verifies and processes incoming WorkOS webhooks.
func (h *WorkOSWebhookHandler) HandleWorkOSWebhook(c *fiber.Ctx) error {
	signature := c.Get("WorkOS-Signature")
	if signature == "" {
		h.logger.Error("missing WorkOS signature header")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing WorkOS signature",
		})
	}

	body := c.Body()

	webhookClient := webhooks.NewClient(h.config.WorkOSWebhookSecret)
	_, err := webhookClient.ValidatePayload(signature, string(body))
	if err != nil {
		h.logger.Error("failed to verify webhook signature", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid signature",
		})
	}

	var event WebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		h.logger.Error("failed to parse webhook event", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid webhook format",
		})
	}

	h.logger.Info("received WorkOS webhook",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Event))

	switch event.Event {
	case "organization.created", "organization.updated":
		err = h.handleOrganizationUpsert(c.Context(), event.Data)
	case "organization.deleted":
		err = h.handleOrganizationDeleted(c.Context(), event.Data)
	case "user.created", "user.updated":
		err = h.handleUserUpsert(c.Context(), event.Data)
	case "user.deleted":
		err = h.handleUserDeleted(c.Context(), event.Data)
	case "organization_membership.created":
		err = h.handleMembershipCreated(c.Context(), event.Data)
	case "organization_membership.deleted":
		err = h.handleMembershipDeleted(c.Context(), event.Data)
	default:
		h.logger.Info("ignoring unhandled event type", zap.String("event_type", event.Event))
		return c.Status(fiber.StatusOK).JSON(fiber.Map{
			"success": true,
			"message": "Event acknowledged but not processed",
		})
	}

	if err != nil {
		h.logger.Error("failed to process webhook",
			zap.String("event_type", event.Event),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process webhook",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"success": true,
		"message": "Webhook processed successfully",
	})
}

func (h *WorkOSWebhookHandler) handleOrganizationUpsert(ctx context.Context, raw json.RawMessage) error {
	var data OrganizationEvent
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode organization event: %w", err)
	}

	_, err := h.pgPool.Exec(ctx,
		`INSERT INTO organizations (id, name, created_at, updated_at)
		 VALUES ($1, $2, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT (id) DO UPDATE SET name = $2, updated_at = CURRENT_TIMESTAMP`,
		data.ID, data.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert organization: %w", err)
	}

	h.logger.Info("synced organization from webhook", zap.String("org_id", data.ID))
	return nil
}

func (h *WorkOSWebhookHandler) handleOrganizationDeleted(ctx context.Context, raw json.RawMessage) error {
	var data OrganizationEvent
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode organization event: %w", err)
	}

	_, err := h.pgPool.Exec(ctx, "DELETE FROM organizations WHERE id = $1", data.ID)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}

	h.logger.Info("removed organization from webhook", zap.String("org_id", data.ID))
	return nil
}

func (h *WorkOSWebhookHandler) handleUserUpsert(ctx context.Context, raw json.RawMessage) error {
	var data UserEvent
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode user event: %w", err)
	}

	_, err := h.pgPool.Exec(ctx,
		`INSERT INTO users (id, auth_id, email, first_name, last_name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 ON CONFLICT (auth_id)
		 DO UPDATE SET email = $3, first_name = $4, last_name = $5, updated_at = CURRENT_TIMESTAMP`,
		uuid.New(), data.ID, data.Email, data.FirstName, data.LastName)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}

	h.logger.Info("synced user from webhook", zap.String("auth_id", data.ID))
	return nil
}

func (h *WorkOSWebhookHandler) handleUserDeleted(ctx context.Context, raw json.RawMessage) error {
	var data UserEvent
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode user event: %w", err)
	}

	_, err := h.pgPool.Exec(ctx, "DELETE FROM users WHERE auth_id = $1", data.ID)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}

	h.logger.Info("removed user from webhook", zap.String("auth_id", data.ID))
	return nil
}

func (h *WorkOSWebhookHandler) handleMembershipCreated(ctx context.Context, raw json.RawMessage) error {
	var data OrganizationMembershipEvent
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode membership event: %w", err)
	}

	tag, err := h.pgPool.Exec(ctx,
		"UPDATE users SET org_id = $1, updated_at = CURRENT_TIMESTAMP WHERE auth_id = $2",
		data.OrganizationID, data.UserID)
	if err != nil {
		return fmt.Errorf("failed to assign user organization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The user.created webhook may not have landed yet. Acknowledge and
		// let the provider retry ordering sort itself out.
		h.logger.Warn("membership event for unknown user", zap.String("auth_id", data.UserID))
		return nil
	}

	h.logger.Info("assigned user to organization",
		zap.String("auth_id", data.UserID),
		zap.String("org_id", data.OrganizationID))
	return nil
}

func (h *WorkOSWebhookHandler) handleMembershipDeleted(ctx context.Context, raw json.RawMessage) error {
	var data OrganizationMembershipEvent
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to decode membership event: %w", err)
	}

	_, err := h.pgPool.Exec(ctx,
		"UPDATE users SET org_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE auth_id = $1 AND org_id = $2",
		data.UserID, data.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to clear user organization: %w", err)
	}

	h.logger.Info("removed user from organization",
		zap.String("auth_id", data.UserID),
		zap.String("org_id", data.OrganizationID))
	return nil
}
