package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/notify"
	"github.com/clinicdesk/backend/push"
)

// PushHandler registers and removes browser push endpoints. Registering the
// first endpoint is what flips the notification service's permission to
// granted, so Subscribe asks the service to re-decide after every save.
type PushHandler struct {
	config   *config.Config
	logger   *zap.Logger
	store    *push.Store
	service  *notify.Service
	validate *validator.Validate
}

func NewPushHandler(cfg *config.Config, logger *zap.Logger, store *push.Store, service *notify.Service) *PushHandler {
	return &PushHandler{
		config:   cfg,
		logger:   logger,
		store:    store,
		service:  service,
		validate: validator.New(),
	}
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint" validate:"required,url"`
	Keys     struct {
		P256dh string `json:"p256dh" validate:"required"`
		Auth   string `json:"auth" validate:"required"`
	} `json:"keys" validate:"required"`
}

// GetVAPIDPublicKey hands the browser the key it needs to subscribe.
func (h *PushHandler) GetVAPIDPublicKey(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"public_key": h.config.VAPIDPublicKey})
}

// Subscribe stores a push endpoint for the caller's organization.
func (h *PushHandler) Subscribe(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req PushSubscriptionRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse push subscription", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	sub := &push.Subscription{
		OrgID:    orgID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	}
	if err := h.store.Save(c.Context(), sub); err != nil {
		h.logger.Error("failed to save push subscription", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to register subscription"})
	}

	if _, err := h.service.RequestPermission(c.Context()); err != nil {
		h.logger.Warn("permission decision failed after subscribe", zap.Error(err))
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"subscription": sub,
		"permission":   h.service.Permission().String(),
	})
}

// ListSubscriptions returns the organization's registered endpoints.
func (h *PushHandler) ListSubscriptions(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	subs, err := h.store.ListByOrg(c.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to list push subscriptions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(subs)
}

// Unsubscribe removes a push endpoint.
func (h *PushHandler) Unsubscribe(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	subID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid subscription ID format"})
	}

	if err := h.store.Delete(c.Context(), orgID, subID); err != nil {
		h.logger.Error("failed to delete push subscription", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Subscription removed"})
}

// GetPermission reports the notification service's permission state along
// with whether the caller's own organization has a registered endpoint.
func (h *PushHandler) GetPermission(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	subscribed, err := h.store.HasAny(c.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to check push subscriptions", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(fiber.Map{
		"permission": h.service.Permission().String(),
		"subscribed": subscribed,
	})
}
