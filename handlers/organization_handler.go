package handlers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/workos/workos-go/v4/pkg/organizations"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/models"
)

// OrganizationHandler exposes the caller's own organization. Organizations
// are created through the identity provider and arrive via webhooks; this
// handler only reads and renames.
type OrganizationHandler struct {
	config   *config.Config
	logger   *zap.Logger
	pgPool   *pgxpool.Pool
	validate *validator.Validate
}

func NewOrganizationHandler(cfg *config.Config, logger *zap.Logger, pgPool *pgxpool.Pool) *OrganizationHandler {
	organizations.SetAPIKey(cfg.WorkOSApiKey)
	return &OrganizationHandler{
		config:   cfg,
		logger:   logger,
		pgPool:   pgPool,
		validate: validator.New(),
	}
}

type OrganizationUpdateRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

const organizationColumns = `id, name, created_at, updated_at`

func scanOrganization(row pgx.Row) (models.Organization, error) {
	var o models.Organization
	err := row.Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// GetOrganization returns the caller's organization.
func (h *OrganizationHandler) GetOrganization(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`SELECT `+organizationColumns+` FROM organizations WHERE id = $1`, orgID)
	org, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Organization not found"})
		}
		h.logger.Error("failed to fetch organization", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(org)
}

// UpdateOrganization renames the caller's organization and mirrors the new
// name to WorkOS so the membership events stay consistent.
func (h *OrganizationHandler) UpdateOrganization(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req OrganizationUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse organization update", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`UPDATE organizations SET name = $1, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $2
		 RETURNING `+organizationColumns,
		req.Name, orgID)
	org, err := scanOrganization(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Organization not found"})
		}
		h.logger.Error("failed to update organization", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update organization"})
	}

	_, err = organizations.UpdateOrganization(
		c.Context(),
		organizations.UpdateOrganizationOpts{
			Organization: orgID,
			Name:         req.Name,
		},
	)
	if err != nil {
		// The local row is authoritative; the webhook for the WorkOS side
		// will reconcile once the provider catches up.
		h.logger.Error("failed to update WorkOS organization", zap.Error(err))
	}

	return c.JSON(org)
}
