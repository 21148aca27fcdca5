package handlers

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/models"
)

type DoctorHandler struct {
	config   *config.Config
	logger   *zap.Logger
	pgPool   *pgxpool.Pool
	validate *validator.Validate
}

func NewDoctorHandler(cfg *config.Config, logger *zap.Logger, pgPool *pgxpool.Pool) *DoctorHandler {
	return &DoctorHandler{
		config:   cfg,
		logger:   logger,
		pgPool:   pgPool,
		validate: validator.New(),
	}
}

type DoctorRequest struct {
	Name           string  `json:"name" validate:"required,max=200"`
	Email          string  `json:"email" validate:"required,email"`
	Phone          string  `json:"phone" validate:"omitempty,max=32"`
	Specialization string  `json:"specialization" validate:"required,max=200"`
	Department     *string `json:"department,omitempty" validate:"omitempty,max=200"`
	IsActive       *bool   `json:"is_active,omitempty"`
}

const doctorColumns = `id, org_id, name, email, phone, specialization, department, is_active, created_at, updated_at`

func scanDoctor(row pgx.Row) (models.Doctor, error) {
	var d models.Doctor
	err := row.Scan(&d.ID, &d.OrgID, &d.Name, &d.Email, &d.Phone,
		&d.Specialization, &d.Department, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// CreateDoctor registers a doctor in the caller's organization.
func (h *DoctorHandler) CreateDoctor(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req DoctorRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse doctor data", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	row := h.pgPool.QueryRow(c.Context(),
		`INSERT INTO doctors (id, org_id, name, email, phone, specialization, department, is_active, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 RETURNING `+doctorColumns,
		uuid.New(), orgID, req.Name, req.Email, req.Phone, req.Specialization, req.Department, isActive)

	doctor, err := scanDoctor(row)
	if err != nil {
		h.logger.Error("failed to insert doctor", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create doctor"})
	}

	return c.Status(fiber.StatusCreated).JSON(doctor)
}

// GetDoctors lists all doctors in the caller's organization.
func (h *DoctorHandler) GetDoctors(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	rows, err := h.pgPool.Query(c.Context(),
		`SELECT `+doctorColumns+` FROM doctors WHERE org_id = $1 ORDER BY name`, orgID)
	if err != nil {
		h.logger.Error("failed to query doctors", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	defer rows.Close()

	doctors := []models.Doctor{}
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			h.logger.Error("failed to scan doctor row", zap.Error(err))
			continue
		}
		doctors = append(doctors, d)
	}

	return c.JSON(doctors)
}

// GetDoctor retrieves a single doctor by id.
func (h *DoctorHandler) GetDoctor(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	doctorID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid doctor ID format"})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`SELECT `+doctorColumns+` FROM doctors WHERE id = $1 AND org_id = $2`, doctorID, orgID)
	doctor, err := scanDoctor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Doctor not found"})
		}
		h.logger.Error("failed to fetch doctor", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(doctor)
}

// UpdateDoctor replaces a doctor's editable fields.
func (h *DoctorHandler) UpdateDoctor(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	doctorID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid doctor ID format"})
	}

	var req DoctorRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse doctor update", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	isActive := true
	if req.IsActive != nil {
		isActive = *req.IsActive
	}

	row := h.pgPool.QueryRow(c.Context(),
		`UPDATE doctors
		 SET name = $1, email = $2, phone = $3, specialization = $4, department = $5, is_active = $6, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $7 AND org_id = $8
		 RETURNING `+doctorColumns,
		req.Name, req.Email, req.Phone, req.Specialization, req.Department, isActive, doctorID, orgID)

	doctor, err := scanDoctor(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Doctor not found"})
		}
		h.logger.Error("failed to update doctor", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update doctor"})
	}

	return c.JSON(doctor)
}

// DeleteDoctor removes a doctor. Deletion is blocked by the appointments
// foreign key while any appointment still references the doctor; that
// constraint violation is surfaced as a conflict.
func (h *DoctorHandler) DeleteDoctor(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	doctorID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid doctor ID format"})
	}

	tag, err := h.pgPool.Exec(c.Context(),
		"DELETE FROM doctors WHERE id = $1 AND org_id = $2", doctorID, orgID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return c.Status(fiber.StatusConflict).JSON(
				NewErrorResponse("DOCTOR_HAS_APPOINTMENTS", "Doctor has appointments and cannot be deleted"))
		}
		h.logger.Error("failed to delete doctor", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	if tag.RowsAffected() == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Doctor not found"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Doctor deleted successfully"})
}
