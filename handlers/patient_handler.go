package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/cache"
	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/models"
	"github.com/clinicdesk/backend/utils"
)

// PatientHandler serves patient CRUD. Every query is organization-scoped;
// there is deliberately no code path that looks patients up across tenants.
type PatientHandler struct {
	config    *config.Config
	logger    *zap.Logger
	pgPool    *pgxpool.Pool
	cache     *cache.Cache
	regNumber *utils.RegNumberGenerator
	validate  *validator.Validate
}

func NewPatientHandler(cfg *config.Config, logger *zap.Logger, pgPool *pgxpool.Pool, patientCache *cache.Cache) *PatientHandler {
	return &PatientHandler{
		config:    cfg,
		logger:    logger,
		pgPool:    pgPool,
		cache:     patientCache,
		regNumber: utils.NewRegNumberGenerator(),
		validate:  validator.New(),
	}
}

type PatientRequest struct {
	Name        string     `json:"name" validate:"required,max=200"`
	Phone       string     `json:"phone" validate:"required,max=32"`
	Email       *string    `json:"email,omitempty" validate:"omitempty,email"`
	DateOfBirth *time.Time `json:"date_of_birth,omitempty"`
	BloodGroup  string     `json:"blood_group" validate:"omitempty,oneof=A+ A- B+ B- AB+ AB- O+ O-"`
}

const patientColumns = `id, org_id, reg_number, name, phone, email, date_of_birth, blood_group, created_at, updated_at`

func scanPatient(row pgx.Row) (models.Patient, error) {
	var p models.Patient
	err := row.Scan(&p.ID, &p.OrgID, &p.RegNumber, &p.Name, &p.Phone,
		&p.Email, &p.DateOfBirth, &p.BloodGroup, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func patientCacheKey(orgID, phone string) string {
	return fmt.Sprintf("%s:%s", orgID, phone)
}

// phoneCacheKeys returns the distinct lookup keys touched by a change to a
// patient's phone number. When the number changes, both the old and the new
// key must go, or the old number keeps serving the pre-update row.
func phoneCacheKeys(orgID string, phones ...string) []string {
	keys := make([]string, 0, len(phones))
	seen := make(map[string]bool, len(phones))
	for _, phone := range phones {
		if phone == "" || seen[phone] {
			continue
		}
		seen[phone] = true
		keys = append(keys, patientCacheKey(orgID, phone))
	}
	return keys
}

func (h *PatientHandler) invalidatePhoneLookup(ctx context.Context, orgID string, phones ...string) {
	for _, key := range phoneCacheKeys(orgID, phones...) {
		if err := h.cache.Delete(ctx, key); err != nil {
			h.logger.Warn("failed to invalidate patient cache",
				zap.String("key", key), zap.Error(err))
		}
	}
}

// CreatePatient registers a patient with a generated registration number.
func (h *PatientHandler) CreatePatient(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req PatientRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse patient data", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	regNumber, err := h.regNumber.Generate()
	if err != nil {
		h.logger.Error("failed to generate registration number", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create patient"})
	}
	h.regNumber.Cleanup(10000)

	row := h.pgPool.QueryRow(c.Context(),
		`INSERT INTO patients (id, org_id, reg_number, name, phone, email, date_of_birth, blood_group, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 RETURNING `+patientColumns,
		uuid.New(), orgID, regNumber, req.Name, req.Phone, req.Email, req.DateOfBirth, req.BloodGroup)

	patient, err := scanPatient(row)
	if err != nil {
		h.logger.Error("failed to insert patient", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create patient"})
	}

	return c.Status(fiber.StatusCreated).JSON(patient)
}

// GetPatients lists the organization's patients.
func (h *PatientHandler) GetPatients(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	rows, err := h.pgPool.Query(c.Context(),
		`SELECT `+patientColumns+` FROM patients WHERE org_id = $1 ORDER BY name LIMIT $2 OFFSET $3`,
		orgID, limit, offset)
	if err != nil {
		h.logger.Error("failed to query patients", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	defer rows.Close()

	patients := []models.Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			h.logger.Error("failed to scan patient row", zap.Error(err))
			continue
		}
		patients = append(patients, p)
	}

	return c.JSON(patients)
}

// GetPatient retrieves a single patient by id.
func (h *PatientHandler) GetPatient(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	patientID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid patient ID format"})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`SELECT `+patientColumns+` FROM patients WHERE id = $1 AND org_id = $2`, patientID, orgID)
	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Patient not found"})
		}
		h.logger.Error("failed to fetch patient", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(patient)
}

// SearchPatient looks a patient up by phone number within the caller's
// organization, with a short cache in front of the database.
func (h *PatientHandler) SearchPatient(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	phone := c.Query("phone")
	if phone == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Phone query parameter is required"})
	}

	var patient models.Patient
	err = h.cache.Remember(c.Context(), patientCacheKey(orgID, phone), time.Minute, &patient, func() (interface{}, error) {
		row := h.pgPool.QueryRow(c.Context(),
			`SELECT `+patientColumns+` FROM patients WHERE org_id = $1 AND phone = $2`, orgID, phone)
		return scanPatient(row)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Patient not found"})
		}
		h.logger.Error("failed to search patient", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(patient)
}

// UpdatePatient replaces a patient's editable fields.
func (h *PatientHandler) UpdatePatient(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	patientID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid patient ID format"})
	}

	var req PatientRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse patient update", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	var prevPhone string
	err = h.pgPool.QueryRow(c.Context(),
		`SELECT phone FROM patients WHERE id = $1 AND org_id = $2`, patientID, orgID).Scan(&prevPhone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Patient not found"})
		}
		h.logger.Error("failed to fetch patient before update", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`UPDATE patients
		 SET name = $1, phone = $2, email = $3, date_of_birth = $4, blood_group = $5, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $6 AND org_id = $7
		 RETURNING `+patientColumns,
		req.Name, req.Phone, req.Email, req.DateOfBirth, req.BloodGroup, patientID, orgID)

	patient, err := scanPatient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Patient not found"})
		}
		h.logger.Error("failed to update patient", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update patient"})
	}

	// Stale phone lookups must not outlive the update.
	h.invalidatePhoneLookup(c.Context(), orgID, prevPhone, patient.Phone)

	return c.JSON(patient)
}

// DeletePatient removes a patient.
func (h *PatientHandler) DeletePatient(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	patientID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid patient ID format"})
	}

	var phone string
	err = h.pgPool.QueryRow(c.Context(),
		"DELETE FROM patients WHERE id = $1 AND org_id = $2 RETURNING phone", patientID, orgID).Scan(&phone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Patient not found"})
		}
		h.logger.Error("failed to delete patient", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	h.invalidatePhoneLookup(c.Context(), orgID, phone)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Patient deleted successfully"})
}
