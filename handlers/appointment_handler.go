package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/audit"
	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/feed"
	"github.com/clinicdesk/backend/models"
)

type AppointmentHandler struct {
	config    *config.Config
	logger    *zap.Logger
	pgPool    *pgxpool.Pool
	publisher feed.Publisher
	audit     *audit.Logger
	validate  *validator.Validate
}

func NewAppointmentHandler(cfg *config.Config, logger *zap.Logger, pgPool *pgxpool.Pool, publisher feed.Publisher, auditLog *audit.Logger) *AppointmentHandler {
	return &AppointmentHandler{
		config:    cfg,
		logger:    logger,
		pgPool:    pgPool,
		publisher: publisher,
		audit:     auditLog,
		validate:  validator.New(),
	}
}

type AppointmentRequest struct {
	PatientID string    `json:"patient_id" validate:"required,uuid"`
	DoctorID  *string   `json:"doctor_id,omitempty" validate:"omitempty,uuid"`
	StartTime time.Time `json:"start_time" validate:"required"`
	Status    string    `json:"status" validate:"omitempty,oneof=pending confirmed completed cancelled"`
	Note      string    `json:"note" validate:"max=2000"`
}

type AppointmentUpdateRequest struct {
	DoctorID  *string    `json:"doctor_id,omitempty" validate:"omitempty,uuid"`
	StartTime *time.Time `json:"start_time,omitempty"`
	Status    *string    `json:"status,omitempty" validate:"omitempty,oneof=pending confirmed completed cancelled"`
	Note      *string    `json:"note,omitempty" validate:"omitempty,max=2000"`
}

const appointmentColumns = `id, org_id, patient_id, doctor_id, start_time, status, note, created_at, updated_at`

func scanAppointment(row pgx.Row) (models.Appointment, error) {
	var a models.Appointment
	err := row.Scan(&a.ID, &a.OrgID, &a.PatientID, &a.DoctorID, &a.StartTime,
		&a.Status, &a.Note, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// LoadAppointmentsByOrg fetches the authoritative appointment list for an
// organization, ordered by start time. Shared by the list endpoint and the
// sync manager's snapshot loader.
func LoadAppointmentsByOrg(ctx context.Context, pgPool *pgxpool.Pool, orgID string) ([]models.Appointment, error) {
	rows, err := pgPool.Query(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		 WHERE org_id = $1 ORDER BY start_time`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	appointments := []models.Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appointments = append(appointments, a)
	}
	return appointments, rows.Err()
}

func getAuthID(c *fiber.Ctx) (string, error) {
	authID, ok := c.Locals("authID").(string)
	if !ok || authID == "" {
		return "", errors.New("user ID not found")
	}
	return authID, nil
}

func getOrgID(c *fiber.Ctx) (string, error) {
	orgID, ok := c.Locals("organizationID").(string)
	if !ok || orgID == "" {
		return "", errors.New("organization ID not found")
	}
	return orgID, nil
}

// publishChange emits the feed event and archives it; called after commit so
// subscribers never observe an uncommitted row.
func (h *AppointmentHandler) publishChange(eventType feed.EventType, orgID string, old, new *models.Appointment) {
	event := feed.Event{
		Type:       eventType,
		Table:      "appointments",
		OrgID:      orgID,
		Old:        old,
		New:        new,
		OccurredAt: time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := h.publisher.Publish(ctx, event); err != nil {
		h.logger.Error("failed to publish appointment change",
			zap.String("org_id", orgID),
			zap.String("type", string(eventType)),
			zap.Error(err))
	}
	if h.audit != nil {
		go h.audit.Record(context.Background(), event)
	}
}

// CreateAppointment books a new appointment for the caller's organization.
func (h *AppointmentHandler) CreateAppointment(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	var req AppointmentRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse appointment data", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid patient ID format"})
	}

	status := models.AppointmentStatus(req.Status)
	if req.Status == "" {
		status = models.StatusPending
	}

	// Patient must belong to the caller's organization.
	var patientExists bool
	err = h.pgPool.QueryRow(c.Context(),
		"SELECT EXISTS(SELECT 1 FROM patients WHERE id = $1 AND org_id = $2)",
		patientID, orgID).Scan(&patientExists)
	if err != nil {
		h.logger.Error("failed to check patient", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	if !patientExists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Patient not found"})
	}

	var doctorID *uuid.UUID
	if req.DoctorID != nil {
		parsed, err := uuid.Parse(*req.DoctorID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid doctor ID format"})
		}
		var doctorExists bool
		err = h.pgPool.QueryRow(c.Context(),
			"SELECT EXISTS(SELECT 1 FROM doctors WHERE id = $1 AND org_id = $2)",
			parsed, orgID).Scan(&doctorExists)
		if err != nil {
			h.logger.Error("failed to check doctor", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
		}
		if !doctorExists {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Doctor not found"})
		}
		doctorID = &parsed
	}

	appointmentID := uuid.New()
	row := h.pgPool.QueryRow(c.Context(),
		`INSERT INTO appointments (id, org_id, patient_id, doctor_id, start_time, status, note, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		 RETURNING `+appointmentColumns,
		appointmentID, orgID, patientID, doctorID, req.StartTime, status, req.Note)

	appointment, err := scanAppointment(row)
	if err != nil {
		h.logger.Error("failed to insert appointment", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to create appointment"})
	}

	h.publishChange(feed.EventInsert, orgID, nil, &appointment)

	return c.Status(fiber.StatusCreated).JSON(appointment)
}

// GetAppointments lists the organization's appointments with optional
// status/date filters and pagination.
func (h *AppointmentHandler) GetAppointments(c *fiber.Ctx) error {
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

	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE org_id = $1`
	args := []interface{}{orgID}

	if status := c.Query("status"); status != "" {
		if !models.AppointmentStatus(status).Valid() {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid status filter"})
		}
		args = append(args, status)
		query += ` AND status = $2`
	}

	if date := c.Query("date"); date != "" {
		day, err := time.ParseInLocation("2006-01-02", date, time.Local)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid date filter, expected YYYY-MM-DD"})
		}
		args = append(args, day, day.AddDate(0, 0, 1))
		query += ` AND start_time >= $` + strconv.Itoa(len(args)-1) + ` AND start_time < $` + strconv.Itoa(len(args))
	}

	args = append(args, limit, offset)
	query += ` ORDER BY start_time LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := h.pgPool.Query(c.Context(), query, args...)
	if err != nil {
		h.logger.Error("failed to query appointments", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	defer rows.Close()

	appointments := []models.Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			h.logger.Error("failed to scan appointment row", zap.Error(err))
			continue
		}
		appointments = append(appointments, a)
	}

	return c.JSON(appointments)
}

// GetAppointment retrieves a single appointment by id.
func (h *AppointmentHandler) GetAppointment(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	appointmentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid appointment ID format"})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 AND org_id = $2`,
		appointmentID, orgID)
	appointment, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Appointment not found"})
		}
		h.logger.Error("failed to fetch appointment", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	return c.JSON(appointment)
}

// UpdateAppointment applies a partial update and emits an UPDATE event with
// both row snapshots.
func (h *AppointmentHandler) UpdateAppointment(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	appointmentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid appointment ID format"})
	}

	var req AppointmentUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		h.logger.Error("failed to parse update data", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request data"})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": formatValidationError(err)})
	}

	tx, err := h.pgPool.Begin(c.Context())
	if err != nil {
		h.logger.Error("failed to begin transaction", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	defer tx.Rollback(c.Context())

	row := tx.QueryRow(c.Context(),
		`SELECT `+appointmentColumns+` FROM appointments WHERE id = $1 AND org_id = $2 FOR UPDATE`,
		appointmentID, orgID)
	previous, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Appointment not found"})
		}
		h.logger.Error("failed to fetch appointment for update", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	updated := previous
	if req.DoctorID != nil {
		parsed, err := uuid.Parse(*req.DoctorID)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid doctor ID format"})
		}
		updated.DoctorID = &parsed
	}
	if req.StartTime != nil {
		updated.StartTime = *req.StartTime
	}
	if req.Status != nil {
		updated.Status = models.AppointmentStatus(*req.Status)
	}
	if req.Note != nil {
		updated.Note = *req.Note
	}

	row = tx.QueryRow(c.Context(),
		`UPDATE appointments
		 SET doctor_id = $1, start_time = $2, status = $3, note = $4, updated_at = CURRENT_TIMESTAMP
		 WHERE id = $5 AND org_id = $6
		 RETURNING `+appointmentColumns,
		updated.DoctorID, updated.StartTime, updated.Status, updated.Note, appointmentID, orgID)
	updated, err = scanAppointment(row)
	if err != nil {
		h.logger.Error("failed to update appointment", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to update appointment"})
	}

	if err := tx.Commit(c.Context()); err != nil {
		h.logger.Error("failed to commit transaction", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	h.publishChange(feed.EventUpdate, orgID, &previous, &updated)

	return c.JSON(updated)
}

// DeleteAppointment removes an appointment and emits a DELETE event.
func (h *AppointmentHandler) DeleteAppointment(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	appointmentID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid appointment ID format"})
	}

	row := h.pgPool.QueryRow(c.Context(),
		`DELETE FROM appointments WHERE id = $1 AND org_id = $2 RETURNING `+appointmentColumns,
		appointmentID, orgID)
	deleted, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Appointment not found"})
		}
		h.logger.Error("failed to delete appointment", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}

	h.publishChange(feed.EventDelete, orgID, &deleted, nil)

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"message": "Appointment deleted successfully"})
}

// GetAppointmentActivity returns the recent change history for the caller's
// organization from the audit trail.
func (h *AppointmentHandler) GetAppointmentActivity(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}
	if h.audit == nil {
		return c.JSON([]feed.Event{})
	}

	events, err := h.audit.List(c.Context(), orgID, int64(c.QueryInt("limit", 50)))
	if err != nil {
		h.logger.Error("failed to list audit events", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to load activity"})
	}
	return c.JSON(events)
}
