package handlers

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/nfnt/resize"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
)

const (
	profilePicBucket = "profile-pics"
	maxUploadSize    = 5 * 1024 * 1024
	jpegQuality      = 85
)

// MediaHandler stores profile pictures for patients and doctors in MinIO.
// Uploads are normalized to 512x512 JPEG before storage.
type MediaHandler struct {
	config      *config.Config
	logger      *zap.Logger
	pgPool      *pgxpool.Pool
	minioClient *minio.Client
}

func NewMediaHandler(cfg *config.Config, logger *zap.Logger, pgPool *pgxpool.Pool, minioClient *minio.Client) *MediaHandler {
	return &MediaHandler{
		config:      cfg,
		logger:      logger,
		pgPool:      pgPool,
		minioClient: minioClient,
	}
}

// subjectTable maps the URL subject segment to the table holding the
// profile_pic column. Anything else is rejected before touching storage.
func subjectTable(subject string) (string, bool) {
	switch subject {
	case "patients":
		return "patients", true
	case "doctors":
		return "doctors", true
	}
	return "", false
}

// UploadProfilePic accepts a multipart image for a patient or doctor,
// normalizes it, stores it, and records the object name on the row.
func (h *MediaHandler) UploadProfilePic(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	table, ok := subjectTable(c.Params("subject"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown subject"})
	}

	subjectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid ID format"})
	}

	file, err := c.FormFile("profilePic")
	if err != nil {
		h.logger.Error("failed to get file from form", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "No file uploaded"})
	}

	if file.Size > maxUploadSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("File size exceeds maximum limit of %d MB", maxUploadSize/(1024*1024)),
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Only JPG and PNG files are allowed"})
	}

	src, err := file.Open()
	if err != nil {
		h.logger.Error("failed to open uploaded file", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process uploaded file"})
	}
	defer src.Close()

	img, _, err := image.Decode(src)
	if err != nil {
		h.logger.Error("failed to decode image", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid image format"})
	}

	resized := resize.Resize(512, 512, img, resize.Lanczos3)

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, resized, &jpeg.Options{Quality: jpegQuality}); err != nil {
		h.logger.Error("failed to encode image", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process image"})
	}

	filename := fmt.Sprintf("%s/%s.jpg", orgID, uuid.New().String())

	_, err = h.minioClient.PutObject(
		c.Context(),
		profilePicBucket,
		filename,
		bytes.NewReader(buf.Bytes()),
		int64(buf.Len()),
		minio.PutObjectOptions{ContentType: "image/jpeg"},
	)
	if err != nil {
		h.logger.Error("failed to upload to minio",
			zap.Error(err),
			zap.String("filename", filename))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to store image"})
	}

	tag, err := h.pgPool.Exec(c.Context(),
		fmt.Sprintf("UPDATE %s SET profile_pic = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND org_id = $3", table),
		filename, subjectID, orgID)
	if err != nil {
		h.logger.Error("failed to record profile pic", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Database error"})
	}
	if tag.RowsAffected() == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Record not found"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"profile_pic": filename})
}

// GetProfilePic streams the stored picture.
func (h *MediaHandler) GetProfilePic(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	table, ok := subjectTable(c.Params("subject"))
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Unknown subject"})
	}

	subjectID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid ID format"})
	}

	var filename *string
	err = h.pgPool.QueryRow(c.Context(),
		fmt.Sprintf("SELECT profile_pic FROM %s WHERE id = $1 AND org_id = $2", table),
		subjectID, orgID).Scan(&filename)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Record not found"})
	}
	if filename == nil || *filename == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "No profile picture"})
	}

	obj, err := h.minioClient.GetObject(c.Context(), profilePicBucket, *filename, minio.GetObjectOptions{})
	if err != nil {
		h.logger.Error("failed to get object from minio",
			zap.Error(err),
			zap.String("filename", *filename))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to retrieve image"})
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Image not found in storage"})
	}

	c.Set("Content-Type", "image/jpeg")
	return c.SendStream(obj, int(stat.Size))
}
