package handlers

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func TestFormatValidationError(t *testing.T) {
	validate := validator.New()

	req := AppointmentRequest{
		PatientID: "not-a-uuid",
		Status:    "scheduled",
	}
	err := validate.Struct(&req)
	if err == nil {
		t.Fatal("expected validation to fail")
	}

	msg := formatValidationError(err)
	if !strings.Contains(msg, "PatientID") {
		t.Errorf("message %q does not name the failing field", msg)
	}
	if !strings.Contains(msg, "Status") {
		t.Errorf("message %q does not name the status field", msg)
	}
}

func TestFormatValidationErrorPassthrough(t *testing.T) {
	err := errors.New("plain error")
	if got := formatValidationError(err); got != "plain error" {
		t.Errorf("formatValidationError = %q, want passthrough", got)
	}
}

func TestErrorHandlerShape(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.NewNop())})
	app.Get("/missing", func(c *fiber.Ctx) error { return fiber.ErrNotFound })
	app.Get("/boom", func(c *fiber.Ctx) error { return errors.New("db unreachable") })

	tests := []struct {
		path       string
		wantStatus int
		wantCode   string
	}{
		{"/missing", fiber.StatusNotFound, "REQUEST_FAILED"},
		{"/boom", fiber.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		resp, err := app.Test(httptest.NewRequest("GET", tt.path, nil))
		if err != nil {
			t.Fatalf("request %s failed: %v", tt.path, err)
		}
		if resp.StatusCode != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
		}

		var body ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("%s: decoding body: %v", tt.path, err)
		}
		resp.Body.Close()

		if body.Code != tt.wantCode {
			t.Errorf("%s: code = %q, want %q", tt.path, body.Code, tt.wantCode)
		}
		if body.Message == "" {
			t.Errorf("%s: message is empty", tt.path)
		}
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse("NOT_FOUND", "Patient not found")
	if resp.Code != "NOT_FOUND" || resp.Message != "Patient not found" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Details != nil {
		t.Errorf("details should be empty, got %v", resp.Details)
	}

	withDetails := NewErrorResponse("BAD_REQUEST", "invalid", "field x")
	if withDetails.Details == nil {
		t.Error("details lost")
	}
}
