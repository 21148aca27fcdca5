package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/clinicdesk/backend/config"
	"github.com/clinicdesk/backend/models"
	"github.com/clinicdesk/backend/notify"
	appsync "github.com/clinicdesk/backend/sync"
	"github.com/clinicdesk/backend/utils"
)

// StreamHandler serves the live appointment stream over SSE. Each stream
// holds one reference on the shared per-organization syncer; the reference
// is released when the client goes away.
type StreamHandler struct {
	config       *config.Config
	logger       *zap.Logger
	manager      *appsync.Manager
	toaster      *notify.Toaster
	streamTokens *utils.StreamTokenGenerator
}

func NewStreamHandler(cfg *config.Config, logger *zap.Logger, manager *appsync.Manager, toaster *notify.Toaster, streamTokens *utils.StreamTokenGenerator) *StreamHandler {
	return &StreamHandler{
		config:       cfg,
		logger:       logger,
		manager:      manager,
		toaster:      toaster,
		streamTokens: streamTokens,
	}
}

type streamSnapshot struct {
	Appointments []models.Appointment `json:"appointments"`
	State        string               `json:"state"`
	Filter       string               `json:"filter"`
}

type streamState struct {
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// Stream opens the SSE connection. EventSource cannot send headers, so the
// caller authenticates with a short-lived token in the query string.
func (h *StreamHandler) Stream(c *fiber.Ctx) error {
	token := c.Query("token")
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Stream token required"})
	}

	claims, err := h.streamTokens.Verify(c.Context(), token)
	if err != nil {
		h.logger.Debug("stream token rejected", zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid stream token"})
	}

	filter := appsync.FilterAll
	if c.Query("filter") == string(appsync.FilterToday) {
		filter = appsync.FilterToday
	}

	syncer, release, err := h.manager.Acquire(c.Context(), claims.OrgID)
	if err != nil {
		h.logger.Error("failed to acquire syncer",
			zap.String("org_id", claims.OrgID),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to open stream"})
	}

	events, unsubscribe := syncer.Subscribe()

	// Toast delivery is opt-in; dashboards that render their own change
	// feed skip it.
	toasts := make(chan notify.Toast, 16)
	stopToasts := func() {}
	if c.Query("notify") == "1" {
		stopToasts = h.toaster.Subscribe(func(t notify.Toast) {
			select {
			case toasts <- t:
			default:
			}
		})
	}

	orgID := claims.OrgID
	logger := h.logger

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer release()
		defer unsubscribe()
		defer stopToasts()

		send := func(event string, payload interface{}) bool {
			data, err := json.Marshal(payload)
			if err != nil {
				logger.Error("failed to marshal stream payload", zap.Error(err))
				return true
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			if err := w.Flush(); err != nil {
				// Client went away.
				return false
			}
			return true
		}

		if !send("snapshot", streamSnapshot{
			Appointments: syncer.Appointments(filter),
			State:        syncer.State().String(),
			Filter:       string(filter),
		}) {
			return
		}

		lastState := syncer.State()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		logger.Info("appointment stream opened", zap.String("org_id", orgID))
		defer logger.Info("appointment stream closed", zap.String("org_id", orgID))

		for {
			select {
			case event := <-events:
				if !send("change", event) {
					return
				}

			case toast := <-toasts:
				if !send("toast", toast) {
					return
				}

			case <-ticker.C:
				// Heartbeat doubles as connection state reporting; only send
				// a state event when it actually changed.
				state := syncer.State()
				if state != lastState {
					lastState = state
					payload := streamState{State: state.String()}
					if err := syncer.Err(); err != nil && state != appsync.StateConnected {
						payload.Error = err.Error()
					}
					if !send("state", payload) {
						return
					}
					continue
				}
				fmt.Fprint(w, ": ping\n\n")
				if err := w.Flush(); err != nil {
					return
				}

			case <-syncer.Done():
				send("state", streamState{State: appsync.StateDisconnected.String()})
				return
			}
		}
	}))

	return nil
}

// Refresh forces the caller's syncer to reconnect, resetting the backoff
// budget. This is the escape hatch from the giving-up state.
func (h *StreamHandler) Refresh(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	syncer, release, err := h.manager.Acquire(c.Context(), orgID)
	if err != nil {
		h.logger.Error("failed to acquire syncer for refresh",
			zap.String("org_id", orgID),
			zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to refresh feed"})
	}
	defer release()

	syncer.Refresh()

	return c.JSON(fiber.Map{
		"message": "Feed refresh requested",
		"state":   syncer.State().String(),
	})
}

// Status reports the syncer state for the caller's organization without
// holding a stream open.
func (h *StreamHandler) Status(c *fiber.Ctx) error {
	orgID, err := getOrgID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	}

	syncer, release, err := h.manager.Acquire(c.Context(), orgID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to read feed state"})
	}
	defer release()

	resp := fiber.Map{
		"state":     syncer.State().String(),
		"connected": syncer.IsConnected(),
	}
	if err := syncer.Err(); err != nil {
		resp["error"] = err.Error()
	}
	return c.JSON(resp)
}
