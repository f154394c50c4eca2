package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/staffwatch/agent/internal/agenterr"
	"github.com/staffwatch/agent/internal/aggregate"
	"github.com/staffwatch/agent/internal/permission"
	"github.com/staffwatch/agent/internal/quit"
	"github.com/staffwatch/agent/internal/session"
)

// Timer is the session controller surface the API drives.
type Timer interface {
	Start(projectID string) error
	Stop() error
	Resolve(keep bool) (session.Resolution, error)
	Status() session.Status
}

// Permissions reports the current capability grant state.
type Permissions interface {
	State() permission.State
}

// Totals supplies per-project daily totals. Snapshot is the cached view
// refreshed on the engine's minute tick; TodayTotal is exact.
type Totals interface {
	TodayTotal(projectID string) (int64, error)
	Snapshot() map[string]int64
}

// Quitter coordinates agent termination.
type Quitter interface {
	Request(ctx context.Context) (quit.Status, error)
	Confirm(ctx context.Context) (quit.Status, error)
	Cancel()
}

// Events is the subscription surface for the push stream.
type Events interface {
	Subscribe(buf int) (<-chan session.Event, func())
}

// Handlers implements the control API endpoints.
type Handlers struct {
	timer       Timer
	permissions Permissions
	totals      Totals
	quitter     Quitter
	events      Events
	logger      zerolog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(timer Timer, perms Permissions, totals Totals, quitter Quitter, events Events, logger zerolog.Logger) *Handlers {
	return &Handlers{
		timer:       timer,
		permissions: perms,
		totals:      totals,
		quitter:     quitter,
		events:      events,
		logger:      logger.With().Str("component", "api_handlers").Logger(),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

type startRequest struct {
	ProjectID string `json:"project_id"`
}

type resolveRequest struct {
	Keep bool `json:"keep"`
}

// StartTimer handles POST /api/v1/timer/start.
func (h *Handlers) StartTimer(c *fiber.Ctx) error {
	var req startRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "invalid request body"})
	}
	if req.ProjectID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "project_id is required"})
	}

	if err := h.timer.Start(req.ProjectID); err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(h.timer.Status())
}

// StopTimer handles POST /api/v1/timer/stop.
func (h *Handlers) StopTimer(c *fiber.Ctx) error {
	if err := h.timer.Stop(); err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(h.timer.Status())
}

// ResolveIdle handles POST /api/v1/idle/resolve.
func (h *Handlers) ResolveIdle(c *fiber.Ctx) error {
	var req resolveRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "invalid request body"})
	}

	res, err := h.timer.Resolve(req.Keep)
	if err != nil {
		return domainError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"resolution": res,
		"status":     h.timer.Status(),
	})
}

// GetStatus handles GET /api/v1/status.
func (h *Handlers) GetStatus(c *fiber.Ctx) error {
	return c.JSON(h.timer.Status())
}

// GetPermissions handles GET /api/v1/permissions.
func (h *Handlers) GetPermissions(c *fiber.Ctx) error {
	st := h.permissions.State()
	return c.JSON(fiber.Map{
		"accessibility":    st.Accessibility,
		"screen_recording": st.ScreenRecording,
		"granted":          st.Granted(),
		"checked_at":       st.CheckedAt,
	})
}

// ProjectToday handles GET /api/v1/projects/:id/today.
func (h *Handlers) ProjectToday(c *fiber.Ctx) error {
	projectID := c.Params("id")
	total, err := h.totals.TodayTotal(projectID)
	if err != nil {
		h.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to compute daily total")
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: "failed to compute daily total"})
	}
	return c.JSON(fiber.Map{
		"project_id":    projectID,
		"total_seconds": total,
		"formatted":     aggregate.FormatDuration(total),
	})
}

// Today handles GET /api/v1/today: last refreshed totals for every project
// worked on today. Stale by up to one refresh interval; per-project
// exactness lives at /projects/:id/today.
func (h *Handlers) Today(c *fiber.Ctx) error {
	totals := h.totals.Snapshot()
	projects := make(map[string]fiber.Map, len(totals))
	for projectID, secs := range totals {
		projects[projectID] = fiber.Map{
			"total_seconds": secs,
			"formatted":     aggregate.FormatDuration(secs),
		}
	}
	return c.JSON(fiber.Map{"projects": projects})
}

// QuitRequest handles POST /api/v1/quit.
func (h *Handlers) QuitRequest(c *fiber.Ctx) error {
	status, err := h.quitter.Request(c.Context())
	if err != nil {
		return domainError(c, err)
	}
	return c.JSON(status)
}

// QuitConfirm handles POST /api/v1/quit/confirm.
func (h *Handlers) QuitConfirm(c *fiber.Ctx) error {
	status, err := h.quitter.Confirm(c.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("quit drain failed")
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: err.Error()})
	}
	return c.JSON(status)
}

// QuitCancel handles POST /api/v1/quit/cancel.
func (h *Handlers) QuitCancel(c *fiber.Ctx) error {
	h.quitter.Cancel()
	return c.JSON(fiber.Map{"cancelled": true})
}

// Events handles GET /api/v1/events as a server-sent event stream. A slow
// consumer loses events rather than stalling the engine; the stream is a
// notification channel, and state is always recoverable from /status.
func (h *Handlers) Events(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	events, cancel := h.events.Subscribe(32)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
				if err := w.Flush(); err != nil {
					return
				}
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

// domainError maps engine errors to HTTP statuses.
func domainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, agenterr.ErrPermissionDenied):
		return c.Status(fiber.StatusForbidden).JSON(errorBody{Error: err.Error()})
	case errors.Is(err, agenterr.ErrTimerRunning):
		return c.Status(fiber.StatusConflict).JSON(errorBody{Error: err.Error()})
	case errors.Is(err, agenterr.ErrNoPendingIdle):
		return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: err.Error()})
	case errors.Is(err, agenterr.ErrQuitBlocked):
		return c.Status(fiber.StatusConflict).JSON(errorBody{Error: err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: err.Error()})
	}
}
