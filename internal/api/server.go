// Package api exposes the local control surface consumed by the display
// layer: timer commands, idle resolution, permission state, daily totals,
// quit coordination, and a push event stream.
package api

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// ServerConfig holds configuration for the control API server.
type ServerConfig struct {
	// ListenAddr should stay on loopback; the API carries no auth because
	// only the local display layer talks to it.
	ListenAddr string
}

// Server is the control API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures the control API server.
func NewServer(cfg ServerConfig, h *Handlers, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		// The event stream and status poll are noisy; skip them.
		if path == "/api/v1/events" || path == "/api/v1/status" {
			return c.Next()
		}
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Msg("control api request")
		return c.Next()
	})

	s.setupRoutes(h)
	return s
}

func (s *Server) setupRoutes(h *Handlers) {
	v1 := s.app.Group("/api/v1")

	v1.Post("/timer/start", h.StartTimer)
	v1.Post("/timer/stop", h.StopTimer)
	v1.Post("/idle/resolve", h.ResolveIdle)

	v1.Get("/status", h.GetStatus)
	v1.Get("/permissions", h.GetPermissions)
	v1.Get("/projects/:id/today", h.ProjectToday)
	v1.Get("/today", h.Today)
	v1.Get("/events", h.Events)

	v1.Post("/quit", h.QuitRequest)
	v1.Post("/quit/confirm", h.QuitConfirm)
	v1.Post("/quit/cancel", h.QuitCancel)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8411"
	}
	s.logger.Info().Str("addr", addr).Msg("control API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("control API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		return c.Status(code).JSON(errorBody{Error: err.Error()})
	}
}
