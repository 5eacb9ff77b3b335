package api

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"argus-logs/internal/config"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger

	// Handlers
	ingestHandler *IngestHandler
	searchHandler *SearchHandler
	alertHandler  *AlertHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config        *config.ServerConfig
	Logger        *slog.Logger
	IngestHandler *IngestHandler
	SearchHandler *SearchHandler
	AlertHandler  *AlertHandler
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	// Create Fiber app with optimized settings for high throughput
	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		// Enable strict routing for consistency
		StrictRouting: true,
		// Case sensitive routing
		CaseSensitive: true,
		// Read timeout from config
		ReadTimeout: deps.Config.ReadTimeout,
		// Write timeout from config
		WriteTimeout: deps.Config.WriteTimeout,
		// Idle timeout from config
		IdleTimeout: deps.Config.IdleTimeout,
		// Custom error handler
		ErrorHandler: customErrorHandler,
	})

	s := &Server{
		app:           app,
		config:        deps.Config,
		logger:        deps.Logger,
		ingestHandler: deps.IngestHandler,
		searchHandler: deps.SearchHandler,
		alertHandler:  deps.AlertHandler,
	}

	// Register middleware
	s.registerMiddleware()

	// Register routes
	s.registerRoutes()

	return s
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware() {
	// Recovery middleware to handle panics
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	// Logger middleware for request logging
	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// Health check endpoint (outside versioned API)
	s.app.Get("/healthz", s.healthCheck)

	// Prometheus metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API v1 routes
	v1 := s.app.Group("/v1")

	// Log ingestion and lookup
	v1.Post("/logs", s.ingestHandler.IngestLogs)
	v1.Get("/logs/:id", s.searchHandler.GetLog)

	// Search and facets
	v1.Post("/search", s.searchHandler.Search)
	v1.Get("/fields/:field/values", s.searchHandler.DistinctValues)
	v1.Get("/fields/:field/buckets", s.searchHandler.Buckets)

	// Asynchronous triggers from rule evaluators
	v1.Post("/triggers", s.ingestHandler.PublishTrigger)

	// Alerts. Fixed paths are registered before /alerts/:id.
	v1.Get("/alerts", s.alertHandler.List)
	v1.Post("/alerts/trigger", s.alertHandler.Trigger)
	v1.Get("/alerts/open", s.alertHandler.Open)
	v1.Get("/alerts/pending-notifications", s.alertHandler.PendingNotifications)
	v1.Get("/alerts/escalations", s.alertHandler.Escalations)
	v1.Get("/alerts/:id", s.alertHandler.Get)
	v1.Post("/alerts/:id/acknowledge", s.alertHandler.Acknowledge)
	v1.Post("/alerts/:id/resolve", s.alertHandler.Resolve)
	v1.Post("/alerts/:id/close", s.alertHandler.Close)
	v1.Post("/alerts/:id/suppress", s.alertHandler.Suppress)
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, map[string]string{
		"status": "healthy",
	})
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	// Check if it's a Fiber error
	if e, ok := err.(*fiber.Error); ok {
		code := ErrCodeInternalError
		switch {
		case e.Code == fiber.StatusNotFound:
			code = ErrCodeNotFound
		case e.Code < fiber.StatusInternalServerError:
			code = ErrCodeBadRequest
		}
		return Error(c, e.Code, code, e.Message)
	}

	// Default to internal server error
	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
