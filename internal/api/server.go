// Package api serves the read-only status API of a running bridge: health and
// readiness probes, metrics, pipeline and MQTT client state, and recent logs.
package api

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/basekick-labs/arcstream/internal/logger"
	"github.com/basekick-labs/arcstream/internal/metrics"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
)

// Pipeline is a pipeline whose state the API reports.
type Pipeline interface {
	Running() bool
	Stats() map[string]interface{}
}

// StatsProvider is a component that reports its own statistics.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// TokenHash is a bcrypt hash guarding the /api/v1 routes. Empty leaves them
	// open. Probes and /metrics are never guarded.
	TokenHash string
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:         8081,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the status HTTP server.
type Server struct {
	app     *fiber.App
	logger  zerolog.Logger
	addr    string
	started time.Time

	mu        sync.RWMutex
	pipelines map[string]Pipeline
	clients   map[string]StatsProvider
}

// NewServer creates a status server with its routes registered.
func NewServer(cfg ServerConfig, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "api-server").Logger()
	app := fiber.New(fiber.Config{
		AppName:               "arcstream",
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestLogger(logger))

	s := &Server{
		app:       app,
		logger:    logger,
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		started:   time.Now(),
		pipelines: make(map[string]Pipeline),
		clients:   make(map[string]StatsProvider),
	}
	s.routes(cfg.TokenHash)
	return s
}

func (s *Server) routes(tokenHash string) {
	s.app.Get("/health", s.healthHandler)
	s.app.Get("/ready", s.readyHandler)
	s.app.Get("/metrics", s.metricsHandler)

	v1 := s.app.Group("/api/v1")
	if tokenHash != "" {
		v1.Use(newTokenAuth(tokenHash).middleware())
	}
	v1.Get("/pipelines", s.pipelinesHandler)
	v1.Get("/mqtt/stats", s.mqttStatsHandler)
	v1.Get("/logs", s.logsHandler)
}

// RegisterPipeline adds a pipeline to the readiness check and pipeline listing.
func (s *Server) RegisterPipeline(name string, p Pipeline) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[name] = p
}

// RegisterClient adds an MQTT client to the stats listing.
func (s *Server) RegisterClient(name string, c StatsProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[name] = c
}

// App returns the underlying Fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Start binds the listen address and serves in the background. Bind errors
// are returned directly.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("status API listen on %s: %w", s.addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting status API")
	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.logger.Error().Err(err).Msg("Status API stopped serving")
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests until
// ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("status API shutdown failed: %w", err)
	}
	s.logger.Info().Msg("Status API stopped")
	return nil
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	uptime := time.Since(s.started)
	return c.JSON(fiber.Map{
		"status":     "ok",
		"time":       time.Now().UTC().Format(time.RFC3339),
		"uptime":     uptime.Round(time.Second).String(),
		"uptime_sec": uptime.Seconds(),
	})
}

// readyHandler reports ready only while every registered pipeline runs.
func (s *Server) readyHandler(c *fiber.Ctx) error {
	s.mu.RLock()
	var stopped []string
	for name, p := range s.pipelines {
		if !p.Running() {
			stopped = append(stopped, name)
		}
	}
	s.mu.RUnlock()
	if len(stopped) > 0 {
		sort.Strings(stopped)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":  "not_ready",
			"stopped": stopped,
		})
	}
	return c.JSON(fiber.Map{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// metricsHandler returns Prometheus text, or JSON when the client asks for it.
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	m := metrics.Get()
	if c.Get(fiber.HeaderAccept) == fiber.MIMEApplicationJSON {
		return c.JSON(m.Snapshot())
	}
	c.Set(fiber.HeaderContentType, "text/plain; version=0.0.4; charset=utf-8")
	return c.SendString(m.PrometheusFormat())
}

func (s *Server) pipelinesHandler(c *fiber.Ctx) error {
	s.mu.RLock()
	out := make(fiber.Map, len(s.pipelines))
	for name, p := range s.pipelines {
		stats := p.Stats()
		stats["running"] = p.Running()
		out[name] = stats
	}
	s.mu.RUnlock()
	return c.JSON(fiber.Map{"pipelines": out})
}

func (s *Server) mqttStatsHandler(c *fiber.Ctx) error {
	s.mu.RLock()
	out := make(fiber.Map, len(s.clients))
	for name, cl := range s.clients {
		out[name] = cl.Stats()
	}
	s.mu.RUnlock()
	return c.JSON(fiber.Map{"clients": out})
}

// logEntry is the JSON form of a captured log entry.
type logEntry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// logsHandler returns recent captured log entries, newest first.
func (s *Server) logsHandler(c *fiber.Ctx) error {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	level := zerolog.TraceLevel
	if l := c.Query("level"); l != "" {
		parsed, err := zerolog.ParseLevel(l)
		if err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid level "+strconv.Quote(l))
		}
		level = parsed
	}
	sinceMinutes := 60
	if sm := c.Query("since_minutes"); sm != "" {
		if parsed, err := strconv.Atoi(sm); err == nil && parsed > 0 && parsed <= 1440 {
			sinceMinutes = parsed
		}
	}

	entries := []logEntry{}
	if buf := logger.Captured(); buf != nil {
		since := time.Now().Add(-time.Duration(sinceMinutes) * time.Minute)
		for _, e := range buf.Recent(limit, level, since) {
			entries = append(entries, logEntry{
				Time:      e.Time,
				Level:     e.Level.String(),
				Component: e.Component,
				Message:   e.Message,
				Error:     e.Error,
			})
		}
	}
	return c.JSON(fiber.Map{
		"count":         len(entries),
		"limit":         limit,
		"since_minutes": sinceMinutes,
		"logs":          entries,
	})
}

func errorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		if code >= fiber.StatusInternalServerError {
			logger.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// requestLogger counts requests and logs the failed ones.
func requestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		m := metrics.Get()
		m.IncHTTPRequests()
		status := c.Response().StatusCode()
		if err != nil {
			if e, ok := err.(*fiber.Error); ok {
				status = e.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		if status >= fiber.StatusBadRequest {
			m.IncHTTPErrors()
			logger.Warn().
				Str("method", c.Method()).
				Str("path", c.Path()).
				Int("status", status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request error")
		}
		return err
	}
}
