// Package api serves the analysis engine over REST. Runs are submitted as
// background jobs and polled by ID; stored reports are read from postgres
// when a database is configured.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/foldwise/internal/analysis"
	"github.com/ajitpratap0/foldwise/internal/cache"
	"github.com/ajitpratap0/foldwise/internal/db"
	"github.com/ajitpratap0/foldwise/internal/jobs"
	"github.com/ajitpratap0/foldwise/internal/metrics"
)

// Server represents the REST API server
type Server struct {
	router  *gin.Engine
	service *analysis.Service
	jobs    *jobs.Manager
	db      *db.DB
	cache   *cache.FoldCache
	addr    string
	server  *http.Server
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	APIKey         string   // Empty disables authentication
	AllowedOrigins []string // Empty allows every origin
	Service        *analysis.Service
	Jobs           *jobs.Manager
	DB             *db.DB           // Optional
	Cache          *cache.FoldCache // Optional
}

// NewServer creates a new API server
func NewServer(config Config) *Server {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(metrics.GinMiddleware())
	router.Use(cors.New(corsConfig(config.AllowedOrigins)))

	s := &Server{
		router:  router,
		service: config.Service,
		jobs:    config.Jobs,
		db:      config.DB,
		cache:   config.Cache,
		addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
	}
	s.setupRoutes(AuthMiddleware(config.APIKey))
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", APIKeyHeader},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server and cancels running jobs
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	if s.jobs != nil {
		if err := s.jobs.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop jobs: %w", err)
		}
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
