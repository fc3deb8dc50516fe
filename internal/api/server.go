// Package api exposes the cohort simulation over HTTP. Routes cover
// classification, cohort lifecycle, patient state reads, alert and
// recommendation follow-up, and a WebSocket event stream for cycle
// results.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/ckd-cohort-server/internal/cache"
	"github.com/ckd-cohort-server/internal/domain"
	"github.com/ckd-cohort-server/internal/middleware"
	"github.com/ckd-cohort-server/internal/review"
	"github.com/ckd-cohort-server/internal/service"
)

// ConfigProvider supplies the configuration the server needs at startup.
type ConfigProvider interface {
	GetConfig() *domain.Config
	GetServerConfig() *domain.ServerConfig
}

// Dependencies bundles the collaborators wired into the server.
type Dependencies struct {
	Config          ConfigProvider
	Stores          service.CohortStores
	Driver          *service.CohortDriver
	Classifier      *service.Classifier
	Classifications *cache.ClassificationCache
	States          *cache.StateCache
	Reviews         review.Store
	Detector        *service.TransitionDetector
	Oracle          domain.LabValueOracle
	Logger          *logrus.Logger
}

// Server represents the HTTP server
type Server struct {
	deps   Dependencies
	router *gin.Engine
	server *http.Server
	hub    *EventHub
	log    *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(deps Dependencies) *Server {
	cfg := deps.Config.GetConfig()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	logger := deps.Logger
	if logger == nil {
		logger = logrus.New()
	}

	router := gin.New()
	router.Use(middleware.AuditLogger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.NewRateLimiter(50, 100).Middleware())

	server := &Server{
		deps:   deps,
		router: router,
		hub:    NewEventHub(logger),
		log:    logger,
	}

	server.setupRoutes()

	return server
}

// Hub exposes the event hub so other components can publish events.
func (s *Server) Hub() *EventHub {
	return s.hub
}

// Router exposes the gin engine, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	cfg := s.deps.Config.GetServerConfig()
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/events", s.handleEvents)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/classify", s.handleClassify)
		v1.POST("/transitions/detect", s.handleDetectTransition)

		v1.POST("/cohorts", s.handleCreateCohort)
		v1.GET("/cohorts/:id", s.handleGetCohort)
		v1.POST("/cohorts/:id/patients", s.handleCreatePatient)
		v1.POST("/cohorts/:id/advance", s.handleAdvanceCohort)

		v1.GET("/patients/:id/state", s.handlePatientState)
		v1.GET("/patients/:id/history", s.handlePatientHistory)
		v1.GET("/patients/:id/transitions", s.handlePatientTransitions)
		v1.GET("/patients/:id/alerts", s.handlePatientAlerts)
		v1.GET("/patients/:id/recommendations", s.handlePatientRecommendations)
		v1.POST("/patients/:id/suggest", s.handleOracleSuggest)

		v1.PUT("/alerts/:id/status", s.handleAlertStatus)
		v1.PUT("/recommendations/:id/status", s.handleRecommendationStatus)

		v1.POST("/reviews", s.handleSaveReview)
		v1.GET("/reviews", s.handleListReviews)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"clients":   s.hub.ClientCount(),
	}
	if s.deps.States != nil {
		status["cache"] = s.deps.States.Healthy(c.Request.Context())
	}
	c.JSON(http.StatusOK, status)
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
