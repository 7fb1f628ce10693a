package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/escrow"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/health"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/logging"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
)

const healthCheckTimeout = 5 * time.Second

func (s *Server) installRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Escrow transition stream.
	s.router.GET("/ws", s.websocketHandler)
	s.router.GET("/ws/stats", s.websocketStatsHandler)

	v1 := s.router.Group("/api/v1")
	escrow.NewHandler(s.service).RegisterRoutes(v1)
	v1.GET("/reconciliation/custody", s.reconciliationHandler)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	healthy, checks := s.checks.CheckAll(ctx)

	resp := HealthResponse{
		Status:    "healthy",
		Version:   apiVersion,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) livenessHandler(c *gin.Context) {
	if s.healthy.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "alive"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if s.ready.Load() {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
}

func (s *Server) websocketHandler(c *gin.Context) {
	s.hub.HandleWebSocket(c.Writer, c.Request)
}

func (s *Server) websocketStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

// reconciliationHandler runs a custody check on demand and returns the full
// per-chain report. The timer runs the same check every five minutes; this
// endpoint is for operators who want an answer now.
func (s *Server) reconciliationHandler(c *gin.Context) {
	report, err := s.reconciler.ReconcileCustody(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("custody reconciliation failed", logging.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, report)
}
