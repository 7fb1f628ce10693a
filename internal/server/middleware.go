package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dippydogellm/riddleswap.com-sub018/internal/idgen"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/logging"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/metrics"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/ratelimit"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/security"
	"github.com/dippydogellm/riddleswap.com-sub018/internal/validation"
)

// installMiddleware builds the global chain. Order matters: recovery wraps
// everything and the request logger sits innermost so it sees the final
// status code.
func (s *Server) installMiddleware() {
	s.router.Use(gin.CustomRecovery(s.recovered))
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.AllowedOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(s.rateLimitConfig())
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestContext())
	s.router.Use(s.requestLogger())
}

func (s *Server) rateLimitConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		cfg.RequestsPerMinute = s.cfg.RateLimitRPM
		cfg.BurstSize = max(s.cfg.RateLimitRPM/6, 10)
	}
	return cfg
}

// recovered turns a handler panic into a 500 without killing the process.
func (s *Server) recovered(c *gin.Context, v any) {
	logging.L(c.Request.Context()).Error("panic recovered",
		"panic", v,
		"path", c.Request.URL.Path,
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestContext threads a request ID and request-scoped logger through the
// context. Incoming X-Request-ID headers are honored so IDs stay stable
// across proxies.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = idgen.WithPrefix("req_")
		}

		ctx := logging.WithRequestID(c.Request.Context(), id)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestLogger emits one line per request, escalating the level with the
// status code.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		log := logging.L(c.Request.Context())
		switch {
		case status >= 500:
			attrs = append(attrs, "client_ip", c.ClientIP())
			log.Error("request handled", attrs...)
		case status >= 400:
			log.Warn("request handled", attrs...)
		default:
			log.Info("request handled", attrs...)
		}
	}
}
