package router

import (
	"net/http"
	"strconv"
	"strings"

	"echo-vault/internal/config"
	"echo-vault/internal/handlers"
	"echo-vault/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	corsAllowMethods = "GET, POST, OPTIONS"
	corsAllowHeaders = "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept"
	corsMaxAge       = 3600
)

// Handlers everything the router mounts
type Handlers struct {
	Echo      *handlers.EchoHandler
	WebSocket *handlers.WebSocketHandler
	AdminAuth *handlers.AdminAuthHandler
}

// corsMiddleware CORS middleware, empty allowedOrigins allows every origin
func corsMiddleware(allowedOrigins []string, logger *logrus.Logger) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			allowed := false
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			} else {
				logger.WithFields(logrus.Fields{
					"request_origin":  origin,
					"allowed_origins": allowedOrigins,
					"path":            c.Request.URL.Path,
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		c.Header("Access-Control-Allow-Methods", corsAllowMethods)
		c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Header("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger access log through logrus
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.WithFields(logrus.Fields{
			"path":      c.Request.URL.Path,
			"method":    c.Request.Method,
			"status":    c.Writer.Status(),
			"client_ip": c.ClientIP(),
		}).Debug("🌐 [HTTP] request served")
	}
}

// SetupRouter builds the HTTP API
func SetupRouter(cfg *config.Config, h Handlers, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.WithError(err).Warn("⚠️ [Router] invalid trusted proxies, forwarding headers ignored")
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins, logger))

	localhostOnly := middleware.NewLocalhostOnly(logger, cfg.Admin.AllowedIPs)

	// ============ Health & metrics ============
	r.GET("/api/health", handlers.HealthCheckHandler)
	r.GET("/metrics", localhostOnly.Restrict(), gin.WrapH(promhttp.Handler()))

	// ============ Public status API ============
	api := r.Group("/api")
	{
		api.GET("/status", h.Echo.GetStatusHandler)
		api.GET("/history", h.Echo.GetHistoryHandler)
		api.GET("/ws", h.WebSocket.HandleWebSocket)
	}

	// ============ Admin API ============
	if cfg.Admin.Enabled() {
		adminAuth := middleware.NewAdminAuthMiddleware(h.AdminAuth, logger)
		r.POST("/api/admin/login", h.AdminAuth.AdminLoginHandler)
		admin := r.Group("/api/admin", adminAuth.RequireAdminAuth())
		{
			admin.GET("/pending", h.Echo.GetPendingHandler)
			admin.POST("/persist", h.Echo.ForcePersistHandler)
		}
		logger.Info("🔐 [Router] admin API enabled")
	}

	return r
}
