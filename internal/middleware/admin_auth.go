package middleware

import (
	"net/http"
	"strings"

	"echo-vault/internal/handlers"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminTokenValidator parses and verifies an admin bearer token
type AdminTokenValidator interface {
	ValidateToken(tokenString string) (*handlers.AdminJWTClaims, error)
}

// AdminAuthMiddleware admin authentication middleware
type AdminAuthMiddleware struct {
	validator AdminTokenValidator
	logger    *logrus.Logger
}

// NewAdminAuthMiddleware Create admin authentication middleware
func NewAdminAuthMiddleware(validator AdminTokenValidator, logger *logrus.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{
		validator: validator,
		logger:    logger,
	}
}

// RequireAdminAuth requires a valid admin bearer token
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			a.reject(c, http.StatusUnauthorized, "Authentication required", "MISSING_AUTH_HEADER")
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			a.reject(c, http.StatusUnauthorized, "Invalid authorization format, need Bearer token", "INVALID_AUTH_FORMAT")
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if tokenString == "" {
			a.reject(c, http.StatusUnauthorized, "Empty token", "EMPTY_TOKEN")
			return
		}

		claims, err := a.validator.ValidateToken(tokenString)
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			}).Warn("Admin auth failed - invalid token")
			a.reject(c, http.StatusUnauthorized, "Invalid or expired token", "INVALID_TOKEN")
			return
		}
		if claims.Role != handlers.AdminRole {
			a.logger.WithFields(logrus.Fields{
				"path": c.Request.URL.Path,
				"role": claims.Role,
			}).Warn("Admin auth failed - insufficient permissions")
			a.reject(c, http.StatusForbidden, "Insufficient permissions", "INSUFFICIENT_PERMISSIONS")
			return
		}

		c.Set("admin_username", claims.Username)
		c.Set("admin_role", claims.Role)
		c.Next()
	}
}

func (a *AdminAuthMiddleware) reject(c *gin.Context, status int, message, code string) {
	a.logger.WithFields(logrus.Fields{
		"path":   c.Request.URL.Path,
		"method": c.Request.Method,
		"code":   code,
	}).Warn("Admin auth rejected")
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   message,
		"code":    code,
	})
}
