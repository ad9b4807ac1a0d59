package handlers

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"echo-vault/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AdminRole role claim carried by admin tokens
const AdminRole = "admin"

const adminTokenIssuer = "echo-vault-admin"

// ErrAdminDisabled admin API is not configured
var ErrAdminDisabled = errors.New("admin API is disabled")

// AdminAuthHandler admin authentication handler
type AdminAuthHandler struct {
	cfg       config.AdminConfig
	jwtSecret []byte
	logger    *logrus.Logger
	now       func() time.Time
}

// AdminLoginRequest admin login request
type AdminLoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TOTPCode string `json:"totp_code" binding:"required"`
}

// AdminLoginResponse admin login response
type AdminLoginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Message   string `json:"message"`
}

// AdminJWTClaims admin JWT claims
type AdminJWTClaims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// NewAdminAuthHandler Create admin authentication handler
func NewAdminAuthHandler(cfg config.AdminConfig, logger *logrus.Logger) *AdminAuthHandler {
	if !cfg.Enabled() {
		logger.Warn("⚠️ [Admin] ADMIN_JWT_SECRET not set, admin API disabled")
	} else if cfg.PasswordHash == "" || cfg.TOTPSecret == "" {
		logger.Warn("⚠️ [Admin] password hash or TOTP secret not set, admin login disabled")
	}
	return &AdminAuthHandler{
		cfg:       cfg,
		jwtSecret: []byte(cfg.JWTSecret),
		logger:    logger,
		now:       time.Now,
	}
}

// AdminLoginHandler exchanges username, password and TOTP code for a token
// POST /api/admin/login
func (h *AdminAuthHandler) AdminLoginHandler(c *gin.Context) {
	if !h.cfg.Enabled() || h.cfg.PasswordHash == "" || h.cfg.TOTPSecret == "" {
		c.JSON(http.StatusServiceUnavailable, AdminLoginResponse{
			Success: false,
			Message: "Admin login is not configured",
		})
		return
	}

	var req AdminLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, AdminLoginResponse{
			Success: false,
			Message: fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(h.cfg.Username)) == 1
	passOK := bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(req.Password)) == nil
	if !userOK || !passOK {
		h.logger.WithField("username", req.Username).Warn("⚠️ [Admin] login rejected: invalid credentials")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid credentials",
		})
		return
	}
	if !totp.Validate(req.TOTPCode, h.cfg.TOTPSecret) {
		h.logger.WithField("username", req.Username).Warn("⚠️ [Admin] login rejected: invalid TOTP code")
		c.JSON(http.StatusUnauthorized, AdminLoginResponse{
			Success: false,
			Message: "Invalid TOTP code",
		})
		return
	}

	token, expiresAt, err := h.GenerateToken(req.Username)
	if err != nil {
		h.logger.WithError(err).Error("❌ [Admin] failed to sign token")
		c.JSON(http.StatusInternalServerError, AdminLoginResponse{
			Success: false,
			Message: "Failed to generate token",
		})
		return
	}

	h.logger.WithField("username", req.Username).Info("✅ [Admin] login successful")
	c.JSON(http.StatusOK, AdminLoginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: expiresAt.Unix(),
		Message:   "Login successful",
	})
}

// GenerateToken signs an admin token for username
func (h *AdminAuthHandler) GenerateToken(username string) (string, time.Time, error) {
	if !h.cfg.Enabled() {
		return "", time.Time{}, ErrAdminDisabled
	}
	now := h.now()
	expiresAt := now.Add(h.cfg.TokenTTL)
	claims := AdminJWTClaims{
		Username: username,
		Role:     AdminRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    adminTokenIssuer,
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, expiresAt, nil
}

// ValidateToken verifies an admin token
func (h *AdminAuthHandler) ValidateToken(tokenString string) (*AdminJWTClaims, error) {
	if !h.cfg.Enabled() {
		return nil, ErrAdminDisabled
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminJWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.jwtSecret, nil
	}, jwt.WithIssuer(adminTokenIssuer), jwt.WithTimeFunc(h.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims, ok := token.Claims.(*AdminJWTClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
