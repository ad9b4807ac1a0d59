package handlers

import (
	"context"
	"net/http"
	"time"

	"echo-vault/internal/models"
	"echo-vault/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// StatusReader read side of the engine
type StatusReader interface {
	Status(ctx context.Context) *services.EchoStatus
	History() []*models.TransferRecord
	Pending() []*models.TransferRecord
}

// SnapshotWriter forces a durable snapshot
type SnapshotWriter interface {
	PersistNow(ctx context.Context) error
}

// EchoHandler public status API and admin operations
type EchoHandler struct {
	status    StatusReader
	snapshots SnapshotWriter
	logger    *logrus.Logger
}

// NewEchoHandler Create echo API handler
func NewEchoHandler(status StatusReader, snapshots SnapshotWriter, logger *logrus.Logger) *EchoHandler {
	return &EchoHandler{
		status:    status,
		snapshots: snapshots,
		logger:    logger,
	}
}

// HealthCheckHandler liveness check
// GET /api/health
func HealthCheckHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "echo-vault",
	})
}

// GetStatusHandler engine status with live balance
// GET /api/status
func (h *EchoHandler) GetStatusHandler(c *gin.Context) {
	status := h.status.Status(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"address":         status.Address,
		"balance":         status.Balance,
		"processed_count": status.ProcessedCount,
		"last_block":      status.LastBlock,
		"persisted_block": status.PersistedBlock,
		"pending_count":   status.PendingCount,
		"running":         status.Running,
	})
}

// GetHistoryHandler recent transfer records, newest first
// GET /api/history
func (h *EchoHandler) GetHistoryHandler(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.History())
}

// GetPendingHandler every non-terminal record
// GET /api/admin/pending
func (h *EchoHandler) GetPendingHandler(c *gin.Context) {
	pending := h.status.Pending()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   len(pending),
		"pending": pending,
	})
}

// ForcePersistHandler writes a snapshot now
// POST /api/admin/persist
func (h *EchoHandler) ForcePersistHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.snapshots.PersistNow(ctx); err != nil {
		h.logger.WithError(err).WithField("admin", c.GetString("admin_username")).Error("❌ [API] forced persist failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	status := h.status.Status(c.Request.Context())
	h.logger.WithFields(logrus.Fields{
		"admin":           c.GetString("admin_username"),
		"persisted_block": status.PersistedBlock,
	}).Info("💾 [API] snapshot forced")
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"persisted_block": status.PersistedBlock,
	})
}
