package joblock

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lodgely/lodgely/internal/logging"
)

// Handler provides operator HTTP endpoints for lease inspection and
// force release.
type Handler struct {
	store Store
}

// NewHandler creates a new joblock handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterOperatorRoutes sets up operator-only lock routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.GET("/locks", h.ListActive)
	r.POST("/locks/:id/force-release", h.ForceRelease)
}

// ListActive handles GET /v1/admin/locks
func (h *Handler) ListActive(c *gin.Context) {
	locks, err := h.store.ListActive(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list locks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks, "count": len(locks)})
}

// ForceRelease handles POST /v1/admin/locks/:id/force-release.
// For stuck leases: the operator drops the lease and the next worker
// cycle proceeds. Idempotency on the ledger side makes this safe even
// if the original holder is still running.
func (h *Handler) ForceRelease(c *gin.Context) {
	id := c.Param("id")

	l, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrLockNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Lock not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load lock",
		})
		return
	}

	if err := h.store.Release(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to release lock",
		})
		return
	}

	logging.L(c.Request.Context()).Warn("job lock force-released",
		"lock_id", id, "job", l.JobName, "was_held_by", l.LockedBy,
		"operator", c.GetString("authPartyID"))
	c.JSON(http.StatusOK, gin.H{"released": true, "lock": l})
}
