package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lodgely/lodgely/internal/validation"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates an auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up self-service key routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/keys", h.ListKeys)
	r.POST("/keys/:id/revoke", h.RevokeKey)
}

// RegisterOperatorRoutes sets up key issuance for operators.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.IssueKey)
}

// IssueKeyRequest is the body for issuing a key to a party.
type IssueKeyRequest struct {
	PartyID string `json:"partyId" binding:"required"`
	Role    string `json:"role" binding:"required"`
	Name    string `json:"name"`
}

// IssueKey handles POST /v1/admin/keys
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidID(req.PartyID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "partyId has an invalid format",
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(
		c.Request.Context(), req.PartyID, req.Role,
		validation.SanitizeString(req.Name, 64))
	if err != nil {
		if err == ErrInvalidRole {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "role must be guest, realtor, or operator",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to issue key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"key":     key,
		"rawKey":  rawKey,
		"warning": "Store this key now. It is not shown again.",
	})
}

// ListKeys handles GET /v1/keys for the authenticated party.
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.PartyID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles POST /v1/keys/:id/revoke for the authenticated party.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), c.Param("id"), key.PartyID); err != nil {
		if err == ErrKeyNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Key not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to revoke key",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
