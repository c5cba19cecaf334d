package status

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lodgely/lodgely/internal/booking"
)

// Handler serves the escrow status endpoint.
type Handler struct {
	service *Service
}

// NewHandler creates a status handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the status route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/bookings/:id/escrow", h.Get)
}

// Get handles GET /v1/bookings/:id/escrow
func (h *Handler) Get(c *gin.Context) {
	st, b, err := h.service.For(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, booking.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Booking not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
		return
	}

	// Non-parties get the same 404 as a missing booking.
	caller := c.GetString("authPartyID")
	if !b.IsParty(caller) && c.GetString("authPartyRole") != "operator" {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Booking not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": st})
}
