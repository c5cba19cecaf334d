package booking

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lodgely/lodgely/internal/validation"
)

// Handler provides HTTP endpoints for booking operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up booking routes on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.GET("/bookings/:id", h.GetBooking)
	r.GET("/parties/:id/bookings", h.ListByParty)
	r.POST("/bookings/:id/checkin", h.ConfirmCheckIn)
	r.POST("/bookings/:id/checkout", h.ConfirmCheckOut)
	r.GET("/bookings/:id/cancel-preview", h.PreviewCancellation)
	r.POST("/bookings/:id/cancel", h.Cancel)
}

// RegisterOperatorRoutes sets up operator-only booking routes.
func (h *Handler) RegisterOperatorRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/clear-attention", h.ClearAttention)
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("nightlyRate", req.NightlyRate),
		validation.ValidAmount("cleaningFee", req.CleaningFee),
		validation.ValidAmount("securityDeposit", req.SecurityDeposit),
		validation.ValidAmount("serviceFee", req.ServiceFee),
		validation.MaxLength("propertyId", req.PropertyID, 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated guest books for themselves.
	if caller := c.GetString("authPartyID"); caller != req.GuestID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated party must be the guest",
		})
		return
	}

	b, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "booking_failed",
			"message": "Failed to create booking",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.authorized(c, b) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ListByParty handles GET /v1/parties/:id/bookings
func (h *Handler) ListByParty(c *gin.Context) {
	partyID := c.Param("id")
	caller := c.GetString("authPartyID")
	if caller != partyID && c.GetString("authPartyRole") != "operator" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Cannot list another party's bookings",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	bookings, err := h.service.ListByParty(c.Request.Context(), partyID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// ConfirmCheckIn handles POST /v1/bookings/:id/checkin
func (h *Handler) ConfirmCheckIn(c *gin.Context) {
	b, err := h.service.ConfirmCheckIn(c.Request.Context(), c.Param("id"), c.GetString("authPartyID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ConfirmCheckOut handles POST /v1/bookings/:id/checkout
func (h *Handler) ConfirmCheckOut(c *gin.Context) {
	b, err := h.service.ConfirmCheckOut(c.Request.Context(), c.Param("id"), c.GetString("authPartyID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// PreviewCancellation handles GET /v1/bookings/:id/cancel-preview
func (h *Handler) PreviewCancellation(c *gin.Context) {
	split, err := h.service.PreviewCancellation(c.Request.Context(), c.Param("id"), c.GetString("authPartyID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preview": split})
}

// Cancel handles POST /v1/bookings/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authPartyID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ClearAttention handles POST /v1/admin/bookings/:id/clear-attention
func (h *Handler) ClearAttention(c *gin.Context) {
	b, err := h.service.ClearAttention(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// authorized hides bookings from parties not on them. Operators see all.
func (h *Handler) authorized(c *gin.Context, b *Booking) bool {
	caller := c.GetString("authPartyID")
	if b.IsParty(caller) || c.GetString("authPartyRole") == "operator" {
		return true
	}
	c.JSON(http.StatusNotFound, gin.H{
		"error":   "not_found",
		"message": "Booking not found",
	})
	return false
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Booking not found",
		})
	case errors.Is(err, ErrUnauthorizedParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller is not a party to this booking",
		})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrWindowClosed):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
