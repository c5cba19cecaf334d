package reconcile

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lodgely/lodgely/internal/logging"
)

// Handler receives provider webhook deliveries.
type Handler struct {
	service *Service
	secret  string
}

// NewHandler creates a webhook handler. If secret is non-empty, every
// delivery must carry a valid HMAC-SHA256 signature of the body in the
// X-Webhook-Signature header.
func NewHandler(service *Service, secret string) *Handler {
	return &Handler{service: service, secret: secret}
}

// RegisterRoutes mounts the webhook endpoint. It is unauthenticated at
// the API-key layer; the signature check stands in for party auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/provider/webhook", h.Receive)
}

// Receive handles POST /v1/provider/webhook
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unreadable request body",
		})
		return
	}

	if h.secret != "" && !h.verifySignature(body, c.GetHeader("X-Webhook-Signature")) {
		logging.L(c.Request.Context()).Warn("webhook signature mismatch",
			"remote", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	var we WebhookEvent
	if err := json.Unmarshal(body, &we); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	outcome, err := h.service.Apply(c.Request.Context(), we)
	if err != nil {
		if errors.Is(err, ErrMalformedEvent) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
		return
	}

	// 202 tells the provider we took the event but could not bind it;
	// most providers stop retrying on any 2xx.
	status := http.StatusOK
	if outcome == OutcomeUnknownReference {
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"result": string(outcome)})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
