package reconciler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes the webhook endpoint. A nil reconciler means billing is
// not configured; the endpoint answers 503 so a misrouted Stripe config is
// visible instead of silently 404ing.
type Handler struct {
	rec *Reconciler
}

// NewHandler creates the webhook handler. rec may be nil.
func NewHandler(rec *Reconciler) *Handler {
	return &Handler{rec: rec}
}

// RegisterRoutes mounts the webhook endpoint. It lives outside /v1: the
// path is registered with Stripe, not consumed by the dashboard.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/webhooks/stripe", h.HandleWebhook)
}

// HandleWebhook handles POST /webhooks/stripe
//
// Responds 200 only after the event's mutation committed (or it was a
// duplicate/no-op); anything else tells Stripe to redeliver.
func (h *Handler) HandleWebhook(c *gin.Context) {
	if h.rec == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "billing_disabled",
			"message": "Webhook processing is not configured",
		})
		return
	}

	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Failed to read request body",
		})
		return
	}

	err = h.rec.HandleEvent(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"received": true})
	case errors.Is(err, ErrBadSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Event could not be applied; it will be retried",
		})
	}
}
