package billing

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/glowdesk/glowdesk/internal/plans"
)

// Handler serves the billing endpoints. A nil orchestrator means billing is
// not configured: the routes stay mounted and answer 503 so clients get a
// clear signal instead of a 404.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a billing handler. orch may be nil when billing is
// disabled.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up billing routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/billing/checkout", h.StartCheckout)
	r.POST("/tenants/:id/billing/cancel", h.Cancel)
	r.POST("/tenants/:id/billing/portal", h.PortalSession)
}

type checkoutRequest struct {
	Plan       string `json:"plan" binding:"required"`
	SuccessURL string `json:"successUrl" binding:"required,url"`
	CancelURL  string `json:"cancelUrl" binding:"required,url"`
}

// StartCheckout handles POST /v1/tenants/:id/billing/checkout
func (h *Handler) StartCheckout(c *gin.Context) {
	if h.orch == nil {
		billingDisabled(c)
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sess, err := h.orch.StartCheckout(c.Request.Context(), c.Param("id"),
		plans.Plan(req.Plan), req.SuccessURL, req.CancelURL)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":   sess.ID,
		"checkoutUrl": sess.URL,
	})
}

// Cancel handles POST /v1/tenants/:id/billing/cancel
func (h *Handler) Cancel(c *gin.Context) {
	if h.orch == nil {
		billingDisabled(c)
		return
	}

	if err := h.orch.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

type portalRequest struct {
	ReturnURL string `json:"returnUrl" binding:"required,url"`
}

// PortalSession handles POST /v1/tenants/:id/billing/portal
func (h *Handler) PortalSession(c *gin.Context) {
	if h.orch == nil {
		billingDisabled(c)
		return
	}

	var req portalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	url, err := h.orch.PortalSession(c.Request.Context(), c.Param("id"), req.ReturnURL)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"portalUrl": url})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidPlan):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_plan",
			"message": "Unknown plan or plan cannot be purchased",
		})
	case errors.Is(err, ErrNotUpgrade):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_an_upgrade",
			"message": "Requested plan is not above the current plan; use the billing portal to downgrade",
		})
	case errors.Is(err, ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_cancellable",
			"message": "No active paid subscription to cancel",
		})
	case errors.Is(err, ErrNoBillingAccount):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "no_billing_account",
			"message": "Tenant has no billing account yet",
		})
	case errors.Is(err, ErrPriceMisconfigured):
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "price_misconfigured",
			"message": "Plan pricing is misconfigured; contact support",
		})
	case errors.Is(err, ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "billing_unavailable",
			"message": "Payment provider is temporarily unavailable; try again shortly",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Billing operation failed",
		})
	}
}

func billingDisabled(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, gin.H{
		"error":   "billing_disabled",
		"message": "Billing is not configured on this deployment",
	})
}
