package content

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/glowdesk/glowdesk/internal/credits"
	"github.com/glowdesk/glowdesk/internal/llm"
)

// Handler serves the content generation endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates a content handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up content routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/content/bio-radar", h.BioRadar)
	r.POST("/tenants/:id/content/image-prompt", h.ImagePrompt)
	r.POST("/tenants/:id/content/ad-generation", h.AdCopy)
	r.POST("/tenants/:id/content/ebook-generation", h.Ebook)
}

type bioRadarRequest struct {
	Bio string `json:"bio" binding:"required,max=2000"`
}

// BioRadar handles POST /v1/tenants/:id/content/bio-radar
func (h *Handler) BioRadar(c *gin.Context) {
	var req bioRadarRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.svc.BioRadar(c.Request.Context(), c.Param("id"), req.Bio)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type imagePromptRequest struct {
	Description string `json:"description" binding:"required,max=1000"`
}

// ImagePrompt handles POST /v1/tenants/:id/content/image-prompt
func (h *Handler) ImagePrompt(c *gin.Context) {
	var req imagePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.svc.ImagePrompt(c.Request.Context(), c.Param("id"), req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type adCopyRequest struct {
	Product  string `json:"product" binding:"required,max=500"`
	Audience string `json:"audience" binding:"max=500"`
	Tone     string `json:"tone" binding:"max=100"`
}

// AdCopy handles POST /v1/tenants/:id/content/ad-generation
func (h *Handler) AdCopy(c *gin.Context) {
	var req adCopyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.svc.AdCopy(c.Request.Context(), c.Param("id"), req.Product, req.Audience, req.Tone)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type ebookRequest struct {
	Topic    string `json:"topic" binding:"required,max=500"`
	Chapters int    `json:"chapters" binding:"max=12"`
}

// Ebook handles POST /v1/tenants/:id/content/ebook-generation
func (h *Handler) Ebook(c *gin.Context) {
	var req ebookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	result, err := h.svc.Ebook(c.Request.Context(), c.Param("id"), req.Topic, req.Chapters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": err.Error(),
	})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient_credits",
			"message": "Not enough credits; upgrade your plan or wait for renewal",
		})
	case errors.Is(err, credits.ErrPlanIneligible):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "plan_ineligible",
			"message": "Your plan does not include this feature",
		})
	case errors.Is(err, credits.ErrSubscriptionInactive):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "subscription_inactive",
			"message": "Subscription is not active; update your payment method",
		})
	case errors.Is(err, credits.ErrUnknownOperation):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "unknown_operation",
			"message": "Unknown content operation",
		})
	case errors.Is(err, llm.ErrUnavailable), errors.Is(err, llm.ErrBadResponse):
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "generation_failed",
			"message": "Content generation failed; you were not charged",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Content operation failed",
		})
	}
}
