package usage

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler serves the usage summary endpoint.
type Handler struct {
	recorder *Recorder
}

// NewHandler creates a usage handler.
func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterRoutes sets up usage routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/tenants/:id/usage", h.GetUsage)
}

// GetUsage handles GET /v1/tenants/:id/usage?days=30
func (h *Handler) GetUsage(c *gin.Context) {
	days := 30
	if d := c.Query("days"); d != "" {
		if parsed, err := strconv.Atoi(d); err == nil && parsed > 0 {
			days = parsed
		}
	}

	entries, err := h.recorder.Summary(c.Request.Context(), c.Param("id"), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load usage",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"usage": entries,
		"days":  days,
	})
}
