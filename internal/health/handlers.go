package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves /healthz and /readyz.
type Handler struct {
	registry *Registry
}

// NewHandler creates a health handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes mounts the probes at the engine root.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
}

// Liveness handles GET /healthz. It answers 200 whenever the process can
// serve requests at all; dependency state is readiness's concern.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readiness handles GET /readyz. 503 when any registered subsystem fails.
func (h *Handler) Readiness(c *gin.Context) {
	healthy, statuses := h.registry.CheckAll(c.Request.Context())

	code := http.StatusOK
	status := "ready"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "degraded"
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": statuses,
	})
}
