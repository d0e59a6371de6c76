package subscription

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/glowdesk/glowdesk/internal/pagination"
	"github.com/glowdesk/glowdesk/internal/plans"
)

// Handler serves the read-only subscription surface for the dashboard.
type Handler struct {
	store   Store
	catalog *plans.Catalog
}

// NewHandler creates a subscription handler.
func NewHandler(store Store, catalog *plans.Catalog) *Handler {
	return &Handler{store: store, catalog: catalog}
}

// RegisterRoutes sets up subscription routes under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
	r.GET("/tenants/:id/subscription", h.GetSubscription)
	r.GET("/tenants/:id/credits/events", h.ListCreditEvents)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": h.catalog.List()})
}

// GetSubscription handles GET /v1/tenants/:id/subscription
// First authenticated access creates the free-tier row.
func (h *Handler) GetSubscription(c *gin.Context) {
	tenantID := c.Param("id")

	rec, err := h.store.GetOrCreate(c.Request.Context(), tenantID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"subscription": rec.Snapshot()})
}

// ListCreditEvents handles GET /v1/tenants/:id/credits/events
//
// Cursor-paginated, newest first. Pass the returned next_cursor back as
// ?cursor= to fetch the following page.
func (h *Handler) ListCreditEvents(c *gin.Context) {
	tenantID := c.Param("id")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	events, err := h.store.ListEvents(c.Request.Context(), tenantID, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load credit events",
		})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(ev *CreditEvent) (time.Time, string) {
		return ev.CreatedAt, ev.ID
	})

	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"count":       len(events),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}
