// Package validation provides input validation middleware for the Glowdesk API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB). Content prompts are
// capped far below this by field-level bindings; the hard limit exists so a
// hostile client cannot stream an arbitrarily large body.
const MaxRequestSize = 1 << 20

// tenantIDRegex validates tenant identifiers: the dashboard issues IDs like
// t_8f3ka92 but we accept any short slug of word characters and hyphens.
var tenantIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTenantID checks if a string is an acceptable tenant identifier
func IsValidTenantID(id string) bool {
	return tenantIDRegex.MatchString(id)
}

// TenantParamMiddleware validates the :id URL parameter on routes that use it.
// Apply to route groups that include :id params to reject malformed tenant
// IDs before they reach a store.
func TenantParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidTenantID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_tenant_id",
				"message": "tenant id must be a short alphanumeric slug",
			})
			return
		}
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}
