package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	claimsCtxKey = "canopy.claims"
	adminCtxKey  = "canopy.admin"

	// AdminKeyHeader carries the platform operator key.
	AdminKeyHeader = "X-Admin-Key"
)

// RequireTenant returns a gin middleware admitting requests that carry
// either a valid tenant session token or the platform admin key. Admin
// requests have no tenant identity of their own; handlers must check
// IsAdmin before honoring cross-tenant parameters.
func RequireTenant(tokens *TokenService, adminKey *AdminKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key := c.GetHeader(AdminKeyHeader); key != "" && adminKey.Check(key) {
			c.Set(adminCtxKey, true)
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		claims, err := tokens.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(claimsCtxKey, claims)
		if claims.Role == "admin" {
			c.Set(adminCtxKey, true)
		}
		c.Next()
	}
}

// ClaimsFromCtx returns the verified claims for the request, or nil for
// admin-key requests.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, ok := c.Get(claimsCtxKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*Claims)
	return claims
}

// TenantFromCtx returns the authenticated tenant id, or "" for admin-key
// requests.
func TenantFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.TenantID
	}
	return ""
}

// IsAdmin reports whether the request carries platform-operator privileges.
func IsAdmin(c *gin.Context) bool {
	v, ok := c.Get(adminCtxKey)
	return ok && v == true
}
