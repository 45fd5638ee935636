package httpmw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// InternalAuth guards container-facing endpoints with a shared bearer token.
// Comparison is constant-time so the token cannot be probed byte by byte.
func InternalAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		presented, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_code":  "Auth.Unauthorized",
				"description": "missing or invalid internal API token",
			})
			return
		}
		c.Next()
	}
}
