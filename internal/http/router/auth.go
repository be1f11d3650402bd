package router

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const adminKeyHeader = "X-Admin-API-Key"

// AdminAuth guards the admin API with a shared key. An empty configured key
// disables the check, which only happens in development.
func AdminAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		provided := c.GetHeader(adminKeyHeader)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}
