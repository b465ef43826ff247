package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/domain/repository"
)

// APIKeyAuth resolves the X-Api-Key header into a principal. Requests
// without the header pass through untouched (bearer-token identity is
// asserted upstream). Inactive or expired keys are rejected.
func APIKeyAuth(keys repository.APIKeyStore, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		keyID := c.GetHeader("X-Api-Key")
		if keyID == "" || keys == nil {
			c.Next()
			return
		}

		key, err := keys.Lookup(c.Request.Context(), keyID)
		if err != nil {
			logger.Warn("API key lookup failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			return
		}
		if key == nil || !key.Active || key.Expired(time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key inactive or expired"})
			return
		}

		user := key.Owner
		if key.Delegate != "" {
			user = key.Delegate
		}
		c.Request.Header.Set("X-User-Id", user)
		c.Request.Header.Set("X-Api-Key-Id", key.ID)
		c.Next()
	}
}
