package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vaultpilot/vaultpilot/internal/config"
)

const (
	HeaderAPIKey     = "X-API-Key"
	HeaderCronSecret = "X-Cron-Secret"
)

// APIKeyAuth guards the management surface. Comparison is constant time;
// a timing oracle on the key defeats the point of having one.
func APIKeyAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Auth.APIKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "management API key not configured"})
			c.Abort()
			return
		}
		provided := c.GetHeader(HeaderAPIKey)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.Auth.APIKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid API key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// CronAuth guards the cycle trigger. The shared secret is the only thing
// standing between the internet and a fund-moving endpoint.
func CronAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Auth.CronSecret == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "cron secret not configured"})
			c.Abort()
			return
		}
		provided := c.GetHeader(HeaderCronSecret)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.Auth.CronSecret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid cron secret"})
			c.Abort()
			return
		}
		c.Next()
	}
}
