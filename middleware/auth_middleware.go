package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"mabletask/telemetry/logging"
	"mabletask/telemetry/utils"
)

const (
	ContextUserID    = "user_id"
	ContextUserEmail = "user_email"
)

// AuthRequired accepts either the service API key in X-API-KEY or a JWT
// from the jwt_token cookie, the Authorization header, or the token query
// parameter (browsers cannot set headers on websocket upgrades).
func AuthRequired(secret []byte, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey != "" && c.GetHeader("X-API-KEY") == apiKey {
			c.Next()
			return
		}

		tokenString, err := c.Cookie("jwt_token")
		if err != nil || tokenString == "" {
			tokenString = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		}
		if tokenString == "" {
			tokenString = c.Query("token")
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized: No token provided"})
			return
		}

		claims, err := utils.ValidateJWT(tokenString, secret)
		if err != nil {
			logging.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Unauthorized: Invalid or expired token"})
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserEmail, claims.Email)
		c.Next()
	}
}
