package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"sudooom.portal.messaging/pkg/jwt"
	"sudooom.portal.messaging/pkg/response"
)

const (
	userIDKey   = "user_id"
	deviceIDKey = "device_id"
)

// JWTAuth authenticates the request and stores the caller's identity in the context.
func JWTAuth(jwtService *jwt.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c.GetHeader("Authorization"))
		if token == "" {
			// EventSource cannot set headers
			token = c.Query("access_token")
		}
		if token == "" {
			response.Unauthorized(c)
			c.Abort()
			return
		}

		claims, err := jwtService.ValidateAccessToken(token)
		if err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				response.Error(c, response.CodeTokenExpired)
			} else {
				response.Error(c, response.CodeTokenInvalid)
			}
			c.Abort()
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set(deviceIDKey, claims.DeviceID)
		c.Next()
	}
}

func extractToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}

	return strings.TrimSpace(parts[1])
}

// GetUserID returns the authenticated user, or 0 outside JWTAuth.
func GetUserID(c *gin.Context) int64 {
	return c.GetInt64(userIDKey)
}

// GetDeviceID returns the device the token was issued to.
func GetDeviceID(c *gin.Context) string {
	return c.GetString(deviceIDKey)
}

// SetUserID stores userID as the authenticated user.
func SetUserID(c *gin.Context, userID int64) {
	c.Set(userIDKey, userID)
}
