package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the key for storing the API key in gin context.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyOperator is the key for the authenticated operator.
	ContextKeyOperator = "authOperator"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey and authOperator in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyOperator, key.Operator)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid operator key.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated API key from the gin context.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetOperator returns the authenticated operator from the gin context.
func GetOperator(c *gin.Context) (string, bool) {
	v, exists := c.Get(ContextKeyOperator)
	if !exists {
		return "", false
	}
	op, ok := v.(string)
	return op, ok
}
