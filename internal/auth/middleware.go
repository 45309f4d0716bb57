package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/exportguard/internal/logging"
)

// ContextKeyCaller is the gin context key holding the matched key index.
const ContextKeyCaller = "authCaller"

// RequireServiceKey rejects requests that do not carry a key in k.
func RequireServiceKey(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		idx, err := k.Validate(raw)
		if err != nil {
			message := "API key required. Include 'Authorization: Bearer sk_...' header."
			if errors.Is(err, ErrInvalidAPIKey) {
				message = "Invalid API key."
				logging.L(c.Request.Context()).Warn("rejected service key", "client_ip", c.ClientIP(), "path", c.FullPath())
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}

		c.Set(ContextKeyCaller, idx)
		c.Next()
	}
}

// Caller returns the matched key index, or -1 for unauthenticated requests.
func Caller(c *gin.Context) int {
	if v, ok := c.Get(ContextKeyCaller); ok {
		if idx, ok := v.(int); ok {
			return idx
		}
	}
	return -1
}
