package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"desklink/internal/auth"
	"desklink/internal/model"
)

const identityContextKey = "identity"

// IdentityFromContext returns the caller identity set by RequireAuth or
// OptionalAuth.
func IdentityFromContext(c *gin.Context) (model.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return "", false
	}
	id, ok := v.(model.Identity)
	return id, ok && id != ""
}

// RequireAuth admits only user session tokens.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := identityFromHeader(c, cfg)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}
		c.Set(identityContextKey, id)
		c.Next()
	}
}

// OptionalAuth binds the caller identity when a valid token is present and
// lets anonymous requests through otherwise.
func OptionalAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, ok := identityFromHeader(c, cfg); ok {
			c.Set(identityContextKey, id)
		}
		c.Next()
	}
}

func identityFromHeader(c *gin.Context, cfg auth.TokenConfig) (model.Identity, bool) {
	tok, ok := auth.BearerToken(c.GetHeader("Authorization"))
	if !ok {
		return "", false
	}
	claims, err := auth.VerifyPurpose(tok, "", cfg)
	if err != nil {
		return "", false
	}
	return model.UserIdentity(claims.UserID), true
}
