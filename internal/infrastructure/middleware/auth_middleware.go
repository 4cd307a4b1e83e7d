package middleware

import (
	"net/http"
	"strings"

	"opsdeck/internal/core/domain"
	"opsdeck/internal/core/ports"

	"github.com/gin-gonic/gin"
)

const identityKey = "identity"

// AuthMiddleware validates the Bearer session token and stores the caller's
// identity in the request context.
func AuthMiddleware(auth ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		_, identity, err := auth.ValidateSessionToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// OptionalAuthMiddleware resolves an identity when a valid token is present
// and otherwise falls back to whatever the anonymous policy allows.
func OptionalAuthMiddleware(auth ports.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				if _, identity, err := auth.ValidateSessionToken(parts[1]); err == nil {
					c.Set(identityKey, identity)
					c.Next()
					return
				}
			}
		}

		if identity, err := auth.Authenticate(""); err == nil {
			c.Set(identityKey, identity)
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		c.Abort()
	}
}

// AdminOnly requires an admin-level identity set by AuthMiddleware.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			c.Abort()
			return
		}
		if identity.Level < domain.LevelAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "admin permission required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by the auth middleware.
func IdentityFrom(c *gin.Context) (domain.Identity, bool) {
	v, exists := c.Get(identityKey)
	if !exists {
		return domain.Identity{}, false
	}
	identity, ok := v.(domain.Identity)
	return identity, ok
}
