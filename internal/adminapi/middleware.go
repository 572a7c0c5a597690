package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const errUnauthorized = "Unauthorized"

// adminScope is the one claim value Auth accepts; there is no
// HyperShell notion of per-user roles, just "holds the shared secret".
const adminScope = "admin"

// Auth validates a Bearer JWT signed HS256 with the server's pre-shared
// auth secret (spec's auth model is one shared symmetric secret, not
// per-user accounts, so the secret itself is the signing key rather
// than a per-user lookup).
func Auth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return key, nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || claims["scope"] != adminScope {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errUnauthorized})
			return
		}
		c.Next()
	}
}

// MintToken signs a fresh admin-scoped JWT with secret, valid for ttl.
// The server logs one of these at startup so an operator who already
// holds the shared secret has something to paste into a request header
// immediately, without a separate credential store.
func MintToken(secret string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"scope": adminScope,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
