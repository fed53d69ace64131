// Package auth validates the bearer tokens minted by the external
// authentication service. Tokens are HMAC-signed JWTs carrying user, org,
// and tier claims; this package never mints end-user tokens.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const claimsContextKey = "cosim.claims"

// Claims are the identity claims the control plane relies on
type Claims struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Tier   string `json:"tier"`
	jwt.RegisteredClaims
}

// Validator checks bearer tokens against the shared HMAC secret
type Validator struct {
	secret []byte
}

// NewValidator creates a token validator. An empty secret disables
// validation and is only acceptable in tests.
func NewValidator(secret string) *Validator {
	return &Validator{secret: []byte(secret)}
}

// Parse validates a raw token string and extracts its claims
func (v *Validator) Parse(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.OrgID == "" || claims.UserID == "" {
		return nil, fmt.Errorf("token missing identity claims")
	}
	return claims, nil
}

// Middleware is a gin middleware rejecting requests without a valid bearer
// token and stashing the claims in the request context.
func (v *Validator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := v.Parse(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// FromContext retrieves the validated claims set by Middleware
func FromContext(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// Sign mints a token for tests and internal tooling
func (v *Validator) Sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
