package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	v := NewValidator("test-secret")

	raw, err := v.Sign(Claims{UserID: "u1", OrgID: "org1", Tier: "pro"})
	require.NoError(t, err)

	claims, err := v.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "org1", claims.OrgID)
	assert.Equal(t, "pro", claims.Tier)
}

func TestParseRejectsWrongSecret(t *testing.T) {
	raw, err := NewValidator("secret-a").Sign(Claims{UserID: "u1", OrgID: "org1"})
	require.NoError(t, err)

	_, err = NewValidator("secret-b").Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsMissingClaims(t *testing.T) {
	v := NewValidator("test-secret")
	raw, err := v.Sign(Claims{UserID: "u1"})
	require.NoError(t, err)

	_, err = v.Parse(raw)
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := NewValidator("test-secret")

	router := gin.New()
	router.GET("/whoami", v.Middleware(), func(c *gin.Context) {
		claims, ok := FromContext(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"org": claims.OrgID})
	})

	// No token
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Valid token
	raw, err := v.Sign(Claims{UserID: "u1", OrgID: "org1", Tier: "free"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "org1")
}
