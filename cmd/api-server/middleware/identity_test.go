package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/mfaulkner/reviewbench/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-identity-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

// memoryCache is a minimal TokenCache for tests
type memoryCache struct {
	entries map[string]string
	sets    int
}

func (m *memoryCache) GetString(ctx context.Context, key string) (string, error) {
	return m.entries[key], nil
}

func (m *memoryCache) SetString(ctx context.Context, key, value string, expiration time.Duration) error {
	if m.entries == nil {
		m.entries = map[string]string{}
	}
	m.entries[key] = value
	m.sets++
	return nil
}

func identityTestRouter(cfg *config.AuthConfig, cache TokenCache) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", Identity(cfg, cache), func(c *gin.Context) {
		c.String(http.StatusOK, Actor(c))
	})
	return router
}

func request(router *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestIdentityValidToken(t *testing.T) {
	router := identityTestRouter(&config.AuthConfig{IdentitySecret: testSecret}, nil)

	token := signToken(t, testSecret, jwt.MapClaims{"email": "alice@example.com"})
	w := request(router, map[string]string{"Authorization": "Bearer " + token})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice@example.com", w.Body.String())
}

func TestIdentityMissingToken(t *testing.T) {
	router := identityTestRouter(&config.AuthConfig{IdentitySecret: testSecret}, nil)

	w := request(router, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityWrongSecret(t *testing.T) {
	router := identityTestRouter(&config.AuthConfig{IdentitySecret: testSecret}, nil)

	token := signToken(t, "other-secret", jwt.MapClaims{"email": "alice@example.com"})
	w := request(router, map[string]string{"Authorization": "Bearer " + token})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityMissingEmailClaim(t *testing.T) {
	router := identityTestRouter(&config.AuthConfig{IdentitySecret: testSecret}, nil)

	token := signToken(t, testSecret, jwt.MapClaims{"sub": "alice"})
	w := request(router, map[string]string{"Authorization": "Bearer " + token})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityHeaderFallback(t *testing.T) {
	t.Run("allowed", func(t *testing.T) {
		router := identityTestRouter(&config.AuthConfig{
			IdentitySecret:      testSecret,
			AllowHeaderIdentity: true,
		}, nil)

		w := request(router, map[string]string{"X-Auth-Email": "dev@example.com"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "dev@example.com", w.Body.String())
	})

	t.Run("ignored when disabled", func(t *testing.T) {
		router := identityTestRouter(&config.AuthConfig{IdentitySecret: testSecret}, nil)

		w := request(router, map[string]string{"X-Auth-Email": "dev@example.com"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestIdentityCachesVerifiedTokens(t *testing.T) {
	cache := &memoryCache{}
	router := identityTestRouter(&config.AuthConfig{
		IdentitySecret:   testSecret,
		IdentityCacheTTL: time.Minute,
	}, cache)

	token := signToken(t, testSecret, jwt.MapClaims{"email": "alice@example.com"})
	headers := map[string]string{"Authorization": "Bearer " + token}

	w := request(router, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, cache.sets)

	// second request hits the cache, not the verifier
	w = request(router, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice@example.com", w.Body.String())
	assert.Equal(t, 1, cache.sets)
}

func TestActorWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, "", Actor(c))
}
