package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(router *gin.Engine, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func ok(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuthMiddleware("secret", zap.NewNop())
	token, err := a.GenerateToken("alice", RoleCalibrate, time.Hour)
	require.NoError(t, err)

	claims, err := a.validateToken(token, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, RoleCalibrate, claims.Role)

	_, err = a.validateToken(token, time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, errTokenExpired)

	other := NewAuthMiddleware("other", zap.NewNop())
	_, err = other.validateToken(token, time.Now())
	assert.ErrorIs(t, err, errTokenSignature)

	_, err = a.validateToken("a.b", time.Now())
	assert.ErrorIs(t, err, errTokenFormat)
}

func TestRequireAuthAndRole(t *testing.T) {
	a := NewAuthMiddleware("secret", zap.NewNop())
	router := gin.New()
	router.POST("/write", a.RequireAuth(), a.RequireRole(RoleCalibrate), ok)

	rec := serve(router, http.MethodPost, "/write", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(router, http.MethodPost, "/write", nil, map[string]string{"Authorization": "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := a.GenerateToken("bob", "viewer", time.Hour)
	require.NoError(t, err)
	rec = serve(router, http.MethodPost, "/write", nil, map[string]string{"Authorization": "Bearer " + viewer})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	for _, role := range []string{RoleCalibrate, RoleAdmin} {
		token, err := a.GenerateToken("carol", role, time.Hour)
		require.NoError(t, err)
		rec = serve(router, http.MethodPost, "/write", nil, map[string]string{"Authorization": "Bearer " + token})
		assert.Equal(t, http.StatusOK, rec.Code, role)
	}
}

func TestDisabledAuthPassesThrough(t *testing.T) {
	a := NewAuthMiddleware("", zap.NewNop())
	assert.False(t, a.Enabled())

	router := gin.New()
	router.POST("/write", a.RequireAuth(), a.RequireRole(RoleAdmin), ok)
	assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/write", nil, nil).Code)

	_, err := a.GenerateToken("x", RoleAdmin, time.Minute)
	assert.Error(t, err)
}

func TestRateLimiterBuckets(t *testing.T) {
	rl := NewRateLimiter(2, 3, zap.NewNop())
	defer rl.Shutdown()

	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		allowed, _ := rl.allow("a")
		assert.True(t, allowed, "burst token %d", i)
	}
	allowed, wait := rl.allow("a")
	assert.False(t, allowed)
	assert.InDelta(t, 500*time.Millisecond, wait, float64(time.Millisecond))

	allowed, _ = rl.allow("b")
	assert.True(t, allowed, "clients have separate buckets")

	now = now.Add(500 * time.Millisecond)
	allowed, _ = rl.allow("a")
	assert.True(t, allowed)

	assert.Equal(t, 2, rl.Clients())
	now = now.Add(bucketIdleExpiry + time.Second)
	assert.Equal(t, 2, rl.expire(now))
	assert.Equal(t, 0, rl.Clients())
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, 1, zap.NewNop())
	defer rl.Shutdown()

	router := gin.New()
	router.GET("/x", rl.RateLimit(), ok)

	headers := map[string]string{"X-Session-ID": "rider-1"}
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/x", nil, headers).Code)

	rec := serve(router, http.MethodGet, "/x", nil, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	headers["X-Session-ID"] = "rider-2"
	assert.Equal(t, http.StatusOK, serve(router, http.MethodGet, "/x", nil, headers).Code)
}

func TestCORS(t *testing.T) {
	router := gin.New()
	router.Use(CORS([]string{"https://dash.example"}))
	router.GET("/x", ok)

	rec := serve(router, http.MethodGet, "/x", nil, map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, "https://dash.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(router, http.MethodGet, "/x", nil, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(router, http.MethodOptions, "/x", nil, map[string]string{"Origin": "https://dash.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	router := gin.New()
	router.Use(RequestSizeLimit(8))
	router.POST("/x", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, serve(router, http.MethodPost, "/x", strings.NewReader("small"), nil).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(router, http.MethodPost, "/x", strings.NewReader("much too large"), nil).Code)
}

func TestRequireJSONAndAllowlist(t *testing.T) {
	router := gin.New()
	router.POST("/json", RequireJSON(), ok)
	router.GET("/metrics", IPAllowlist([]string{"10.0.0.1"}), ok)

	rec := serve(router, http.MethodPost, "/json", strings.NewReader("{}"), map[string]string{"Content-Type": "application/json; charset=utf-8"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = serve(router, http.MethodPost, "/json", strings.NewReader("a=b"), map[string]string{"Content-Type": "application/x-www-form-urlencoded"})
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)

	assert.Equal(t, http.StatusForbidden, serve(router, http.MethodGet, "/metrics", nil, nil).Code)
}

func TestSecurityHeaders(t *testing.T) {
	router := gin.New()
	router.Use(SecurityHeaders(false))
	router.GET("/x", ok)

	rec := serve(router, http.MethodGet, "/x", nil, nil)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}
