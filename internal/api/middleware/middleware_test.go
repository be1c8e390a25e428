package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, remote string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = remote
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitPerClient(t *testing.T) {
	r := newRouter(RateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 2}))

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:1000").Code)
	w := get(r, "10.0.0.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")

	// other clients have their own budget
	assert.Equal(t, http.StatusOK, get(r, "10.0.0.2:1000").Code)
}

func TestGlobalRateLimit(t *testing.T) {
	r := newRouter(GlobalRateLimit(RateLimitConfig{RequestsPerSecond: 1, Burst: 1}))

	assert.Equal(t, http.StatusOK, get(r, "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, get(r, "10.0.0.2:1000").Code)
}

func TestCORSWildcard(t *testing.T) {
	r := newRouter(CORS(DefaultCORSConfig()))

	w := get(r, "10.0.0.1:1000", "Origin", "http://ui.test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSAllowList(t *testing.T) {
	r := newRouter(CORS(DefaultCORSConfig("http://ui.test")))

	w := get(r, "10.0.0.1:1000", "Origin", "http://ui.test")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://ui.test", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(r, "10.0.0.1:1000", "Origin", "http://evil.test")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRequestLogAssignsID(t *testing.T) {
	var seen string
	r := gin.New()
	r.Use(RequestLog(zap.NewNop()))
	r.GET("/ping", func(c *gin.Context) {
		seen = RequestID(c.Request.Context())
		c.String(http.StatusOK, "pong")
	})

	w := get(r, "10.0.0.1:1000")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(seen, "req_"))
	assert.Equal(t, seen, w.Header().Get(RequestIDHeader))

	w = get(r, "10.0.0.1:1000", RequestIDHeader, "abc123")
	assert.Equal(t, "abc123", seen)
	assert.Equal(t, "abc123", w.Header().Get(RequestIDHeader))
}
