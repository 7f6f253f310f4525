package middleware

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dynamic-api/configs"
	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/logger"
	"dynamic-api/internal/models"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthService(t *testing.T, cfg *configs.Config) *services.AuthService {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	m, err := database.NewWithDB(db, logger.Discard())
	require.NoError(t, err)
	return services.NewAuthService(cfg, m, logger.Discard())
}

func testConfig() *configs.Config {
	return &configs.Config{
		JWTSecret:     "test-secret-at-least-16",
		JWTTTL:        time.Hour,
		EncryptionKey: "0123456789abcdef0123456789abcdef",
	}
}

func serve(r *gin.Engine, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	auth := newAuthService(t, testConfig())
	ctx := context.Background()

	admin, adminKey, err := auth.RegisterClient(ctx, services.Registration{Name: "ops", Email: "ops@example.com", Role: models.RoleAdmin})
	require.NoError(t, err)
	_, clientKey, err := auth.RegisterClient(ctx, services.Registration{Name: "app", Email: "app@example.com"})
	require.NoError(t, err)
	_, fencedKey, err := auth.RegisterClient(ctx, services.Registration{Name: "fenced", Email: "fenced@example.com", IPWhitelist: "10.1.0.0/16"})
	require.NoError(t, err)
	token, err := auth.GenerateToken(admin)
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(auth))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ClientIDKey))
	})
	r.GET("/admin", AdminOnly(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	tests := []struct {
		name    string
		target  string
		headers map[string]string
		status  int
	}{
		{"no credentials", "/me", nil, http.StatusUnauthorized},
		{"bad api key", "/me", map[string]string{"X-API-Key": "x.y"}, http.StatusUnauthorized},
		{"bad token", "/me", map[string]string{"Authorization": "Bearer garbage"}, http.StatusUnauthorized},
		{"api key", "/me", map[string]string{"X-API-Key": clientKey}, http.StatusOK},
		{"bearer token", "/me", map[string]string{"Authorization": "Bearer " + token}, http.StatusOK},
		{"outside client whitelist", "/me", map[string]string{"X-API-Key": fencedKey}, http.StatusForbidden},
		{"admin route as client", "/admin", map[string]string{"X-API-Key": clientKey}, http.StatusForbidden},
		{"admin route as admin", "/admin", map[string]string{"X-API-Key": adminKey}, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, http.MethodGet, tt.target, tt.headers)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}

	w := serve(r, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, admin.ClientID, w.Body.String())
}

func TestAuthMiddleware_GlobalAllowList(t *testing.T) {
	cfg := testConfig()
	cfg.EnableIPWhitelist = true
	cfg.IPAllowList = []string{"10.0.0.0/8"}
	auth := newAuthService(t, cfg)

	_, key, err := auth.RegisterClient(context.Background(), services.Registration{Name: "app", Email: "app@example.com"})
	require.NoError(t, err)

	r := gin.New()
	r.Use(AuthMiddleware(auth))
	r.GET("/me", func(c *gin.Context) { c.Status(http.StatusOK) })

	// httptest requests come from 192.0.2.1.
	w := serve(r, http.MethodGet, "/me", map[string]string{"X-API-Key": key})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cm := cache.NewLocalCacheManager(logger.Discard())
	t.Cleanup(cm.Close)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Client"); id != "" {
			c.Set(ClientIDKey, id)
		}
		c.Next()
	})
	r.Use(RateLimitMiddleware(cm, 2))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	a := map[string]string{"X-Client": "a"}
	first := serve(r, http.MethodGet, "/", a)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))

	second := serve(r, http.MethodGet, "/", a)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "0", second.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusTooManyRequests, serve(r, http.MethodGet, "/", a).Code)

	// Other clients and anonymous callers have their own windows.
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", map[string]string{"X-Client": "b"}).Code)
	assert.Equal(t, http.StatusOK, serve(r, http.MethodGet, "/", nil).Code)
}

func TestRateLimitMiddleware_ZeroDisables(t *testing.T) {
	cm := cache.NewLocalCacheManager(logger.Discard())
	t.Cleanup(cm.Close)

	r := gin.New()
	r.Use(RateLimitMiddleware(cm, 0))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 5; i++ {
		w := serve(r, http.MethodGet, "/", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestValidationMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(ValidationMiddleware())
	r.Any("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(method, body, contentType string) int {
		req := httptest.NewRequest(method, "/", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send(http.MethodPost, `{"a":1}`, "application/json; charset=utf-8"))
	assert.Equal(t, http.StatusBadRequest, send(http.MethodPost, "a=1", "application/x-www-form-urlencoded"))
	assert.Equal(t, http.StatusBadRequest, send(http.MethodPatch, "{}", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodPost, "", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "", ""))
}

func TestRequestID(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	w := serve(r, http.MethodGet, "/", map[string]string{"X-Request-ID": "abc-123"})
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	assert.Equal(t, "abc-123", w.Body.String())

	w = serve(r, http.MethodGet, "/", nil)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)
	assert.Equal(t, w.Header().Get("X-Request-ID"), w.Body.String())
}
