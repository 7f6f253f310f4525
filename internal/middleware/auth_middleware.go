package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dynamic-api/internal/cache"
	"dynamic-api/internal/engine"
	"dynamic-api/internal/models"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	PrincipalKey = "principal"
	ClientIDKey  = "client_id"
	RequestIDKey = "request_id"
)

// AuthMiddleware requires a valid API key or bearer token.
func AuthMiddleware(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := &engine.Request{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Header: c.Request.Header,
			IP:     services.GetClientIPv4(c),
		}

		principal, err := authService.Authenticate(c.Request.Context(), req)
		switch {
		case errors.Is(err, engine.ErrPermissionDenied):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "IP not whitelisted"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		case principal == nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		if !authService.IsIPAllowed(req) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "IP not allowed"})
			return
		}

		c.Set(PrincipalKey, principal)
		c.Set(ClientIDKey, principal.ID)
		c.Next()
	}
}

// AdminOnly must run after AuthMiddleware.
func AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, _ := c.Get(PrincipalKey)
		principal, ok := value.(*models.Principal)
		if !ok || principal.Role != models.RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin role required"})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware counts requests per client (or per IP when anonymous)
// in hourly windows. A limit of zero disables it.
func RateLimitMiddleware(cm *cache.CacheManager, limitPerHour int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limitPerHour <= 0 {
			c.Next()
			return
		}

		subject := services.GetClientIPv4(c)
		if clientID, ok := c.Get(ClientIDKey); ok {
			subject = fmt.Sprint(clientID)
		}
		key := fmt.Sprintf("rate_limit:%s:%s", subject, time.Now().UTC().Format("2006-01-02-15"))

		count, err := cm.Increment(key, 1, time.Hour)
		if err != nil {
			// If cache fails, continue without rate limiting
			c.Next()
			return
		}

		if count > int64(limitPerHour) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     "Rate limit exceeded",
				"limit":     limitPerHour,
				"remaining": 0,
			})
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limitPerHour))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", int64(limitPerHour)-count))
		c.Next()
	}
}

// ValidationMiddleware rejects non-JSON bodies on writes.
func ValidationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			if c.Request.ContentLength == 0 {
				break
			}
			if !strings.Contains(c.GetHeader("Content-Type"), "application/json") {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Content-Type must be application/json"})
				return
			}
		}
		c.Next()
	}
}

// RequestID echoes X-Request-ID or assigns a new one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}
