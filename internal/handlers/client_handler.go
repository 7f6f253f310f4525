package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/engine"
	"dynamic-api/internal/models"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
)

type ClientHandler struct {
	db          *database.DBManager
	authService *services.AuthService
	cache       *cache.CacheManager
	cacheTTL    time.Duration
	offset      func() int
}

func NewClientHandler(db *database.DBManager, authService *services.AuthService, cm *cache.CacheManager, cacheTTL time.Duration, offset func() int) *ClientHandler {
	return &ClientHandler{
		db:          db,
		authService: authService,
		cache:       cm,
		cacheTTL:    cacheTTL,
		offset:      offset,
	}
}

// RegisterClient creates an API client and returns its key once.
func (h *ClientHandler) RegisterClient(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	client, apiKey, err := h.authService.RegisterClient(c.Request.Context(), services.Registration{
		Name:        req.Name,
		Email:       req.Email,
		Role:        req.Role,
		Scope:       req.Scope,
		IPWhitelist: strings.Join(req.IPWhitelist, ","),
	})
	if err != nil {
		respondError(c, err)
		return
	}

	token, err := h.authService.GenerateToken(client)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusCreated, RegisterResponse{
		ClientID:  client.ClientID,
		Name:      client.Name,
		Email:     client.Email,
		Role:      client.Role,
		APIKey:    apiKey,
		Token:     token,
		CreatedAt: client.CreatedAt,
	})
}

// IssueToken exchanges the X-API-Key header for a bearer token.
func (h *ClientHandler) IssueToken(c *gin.Context) {
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Authentication required"})
		return
	}

	token, client, err := h.authService.IssueToken(c.Request.Context(), apiKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TokenResponse{ClientID: client.ClientID, Token: token, TokenType: "Bearer"})
}

// GetDailyUsage returns per-day call statistics for the last ?days= days
// (default 7), for one endpoint or all of them.
func (h *ClientHandler) GetDailyUsage(c *gin.Context) {
	endpointID, err := optionalID(c.Query("endpoint_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "endpoint_id must be a positive integer"})
		return
	}
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 1 || days > 90 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "days must be between 1 and 90"})
		return
	}

	now := time.Now()
	endDate := engine.UsageDate(now, h.offset())
	startDate := engine.UsageDate(now.AddDate(0, 0, -(days - 1)), h.offset())

	cacheKey := fmt.Sprintf("usage:daily:%d:%s:%s", endpointID, startDate, endDate)
	var cachedResponse DailyUsageResponse
	if found, err := h.cache.Get(cacheKey, &cachedResponse); found && err == nil {
		c.JSON(http.StatusOK, cachedResponse)
		return
	}

	rows, err := h.db.DailyUsageRange(c.Request.Context(), endpointID, startDate, endDate)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch usage data"})
		return
	}

	response := fillMissingDays(rows, endpointID, startDate, endDate)
	h.cache.Set(cacheKey, response, h.cacheTTL)

	c.JSON(http.StatusOK, response)
}

// fillMissingDays folds rows into one entry per day, zero for idle days.
func fillMissingDays(rows []models.DailyUsage, endpointID uint, startDate, endDate string) DailyUsageResponse {
	result := DailyUsageResponse{
		EndpointID: endpointID,
		StartDate:  startDate,
		EndDate:    endDate,
		Usage:      make([]DayUsage, 0),
	}

	byDate := make(map[string]*DayUsage)
	for _, r := range rows {
		day, ok := byDate[r.UsageDate]
		if !ok {
			day = &DayUsage{Date: r.UsageDate}
			byDate[r.UsageDate] = day
		}
		total := day.CallCount + r.CallCount
		if total > 0 {
			day.AvgResponseTime = (day.AvgResponseTime*float64(day.CallCount) + r.AvgResponseTime*float64(r.CallCount)) / float64(total)
		}
		day.CallCount = total
		day.SuccessCount += r.SuccessCount
		day.FailureCount += r.FailureCount
	}

	start, _ := time.Parse("2006-01-02", startDate)
	end, _ := time.Parse("2006-01-02", endDate)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		dateStr := d.Format("2006-01-02")
		if day, ok := byDate[dateStr]; ok {
			result.Usage = append(result.Usage, *day)
			continue
		}
		result.Usage = append(result.Usage, DayUsage{Date: dateStr})
	}
	return result
}

// GetTopEndpoints ranks endpoints by calls over the current and previous day.
func (h *ClientHandler) GetTopEndpoints(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "3"))
	if err != nil || limit < 1 || limit > 100 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "limit must be between 1 and 100"})
		return
	}

	cacheKey := fmt.Sprintf("usage:top:last24h:%d", limit)
	var cachedResponse TopEndpointsResponse
	if found, err := h.cache.Get(cacheKey, &cachedResponse); found && err == nil {
		if time.Since(cachedResponse.GeneratedAt) < h.cacheTTL {
			c.JSON(http.StatusOK, cachedResponse)
			return
		}
	}

	now := time.Now()
	to := engine.UsageDate(now, h.offset())
	from := engine.UsageDate(now.Add(-24*time.Hour), h.offset())
	top, err := h.db.TopEndpoints(c.Request.Context(), from, to, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to fetch top endpoints"})
		return
	}
	if top == nil {
		top = []database.EndpointUsage{}
	}

	response := TopEndpointsResponse{
		Period:         "last_24_hours",
		GeneratedAt:    now,
		TopEndpoints:   top,
		TotalEndpoints: len(top),
	}
	h.cache.Set(cacheKey, response, h.cacheTTL)
	c.JSON(http.StatusOK, response)
}

// respondError maps service and engine errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	var validation *engine.ValidationError
	switch {
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found"})
	case errors.Is(err, services.ErrDuplicateRoute), errors.Is(err, services.ErrDuplicateClient):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	case errors.Is(err, services.ErrInvalidEndpoint), errors.Is(err, services.ErrInvalidDatasource):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Details: validation.Fields})
	case errors.Is(err, services.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid credentials"})
	case errors.Is(err, engine.ErrPermissionDenied):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}

func optionalID(s string) (uint, error) {
	if s == "" {
		return 0, nil
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.New("invalid id")
	}
	return uint(id), nil
}

func pathID(c *gin.Context, name string) (uint, bool) {
	id, err := optionalID(c.Param(name))
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

// Request/Response structures
type RegisterRequest struct {
	Name        string       `json:"name" binding:"required"`
	Email       string       `json:"email" binding:"required,email"`
	Role        string       `json:"role" binding:"omitempty,oneof=admin client"`
	Scope       models.Scope `json:"scope"`
	IPWhitelist []string     `json:"ip_whitelist" binding:"dive,cidr|ip"`
}

type RegisterResponse struct {
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	APIKey    string    `json:"api_key"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

type TokenResponse struct {
	ClientID  string `json:"client_id"`
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type DailyUsageResponse struct {
	EndpointID uint       `json:"endpoint_id,omitempty"`
	StartDate  string     `json:"start_date"`
	EndDate    string     `json:"end_date"`
	Usage      []DayUsage `json:"usage"`
}

type DayUsage struct {
	Date            string  `json:"date"`
	CallCount       uint64  `json:"call_count"`
	SuccessCount    uint64  `json:"success_count"`
	FailureCount    uint64  `json:"failure_count"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

type TopEndpointsResponse struct {
	Period         string                   `json:"period"`
	GeneratedAt    time.Time                `json:"generated_at"`
	TopEndpoints   []database.EndpointUsage `json:"top_endpoints"`
	TotalEndpoints int                      `json:"total_endpoints"`
}
