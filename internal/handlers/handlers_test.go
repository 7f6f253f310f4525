package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"dynamic-api/configs"
	"dynamic-api/internal/cache"
	"dynamic-api/internal/database"
	"dynamic-api/internal/dialect"
	"dynamic-api/internal/engine"
	"dynamic-api/internal/logger"
	"dynamic-api/internal/models"
	"dynamic-api/internal/params"
	"dynamic-api/internal/pool"
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

func newTestDB(t *testing.T) *database.DBManager {
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
	return m
}

type noopPools struct{}

func (noopPools) Ensure(_ context.Context, cfg pool.DatasourceConfig) (string, error) {
	return cfg.Key(), nil
}
func (noopPools) Recreate(context.Context, pool.DatasourceConfig) error { return nil }

func (noopPools) CloseDatasource(uint) {}

func (noopPools) TestConnection(context.Context, pool.DatasourceConfig) bool { return true }

type stubExecutor struct {
	mu   sync.Mutex
	sql  []string
	args [][]any
	rows []dialect.Row
}

func (e *stubExecutor) Ensure(_ context.Context, cfg pool.DatasourceConfig) (string, error) {
	return cfg.Key(), nil
}

func (e *stubExecutor) Execute(_ context.Context, _ string, sql string, args []any, _ dialect.Name) ([]dialect.Row, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sql = append(e.sql, sql)
	e.args = append(e.args, args)
	return e.rows, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []engine.Event
}

func (l *eventLog) Record(ev engine.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) recorded() []engine.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.Event(nil), l.events...)
}

type stack struct {
	db          *database.DBManager
	cm          *cache.CacheManager
	auth        *services.AuthService
	endpoints   *services.EndpointService
	datasources *services.DatasourceService
	exec        *stubExecutor
	events      *eventLog
	router      *gin.Engine
	adminKey    string
	clientKey   string
}

// newStack wires the real services over sqlite with a stubbed query executor
// and registers an admin and a scoped client.
func newStack(t *testing.T) *stack {
	t.Helper()
	ctx := context.Background()
	log := logger.Discard()

	cfg := &configs.Config{
		JWTSecret:     "test-secret-at-least-16",
		JWTTTL:        time.Hour,
		EncryptionKey: "0123456789abcdef0123456789abcdef",
		CacheTTL:      time.Minute,
	}

	s := &stack{db: newTestDB(t), cm: cache.NewLocalCacheManager(log)}
	t.Cleanup(s.cm.Close)
	s.auth = services.NewAuthService(cfg, s.db, log)
	s.endpoints = services.NewEndpointService(s.db, s.cm, log)
	s.datasources = services.NewDatasourceService(s.db, s.auth, noopPools{}, s.cm, log)
	s.exec = &stubExecutor{rows: []dialect.Row{{"id": int64(42), "name": "Ada"}}}
	s.events = &eventLog{}

	catalog := cache.NewEndpointCatalog(s.db, s.cm, time.Minute, log)
	orch := engine.NewOrchestrator(engine.Deps{
		Store:     catalog,
		Validator: params.NewValidator(catalog),
		Auth:      s.auth,
		Scopes:    s.auth,
		IPGate:    s.auth,
		Resolver:  s.datasources,
		Pools:     s.exec,
		Telemetry: s.events,
		Logger:    log,
	})

	_, adminKey, err := s.auth.RegisterClient(ctx, services.Registration{Name: "ops", Email: "ops@example.com", Role: models.RoleAdmin})
	require.NoError(t, err)
	_, clientKey, err := s.auth.RegisterClient(ctx, services.Registration{
		Name:  "reports",
		Email: "reports@example.com",
		Scope: models.Scope{Categories: []string{"users"}},
	})
	require.NoError(t, err)
	s.adminKey, s.clientKey = adminKey, clientKey

	s.router = gin.New()
	s.router.Any("/dynamic/*path", NewDynamicHandler(orch, log).Handle)
	clients := NewClientHandler(s.db, s.auth, s.cm, time.Minute, func() int { return 0 })
	s.router.POST("/api/token", clients.IssueToken)
	s.router.GET("/api/usage/daily", clients.GetDailyUsage)
	s.router.GET("/api/usage/top", clients.GetTopEndpoints)
	admin := NewEndpointHandler(s.endpoints)
	s.router.POST("/api/admin/endpoints", admin.Create)
	s.router.POST("/api/admin/endpoints/:id/publish", admin.Publish)
	s.router.POST("/api/admin/endpoints/infer", admin.Infer)
	return s
}

func (s *stack) seedEndpoint(t *testing.T, method, path, sql string, authRequired bool) *models.Endpoint {
	t.Helper()
	ctx := context.Background()
	ds, err := s.datasources.Create(ctx, services.DatasourceInput{
		Name: "warehouse-" + strings.Trim(strings.ReplaceAll(path, "/", "-"), "-"), Dialect: "postgres", Host: "localhost", Port: 5432,
		Database: "app", Username: "app", Password: "secret", IsActive: true,
	})
	require.NoError(t, err)
	ep, _, err := s.endpoints.Create(ctx, services.EndpointInput{
		Name: "ep " + path, Path: path, Method: method, SQL: sql,
		AuthRequired: authRequired, Category: "users", DatasourceID: ds.ID,
	})
	require.NoError(t, err)
	ep, err = s.endpoints.Publish(ctx, ep.ID)
	require.NoError(t, err)
	return ep
}

func (s *stack) do(method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func TestDynamicHandler_ServesPublishedEndpoint(t *testing.T) {
	s := newStack(t)
	s.seedEndpoint(t, http.MethodGet, "/users/:id", "SELECT id, name FROM users WHERE id = {{id}}", true)

	w := s.do(http.MethodGet, "/dynamic/users/42", "", map[string]string{"X-API-Key": s.clientKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Success bool             `json:"success"`
		Data    []map[string]any `json:"data"`
		Meta    engine.Meta      `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "Ada", body.Data[0]["name"])
	assert.NotEmpty(t, body.Meta.Timestamp)

	require.Len(t, s.exec.sql, 1)
	assert.Contains(t, s.exec.sql[0], "$1")
}

func TestDynamicHandler_RequiresCredentials(t *testing.T) {
	s := newStack(t)
	s.seedEndpoint(t, http.MethodGet, "/users/:id", "SELECT id FROM users WHERE id = {{id}}", true)

	w := s.do(http.MethodGet, "/dynamic/users/42", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/dynamic/users/42", "", map[string]string{"X-API-Key": "nope.nope"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, s.exec.sql)
}

func TestDynamicHandler_UnknownRouteIs404(t *testing.T) {
	s := newStack(t)

	w := s.do(http.MethodGet, "/dynamic/nothing/here", "", map[string]string{"X-API-Key": s.clientKey})
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body engine.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
}

func TestDynamicHandler_RejectsMalformedBody(t *testing.T) {
	s := newStack(t)
	s.seedEndpoint(t, http.MethodPost, "/notes", "INSERT INTO notes (text) VALUES ({{text}})", true)

	w := s.do(http.MethodPost, "/dynamic/notes", "{not json", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.Len(t, s.events.recorded(), 1)

	w = s.do(http.MethodPost, "/dynamic/notes", "{not json", map[string]string{"X-API-Key": s.clientKey})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid request body")
	assert.Empty(t, s.exec.sql)

	events := s.events.recorded()
	require.Len(t, events, 2)
	assert.Equal(t, http.StatusBadRequest, events[1].Status)
	assert.Equal(t, models.OutcomeFailure, events[1].Outcome)
	assert.NotEmpty(t, events[1].PrincipalID)

	w = s.do(http.MethodPost, "/dynamic/missing", "{not json", map[string]string{"X-API-Key": s.clientKey})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, s.events.recorded(), 2)
}

func TestDynamicHandler_BodyFeedsPlaceholders(t *testing.T) {
	s := newStack(t)
	s.seedEndpoint(t, http.MethodPost, "/notes", "INSERT INTO notes (text) VALUES ({{text}})", false)

	w := s.do(http.MethodPost, "/dynamic/notes", `{"text":"hello"}`, map[string]string{"X-API-Key": s.clientKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Len(t, s.exec.args, 1)
	assert.Equal(t, []any{"hello"}, s.exec.args[0])
}

func TestQueryBag(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/x?status=open&tag=a&tag=b", nil)

	bag := queryBag(c)
	assert.Equal(t, "open", bag["status"])
	assert.Equal(t, []any{"a", "b"}, bag["tag"])
}

func TestClientHandler_IssueToken(t *testing.T) {
	s := newStack(t)

	w := s.do(http.MethodPost, "/api/token", "", map[string]string{"X-API-Key": s.clientKey})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)

	claims, err := s.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, resp.ClientID, claims.ClientID)

	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/token", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(http.MethodPost, "/api/token", "", map[string]string{"X-API-Key": "x.y"}).Code)
}

func TestClientHandler_DailyUsage(t *testing.T) {
	s := newStack(t)
	ep := s.seedEndpoint(t, http.MethodGet, "/users", "SELECT * FROM users", false)
	today := engine.UsageDate(time.Now(), 0)

	for _, d := range []float64{10, 20, 30} {
		require.NoError(t, s.db.UpsertDailyUsage(context.Background(), database.UsageSample{
			EndpointID: ep.ID, Date: today, Success: d != 30, DurationMS: d, At: time.Now(),
		}))
	}

	w := s.do(http.MethodGet, fmt.Sprintf("/api/usage/daily?endpoint_id=%d&days=3", ep.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DailyUsageResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Usage, 3)
	last := resp.Usage[2]
	assert.Equal(t, today, last.Date)
	assert.Equal(t, uint64(3), last.CallCount)
	assert.Equal(t, uint64(2), last.SuccessCount)
	assert.Equal(t, uint64(1), last.FailureCount)
	assert.InDelta(t, 20.0, last.AvgResponseTime, 0.001)
	assert.Zero(t, resp.Usage[0].CallCount)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/usage/daily?days=0", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/usage/daily?endpoint_id=abc", "", nil).Code)
}

func TestClientHandler_TopEndpoints(t *testing.T) {
	s := newStack(t)
	busy := s.seedEndpoint(t, http.MethodGet, "/busy", "SELECT 1", false)
	quiet := s.seedEndpoint(t, http.MethodGet, "/quiet", "SELECT 2", false)
	today := engine.UsageDate(time.Now(), 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.db.UpsertDailyUsage(context.Background(), database.UsageSample{EndpointID: busy.ID, Date: today, Success: true, DurationMS: 5, At: time.Now()}))
	}
	require.NoError(t, s.db.UpsertDailyUsage(context.Background(), database.UsageSample{EndpointID: quiet.ID, Date: today, Success: true, DurationMS: 5, At: time.Now()}))

	w := s.do(http.MethodGet, "/api/usage/top?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp TopEndpointsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.TopEndpoints, 1)
	assert.Equal(t, busy.ID, resp.TopEndpoints[0].EndpointID)
	assert.Equal(t, uint64(3), resp.TopEndpoints[0].CallCount)
	assert.Equal(t, "last_24_hours", resp.Period)
}

func TestEndpointHandler_CreateInfersAndDefaultsAuth(t *testing.T) {
	s := newStack(t)
	ds, err := s.datasources.Create(context.Background(), services.DatasourceInput{
		Name: "primary", Dialect: "mysql", Host: "127.0.0.1", Port: 3306, IsActive: true,
	})
	require.NoError(t, err)

	body := fmt.Sprintf(`{"name":"find user","path":"/users/:id","method":"GET","sql":"SELECT * FROM users WHERE id = {{id}}","datasource_id":%d}`, ds.ID)
	w := s.do(http.MethodPost, "/api/admin/endpoints", body, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp EndpointResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Endpoint.AuthRequired)
	assert.Equal(t, models.StatusDraft, resp.Endpoint.Status)
	require.Len(t, resp.Parameters, 1)
	assert.Equal(t, "id", resp.Parameters[0].Name)

	w = s.do(http.MethodPost, "/api/admin/endpoints", body, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(http.MethodPost, fmt.Sprintf("/api/admin/endpoints/%d/publish", resp.Endpoint.ID), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "endpoint published")

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/admin/endpoints/999/publish", "", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/admin/endpoints/abc/publish", "", nil).Code)
}

func TestEndpointHandler_Infer(t *testing.T) {
	s := newStack(t)

	w := s.do(http.MethodPost, "/api/admin/endpoints/infer", `{"sql":"SELECT * FROM t WHERE a = {{a}} AND b = {{b}}"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []models.EndpointParameter `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "a", resp.Data[0].Name)
	assert.Equal(t, "b", resp.Data[1].Name)
}

func TestRespondError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", fmt.Errorf("load: %w", database.ErrNotFound), http.StatusNotFound},
		{"duplicate route", services.ErrDuplicateRoute, http.StatusConflict},
		{"duplicate client", services.ErrDuplicateClient, http.StatusConflict},
		{"invalid endpoint", fmt.Errorf("%w: bad path", services.ErrInvalidEndpoint), http.StatusBadRequest},
		{"validation", &engine.ValidationError{Fields: map[string][]string{"id": {"required"}}}, http.StatusBadRequest},
		{"credentials", services.ErrInvalidCredentials, http.StatusUnauthorized},
		{"permission", engine.ErrPermissionDenied, http.StatusForbidden},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			respondError(c, tt.err)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestFillMissingDays(t *testing.T) {
	rows := []models.DailyUsage{
		{EndpointID: 1, UsageDate: "2024-03-02", CallCount: 2, SuccessCount: 2, AvgResponseTime: 10},
		{EndpointID: 2, UsageDate: "2024-03-02", CallCount: 2, FailureCount: 2, AvgResponseTime: 30},
	}

	resp := fillMissingDays(rows, 0, "2024-03-01", "2024-03-03")
	require.Len(t, resp.Usage, 3)
	assert.Equal(t, DayUsage{Date: "2024-03-01"}, resp.Usage[0])
	assert.Equal(t, "2024-03-02", resp.Usage[1].Date)
	assert.Equal(t, uint64(4), resp.Usage[1].CallCount)
	assert.Equal(t, uint64(2), resp.Usage[1].SuccessCount)
	assert.Equal(t, uint64(2), resp.Usage[1].FailureCount)
	assert.InDelta(t, 20.0, resp.Usage[1].AvgResponseTime, 0.001)
	assert.Equal(t, DayUsage{Date: "2024-03-03"}, resp.Usage[2])
}

func TestWebSocketHandler_BroadcastNeverBlocks(t *testing.T) {
	h := NewWebSocketHandler(logger.Discard())

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 300; i++ {
			h.Broadcast(map[string]int{"n": i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked without a running hub")
	}
	assert.Equal(t, int64(300-256), h.Dropped())
	assert.Zero(t, h.Clients())
}
