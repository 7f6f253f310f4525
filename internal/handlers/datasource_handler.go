package handlers

import (
	"errors"
	"net/http"

	"dynamic-api/internal/generator"
	"dynamic-api/internal/introspect"
	"dynamic-api/internal/pool"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
)

type DatasourceHandler struct {
	datasources  *services.DatasourceService
	endpoints    *services.EndpointService
	introspector *introspect.Introspector
	registry     *pool.Registry
}

func NewDatasourceHandler(datasources *services.DatasourceService, endpoints *services.EndpointService, introspector *introspect.Introspector, registry *pool.Registry) *DatasourceHandler {
	return &DatasourceHandler{
		datasources:  datasources,
		endpoints:    endpoints,
		introspector: introspector,
		registry:     registry,
	}
}

type DatasourceRequest struct {
	Name           string `json:"name" binding:"required"`
	Dialect        string `json:"dialect" binding:"required,oneof=mysql postgres mssql oracle"`
	Host           string `json:"host" binding:"required"`
	Port           int    `json:"port" binding:"required"`
	Database       string `json:"database"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	MaxConnections int    `json:"max_connections"`
	IsActive       *bool  `json:"is_active"`
}

type UpdateDatasourceRequest struct {
	Name           *string `json:"name"`
	Dialect        *string `json:"dialect"`
	Host           *string `json:"host"`
	Port           *int    `json:"port"`
	Database       *string `json:"database"`
	Username       *string `json:"username"`
	Password       *string `json:"password"`
	MaxConnections *int    `json:"max_connections"`
}

func (h *DatasourceHandler) List(c *gin.Context) {
	list, err := h.datasources.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: list})
}

func (h *DatasourceHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ds, err := h.datasources.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: ds})
}

func (h *DatasourceHandler) Create(c *gin.Context) {
	var req DatasourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	in := services.DatasourceInput{
		Name:           req.Name,
		Dialect:        req.Dialect,
		Host:           req.Host,
		Port:           req.Port,
		Database:       req.Database,
		Username:       req.Username,
		Password:       req.Password,
		MaxConnections: req.MaxConnections,
		IsActive:       req.IsActive == nil || *req.IsActive,
	}
	ds, err := h.datasources.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Message: "datasource created", Data: ds})
}

func (h *DatasourceHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateDatasourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}
	ds, err := h.datasources.Update(c.Request.Context(), id, services.DatasourceUpdate(req))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "datasource updated", Data: ds})
}

func (h *DatasourceHandler) Activate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ds, err := h.datasources.Activate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "datasource activated", Data: ds})
}

func (h *DatasourceHandler) Deactivate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ds, err := h.datasources.Deactivate(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "datasource deactivated", Data: ds})
}

func (h *DatasourceHandler) Test(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	reachable, err := h.datasources.Test(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": reachable})
}

// Pools reports the live connection pools.
func (h *DatasourceHandler) Pools(c *gin.Context) {
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: h.registry.Stats()})
}

func (h *DatasourceHandler) ListTables(c *gin.Context) {
	cfg, ok := h.poolConfig(c)
	if !ok {
		return
	}
	tables, err := h.introspector.ListTables(c.Request.Context(), cfg)
	if err != nil {
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: tables})
}

func (h *DatasourceHandler) DescribeTable(c *gin.Context) {
	cfg, ok := h.poolConfig(c)
	if !ok {
		return
	}
	schema, err := h.describe(c, cfg)
	if err != nil {
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: schema})
}

// Generate drafts CRUD endpoints for a table; ?save=true stores them.
func (h *DatasourceHandler) Generate(c *gin.Context) {
	cfg, ok := h.poolConfig(c)
	if !ok {
		return
	}
	schema, err := h.describe(c, cfg)
	if err != nil {
		return
	}

	drafts := generator.GenerateCRUD(schema, c.Query("name"), c.Query("path"))
	if c.Query("save") != "true" {
		c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: drafts})
		return
	}

	saved, err := h.endpoints.SaveDrafts(c.Request.Context(), cfg.ID, drafts)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, SuccessResponse{Message: "endpoints saved", Data: saved})
}

func (h *DatasourceHandler) describe(c *gin.Context, cfg pool.DatasourceConfig) (introspect.TableSchema, error) {
	schema, err := h.introspector.DescribeTable(c.Request.Context(), cfg, c.Param("table"))
	switch {
	case errors.Is(err, introspect.ErrTableNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}
	return schema, err
}

func (h *DatasourceHandler) poolConfig(c *gin.Context) (pool.DatasourceConfig, bool) {
	id, ok := pathID(c, "id")
	if !ok {
		return pool.DatasourceConfig{}, false
	}
	ds, err := h.datasources.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return pool.DatasourceConfig{}, false
	}
	cfg, err := h.datasources.PoolConfig(ds)
	if err != nil {
		respondError(c, err)
		return pool.DatasourceConfig{}, false
	}
	return cfg, true
}
