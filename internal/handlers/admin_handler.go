package handlers

import (
	"context"
	"net/http"

	"dynamic-api/internal/models"
	"dynamic-api/internal/params"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
)

type EndpointHandler struct {
	endpoints *services.EndpointService
}

func NewEndpointHandler(endpoints *services.EndpointService) *EndpointHandler {
	return &EndpointHandler{endpoints: endpoints}
}

type CreateEndpointRequest struct {
	Name         string                      `json:"name" binding:"required"`
	Path         string                      `json:"path" binding:"required"`
	Method       string                      `json:"method" binding:"required"`
	SQL          string                      `json:"sql" binding:"required"`
	AuthRequired *bool                       `json:"auth_required"`
	Category     string                      `json:"category"`
	Description  string                      `json:"description"`
	DatasourceID uint                        `json:"datasource_id" binding:"required"`
	Parameters   *[]models.EndpointParameter `json:"parameters"`
}

type UpdateEndpointRequest struct {
	Name         *string                     `json:"name"`
	Path         *string                     `json:"path"`
	Method       *string                     `json:"method"`
	SQL          *string                     `json:"sql"`
	AuthRequired *bool                       `json:"auth_required"`
	Category     *string                     `json:"category"`
	Description  *string                     `json:"description"`
	DatasourceID *uint                       `json:"datasource_id"`
	Parameters   *[]models.EndpointParameter `json:"parameters"`
}

type EndpointResponse struct {
	Endpoint   *models.Endpoint           `json:"endpoint"`
	Parameters []models.EndpointParameter `json:"parameters"`
}

func (h *EndpointHandler) List(c *gin.Context) {
	endpoints, err := h.endpoints.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "ok", Data: endpoints})
}

func (h *EndpointHandler) Get(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ep, defs, err := h.endpoints.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, EndpointResponse{Endpoint: ep, Parameters: defs})
}

// Create stores a draft endpoint; parameters are inferred when omitted.
func (h *EndpointHandler) Create(c *gin.Context) {
	var req CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	in := services.EndpointInput{
		Name:         req.Name,
		Path:         req.Path,
		Method:       req.Method,
		SQL:          req.SQL,
		AuthRequired: true,
		Category:     req.Category,
		Description:  req.Description,
		DatasourceID: req.DatasourceID,
	}
	if req.AuthRequired != nil {
		in.AuthRequired = *req.AuthRequired
	}
	if req.Parameters != nil {
		in.Parameters = *req.Parameters
	}

	ep, defs, err := h.endpoints.Create(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, EndpointResponse{Endpoint: ep, Parameters: defs})
}

func (h *EndpointHandler) Update(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}

	ep, defs, err := h.endpoints.Update(c.Request.Context(), id, services.EndpointUpdate(req))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, EndpointResponse{Endpoint: ep, Parameters: defs})
}

func (h *EndpointHandler) Publish(c *gin.Context) {
	h.transition(c, h.endpoints.Publish)
}

func (h *EndpointHandler) Deprecate(c *gin.Context) {
	h.transition(c, h.endpoints.Deprecate)
}

func (h *EndpointHandler) transition(c *gin.Context, fn func(ctx context.Context, id uint) (*models.Endpoint, error)) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	ep, err := fn(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "endpoint " + string(ep.Status), Data: ep})
}

type InferRequest struct {
	SQL string `json:"sql" binding:"required"`
}

// Infer previews the parameter definitions a SQL text would get.
func (h *EndpointHandler) Infer(c *gin.Context) {
	var req InferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "ok",
		Data:    params.Reconcile(params.Extract(req.SQL), nil, req.SQL),
	})
}
