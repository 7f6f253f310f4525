package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"dynamic-api/internal/engine"
	"dynamic-api/internal/services"

	"github.com/gin-gonic/gin"
)

// DynamicHandler serves every stored endpoint under one wildcard route.
type DynamicHandler struct {
	orchestrator *engine.Orchestrator
	logger       *slog.Logger
}

func NewDynamicHandler(orchestrator *engine.Orchestrator, logger *slog.Logger) *DynamicHandler {
	return &DynamicHandler{orchestrator: orchestrator, logger: logger}
}

// Handle executes the endpoint matching the wildcard path.
func (h *DynamicHandler) Handle(c *gin.Context) {
	req := &engine.Request{
		Method:    c.Request.Method,
		Path:      c.Param("path"),
		Query:     queryBag(c),
		Header:    c.Request.Header,
		IP:        services.GetClientIPv4(c),
		UserAgent: c.Request.UserAgent(),
	}
	if req.Path == "" {
		req.Path = "/"
	}

	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			req.BodyErr = err
		} else {
			req.Body = body
		}
	}

	resp := h.orchestrator.Handle(c.Request.Context(), req)
	if resp.Status >= http.StatusInternalServerError {
		h.logger.Warn("dynamic request failed", "method", req.Method, "path", req.Path, "status", resp.Status, "error", resp.Err)
	}
	c.JSON(resp.Status, resp.Body)
}

// queryBag keeps single query values as strings and repeated ones as lists.
func queryBag(c *gin.Context) map[string]any {
	values := c.Request.URL.Query()
	bag := make(map[string]any, len(values))
	for k, v := range values {
		switch len(v) {
		case 0:
		case 1:
			bag[k] = v[0]
		default:
			list := make([]any, len(v))
			for i, s := range v {
				list[i] = s
			}
			bag[k] = list
		}
	}
	return bag
}
