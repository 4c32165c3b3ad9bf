// Package v1 provides the versioned HTTP handlers.
package v1

import (
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowrun/internal/domain"
	"github.com/xiaot623/flowrun/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Workflow lifecycle
	e.POST("/v1/workflows", h.CreateWorkflow)
	e.GET("/v1/workflows", h.ListWorkflows)
	e.GET("/v1/workflows/:id", h.GetWorkflow)
	e.GET("/v1/workflows/:id/result", h.GetResult)
	e.POST("/v1/workflows/:id/start", h.StartWorkflow)
	e.POST("/v1/workflows/:id/approve", h.ApproveWorkflow)
	e.POST("/v1/workflows/:id/execute", h.ExecuteWorkflow)
	e.POST("/v1/workflows/:id/pause", h.PauseWorkflow)
	e.POST("/v1/workflows/:id/resume", h.ResumeWorkflow)
	e.POST("/v1/workflows/:id/cancel", h.CancelWorkflow)
	e.POST("/v1/workflows/:id/reset", h.ResetWorkflow)
	e.POST("/v1/workflows/:id/recover", h.RecoverWorkflow)
	e.POST("/v1/workflows/:id/steps/:step_id/skip", h.SkipStep)

	// Event streams
	e.GET("/v1/workflows/:id/events", h.StreamEvents)
	e.GET("/v1/workflows/:id/stream", h.StreamWebSocket)
	e.GET("/v1/workflows/:id/history", h.GetHistory)

	// Tool catalog
	e.GET("/v1/tools", h.ListTools)
	e.POST("/v1/tools", h.UpsertTool)
	e.GET("/v1/tools/:tool/resolve", h.ResolveTool)
	e.GET("/v1/tools/:tool/trust", h.GetToolTrust)
	e.DELETE("/v1/tools/:tool/trust", h.InvalidateToolTrust)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorStatus maps service errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidGraph):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAutonomyDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error) error {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("ERROR: %s %s: %v", c.Request().Method, c.Path(), err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
