package v1

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowrun/internal/domain"
)

// CreateWorkflow creates a run from planner output.
// POST /v1/workflows
func (h *Handler) CreateWorkflow(c echo.Context) error {
	var req domain.CreateWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}

	resp, err := h.service.CreateWorkflow(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}
	if resp.Duplicate {
		return c.JSON(http.StatusOK, resp)
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetWorkflow returns the current state of a run.
// GET /v1/workflows/:id
func (h *Handler) GetWorkflow(c echo.Context) error {
	run, err := h.service.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// ListWorkflows lists persisted runs.
// GET /v1/workflows
func (h *Handler) ListWorkflows(c echo.Context) error {
	limit := 50
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}

	recs, err := h.service.ListWorkflows(c.Request().Context(), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflows": recs,
	})
}

// GetResult returns the aggregated result of a finished run.
// GET /v1/workflows/:id/result
func (h *Handler) GetResult(c echo.Context) error {
	res, err := h.service.GetResult(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// GetHistory returns the persisted event stream of a run.
// GET /v1/workflows/:id/history
func (h *Handler) GetHistory(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 {
			limit = val
		}
	}
	var afterSeq uint64
	if s := c.QueryParam("after_seq"); s != "" {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid after_seq"})
		}
		afterSeq = val
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		for _, typ := range strings.Split(t, ",") {
			if typ = strings.TrimSpace(typ); typ != "" {
				types = append(types, typ)
			}
		}
	}

	evts, err := h.service.GetHistory(c.Request().Context(), c.Param("id"), afterSeq, types, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events":   evts,
		"has_more": len(evts) == limit,
	})
}

// StartWorkflow plans the run and, when the autonomy level allows it, begins execution.
// POST /v1/workflows/:id/start
func (h *Handler) StartWorkflow(c echo.Context) error {
	return h.control(c, h.service.StartWorkflow)
}

// ApproveWorkflow records an approval for a supervised run.
// POST /v1/workflows/:id/approve
func (h *Handler) ApproveWorkflow(c echo.Context) error {
	return h.control(c, h.service.ApproveWorkflow)
}

// ExecuteWorkflow begins executing a ready run.
// POST /v1/workflows/:id/execute
func (h *Handler) ExecuteWorkflow(c echo.Context) error {
	return h.control(c, h.service.ExecuteWorkflow)
}

// PauseWorkflow pauses a running run.
// POST /v1/workflows/:id/pause
func (h *Handler) PauseWorkflow(c echo.Context) error {
	return h.control(c, h.service.PauseWorkflow)
}

// ResumeWorkflow resumes a paused run.
// POST /v1/workflows/:id/resume
func (h *Handler) ResumeWorkflow(c echo.Context) error {
	return h.control(c, h.service.ResumeWorkflow)
}

// CancelWorkflow aborts a run.
// POST /v1/workflows/:id/cancel
func (h *Handler) CancelWorkflow(c echo.Context) error {
	return h.control(c, h.service.CancelWorkflow)
}

// ResetWorkflow returns a run to the created state.
// POST /v1/workflows/:id/reset
func (h *Handler) ResetWorkflow(c echo.Context) error {
	return h.control(c, h.service.ResetWorkflow)
}

// RecoverWorkflow restores a run from its latest checkpoint.
// POST /v1/workflows/:id/recover
func (h *Handler) RecoverWorkflow(c echo.Context) error {
	return h.control(c, h.service.RecoverWorkflow)
}

// SkipStep marks a pending step as skipped.
// POST /v1/workflows/:id/steps/:step_id/skip
func (h *Handler) SkipStep(c echo.Context) error {
	run, err := h.service.SkipStep(c.Request().Context(), c.Param("id"), c.Param("step_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (h *Handler) control(c echo.Context, op func(context.Context, string) (*domain.Run, error)) error {
	run, err := op(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}
