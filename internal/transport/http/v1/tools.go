package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/flowrun/internal/catalog"
)

// ListTools lists the tool catalog with trust scores.
// GET /v1/tools
func (h *Handler) ListTools(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"tools": h.service.ListTools(c.Request().Context()),
	})
}

// UpsertTool adds or replaces a catalog row.
// POST /v1/tools
func (h *Handler) UpsertTool(c echo.Context) error {
	var entry catalog.Entry
	if err := c.Bind(&entry); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if entry.ID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "id is required"})
	}

	info, err := h.service.UpsertTool(c.Request().Context(), entry)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// ResolveTool classifies how a requested tool can be served.
// GET /v1/tools/:tool/resolve
func (h *Handler) ResolveTool(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.ResolveTool(c.Request().Context(), c.Param("tool")))
}

// GetToolTrust returns the trust score of a catalog tool.
// GET /v1/tools/:tool/trust
func (h *Handler) GetToolTrust(c echo.Context) error {
	resp, err := h.service.GetToolTrust(c.Request().Context(), c.Param("tool"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// InvalidateToolTrust drops the cached trust score of a tool.
// DELETE /v1/tools/:tool/trust
func (h *Handler) InvalidateToolTrust(c echo.Context) error {
	if err := h.service.InvalidateToolTrust(c.Request().Context(), c.Param("tool")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
