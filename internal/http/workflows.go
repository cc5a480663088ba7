package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jmehdipour/flowhub/internal/http/middleware"
	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/service/workflow"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type createWorkflowReq struct {
	Name      string `json:"name" validate:"required,min=1,max=128"`
	ActionURL string `json:"action_url" validate:"required,http_url,max=2048"`
}

type requestRunReq struct {
	Input json.RawMessage `json:"input"`
}

type workflowHandlers struct {
	svc *workflow.Service
	log *zap.Logger
}

func (h *workflowHandlers) create(c echo.Context) error {
	wsID, ok := middleware.WorkspaceIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	var req createWorkflowReq
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	w, err := h.svc.Create(c.Request().Context(), wsID, req.Name, req.ActionURL)
	if err != nil {
		return writeUseCaseError(c, h.log, "create workflow", err)
	}
	return c.JSON(http.StatusCreated, w)
}

func (h *workflowHandlers) get(c echo.Context) error {
	wsID, ok := middleware.WorkspaceIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	w, err := h.svc.Get(c.Request().Context(), wsID, c.Param("id"))
	if err != nil {
		return writeUseCaseError(c, h.log, "get workflow", err)
	}
	return c.JSON(http.StatusOK, w)
}

// transition serves activate, pause and archive.
func (h *workflowHandlers) transition(op string, fn func(context.Context, int64, string) (*model.Workflow, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		wsID, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		w, err := fn(c.Request().Context(), wsID, c.Param("id"))
		if err != nil {
			return writeUseCaseError(c, h.log, op, err)
		}
		return c.JSON(http.StatusOK, w)
	}
}

func (h *workflowHandlers) requestRun(c echo.Context) error {
	wsID, ok := middleware.WorkspaceIDFromCtx(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	var req requestRunReq
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if string(req.Input) == "null" {
		req.Input = nil
	}

	run, err := h.svc.RequestRun(c.Request().Context(), wsID, c.Param("id"), req.Input)
	if err != nil {
		return writeUseCaseError(c, h.log, "request run", err)
	}
	return c.JSON(http.StatusAccepted, run)
}
