package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/http/middleware"
	"github.com/jmehdipour/flowhub/internal/repository"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listEventsHandler(chRepo repository.CHEventsRepository, registry *event.Registry, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		wsID, ok := middleware.WorkspaceIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		eventType := strings.TrimSpace(c.QueryParam("type"))
		if eventType != "" && !registry.Known(event.Type(eventType)) {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown event type"})
		}
		workflowID := strings.TrimSpace(c.QueryParam("workflow_id"))

		events, err := chRepo.ListByWorkspace(c.Request().Context(), wsID, eventType, workflowID, limit, offset)
		if err != nil {
			log.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(events),
			"results": events,
		})
	}
}
