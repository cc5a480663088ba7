package middleware

import (
	"net/http"
	"strings"

	"github.com/jmehdipour/flowhub/internal/repository"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxWorkspaceID  = "workspace_id"
	ctxWorkspaceRPS = "workspace_rps"
)

// WorkspaceIDFromCtx extracts the workspace id set by APIKeyMiddleware.
func WorkspaceIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxWorkspaceID).(int64)
	return id, ok && id > 0
}

// APIKeyMiddleware authenticates requests using the X-API-Key header and
// rejects suspended workspaces.
func APIKeyMiddleware(workspaces repository.WorkspacesRepository) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			ws, err := workspaces.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if ws == nil || ws.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxWorkspaceID, ws.ID)
			if ws.RateLimitRPS != nil {
				c.Set(ctxWorkspaceRPS, *ws.RateLimitRPS)
			}
			return next(c)
		}
	}
}
