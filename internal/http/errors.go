package http

import (
	"errors"
	"net/http"

	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// writeUseCaseError maps domain and storage errors to responses; anything
// unrecognized is logged and reported as 500.
func writeUseCaseError(c echo.Context, log *zap.Logger, op string, err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, model.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, map[string]string{"error": "invalid_transition", "description": err.Error()})
	case errors.Is(err, repository.ErrConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": "conflict", "description": "workflow was modified concurrently"})
	}
	log.Error(op+" failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
