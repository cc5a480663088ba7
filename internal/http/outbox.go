package http

import (
	"net/http"
	"strconv"

	"github.com/jmehdipour/flowhub/internal/model"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type outboxHandlers struct {
	repo repository.OutboxRepository
	log  *zap.Logger
}

func (h *outboxHandlers) deadLetters(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	recs, err := h.repo.ListDeadLetters(c.Request().Context(), limit)
	if err != nil {
		h.log.Error("list dead letters failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"limit":   limit,
		"count":   len(recs),
		"results": recs,
	})
}

func (h *outboxHandlers) stats(c echo.Context) error {
	counts, err := h.repo.CountByStatus(c.Request().Context())
	if err != nil {
		h.log.Error("outbox stats failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
	}
	out := map[string]int64{}
	for _, s := range []model.OutboxStatus{
		model.OutboxPending, model.OutboxProcessing, model.OutboxFailed, model.OutboxDispatched, model.OutboxDeadLetter,
	} {
		out[string(s)] = counts[s]
	}
	return c.JSON(http.StatusOK, out)
}
