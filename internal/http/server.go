package http

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/jmehdipour/flowhub/internal/event"
	"github.com/jmehdipour/flowhub/internal/http/middleware"
	"github.com/jmehdipour/flowhub/internal/logger"
	"github.com/jmehdipour/flowhub/internal/repository"
	"github.com/jmehdipour/flowhub/internal/service/workflow"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	gommonLog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP API is built from.
type Deps struct {
	Workflows  *workflow.Service
	Workspaces repository.WorkspacesRepository
	Outbox     repository.OutboxRepository
	Reports    repository.CHEventsRepository // nil when ClickHouse is disabled
	Registry   *event.Registry
	Redis      *redis.Client // nil disables rate limiting

	RateLimitRPS int
	AdminToken   string // empty disables the /v1/outbox routes
	Log          *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	log := logger.OrNop(d.Log)
	if d.Registry == nil {
		d.Registry = event.DefaultRegistry()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// request and error logs go through zap
	e.Logger.SetLevel(gommonLog.OFF)
	e.Validator = newRequestValidator()
	e.Use(echoMid.Recover(), requestLogger(log))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	authMW := middleware.APIKeyMiddleware(d.Workspaces)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		DefaultRPS:     d.RateLimitRPS,
		KeyPrefix:      "rl:ws:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	wf := &workflowHandlers{svc: d.Workflows, log: log}

	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/workflows", wf.create)
	v1.GET("/workflows/:id", wf.get)
	v1.POST("/workflows/:id/activate", wf.transition("activate workflow", d.Workflows.Activate))
	v1.POST("/workflows/:id/pause", wf.transition("pause workflow", d.Workflows.Pause))
	v1.POST("/workflows/:id/archive", wf.transition("archive workflow", d.Workflows.Archive))
	v1.POST("/workflows/:id/runs", wf.requestRun)
	if d.Reports != nil {
		v1.GET("/reports/events", listEventsHandler(d.Reports, d.Registry, log))
	}

	if d.AdminToken != "" {
		ob := &outboxHandlers{repo: d.Outbox, log: log}
		admin := e.Group("/v1/outbox", adminTokenMiddleware(d.AdminToken))
		admin.GET("/dead-letters", ob.deadLetters)
		admin.GET("/stats", ob.stats)
	}

	return &Server{e: e, log: log}
}

func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func adminTokenMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := c.Request().Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			}
			return next(c)
		}
	}
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			log.Info("request", fields...)
			return nil
		},
	})
}
