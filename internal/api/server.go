// Package api serves execution status and queue control over HTTP.
package api

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// New builds the router. All routes live under /api/v1.
func New(coord Coordinator, states Executions, q Queue, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	log := logger.With().Str("component", "api").Logger()
	e.Use(requestLog(log))
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		if he, ok := err.(*echo.HTTPError); ok && he.Code < 500 {
			return
		}
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}

	v1 := e.Group("/api/v1")
	v1.GET("/executions/:id", GetExecutionHandler(states))
	v1.POST("/executions/:id/cancel", CancelExecutionHandler(coord))
	v1.POST("/executions/:id/checkpoint", CheckpointExecutionHandler(coord))
	v1.POST("/executions/:id/resume", ResumeExecutionHandler(coord))
	v1.POST("/workflows", SubmitWorkflowHandler(coord))
	v1.GET("/queue/stats", QueueStatsHandler(q))
	v1.POST("/queue/pause", QueuePauseHandler(q))
	v1.POST("/queue/resume", QueueResumeHandler(q))
	return e
}

func requestLog(log zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			err := next(c)
			req := c.Request()
			log.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("took", time.Since(begin)).
				AnErr("error", err).
				Msg("request")
			return err
		}
	}
}
