// Package api exposes the operational HTTP surface of the pipeline:
// liveness and dependency health, the last run report, and Prometheus
// metrics. The user-facing read API lives in a separate service; this
// server is for operators and monitoring only.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"reporting.bionicpro.org/metrics"
	"reporting.bionicpro.org/scheduler"
)

// StatusProvider yields the most recent run report.
type StatusProvider interface {
	LastReport() *scheduler.RunReport
}

// Pinger checks one downstream dependency.
type Pinger func(ctx context.Context) error

// Server is the ops HTTP server.
type Server struct {
	echo    *echo.Echo
	addr    string
	status  StatusProvider
	pingers map[string]Pinger
	log     *logrus.Entry
}

// NewServer builds the ops server with its routes registered.
func NewServer(addr string, status StatusProvider, m *metrics.Metrics, pingers map[string]Pinger, log *logrus.Entry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		addr:    addr,
		status:  status,
		pingers: pingers,
		log:     log,
	}

	e.GET("/healthz", s.handleHealthz)
	e.GET("/status", s.handleStatus)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	return s
}

// handleHealthz pings every dependency with a short deadline and reports
// 503 when any of them is down.
func (s *Server) handleHealthz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.pingers))
	healthy := true
	for name, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	return c.JSON(code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// handleStatus returns the last run report, or 204 before the first run.
func (s *Server) handleStatus(c echo.Context) error {
	report := s.status.LastReport()
	if report == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, report)
}

// Start serves until Shutdown; it returns http.ErrServerClosed on a clean
// stop.
func (s *Server) Start() error {
	s.log.WithField("addr", s.addr).Info("ops server listening")
	return s.echo.Start(s.addr)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
