// Package server hosts the operational HTTP endpoints: liveness and
// readiness probes, Prometheus metrics, and a worker status snapshot.
// It serves operators, not chat users; the relay itself has no inbound
// HTTP surface.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/courier/internal/profile"
	"github.com/hrygo/courier/internal/version"
	"github.com/hrygo/courier/relay"
	"github.com/hrygo/courier/relay/metrics"
	"github.com/hrygo/courier/store"
)

// StatusSource exposes the worker snapshot served by /api/v1/status.
// Satisfied by relay.Worker.
type StatusSource interface {
	Status(ctx context.Context) relay.StatusSnapshot
}

type Server struct {
	echoServer *echo.Echo
	profile    *profile.Profile
	store      *store.Store
	status     StatusSource
	startedAt  time.Time
}

// NewServer wires the ops endpoints. exporter and status may be nil;
// the affected endpoints then report not-found and an empty snapshot.
func NewServer(_ context.Context, profile *profile.Profile, store *store.Store, exporter *metrics.Exporter, status StatusSource) *Server {
	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())

	s := &Server{
		echoServer: echoServer,
		profile:    profile,
		store:      store,
		status:     status,
		startedAt:  time.Now(),
	}

	echoServer.GET("/healthz", s.healthz)
	echoServer.GET("/readyz", s.readyz)
	echoServer.GET("/metrics", echo.WrapHandler(exporter.Handler()))
	echoServer.GET("/api/v1/status", s.workerStatus)
	return s
}

func (s *Server) Start(_ context.Context) error {
	return s.echoServer.Start(fmt.Sprintf("%s:%d", s.profile.Addr, s.profile.Port))
}

func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down ops server", "error", err)
	}
}

func (s *Server) healthz(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// readyz reports ready only when the store answers a ping; a worker
// without its database cannot resume sessions or deliver schedules.
func (s *Server) readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return c.String(http.StatusServiceUnavailable, "store unreachable")
	}
	return c.String(http.StatusOK, "ok")
}

type statusResponse struct {
	Service string               `json:"service"`
	Version string               `json:"version"`
	UptimeS int64                `json:"uptime_s"`
	Worker  relay.StatusSnapshot `json:"worker"`
}

func (s *Server) workerStatus(c echo.Context) error {
	resp := statusResponse{
		Service: "courier",
		Version: version.StringFull(),
		UptimeS: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.status != nil {
		resp.Worker = s.status.Status(c.Request().Context())
	}
	return c.JSON(http.StatusOK, resp)
}
