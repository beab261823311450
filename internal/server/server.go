// Package server exposes worker metrics and a health check over HTTP.
package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/roadrunner-server/errors"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	app *fiber.App
	log *zap.Logger
}

// New registers cs on a private registry and mounts /metrics and /health.
func New(log *zap.Logger, cs ...prometheus.Collector) (*Server, error) {
	const op = errors.Op("metrics_server_new")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, errors.E(op, err)
		}
	}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		AppName:               "queue",
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return &Server{app: app, log: log}, nil
}

// App is used by tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	const op = errors.Op("metrics_server_serve")

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("metrics server started", zap.String("addr", addr))
		errCh <- s.app.Listen(addr)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.E(op, err)
		}
		return nil
	case <-ctx.Done():
		err := s.app.ShutdownWithTimeout(shutdownTimeout)
		if err != nil {
			s.log.Error("metrics server shutdown error", zap.Error(err))
			return errors.E(op, err)
		}
		s.log.Info("metrics server stopped")
		return nil
	}
}
