package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"funding-rate-arbiter/internal/service"
	"funding-rate-arbiter/internal/trader"
)

// Server exposes the read-only query surface over HTTP.
type Server struct {
	app    *fiber.App
	svc    *service.Service
	listen string
	logger zerolog.Logger
}

// New builds the fiber app and registers routes.
func New(svc *service.Service, listen string, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "FundArbiter",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	s := &Server{
		app:    app,
		svc:    svc,
		listen: listen,
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.health)

	v1 := s.app.Group("/v1")
	v1.Get("/opportunities", s.getOpportunities)
	v1.Get("/positions", s.getPositions)
	v1.Get("/risk", s.getRisk)
	v1.Get("/symbols", s.getSymbols)
}

// Run blocks serving HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(s.listen)
	}()

	s.logger.Info().Str("listen", s.listen).Msg("api server started")
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.app.ShutdownWithContext(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("api shutdown failed")
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) health(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
}

// Handles GET /v1/opportunities?limit=N.
func (s *Server) getOpportunities(c fiber.Ctx) error {
	limit := fiber.Query(c, "limit", 50)
	if limit <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "limit must be positive",
		})
	}

	opps := s.svc.Opportunities(limit)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":         len(opps),
		"opportunities": opps,
	})
}

// Handles GET /v1/positions?status=open|closed.
func (s *Server) getPositions(c fiber.Ctx) error {
	status := trader.Status(fiber.Query(c, "status", string(trader.StatusOpen)))
	switch status {
	case trader.StatusOpen, trader.StatusClosed:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "status must be open or closed",
		})
	}

	positions := s.svc.Positions(status)
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":     len(positions),
		"status":    status,
		"positions": positions,
	})
}

// Handles GET /v1/risk.
func (s *Server) getRisk(c fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.svc.RiskSnapshot())
}

// Handles GET /v1/symbols.
func (s *Server) getSymbols(c fiber.Ctx) error {
	availabilities := s.svc.Availabilities()
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"count":   len(availabilities),
		"symbols": availabilities,
	})
}
