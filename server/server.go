package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"

	"github.com/reef-social/reef/events"
	"github.com/reef-social/reef/moderation"
	"github.com/reef-social/reef/models"
)

// Server exposes the REST command handlers and the websocket event channel.
type Server struct {
	echo   *echo.Echo
	logger *slog.Logger

	store    *models.PostStore
	evts     *events.EventManager
	scanner  *moderation.Scanner
	registry *ConnRegistry

	adminPassword string
}

type Config struct {
	AdminPassword string
}

func NewServer(logger *slog.Logger, store *models.PostStore, evts *events.EventManager, scanner *moderation.Scanner, config Config) *Server {
	return &Server{
		logger:        logger.With("component", "server"),
		store:         store,
		evts:          evts,
		scanner:       scanner,
		registry:      NewConnRegistry(),
		adminPassword: config.AdminPassword,
	}
}

func (s *Server) Start(address string) error {
	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.Use(slogecho.New(s.logger))
	s.echo.Use(middleware.Recover())
	s.echo.Use(middleware.BodyLimit("1M"))

	s.echo.GET("/health", s.handleHealthcheck)
	s.echo.GET("/ws", s.handleWebsocket)

	s.echo.POST("/posts", s.handleCreatePost)
	s.echo.GET("/posts/approved", s.handleListApproved)
	s.echo.GET("/posts/author/:id", s.handleListByAuthor)
	s.echo.DELETE("/posts/:id", s.handleDeletePost)

	admin := s.echo.Group("", s.adminAuth)
	admin.GET("/posts", s.handleListAll)
	admin.POST("/posts/:id/approve", s.handleApprovePost)
	admin.POST("/posts/:id/reject", s.handleRejectPost)
	admin.POST("/posts/:id/flag", s.handleFlagPost)
	admin.POST("/moderation/scan/text", s.handleScanText)
	admin.POST("/moderation/scan/images", s.handleScanImages)
	admin.POST("/moderation/scan/all", s.handleScanAll)
	admin.GET("/moderation/status", s.handleModerationStatus)

	return s.echo.Start(address)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// RunMetrics serves prometheus metrics on a separate listener.
func (s *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (s *Server) handleHealthcheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// adminAuth guards admin-only routes with the shared admin password header.
func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminPassword == "" {
			return next(c)
		}
		if c.Request().Header.Get("X-Admin-Password") != s.adminPassword {
			return echo.NewHTTPError(http.StatusForbidden, "admin credentials required")
		}
		return next(c)
	}
}
