// Package server exposes the daemon's HTTP/SSE API on top of gin: sessions,
// tasks, event streams, tool-call decisions, artifacts, and operational
// endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codesdk/codesdk/internal/artifact"
	"github.com/codesdk/codesdk/internal/common/config"
	"github.com/codesdk/codesdk/internal/common/logger"
	"github.com/codesdk/codesdk/internal/engine"
	"github.com/codesdk/codesdk/internal/events/store"
	"github.com/codesdk/codesdk/internal/runtime"
	"github.com/codesdk/codesdk/internal/session"
)

// Server is the daemon's HTTP server.
type Server struct {
	cfg     config.ServerConfig
	router  *gin.Engine
	handler *Handler
	logger  *logger.Logger

	http     *http.Server
	listener net.Listener
}

// New builds the server and its routes.
func New(
	cfg config.ServerConfig,
	sessions *session.Manager,
	eng *engine.Engine,
	st *store.Store,
	artifacts *artifact.Store,
	registry *runtime.Registry,
	log *logger.Logger,
	debug bool,
) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}

	handler := NewHandler(sessions, eng, st, artifacts, registry, cfg, log)
	router := gin.New()
	router.Use(
		Recovery(log),
		RequestLogger(log),
		BodyLimit(cfg.BodyLimitBytes),
		RateLimit(newRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindowDuration())),
	)

	router.GET("/", handler.Root)
	router.GET("/health", handler.Health)
	router.GET("/capabilities", handler.Capabilities)
	router.GET("/auth/status", handler.AuthStatus)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	sessionsGroup := router.Group("/sessions")
	{
		sessionsGroup.GET("", handler.ListSessions)
		sessionsGroup.POST("", handler.CreateSession)
		sessionsGroup.GET("/:sessionId", handler.GetSession)
		sessionsGroup.GET("/:sessionId/events", handler.Events)
		sessionsGroup.GET("/:sessionId/events/ws", handler.EventsWebSocket)
		sessionsGroup.GET("/:sessionId/support-bundle", handler.SupportBundle)

		sessionsGroup.POST("/:sessionId/tasks", handler.StartTask)
		sessionsGroup.GET("/:sessionId/tasks/:taskId", handler.GetTaskStatus)
		sessionsGroup.POST("/:sessionId/tasks/:taskId/stop", handler.StopTask)

		sessionsGroup.POST("/:sessionId/tool-calls/:toolCallId/approve", handler.ApproveToolCall)
		sessionsGroup.POST("/:sessionId/tool-calls/:toolCallId/deny", handler.DenyToolCall)
	}

	router.GET("/artifacts/:artifactId", handler.GetArtifact)
	router.GET("/artifacts/:artifactId/download", handler.DownloadArtifact)

	return &Server{
		cfg:     cfg,
		router:  router,
		handler: handler,
		logger:  log.WithFields(zap.String("component", "http-server")),
	}
}

// Router returns the underlying gin engine, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start binds the listener and serves in a background goroutine. With port 0
// the kernel picks a free port; Addr reports the bound address.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.http = &http.Server{
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeoutDuration(),
		// WriteTimeout stays at the configured value; 0 keeps SSE streams open.
		WriteTimeout: s.cfg.WriteTimeoutDuration(),
	}

	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", listener.Addr().String()))
		if err := s.http.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, empty before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains connections until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
