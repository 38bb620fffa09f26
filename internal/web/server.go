// Package web exposes the experiment engine over HTTP with gin.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emiliopalmerini/mbandit/internal/engine"
)

type Server struct {
	engine  *engine.Engine
	metrics http.Handler
	logger  *slog.Logger
	router  *gin.Engine
}

// NewServer wires the routes. metrics may be nil, in which case /metrics
// answers 404.
func NewServer(eng *engine.Engine, metrics http.Handler, logger *slog.Logger) *Server {
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  eng,
		metrics: metrics,
		logger:  logger.With("component", "web"),
		router:  gin.New(),
	}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(s.metrics))

	api := s.router.Group("/api/v1")
	api.POST("/experiments", s.handleCreateExperiment)
	api.GET("/experiments", s.handleListExperiments)
	api.GET("/experiments/:id", s.handleGetExperiment)
	api.DELETE("/experiments/:id", s.handleDeleteExperiment)
	api.POST("/experiments/:id/activate", s.handleSetActive(true))
	api.POST("/experiments/:id/deactivate", s.handleSetActive(false))
	api.POST("/experiments/:id/draws", s.handleDraw)
	api.GET("/experiments/:id/observations", s.handleObservations)
	api.GET("/experiments/:id/comparison", s.handleComparison)
	api.PUT("/draws/:draw_id", s.handleUpdate)
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
