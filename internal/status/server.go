package status

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tagtrader/internal/types"
)

// Version is reported by / and /health
const Version = "1.0.0"

// Source provides the last published controller status
type Source interface {
	Status() types.Status
}

// Server is the read-only HTTP surface: health, status and metrics
type Server struct {
	router  *gin.Engine
	server  *http.Server
	logger  *zap.SugaredLogger
	source  Source
	metrics http.Handler
	addr    string
}

// NewServer builds the router. metrics may be nil.
func NewServer(addr string, source Source, metrics http.Handler, logger *zap.SugaredLogger) *Server {
	s := &Server{
		router:  gin.New(),
		logger:  logger,
		source:  source,
		metrics: metrics,
		addr:    addr,
	}

	s.router.Use(gin.Recovery(), s.loggingMiddleware())
	s.router.GET("/", s.handleRoot)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	return s
}

// Handler exposes the router (tests)
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and reports an immediate bind failure
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Infow("[STATUS] Starting HTTP server", "address", s.addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return errors.Wrap(err, "failed to start server")
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Infow("[STATUS] Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs every request at debug level
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.Debugw("[STATUS] Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"remote", c.ClientIP(),
		)
	}
}

func (s *Server) handleRoot(c *gin.Context) {
	endpoints := []string{
		"GET /health - Health check",
		"GET /status - Controller status",
	}
	if s.metrics != nil {
		endpoints = append(endpoints, "GET /metrics - Prometheus metrics")
	}

	c.JSON(http.StatusOK, gin.H{
		"service":   "tagtrader",
		"version":   Version,
		"endpoints": endpoints,
	})
}

// handleHealth reports degraded while the last tick recorded a venue error
func (s *Server) handleHealth(c *gin.Context) {
	status := s.source.Status()

	health := "healthy"
	if status.LastError != "" {
		health = "degraded"
	}

	c.JSON(http.StatusOK, types.HealthResponse{
		Status:    health,
		Timestamp: time.Now().UTC(),
		Version:   Version,
		InTrade:   status.InTrade,
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.source.Status()
	if status.UpdatedAt.IsZero() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"error":   fmt.Sprintf("controller for %s has not reconciled yet", status.Symbol),
		})
		return
	}

	c.JSON(http.StatusOK, status)
}
