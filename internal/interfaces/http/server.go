package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stewardflow/stewardflow/internal/application/usecase"
	"github.com/stewardflow/stewardflow/internal/interfaces/http/handlers"
	ws "github.com/stewardflow/stewardflow/internal/interfaces/websocket"
	"go.uber.org/zap"
)

// Server is the HTTP + WebSocket process surface.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config holds server options.
type Config struct {
	Host string
	Port int
	Mode string // local, production
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg Config, tasks *usecase.TaskService, wsHandler *ws.Handler, logger *zap.Logger) *Server {
	if cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	taskHandler := handlers.NewTaskHandler(tasks, logger)
	setupRoutes(router, taskHandler, wsHandler)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	return &Server{
		server: &http.Server{Addr: addr, Handler: router},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, taskHandler *handlers.TaskHandler, wsHandler *ws.Handler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	agent := router.Group("/agent")
	{
		agent.POST("/run", taskHandler.Run)
		agent.GET("/trace/:trace_id", taskHandler.GetTrace)
		agent.DELETE("/trace/:trace_id", taskHandler.DeleteTrace)
		agent.POST("/trace/:trace_id/hitl", taskHandler.SubmitHITL)
	}

	router.GET("/ws", func(c *gin.Context) {
		wsHandler.ServeWS(c.Writer, c.Request)
	})
}

func ginLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}
