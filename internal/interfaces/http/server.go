package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/infrastructure/monitoring"
	"github.com/gaiin-platform/amplify-genai-backend-sub005/internal/interfaces/http/handlers"
)

// Config holds the HTTP server settings.
type Config struct {
	Host string
	Port int
	Mode string // gin mode: debug | release | test
}

// Server is the gateway's HTTP front.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// NewServer builds the router and wires the handlers. auth may be nil when
// API-key authentication is disabled.
func NewServer(cfg Config, chat *handlers.ChatHandler, models *handlers.ModelHandler, accounts *handlers.AccountHandler, auth gin.HandlerFunc, metrics *monitoring.Metrics, logger *zap.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(ginLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := router.Group("/api/v1")
	if auth != nil {
		v1.Use(auth)
	}
	{
		v1.POST("/chat", chat.Chat)
		v1.GET("/available_models", models.AvailableModels)
		v1.GET("/model_aliases", models.Aliases)
		v1.GET("/model_aliases/:name", models.ResolveAlias)
		v1.GET("/models_with_aliases", models.ModelsWithAliases)
		v1.GET("/accounts", accounts.List)
	}

	return &Server{
		server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler: router,
		},
		logger: logger,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", zap.String("addr", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.server.Shutdown(ctx)
}

// ginLogger adapts request logging onto zap.
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
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
