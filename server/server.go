package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vesper-app/vesper/core/engine"
	"github.com/vesper-app/vesper/core/models"
	"github.com/vesper-app/vesper/core/utils"
	"github.com/vesper-app/vesper/server/handlers"
	"github.com/vesper-app/vesper/server/middleware"
)

// Server is the HTTP command layer binding the UI to the engine façade.
type Server struct {
	config   models.ServerConfig
	router   *gin.Engine
	engine   *engine.Engine
	logger   utils.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a server around an initialized engine.
func NewServer(config models.ServerConfig, eng *engine.Engine, logger utils.Logger) *Server {
	if config.Mode != "" {
		gin.SetMode(config.Mode)
	}

	s := &Server{
		config: config,
		engine: eng,
		logger: logger.WithGroup("server"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The command layer binds to loopback for the desktop UI.
				return true
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes() {
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(s.logger))

	if s.config.EnableCORS {
		corsConfig := cors.DefaultConfig()
		if len(s.config.CORSOrigins) > 0 {
			corsConfig.AllowOrigins = s.config.CORSOrigins
		} else {
			corsConfig.AllowAllOrigins = true
		}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
		corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
		router.Use(cors.New(corsConfig))
	}

	h := handlers.NewHandlers(s.engine, s.logger)

	router.GET("/health", h.Health)

	api := router.Group("/api/v1")
	{
		endpoints := api.Group("/endpoints")
		{
			endpoints.GET("", h.GetEndpoints)
			endpoints.POST("", h.CreateEndpoint)
			endpoints.POST("/test", h.TestAdhocEndpoint)
			endpoints.GET("/:id", h.GetEndpoint)
			endpoints.PUT("/:id", h.UpdateEndpoint)
			endpoints.DELETE("/:id", h.DeleteEndpoint)
			endpoints.POST("/:id/test", h.TestEndpoint)
			endpoints.POST("/:id/connect", h.ConnectEndpoint)
			endpoints.POST("/:id/disconnect", h.DisconnectEndpoint)
			endpoints.GET("/:id/tunnels", h.GetEndpointTunnels)
		}

		tunnels := api.Group("/tunnels")
		{
			tunnels.GET("", h.GetTunnels)
			tunnels.POST("", h.CreateTunnel)
			tunnels.PUT("/:id", h.UpdateTunnel)
			tunnels.DELETE("/:id", h.DeleteTunnel)
			tunnels.POST("/:id/start", h.StartTunnel)
			tunnels.POST("/:id/stop", h.StopTunnel)
		}

		settings := api.Group("/settings")
		{
			settings.GET("", h.GetSettings)
			settings.PUT("", h.UpdateSettings)
			settings.POST("/reset", h.ResetSettings)
		}
	}

	if s.config.EnableWebSocket {
		router.GET("/ws", h.EventsHandler(s.upgrader))
	}

	s.router = router
}

// Start runs the HTTP server until an interrupt arrives, then shuts the
// engine and server down gracefully.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server failed", "error", err)
		}
	}()

	s.logger.Info("server started", "addr", addr)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	s.logger.Info("shutting down")
	s.engine.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		s.logger.Error("forced shutdown", "error", err)
		return err
	}

	s.logger.Info("server exited")
	return nil
}

// Router exposes the configured routes for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
