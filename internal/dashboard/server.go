package dashboard

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appconfig "polyscalp/config"
	"polyscalp/internal/events"
	"polyscalp/logger"
	"polyscalp/models"
)

// Controller is the slice of the engine the dashboard may touch. The
// control routes are the only external mutation path into the engine.
type Controller interface {
	AddMarket(descriptor models.MarketDescriptor) error
	RemoveMarket(marketID string) error
	Status() models.BotStatus
}

// Server exposes the observer websocket and the control RPC.
type Server struct {
	cfg        appconfig.DashboardConfig
	controller Controller
	bus        *events.Bus
	log        *logger.Log
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// NewServer returns nil when the dashboard is disabled.
func NewServer(cfg appconfig.DashboardConfig, controller Controller, bus *events.Bus) *Server {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	return &Server{
		cfg:        cfg,
		controller: controller,
		bus:        bus,
		log:        logger.GetLogger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/status", s.handleStatus)
	router.POST("/markets", s.handleAddMarket)
	router.DELETE("/markets/:id", s.handleRemoveMarket)
	router.GET("/ws", s.handleWS)

	s.httpServer = &http.Server{Addr: s.cfg.Address, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("dashboard").WithFields(logger.Fields{"address": s.cfg.Address}).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.controller.Status())
}

func (s *Server) handleAddMarket(c *gin.Context) {
	var descriptor models.MarketDescriptor
	if err := c.ShouldBindJSON(&descriptor); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.controller.AddMarket(descriptor); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"market_id": descriptor.MarketID})
}

func (s *Server) handleRemoveMarket(c *gin.Context) {
	if err := s.controller.RemoveMarket(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("id")})
}

// handleWS streams bus events to one observer connection. A slow
// observer only loses events from its own bounded queue.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("dashboard").WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	// Reader goroutine drains client frames and detects disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
