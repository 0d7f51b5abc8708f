// Package api exposes the relay's HTTP surface: the subscriber websocket
// endpoint, health, stats, the stored-trade query and prometheus metrics.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Aidin1998/traderelay/internal/connector"
	"github.com/Aidin1998/traderelay/internal/hub"
	"github.com/Aidin1998/traderelay/internal/relay"
	"github.com/Aidin1998/traderelay/internal/sink"
)

// Server is the relay's HTTP server.
type Server struct {
	router *gin.Engine
	srv    *http.Server
	logger *zap.Logger

	store sink.Store
	hub   *hub.Hub
	relay *relay.Service
	conn  *connector.Connector
	sink  *sink.Sink
}

// NewServer builds the router over the relay components.
func NewServer(logger *zap.Logger, store sink.Store, h *hub.Hub, svc *relay.Service, conn *connector.Connector, snk *sink.Sink) *Server {
	s := &Server{
		logger: logger.Named("api"),
		store:  store,
		hub:    h,
		relay:  svc,
		conn:   conn,
		sink:   snk,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))

	// Subscribers are browsers; the stream and query surface are open.
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/healthz", s.healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) {
		s.hub.ServeWS(c.Writer, c.Request)
	})

	v1 := router.Group("/api/v1")
	{
		v1.GET("/stats", s.stats)
		v1.GET("/trades", s.trades)
	}

	s.router = router
	return s
}

// Router returns the gin engine, used by tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("starting HTTP server", zap.String("addr", addr))
	s.srv = &http.Server{Addr: addr, Handler: s.router}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server within the ctx deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"upstream": s.conn.State().String(),
	})
}

func (s *Server) stats(c *gin.Context) {
	pipeline := s.relay.Stats()
	c.JSON(http.StatusOK, gin.H{
		"upstream": gin.H{
			"state":          s.conn.State().String(),
			"reconnects":     s.conn.Reconnects(),
			"frames_dropped": s.conn.FramesDropped(),
		},
		"pipeline": gin.H{
			"ingested": pipeline.Ingested,
			"rejected": pipeline.Rejected,
		},
		"sink": gin.H{
			"written": s.sink.Written(),
			"losses":  s.sink.Losses(),
		},
		"hub": gin.H{
			"sessions":    s.hub.SessionCount(),
			"published":   s.hub.Published(),
			"queue_drops": s.hub.Drops(),
		},
	})
}

func (s *Server) trades(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be an integer timestamp"})
		return
	}
	to, err := strconv.ParseInt(c.DefaultQuery("to", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be an integer timestamp"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer"})
		return
	}

	rows, err := s.store.Trades(c.Request.Context(), symbol, from, to, limit)
	if err != nil {
		s.logger.Error("trade query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": rows, "count": len(rows)})
}
