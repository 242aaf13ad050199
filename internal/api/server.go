// Package api is the operator control surface: order and exit-state queries,
// filter stats, metrics snapshots, strategy switching and config reload.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"decision-core/internal/execution"
	"decision-core/internal/exits"
	"decision-core/internal/monitor"
	"decision-core/internal/order"
	"decision-core/internal/signal"
	"decision-core/pkg/config"
	"decision-core/pkg/exchange"
	"decision-core/pkg/store"
)

// Meta describes runtime status exposed on /api/system/status.
type Meta struct {
	DryRun  bool     `json:"dry_run"`
	Venue   string   `json:"venue"`
	Symbols []string `json:"symbols"`
	Version string   `json:"version"`
}

// Server wires HTTP endpoints around the decision core.
type Server struct {
	Router *gin.Engine

	queries *store.Queries
	orders  *order.Manager
	exits   *exits.Manager
	filter  *signal.Filter
	engine  *execution.Engine
	metrics *monitor.Metrics
	cfgMgr  *config.Manager
	meta    Meta
	started time.Time
}

// NewServer builds the router and registers all routes.
func NewServer(queries *store.Queries, orders *order.Manager, exitsMgr *exits.Manager, filter *signal.Filter, engine *execution.Engine, metrics *monitor.Metrics, cfgMgr *config.Manager, meta Meta) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())

	s := &Server{
		Router:  r,
		queries: queries,
		orders:  orders,
		exits:   exitsMgr,
		filter:  filter,
		engine:  engine,
		metrics: metrics,
		cfgMgr:  cfgMgr,
		meta:    meta,
		started: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		api.GET("/orders", s.listOrders)
		api.GET("/orders/active", s.listActiveOrders)
		api.GET("/orders/:id", s.getOrder)
		api.POST("/orders/:id/cancel", s.cancelOrder)
		api.GET("/trades", s.listTrades)

		api.GET("/exits", s.listExits)
		api.DELETE("/exits/:symbol/:side", s.cancelExit)

		api.GET("/filter/stats", s.getFilterStats)
		api.POST("/filter/strategy", s.switchStrategy)

		api.POST("/config/reload", s.reloadConfig)
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Router}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"code": code, "error": msg})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"meta":           s.meta,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
		"active_orders":  len(s.orders.Active()),
		"open_positions": len(s.exits.List()),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"system":    s.metrics.GetSnapshot(),
		"execution": s.engine.Stats(),
	})
}

func (s *Server) listOrders(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		if n > 500 {
			n = 500
		}
		limit = n
	}

	records, err := s.queries.ListOrders(c.Request.Context(), c.Query("symbol"), c.Query("status"), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": records, "count": len(records)})
}

func (s *Server) listActiveOrders(c *gin.Context) {
	active := s.orders.Active()
	c.JSON(http.StatusOK, gin.H{"orders": active, "count": len(active)})
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	err := s.orders.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	case errors.Is(err, order.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
	case errors.Is(err, order.ErrInvalidTransition):
		respondError(c, http.StatusConflict, "INVALID_STATE", "order is not cancellable")
	default:
		respondError(c, http.StatusBadGateway, "VENUE_ERROR", err.Error())
	}
}

func (s *Server) listTrades(c *gin.Context) {
	trades, err := s.queries.ListTrades(c.Request.Context(), c.Query("order_id"), 200)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) listExits(c *gin.Context) {
	states := s.exits.List()
	c.JSON(http.StatusOK, gin.H{"positions": states, "count": len(states)})
}

func (s *Server) cancelExit(c *gin.Context) {
	side := exchange.Side(c.Param("side"))
	if side != exchange.SideBuy && side != exchange.SideSell {
		respondError(c, http.StatusBadRequest, "INVALID_SIDE", "side must be BUY or SELL")
		return
	}
	if err := s.exits.CancelPartialExit(c.Request.Context(), c.Param("symbol"), side); err != nil {
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) getFilterStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"active": s.filter.Active(),
		"stats":  s.filter.Stats(),
	})
}

type switchStrategyRequest struct {
	Strategy string `json:"strategy" binding:"required,min=1"`
}

func (s *Server) switchStrategy(c *gin.Context) {
	var req switchStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}
	if err := s.filter.SwitchStrategy(req.Strategy); err != nil {
		respondError(c, http.StatusBadRequest, "UNKNOWN_STRATEGY", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": s.filter.Active()})
}

// reloadConfig re-reads the tunables file and swaps the filter's threshold
// tables in one step. Sections that configure constructor-time tunables
// (risk bands, execution timeouts) take effect for components built after the
// reload; the filter applies immediately.
func (s *Server) reloadConfig(c *gin.Context) {
	if s.cfgMgr == nil {
		respondError(c, http.StatusNotFound, "NO_CONFIG", "no config file configured")
		return
	}
	f, err := s.cfgMgr.Load()
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	fc, err := f.Filter.FilterConfig()
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	if err := s.filter.Reconfigure(fc); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}
	log.Info().Str("component", "api").Msg("configuration reloaded")
	c.JSON(http.StatusOK, gin.H{
		"status": "reloaded",
		"active": s.filter.Active(),
		// Constructor-time sections take effect for components built after
		// the reload.
		"applied_live":       []string{"filter"},
		"applies_on_restart": []string{"risk", "execution", "exits"},
	})
}
