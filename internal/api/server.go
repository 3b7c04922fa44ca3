package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/csuduan/qtrader/internal/events"
	"github.com/csuduan/qtrader/internal/manager"
	"github.com/csuduan/qtrader/pkg/config"
	"github.com/csuduan/qtrader/pkg/types"
)

// Server is the manager-facing HTTP surface: REST queries and commands
// forwarded to traders, plus a websocket event stream.
type Server struct {
	cfg *config.Config
	mgr *manager.Manager
	bus *events.Bus
	hub *wsHub

	http *http.Server
}

// NewServer wires routes against a running manager and its bus.
func NewServer(cfg *config.Config, mgr *manager.Manager, bus *events.Bus) *Server {
	s := &Server{cfg: cfg, mgr: mgr, bus: bus, hub: newWSHub()}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	s.routes(r)

	s.http = &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}
	return s
}

// Start begins serving and subscribes the websocket hub to the bus.
func (s *Server) Start() {
	s.hub.subscribe(s.bus)
	go func() {
		log.Printf("api: listening on %s", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("api: serve: %v", err)
		}
	}()
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) {
	s.hub.close()
	if err := s.http.Shutdown(ctx); err != nil {
		log.Printf("api: shutdown: %v", err)
	}
}

func (s *Server) routes(r *gin.Engine) {
	r.POST("/api/login", s.handleLogin)

	auth := r.Group("/api", s.authMiddleware())

	// Supervision.
	auth.GET("/traders", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.mgr.ListTraders())
	})
	auth.POST("/traders/:account/start", s.supervise(s.mgr.StartAccount))
	auth.POST("/traders/:account/stop", s.supervise(s.mgr.StopAccount))
	auth.POST("/traders/:account/restart", s.supervise(s.mgr.RestartAccount))

	// Cross-account queries.
	auth.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.mgr.GetAccounts(c.Request.Context()))
	})
	auth.GET("/positions", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.mgr.GetPositions(c.Request.Context()))
	})
	auth.GET("/orders", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.mgr.GetOrders(c.Request.Context()))
	})
	auth.GET("/trades", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.mgr.GetTrades(c.Request.Context()))
	})

	// Account-scoped queries.
	auth.GET("/accounts/:account", func(c *gin.Context) {
		acct, err := s.mgr.GetAccount(c.Request.Context(), c.Param("account"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, acct)
	})
	for _, q := range []string{"positions", "orders", "active_orders", "trades", "quotes", "jobs"} {
		reqType := "get_" + q
		path := "/accounts/:account/" + q
		auth.GET(path, func(c *gin.Context) {
			var out any
			if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), reqType, nil, &out); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, out)
		})
	}

	// Trading.
	auth.POST("/accounts/:account/orders", func(c *gin.Context) {
		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		orderID, err := s.mgr.SendOrder(c.Request.Context(), c.Param("account"), req)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_id": orderID})
	})
	auth.DELETE("/accounts/:account/orders/:orderID", func(c *gin.Context) {
		ok, err := s.mgr.CancelOrder(c.Request.Context(), c.Param("account"), c.Param("orderID"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": ok})
	})

	// Gateway and trading control, forwarded verbatim.
	for _, op := range []string{"connect_gateway", "disconnect_gateway", "pause_trading", "resume_trading"} {
		reqType := op
		auth.POST("/accounts/:account/"+op, func(c *gin.Context) {
			var out any
			if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), reqType, nil, &out); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"result": out})
		})
	}

	// Strategy admin: body is forwarded as the request payload.
	auth.GET("/accounts/:account/strategies", func(c *gin.Context) {
		var out any
		if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), "list_strategies", nil, &out); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	})
	strategyOps := map[string]string{
		"get":            "get_strategy",
		"start":          "start_strategy",
		"stop":           "stop_strategy",
		"enable":         "enable_strategy",
		"disable":        "disable_strategy",
		"init":           "init_strategy",
		"reload_params":  "reload_strategy_params",
		"order_cmds":     "get_strategy_order_cmds",
		"params":         "update_strategy_params",
		"signal":         "update_strategy_signal",
		"trading_status": "set_strategy_trading_status",
	}
	for op, reqType := range strategyOps {
		rt := reqType
		auth.POST("/accounts/:account/strategies/:strategy/"+op, func(c *gin.Context) {
			payload := map[string]any{"strategy_id": c.Param("strategy")}
			var body map[string]any
			if err := c.ShouldBindJSON(&body); err == nil {
				for k, v := range body {
					payload[k] = v
				}
			}
			var out any
			if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), rt, payload, &out); err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, out)
		})
	}
	auth.POST("/accounts/:account/strategies_all/:op", func(c *gin.Context) {
		var reqType string
		switch c.Param("op") {
		case "start":
			reqType = "start_all_strategies"
		case "stop":
			reqType = "stop_all_strategies"
		default:
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown op"})
			return
		}
		var out any
		if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), reqType, nil, &out); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": out})
	})

	// System params.
	auth.GET("/accounts/:account/params", func(c *gin.Context) {
		payload := map[string]string{"group": c.Query("group")}
		var out any
		if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), "list_system_params", payload, &out); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	})
	auth.GET("/accounts/:account/params/:key", func(c *gin.Context) {
		payload := map[string]string{"key": c.Param("key")}
		var out any
		if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), "get_system_param", payload, &out); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, out)
	})
	auth.PUT("/accounts/:account/params/:key", func(c *gin.Context) {
		var body struct {
			Value string `json:"value"`
			Group string `json:"group"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		payload := map[string]string{"key": c.Param("key"), "value": body.Value, "group": body.Group}
		var out any
		if err := s.mgr.Forward(c.Request.Context(), c.Param("account"), "update_system_param", payload, &out); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": out})
	})

	// Event stream.
	auth.GET("/ws", s.hub.handleWS)
}

// supervise adapts a manager lifecycle call into a handler.
func (s *Server) supervise(fn func(string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(c.Param("account")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
