// Package api exposes the engine over HTTP: the signal webhook, operator
// queries, risk settings, metrics and a websocket event stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"signal-core/internal/engine"
	"signal-core/internal/monitor"
)

// Options tunes the HTTP surface.
type Options struct {
	JWTSecret      string
	RateLimit      float64 // requests per second per IP
	RateBurst      int
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (o *Options) defaults() {
	if o.RateLimit <= 0 {
		o.RateLimit = 20
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 50
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 16 << 10
	}
}

// Server wires HTTP endpoints around the engine.
type Server struct {
	Router *gin.Engine
	Engine engine.Service
	Log    *zap.Logger

	opts     Options
	limiters *ipLimiters
}

func NewServer(eng engine.Service, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts.defaults()

	r := gin.New()
	s := &Server{
		Router:   r,
		Engine:   eng,
		Log:      log,
		opts:     opts,
		limiters: newIPLimiters(opts.RateLimit, opts.RateBurst),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                       // Panic recovery (first)
	r.Use(RequestIDMiddleware())                // Request ID tracking
	r.Use(RequestLogger(log))                   // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limiters, log)) // Rate limiting
	r.Use(CORSMiddleware())                     // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(monitor.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("")
	api.Use(TimeoutMiddleware(s.opts.RequestTimeout))
	{
		api.POST("/trade_signal", s.tradeSignal)
		api.GET("/account_details", s.accountDetails)
		api.GET("/open_trades", s.openTrades)
		api.GET("/current_signals", s.currentSignals)
		api.GET("/pnl_history", s.pnlHistory)
		api.GET("/risk", s.getRisk)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.opts.JWTSecret))
		{
			protected.PUT("/risk", s.updateRisk)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "system": s.Engine.Status()})
}

// StartLimiterCleanup clears the per-IP buckets every interval.
func (s *Server) StartLimiterCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiters.reset()
			}
		}
	}()
}
