package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wenwu/saas-platform/vpn-core/internal/config"
)

type Server struct {
	router  *gin.Engine
	handler *Handler
	cfg     *config.Config
}

// 控制台速率限制: 每用户每分钟最多 60 次请求
var consoleRateLimiter = NewRateLimiter(60, time.Minute)

// 订阅创建速率限制: 每用户每小时最多 30 次
var createRateLimiter = NewRateLimiter(30, time.Hour)

func NewServer(cfg *config.Config, handler *Handler) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Global middleware
	router.Use(gin.Recovery())
	router.Use(gin.Logger())

	s := &Server{
		router:  router,
		handler: handler,
		cfg:     cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "vpn-core",
		})
	})

	// Console API - requires JWT authentication
	api := s.router.Group("/api/v1")
	api.Use(JWTAuthMiddleware(s.cfg.JWT.SecretKey))
	api.Use(RateLimitMiddleware(consoleRateLimiter))
	{
		// Dashboard aggregates
		api.GET("/stats", s.handler.GetStats)
		api.GET("/stats/chart", s.handler.GetStatsChart)
		api.GET("/stats/platforms", s.handler.GetStatsPlatforms)
		api.GET("/stats/performance", s.handler.GetStatsPerformance)
		api.GET("/stats/flyer", s.handler.GetStatsFlyer)

		// Node Registry
		api.GET("/nodes", s.handler.ListNodes)
		api.POST("/nodes", s.handler.CreateNode)
		api.DELETE("/nodes/:id", s.handler.DeleteNode)
		api.POST("/nodes/:id/reconnect", s.handler.ReconnectNode)

		// Subscription Manager
		api.GET("/vpn/subscriptions", s.handler.ListSubscriptions)
		api.GET("/vpn/subscriptions/:id", s.handler.GetSubscription)
		api.POST("/vpn/subscriptions/create", RateLimitMiddleware(createRateLimiter), s.handler.CreateSubscription)
		api.POST("/vpn/subscriptions/:id/extend", s.handler.ExtendSubscription)
		api.POST("/vpn/subscriptions/:id/disable", s.handler.DisableSubscription)
		api.GET("/vpn/stats", s.handler.GetVPNStats)
		api.GET("/vpn/users/:telegram_id", s.handler.GetUserProfile)
		api.GET("/vpn/payments", s.handler.ListPayments)

		// Promo Ledger
		api.GET("/promo/stats", s.handler.GetPromoStats)
		api.GET("/promo/batches", s.handler.ListPromoBatches)
		api.GET("/promo/codes", s.handler.ListPromoCodes)
		api.POST("/promo/generate", s.handler.GeneratePromo)
		api.DELETE("/promo/batch/:id", s.handler.RevokePromoBatch)
		api.DELETE("/promo/code/:code", s.handler.RevokePromoCode)
	}

	// Internal API - called by the bot and the data-plane usage reporter
	internal := s.router.Group("/api/internal")
	internal.Use(InternalAuthMiddleware(s.cfg.InternalSecret))
	{
		internal.POST("/subscriptions/create", s.handler.CreateSubscription)
		internal.POST("/promo/redeem", s.handler.RedeemPromo)
		internal.POST("/usage/report", s.handler.ReportUsage)
		internal.POST("/usage/:id/reset", s.handler.ResetUsage)
	}
}

// Engine exposes the underlying gin engine for serving and for tests
func (s *Server) Engine() *gin.Engine {
	return s.router
}

func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}
