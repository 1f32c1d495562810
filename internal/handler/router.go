package handler

import (
	"time"

	"github.com/gin-gonic/gin"

	"shop/internal/config"
	"shop/internal/middleware"
	"shop/internal/monitor"
	shopredis "shop/internal/redis"
	"shop/internal/utils"
	"shop/pkg/degrade"
	"shop/pkg/limiter"
)

// RouterDeps collects what NewRouter mounts. Nil handlers and optional
// components are skipped, so each service binary mounts only its own routes.
type RouterDeps struct {
	Orders        *OrderHandler
	Notifications *NotificationHandler
	Rewards       *RewardHandler
	Health        *HealthHandler

	TokenValidator middleware.TokenValidator
	Limiter        limiter.RateLimiter
	Idempotency    *shopredis.IdempotencyStore
	Degrade        *degrade.DegradeManager
	Metrics        *monitor.MetricsCollector
	MetricsPath    string
	Tracer         *monitor.Tracer
	Security       config.SecurityConfig
	RequestTimeout time.Duration
}

// NewRouter builds the gin engine with the shared middleware chain.
func NewRouter(deps RouterDeps) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Recovery())
	if deps.Tracer != nil {
		router.Use(deps.Tracer.GinMiddleware())
	}
	router.Use(middleware.Logger(deps.Metrics))
	if deps.Security.CORS.Enabled {
		router.Use(middleware.CORS(deps.Security))
	}

	if deps.Health != nil {
		router.GET("/health", deps.Health.Health)
		router.GET("/ping", deps.Health.Ping)
	}
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Orders == nil && deps.Notifications == nil && deps.Rewards == nil {
		return router
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.Timeout(deps.RequestTimeout))
	v1.Use(middleware.Auth(deps.TokenValidator))
	if deps.Limiter != nil {
		v1.Use(middleware.RateLimit(deps.Limiter, middleware.UserOrIPKey))
	}

	if h := deps.Orders; h != nil {
		orders := v1.Group("/orders")
		{
			orders.GET("", h.ListOrders)
			orders.GET("/:id", h.GetOrder)
			orders.POST("/:id/validate-payment", h.ValidatePayment)
			orders.PUT("/:id/status", middleware.RequireRole(utils.RoleAdmin), h.UpdateStatus)

			replayable := orders.Group("")
			if deps.Degrade != nil {
				replayable.Use(middleware.Degrade(deps.Degrade, FeatureCheckout))
			}
			if deps.Idempotency != nil {
				replayable.Use(middleware.Idempotency(deps.Idempotency))
			}
			replayable.POST("", h.CreateOrder)
			replayable.POST("/:id/payment-session", h.CreatePaymentSession)
		}
	}

	if h := deps.Notifications; h != nil {
		notifications := v1.Group("/notifications")
		if deps.Degrade != nil {
			notifications.Use(middleware.Degrade(deps.Degrade, FeatureNotifications))
		}
		{
			notifications.POST("/cart-email", h.EmailCart)
			notifications.POST("/user-registered", h.UserRegistered)
		}
	}

	if h := deps.Rewards; h != nil {
		rewards := v1.Group("/rewards")
		{
			rewards.GET("/me", h.Mine)
			rewards.GET("/users/:user_id", middleware.RequireRole(utils.RoleAdmin), h.ForUser)
		}
	}

	if deps.Degrade != nil {
		h := NewDegradeHandler(deps.Degrade)
		admin := v1.Group("/admin/degrade", middleware.RequireRole(utils.RoleAdmin))
		{
			admin.GET("", h.List)
			admin.PUT("/:feature", h.Enable)
			admin.DELETE("/:feature", h.Disable)
		}
	}

	return router
}
