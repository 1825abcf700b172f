package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// RouterOptions 路由配置
type RouterOptions struct {
	Mode         string
	AllowOrigins []string
	Log          *slog.Logger
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, opts RouterOptions) *gin.Engine {
	if opts.Mode != "" {
		gin.SetMode(opts.Mode)
	}

	r := gin.New()

	// 注册中间件
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(opts.Log))
	r.Use(LoggerMiddleware(opts.Log))
	r.Use(cors.New(corsConfig(opts.AllowOrigins)))

	// 支付相关
	payment := r.Group("/payment")
	{
		// 网关回调，不需要登录
		payment.POST("/callback", h.PaymentCallback)
		payment.GET("/callback", h.PaymentReturn)
		payment.GET("/result", h.PaymentResult)

		user := payment.Group("", CurrentUser())
		user.POST("/create", h.CreatePayment)
		user.GET("/list", h.ListPayments)
		user.GET("/:transactionId", h.GetPayment)
	}

	// 会员相关
	membership := r.Group("/membership")
	{
		membership.GET("/plans", h.ListPlans)

		user := membership.Group("", CurrentUser())
		user.GET("/status", h.MembershipStatus)
		user.GET("/access", RequireMembership(h.entitlements, opts.Log), h.MembershipAccess)
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", HeaderUserID, HeaderRequestID},
		ExposeHeaders: []string{HeaderRequestID},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
