package handler

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"visabilling/internal/service"
	"visabilling/pkg/logger"
	"visabilling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	// HeaderUserID 由上游认证网关写入，本服务只读取不校验
	HeaderUserID = "X-User-ID"

	ctxKeyUserID = "visabilling.user_id"
)

var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// RequestIDMiddleware 透传或生成请求ID，并放进 request context 供日志使用
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if !requestIDPattern.MatchString(requestID) {
			requestID = uuid.New().String()
		}
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// LoggerMiddleware 访问日志
func LoggerMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		if query != "" {
			path = path + "?" + query
		}

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}

		log.Log(c.Request.Context(), level, "http request",
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
			slog.String("client_ip", c.ClientIP()),
			slog.String("method", c.Request.Method),
			slog.String("path", path),
		)
	}
}

// RecoveryMiddleware 恢复中间件，防止 panic 导致服务崩溃
func RecoveryMiddleware(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				log.ErrorContext(c.Request.Context(), "panic recovered",
					slog.String("panic", fmt.Sprint(rec)),
					slog.String("path", c.Request.URL.Path),
				)
				response.ServerError(c, response.KindInternal, "服务器内部错误")
			}
		}()
		c.Next()
	}
}

// CurrentUser 从认证网关写入的请求头读取当前用户，缺失时 401
func CurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			response.Unauthorized(c, "未登录")
			return
		}
		c.Set(ctxKeyUserID, userID)
		c.Next()
	}
}

// UserID 当前用户，必须在 CurrentUser 之后调用
func UserID(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

// RequireMembership 会员内容的路由守卫：不是有效会员时 403
//
// planIDs 为空表示任意套餐的会员都可以访问
func RequireMembership(entitlements *service.EntitlementService, log *slog.Logger, planIDs ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := UserID(c)
		if userID == "" {
			response.Unauthorized(c, "未登录")
			return
		}

		ok, err := entitlements.HasPlan(c.Request.Context(), userID, planIDs...)
		if err != nil {
			log.ErrorContext(c.Request.Context(), "查询会员权益失败",
				slog.String("user_id", userID),
				logger.Error(err),
			)
			response.ServerError(c, response.KindInternal, "查询会员权益失败")
			return
		}
		if !ok {
			response.Forbidden(c, "需要开通会员后访问")
			return
		}
		c.Next()
	}
}
