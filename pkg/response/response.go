package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// 错误类型，同时用于同步跳转时附加到结果页的 error 参数
const (
	KindInvalidRequest       = "invalid_request"
	KindUnauthorized         = "unauthorized"
	KindForbidden            = "forbidden"
	KindNotFound             = "not_found"
	KindUnknownTransaction   = "unknown_transaction"
	KindReconciliationFailed = "reconciliation_failed"
	KindPaymentAnomaly       = "payment_anomaly"
	KindInternal             = "internal"
)

// ErrorBody 错误响应，HTTP 状态码表达错误类别
type ErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func Error(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{
		Message: message,
		Error:   kind,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, KindInvalidRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, KindUnauthorized, message)
}

func Forbidden(c *gin.Context, message string) {
	Error(c, http.StatusForbidden, KindForbidden, message)
}

func NotFound(c *gin.Context, kind, message string) {
	Error(c, http.StatusNotFound, kind, message)
}

func ServerError(c *gin.Context, kind, message string) {
	Error(c, http.StatusInternalServerError, kind, message)
}
