package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"visabilling/internal/model"
	"visabilling/internal/service"
	"visabilling/pkg/logger"
	"visabilling/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	ledger       *service.LedgerService
	reconciler   *service.Reconciler
	entitlements *service.EntitlementService
	catalog      service.PlanCatalog
	resultURL    string
	log          *slog.Logger
}

// Services 处理器依赖的服务
type Services struct {
	Ledger       *service.LedgerService
	Reconciler   *service.Reconciler
	Entitlements *service.EntitlementService
	Catalog      service.PlanCatalog
}

// NewHandler 创建处理器实例
func NewHandler(svc Services, resultURL string, log *slog.Logger) *Handler {
	return &Handler{
		ledger:       svc.Ledger,
		reconciler:   svc.Reconciler,
		entitlements: svc.Entitlements,
		catalog:      svc.Catalog,
		resultURL:    resultURL,
		log:          log,
	}
}

// ============================================================
// 支付回调
// ============================================================

// CallbackRequest 网关异步通知
type CallbackRequest struct {
	TransactionID string          `json:"transactionId" binding:"required"`
	Status        string          `json:"status" binding:"required"`
	PaymentData   json.RawMessage `json:"paymentData"`
}

// PaymentCallback 网关异步通知
// POST /payment/callback
//
// 【关键点】网关会重复投递，同一笔交易重复通知返回 200 且 alreadyProcessed = true，
// 只有 5xx 时网关才需要重发
func (h *Handler) PaymentCallback(c *gin.Context) {
	var req CallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), service.Callback{
		TransactionID: req.TransactionID,
		Status:        req.Status,
		Payload:       req.PaymentData,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"success":          true,
		"payment":          result.Payment,
		"membership":       result.Membership,
		"alreadyProcessed": result.AlreadyProcessed,
	})
}

// PaymentReturn 用户支付完成后浏览器被网关重定向回来
// GET /payment/callback?transaction_id=xxx&status=xxx&payment_id=xxx
//
// 与异步通知走同一个对账流程，处理完后把浏览器重定向到结果页，网关参数原样带上，
// status 以对账后库里的状态为准；对账失败或异常交易时追加 error 参数，结果页据此提示联系客服
func (h *Handler) PaymentReturn(c *gin.Context) {
	query := c.Request.URL.Query()

	cb := service.Callback{
		TransactionID: query.Get("transaction_id"),
		Status:        query.Get("status"),
	}
	if paymentID := query.Get("payment_id"); paymentID != "" {
		payload, _ := json.Marshal(map[string]string{"paymentId": paymentID})
		cb.Payload = payload
	}

	result, err := h.reconciler.Reconcile(c.Request.Context(), cb)
	if err != nil {
		h.logError(c, err)
		query.Set("error", errorKind(err))
	} else {
		applyStoredOutcome(query, result)
	}

	c.Redirect(http.StatusFound, h.buildResultURL(query))
}

// applyStoredOutcome 结果页以库里的状态为准
//
// 重复回调不会改变状态（例如已 COMPLETED 后又跳转回 status=failed），此时把 status 换成库里的状态；
// 失败/取消之后又被改写的异常交易追加 error，结果页提示联系客服而不是重新支付
func applyStoredOutcome(query url.Values, result *service.Result) {
	if result == nil || result.Payment == nil {
		return
	}
	if result.Anomaly {
		query.Set("error", response.KindPaymentAnomaly)
	}
	if reported, ok := model.NormalizePaymentStatus(query.Get("status")); !ok || reported != result.Payment.Status {
		query.Set("status", result.Payment.Status)
	}
}

func (h *Handler) buildResultURL(params url.Values) string {
	u, err := url.Parse(h.resultURL)
	if err != nil {
		return h.resultURL + "?" + params.Encode()
	}
	merged := u.Query()
	for k, vs := range params {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()
	return u.String()
}

// PaymentResult 结果页数据
// GET /payment/result?transaction_id=xxx&status=xxx&error=xxx
//
// 没有带 status 时按交易号查询当前状态
func (h *Handler) PaymentResult(c *gin.Context) {
	transactionID := c.Query("transaction_id")
	status := c.Query("status")
	errKind := c.Query("error")

	if status == "" && transactionID != "" && errKind == "" {
		payment, err := h.ledger.FindByTransactionID(c.Request.Context(), transactionID)
		if err != nil {
			h.logError(c, err)
			errKind = errorKind(err)
		} else {
			status = payment.Status
		}
	}

	response.Success(c, service.BuildResultView(transactionID, status, errKind))
}

// ============================================================
// 支付流水
// ============================================================

// CreatePaymentRequest 创建支付请求
type CreatePaymentRequest struct {
	PlanID   *string         `json:"planId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Method   string          `json:"method" binding:"required"`
}

// CreatePayment 创建待支付流水，返回的交易号交给网关，回调时原样带回
// POST /payment/create
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	transactionID, err := h.ledger.CreatePending(c.Request.Context(), &service.CreatePendingRequest{
		UserID:   UserID(c),
		PlanID:   req.PlanID,
		Amount:   req.Amount,
		Currency: req.Currency,
		Method:   req.Method,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"transactionId": transactionID,
		"status":        model.PaymentStatusPending,
	})
}

// GetPayment 查询支付详情，只能查自己的
// GET /payment/:transactionId
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.ledger.FindForUser(c.Request.Context(), UserID(c), c.Param("transactionId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, payment)
}

// ListPayments 当前用户的支付流水
// GET /payment/list?page=1&page_size=20
func (h *Handler) ListPayments(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	payments, total, err := h.ledger.ListUserPayments(c.Request.Context(), UserID(c), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}

	response.Success(c, gin.H{
		"list":      payments,
		"total":     total,
		"page":      page,
		"page_size": pageSize,
	})
}

// ============================================================
// 会员
// ============================================================

// MembershipStatus 当前用户的会员状态
// GET /membership/status
func (h *Handler) MembershipStatus(c *gin.Context) {
	ent, err := h.entitlements.IsActiveMember(c.Request.Context(), UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, ent)
}

// MembershipAccess 供内容服务做访问校验，能走到这里说明已经通过 RequireMembership
// GET /membership/access
func (h *Handler) MembershipAccess(c *gin.Context) {
	response.Success(c, gin.H{"userId": UserID(c), "allowed": true})
}

// ListPlans 在售套餐
// GET /membership/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.catalog.ListActivePlans(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, gin.H{"list": plans})
}

// ============================================================
// 错误映射
// ============================================================

func errorKind(err error) string {
	switch {
	case service.IsValidationError(err):
		return response.KindInvalidRequest
	case errors.Is(err, service.ErrUnknownTransaction):
		return response.KindUnknownTransaction
	case errors.Is(err, service.ErrReconciliationFailed):
		return response.KindReconciliationFailed
	default:
		return response.KindInternal
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	kind := errorKind(err)
	switch kind {
	case response.KindInvalidRequest:
		response.ParamError(c, err.Error())
	case response.KindUnknownTransaction:
		response.NotFound(c, kind, service.ErrUnknownTransaction.Error())
	case response.KindReconciliationFailed:
		h.logError(c, err)
		response.ServerError(c, kind, service.ErrReconciliationFailed.Error())
	default:
		h.logError(c, err)
		response.ServerError(c, kind, "服务器内部错误")
	}
}

func (h *Handler) logError(c *gin.Context, err error) {
	h.log.ErrorContext(c.Request.Context(), "请求处理失败",
		slog.String("path", c.Request.URL.Path),
		slog.String("error_kind", errorKind(err)),
		logger.Error(err),
	)
}
