package service

import (
	"strings"

	"visabilling/internal/model"
)

const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeCancelled = "cancelled"
	OutcomePending   = "pending"
)

// ResultView 支付结果页展示的内容
type ResultView struct {
	Outcome       string `json:"outcome"`
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
	RetryAllowed  bool   `json:"retryAllowed"`
	Message       string `json:"message"`
}

// BuildResultView 根据跳转参数生成结果页
//
// errKind 是同步跳转对账失败时附带的错误类型，非空时一律提示联系客服
func BuildResultView(transactionID, status, errKind string) *ResultView {
	view := &ResultView{TransactionID: transactionID}

	normalized, ok := model.NormalizePaymentStatus(status)
	if ok {
		view.Status = normalized
	} else {
		view.Status = strings.ToUpper(strings.TrimSpace(status))
	}

	if errKind != "" || !ok {
		view.Outcome = OutcomeFailure
		view.Message = "支付结果处理异常，请联系客服并提供交易号"
		return view
	}

	switch normalized {
	case model.PaymentStatusCompleted:
		view.Outcome = OutcomeSuccess
		view.Message = "支付成功，会员权益已生效"
	case model.PaymentStatusFailed:
		view.Outcome = OutcomeFailure
		view.RetryAllowed = true
		view.Message = "支付失败，请重新支付"
	case model.PaymentStatusCancelled:
		view.Outcome = OutcomeCancelled
		view.Message = "支付已取消，可返回套餐页重新选择"
	case model.PaymentStatusPending:
		view.Outcome = OutcomePending
		view.Message = "支付处理中，请稍后刷新"
	default:
		view.Outcome = OutcomeFailure
		view.Message = "支付结果处理异常，请联系客服并提供交易号"
	}
	return view
}
