package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ============================================================================
// 支付状态
// ============================================================================

const (
	PaymentStatusPending   = "PENDING"
	PaymentStatusCompleted = "COMPLETED"
	PaymentStatusFailed    = "FAILED"
	PaymentStatusCancelled = "CANCELLED"
	PaymentStatusRefunded  = "REFUNDED"
)

// ValidPaymentTransitions 支付状态机
//
// 【关键点】COMPLETED 对回调来说是终态：
//   - 回调只能把 PENDING 推进到 COMPLETED / FAILED / CANCELLED
//   - FAILED 与 CANCELLED 之间后到者覆盖（网关乱序），也允许迟到的 COMPLETED
//   - REFUNDED 只能由管理端从 COMPLETED 发起
var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending:   {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusFailed:    {PaymentStatusCancelled, PaymentStatusCompleted},
	PaymentStatusCancelled: {PaymentStatusFailed, PaymentStatusCompleted},
	PaymentStatusCompleted: {PaymentStatusRefunded},
}

func CanTransitionPayment(currentStatus, targetStatus string) bool {
	for _, s := range ValidPaymentTransitions[currentStatus] {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// NormalizePaymentStatus 大小写不敏感地解析状态字符串，无法识别时返回 false
func NormalizePaymentStatus(raw string) (string, bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusCancelled, PaymentStatusRefunded:
		return s, true
	}
	return "", false
}

// IsTerminalFailure FAILED / CANCELLED
func IsTerminalFailure(status string) bool {
	return status == PaymentStatusFailed || status == PaymentStatusCancelled
}

// ============================================================================
// 支付方式
// ============================================================================

const (
	PaymentMethodAlipay     = "ALIPAY"
	PaymentMethodWechat     = "WECHAT"
	PaymentMethodVisa       = "VISA"
	PaymentMethodMastercard = "MASTERCARD"
	PaymentMethodPaypal     = "PAYPAL"
)

func NormalizePaymentMethod(raw string) (string, bool) {
	m := strings.ToUpper(strings.TrimSpace(raw))
	switch m {
	case PaymentMethodAlipay, PaymentMethodWechat, PaymentMethodVisa,
		PaymentMethodMastercard, PaymentMethodPaypal:
		return m, true
	}
	return "", false
}

// PaymentRecord 支付流水
// 每一次购买尝试一条记录，transaction_id 由本系统生成并回传给网关，是回调幂等的依据
//
// 【重要】只追加、不删除；状态变化只能走 repository 的条件更新
type PaymentRecord struct {
	ID                 int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionID      string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transactionId"`
	UserID             string          `gorm:"type:varchar(64);index;not null" json:"userId"`
	MembershipPlanID   *string         `gorm:"type:varchar(64)" json:"membershipPlanId"` // 可为空：不关联套餐的支付
	Amount             decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"amount"`
	Currency           string          `gorm:"type:varchar(8);not null" json:"currency"`
	Method             string          `gorm:"type:varchar(20);not null" json:"method"`
	Status             string          `gorm:"type:varchar(20);index;not null" json:"status"`
	RawCallbackPayload datatypes.JSON  `json:"rawCallbackPayload,omitempty"` // 网关原始回调，只存不解析
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (PaymentRecord) TableName() string {
	return "payment_record"
}

// PlanID 未关联套餐时返回空串
func (p *PaymentRecord) PlanID() string {
	if p.MembershipPlanID == nil {
		return ""
	}
	return *p.MembershipPlanID
}
