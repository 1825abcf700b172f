package service

import (
	"errors"
	"fmt"
)

// ============================================================================
// 错误分类
// ============================================================================
//
//   ValidationError        入参不合法，调用方不应重试
//   ErrUnknownTransaction  交易号不是本系统生成的，调用方不应重试
//   ReconciliationFailed   数据库并发冲突重试耗尽，原样重发同一个回调是安全的
//
// "已处理过" 不是错误：Result.AlreadyProcessed = true
//
// ============================================================================

var (
	ErrUnknownTransaction   = errors.New("未知的交易号")
	ErrReconciliationFailed = errors.New("支付对账失败，请稍后重试")
)

// ValidationError 参数校验错误
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数错误: %s %s", e.Field, e.Reason)
}

func newValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError 判断是否为参数校验错误
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ReconciliationFailedError 重试耗尽，支付记录保持变更前的状态
type ReconciliationFailedError struct {
	TransactionID string
	Attempts      int
	Err           error
}

func (e *ReconciliationFailedError) Error() string {
	return fmt.Sprintf("%s: transactionId=%s, attempts=%d, err=%v",
		ErrReconciliationFailed.Error(), e.TransactionID, e.Attempts, e.Err)
}

func (e *ReconciliationFailedError) Unwrap() error {
	return e.Err
}

func (e *ReconciliationFailedError) Is(target error) bool {
	return target == ErrReconciliationFailed
}
