package repository

import (
	"context"
	"errors"

	"visabilling/internal/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrPaymentNotFound       = errors.New("支付记录不存在")
	ErrPaymentStatusInvalid  = errors.New("支付状态流转不合法")
	ErrPaymentStatusConflict = errors.New("支付状态已被并发修改")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.PaymentRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByTransactionID(ctx context.Context, tx *gorm.DB, transactionID string) (*model.PaymentRecord, error) {
	if tx == nil {
		tx = r.db
	}
	var payment model.PaymentRecord
	err := tx.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// GetByTransactionIDForUpdate 加行锁读取，只能在事务内调用
func (r *PaymentRepository) GetByTransactionIDForUpdate(ctx context.Context, tx *gorm.DB, transactionID string) (*model.PaymentRecord, error) {
	var payment model.PaymentRecord
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", transactionID).
		First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

// UpdateStatus 条件更新：只有当前状态仍是 fromStatus 时才会更新
//
// 【关键点】RowsAffected == 0 说明在读取之后状态已被别的事务改掉，返回 ErrPaymentStatusConflict，
// 上层重新读取最新状态后重试。payload 为空时保留原有的回调报文。
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, transactionID, fromStatus, toStatus string, payload datatypes.JSON) error {
	if !model.CanTransitionPayment(fromStatus, toStatus) {
		return ErrPaymentStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if len(payload) > 0 {
		updates["raw_callback_payload"] = payload
	}

	result := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("transaction_id = ? AND status = ?", transactionID, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPaymentStatusConflict
	}

	return nil
}

// AttachPayload 只更新回调报文，不改状态（PENDING 状态收到 PENDING 通知时使用）
func (r *PaymentRepository) AttachPayload(ctx context.Context, tx *gorm.DB, transactionID, status string, payload datatypes.JSON) error {
	if tx == nil {
		tx = r.db
	}
	result := tx.WithContext(ctx).
		Model(&model.PaymentRecord{}).
		Where("transaction_id = ? AND status = ?", transactionID, status).
		Update("raw_callback_payload", payload)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPaymentStatusConflict
	}
	return nil
}

func (r *PaymentRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.PaymentRecord, int64, error) {
	var payments []*model.PaymentRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.PaymentRecord{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payments).Error

	return payments, total, err
}
