package repository

import (
	"context"
	"errors"

	"visabilling/internal/model"

	"gorm.io/gorm"
)

// ErrOutboxStatusConflict 消息状态已不是预期的状态（例如已被别的投递者标记）
var ErrOutboxStatusConflict = errors.New("消息状态已变更")

// OutboxRepository 本地消息表
//
// 写入跟随业务事务（传入 tx），投递侧的状态变更都带上当前状态作为条件
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 在调用方事务中写入消息
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		tx = r.db
	}
	if msg.Status == "" {
		msg.Status = model.OutboxStatusPending
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// GetPendingMessages 按写入顺序取待发送消息，同一笔交易的事件按顺序投递
func (r *OutboxRepository) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return r.listByStatus(ctx, model.OutboxStatusPending, limit)
}

func (r *OutboxRepository) GetFailedMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	return r.listByStatus(ctx, model.OutboxStatusFailed, limit)
}

// MarkAsSent PENDING -> SENT
func (r *OutboxRepository) MarkAsSent(ctx context.Context, id int64) error {
	return r.transition(ctx, id, model.OutboxStatusPending, map[string]interface{}{
		"status": model.OutboxStatusSent,
	})
}

// IncrementRetryCount 投递失败，留在 PENDING 等下一轮
func (r *OutboxRepository) IncrementRetryCount(ctx context.Context, id int64) error {
	return r.transition(ctx, id, model.OutboxStatusPending, map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

// MarkAsFailed 最后一次投递失败，PENDING -> FAILED
func (r *OutboxRepository) MarkAsFailed(ctx context.Context, id int64) error {
	return r.transition(ctx, id, model.OutboxStatusPending, map[string]interface{}{
		"status":      model.OutboxStatusFailed,
		"retry_count": gorm.Expr("retry_count + 1"),
	})
}

// Requeue 把失败的消息重新放回待发送队列，重试次数清零
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	return r.transition(ctx, id, model.OutboxStatusFailed, map[string]interface{}{
		"status":      model.OutboxStatusPending,
		"retry_count": 0,
	})
}

func (r *OutboxRepository) listByStatus(ctx context.Context, status string, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *OutboxRepository) transition(ctx context.Context, id int64, fromStatus string, updates map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrOutboxStatusConflict
	}
	return nil
}
