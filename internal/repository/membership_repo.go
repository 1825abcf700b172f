package repository

import (
	"context"
	"errors"
	"time"

	"visabilling/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrMembershipConflict = errors.New("会员记录已被并发修改")

type MembershipRepository struct {
	db *gorm.DB
}

func NewMembershipRepository(db *gorm.DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// FindExtensionTargetForUpdate 查找 (user, plan) 当前有效的会员记录并加锁，没有时返回 nil, nil
// 有多条时取结束时间最晚的一条
func (r *MembershipRepository) FindExtensionTargetForUpdate(ctx context.Context, tx *gorm.DB, userID, planID string, now time.Time) (*model.UserMembership, error) {
	var m model.UserMembership
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND membership_plan_id = ? AND status = ? AND end_date > ?",
			userID, planID, model.MembershipStatusActive, now).
		Order("end_date DESC").
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ReleaseSlot 释放已失效记录占用的 slot_key，为新记录腾位置
func (r *MembershipRepository) ReleaseSlot(ctx context.Context, tx *gorm.DB, userID, planID string) error {
	return tx.WithContext(ctx).
		Model(&model.UserMembership{}).
		Where("slot_key = ?", model.MembershipSlotKey(userID, planID)).
		Update("slot_key", nil).Error
}

// Create 新建会员记录，并占用 (user, plan) 的 slot_key
// 并发首购时后插入的一方会触发唯一索引冲突
func (r *MembershipRepository) Create(ctx context.Context, tx *gorm.DB, m *model.UserMembership) error {
	if tx == nil {
		tx = r.db
	}
	key := model.MembershipSlotKey(m.UserID, m.MembershipPlanID)
	m.SlotKey = &key
	return tx.WithContext(ctx).Create(m).Error
}

// ExtendEndDate 续期，只对仍然 ACTIVE 的记录生效
func (r *MembershipRepository) ExtendEndDate(ctx context.Context, tx *gorm.DB, id int64, newEndDate time.Time) error {
	result := tx.WithContext(ctx).
		Model(&model.UserMembership{}).
		Where("id = ? AND status = ?", id, model.MembershipStatusActive).
		Update("end_date", newEndDate)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMembershipConflict
	}
	return nil
}

// ListActiveByUserID 用户当前有效的会员记录，纯读
func (r *MembershipRepository) ListActiveByUserID(ctx context.Context, userID string, now time.Time) ([]*model.UserMembership, error) {
	var list []*model.UserMembership
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND status = ? AND end_date > ?", userID, model.MembershipStatusActive, now).
		Order("end_date DESC").
		Find(&list).Error
	return list, err
}
