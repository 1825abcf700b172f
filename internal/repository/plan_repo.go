package repository

import (
	"context"
	"errors"

	"visabilling/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrPlanNotFound = errors.New("会员套餐不存在")

type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// GetByID 不过滤 active，已下架的套餐也要能查到（历史订单对账需要）
func (r *PlanRepository) GetByID(ctx context.Context, id string) (*model.MembershipPlan, error) {
	var plan model.MembershipPlan
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	return &plan, nil
}

func (r *PlanRepository) ListActive(ctx context.Context) ([]*model.MembershipPlan, error) {
	var plans []*model.MembershipPlan
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("price ASC").
		Find(&plans).Error
	return plans, err
}

// Upsert 按主键插入或覆盖，用于初始化套餐数据
func (r *PlanRepository) Upsert(ctx context.Context, plan *model.MembershipPlan) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "price", "currency", "duration_days", "features", "active"}),
		}).
		Create(plan).Error
}
