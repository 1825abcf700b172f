package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"visabilling/internal/model"
	"visabilling/internal/repository"

	"gorm.io/gorm"
)

// Entitlement 用户当前的会员权益
type Entitlement struct {
	IsMember    bool                    `json:"isMember"`
	Memberships []*model.UserMembership `json:"memberships"`
}

// PlanIDs 有效会员对应的套餐
func (e *Entitlement) PlanIDs() []string {
	ids := make([]string, 0, len(e.Memberships))
	for _, m := range e.Memberships {
		ids = append(ids, m.MembershipPlanID)
	}
	return ids
}

// EntitlementService 会员权益查询，只读
//
// 过期不依赖任何定时任务：end_date 到了就自然不再有效
type EntitlementService struct {
	membershipRepo *repository.MembershipRepository
	now            func() time.Time
}

func NewEntitlementService(db *gorm.DB) *EntitlementService {
	return &EntitlementService{
		membershipRepo: repository.NewMembershipRepository(db),
		now:            time.Now,
	}
}

// SetClock 替换时间来源
func (s *EntitlementService) SetClock(now func() time.Time) {
	s.now = now
}

// IsActiveMember 查询 status = ACTIVE 且 end_date > now 的会员记录
func (s *EntitlementService) IsActiveMember(ctx context.Context, userID string) (*Entitlement, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, newValidationError("userId", "不能为空")
	}

	list, err := s.membershipRepo.ListActiveByUserID(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("查询会员记录失败: %w", err)
	}
	if list == nil {
		list = []*model.UserMembership{}
	}
	return &Entitlement{IsMember: len(list) > 0, Memberships: list}, nil
}

// HasPlan 是否持有任一指定套餐的有效会员；planIDs 为空时任意套餐都算
func (s *EntitlementService) HasPlan(ctx context.Context, userID string, planIDs ...string) (bool, error) {
	ent, err := s.IsActiveMember(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(planIDs) == 0 {
		return ent.IsMember, nil
	}
	for _, m := range ent.Memberships {
		for _, id := range planIDs {
			if m.MembershipPlanID == id {
				return true, nil
			}
		}
	}
	return false, nil
}
