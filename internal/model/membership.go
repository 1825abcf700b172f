package model

import (
	"strconv"
	"time"
)

const (
	MembershipStatusActive    = "ACTIVE"
	MembershipStatusCancelled = "CANCELLED"
	MembershipStatusExpired   = "EXPIRED"
)

// UserMembership 用户会员授权
//
// 【设计说明】
// 是否有效由 status = ACTIVE 且 end_date > now 实时计算，不依赖定时任务回写 EXPIRED。
//
// slot_key = "<len(user_id)>:<user_id>:<plan_id>"，只有当前的续期目标行持有它（唯一索引，其余行为 NULL）。
// 两个首购回调并发插入时，后提交的一方会撞唯一索引，重试后走续期分支，
// 从而保证同一用户同一套餐不会出现两条有效记录。
type UserMembership struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID           string    `gorm:"type:varchar(64);not null;index:idx_user_plan,priority:1" json:"userId"`
	MembershipPlanID string    `gorm:"type:varchar(64);not null;index:idx_user_plan,priority:2" json:"membershipPlanId"`
	SlotKey          *string   `gorm:"type:varchar(160);uniqueIndex" json:"-"`
	StartDate        time.Time `gorm:"not null" json:"startDate"`
	EndDate          time.Time `gorm:"not null;index" json:"endDate"`
	Status           string    `gorm:"type:varchar(20);not null" json:"status"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (UserMembership) TableName() string {
	return "user_membership"
}

// IsEntitled 在 now 时刻是否有效
func (m *UserMembership) IsEntitled(now time.Time) bool {
	return m.Status == MembershipStatusActive && m.EndDate.After(now)
}

// MembershipSlotKey 续期目标行的唯一键
//
// 【关键点】带上 user_id 的长度：id 本身可能含 ":"，直接拼接时 ("a", "b:c") 与 ("a:b", "c") 会撞键
func MembershipSlotKey(userID, planID string) string {
	return strconv.Itoa(len(userID)) + ":" + userID + ":" + planID
}
