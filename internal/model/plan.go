package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// MembershipPlan 会员套餐（参考数据，对账流程只读）
type MembershipPlan struct {
	ID           string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name         string          `gorm:"type:varchar(128);not null" json:"name"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Currency     string          `gorm:"type:varchar(8);not null" json:"currency"`
	DurationDays int             `gorm:"not null" json:"durationDays"`
	Features     datatypes.JSON  `json:"features,omitempty"`
	Active       bool            `gorm:"not null" json:"active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (MembershipPlan) TableName() string {
	return "membership_plan"
}

// Duration 套餐时长
func (p *MembershipPlan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// FeatureList 解析 features 字段，格式不对时返回 nil
func (p *MembershipPlan) FeatureList() []string {
	if len(p.Features) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(p.Features, &list); err != nil {
		return nil
	}
	return list
}
