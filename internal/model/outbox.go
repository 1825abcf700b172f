package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// OutboxMessage 本地消息表
// 与支付状态变更写在同一个事务里，由 OutboxSender 异步投递到 Kafka
type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// PaymentEvent 投递到 payment_result topic 的消息体
//
// message key 是交易号（同一笔交易落在同一分区），event_id 每条消息唯一，供消费方去重
type PaymentEvent struct {
	EventID          string     `json:"event_id"`
	TransactionID    string     `json:"transaction_id"`
	UserID           string     `json:"user_id"`
	MembershipPlanID string     `json:"membership_plan_id,omitempty"`
	Status           string     `json:"status"`
	PreviousStatus   string     `json:"previous_status"`
	MembershipID     int64      `json:"membership_id,omitempty"`
	MembershipEndAt  *time.Time `json:"membership_end_at,omitempty"`
	Anomaly          bool       `json:"anomaly,omitempty"`
	OccurredAt       time.Time  `json:"occurred_at"`
}
