package model

import (
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

// 账本事件类型，写入 outbox 的 payload 中供下游（通知、风控、报表）消费
const (
	LedgerEventCompleted = "transaction.completed"
	LedgerEventFailed    = "transaction.failed"
	LedgerEventReversed  = "transaction.reversed"
)

// OutboxMessage 事务性发件箱
// 账本事件与流水在同一个数据库事务中落库，由后台任务异步投递到 Kafka，
// 保证"本地事务成功 <=> 事件最终可达"
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
