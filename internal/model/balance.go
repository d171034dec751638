package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CustomerAccountBalance 客户账户余额表
// 按 (customer_id, currency) 维度物化的余额投影，是流水表的派生数据
//
// 余额必须始终等于该客户该币种下所有 COMPLETED 流水的
// Σ CREDIT 金额 − Σ DEBIT 金额，对账任务依赖这条不变式
type CustomerAccountBalance struct {
	ID                       int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	CustomerID               int64           `gorm:"not null;uniqueIndex:uk_customer_currency,priority:1" json:"customer_id"`
	Currency                 string          `gorm:"type:varchar(3);not null;uniqueIndex:uk_customer_currency,priority:2" json:"currency"`
	Balance                  decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"balance"`
	LastAppliedTransactionNo string          `gorm:"type:varchar(64)" json:"last_applied_transaction_no"` // 最近一笔应用到余额的流水号
	Version                  int64           `gorm:"not null;default:0" json:"version"`                   // 每次余额变更自增，审计用
	CreatedAt                time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (CustomerAccountBalance) TableName() string {
	return "customer_account_balance"
}
