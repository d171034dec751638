package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易类型 / 方向 / 渠道 / 对手账户常量
// ============================================================================

const (
	TransactionTypePayment           = "PAYMENT"            // 支付结算
	TransactionTypeRefund            = "REFUND"             // 退款
	TransactionTypeLoyaltyGrant      = "LOYALTY_GRANT"      // 积分发放
	TransactionTypeLoyaltyRedemption = "LOYALTY_REDEMPTION" // 积分核销
	TransactionTypeAdjustment        = "ADJUSTMENT"         // 人工调整
)

const (
	DirectionCredit = "CREDIT" // 入账，余额增加
	DirectionDebit  = "DEBIT"  // 出账，余额减少
)

const (
	ChannelManual  = "MANUAL"  // 管理后台人工操作
	ChannelOrder   = "ORDER"   // 订单系统触发
	ChannelWebhook = "WEBHOOK" // 外部回调触发
	ChannelSystem  = "SYSTEM"  // 系统内部任务触发
)

const (
	CounterAccountCustomerWallet  = "CUSTOMER_WALLET"  // 客户钱包
	CounterAccountMerchantRevenue = "MERCHANT_REVENUE" // 商户收入
	CounterAccountLoyaltyPool     = "LOYALTY_POOL"     // 积分池
)

// ============================================================================
// 交易状态与状态机
// ============================================================================

const (
	TransactionStatusPending   = "PENDING"   // 初始状态，已落库未生效
	TransactionStatusCompleted = "COMPLETED" // 已生效，余额已应用（仅可再冲正）
	TransactionStatusFailed    = "FAILED"    // 校验失败，余额未动（终态）
	TransactionStatusReversed  = "REVERSED"  // 已被冲正（终态）
)

// ValidStatusTransitions 合法的状态流转表
//
// PENDING 是唯一初始状态；COMPLETED 只能再流转到 REVERSED；
// FAILED 和 REVERSED 是绝对终态，表外的任何流转都是非法的。
var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending:   {TransactionStatusCompleted, TransactionStatusFailed},
	TransactionStatusCompleted: {TransactionStatusReversed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// ============================================================================
// 客户流水实体
// ============================================================================

// CustomerTransaction 客户交易流水表
// 记录客户账户的每一笔资金/积分变动，是对账的唯一事实来源
//
// 【重要】流水表设计原则：
// 1. 只追加 —— COMPLETED/REVERSED 之后金额、方向、币种、对手账户永不变更
// 2. 金额恒为正数，收支由 direction 表达，不用符号表达
// 3. (customer_id, type, reference_id) 唯一索引承担幂等去重
// 4. 修正历史只能新增反向流水（冲正），原流水标记 REVERSED，不删除
type CustomerTransaction struct {
	ID                int64             `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo     string            `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`                       // 流水号（全局唯一）
	CustomerID        int64             `gorm:"not null;uniqueIndex:uk_customer_type_ref,priority:1;index" json:"customer_id"`     // 客户ID
	Type              string            `gorm:"type:varchar(32);not null;uniqueIndex:uk_customer_type_ref,priority:2" json:"type"` // 交易类型
	Direction         string            `gorm:"type:varchar(10);not null" json:"direction"`                                        // CREDIT / DEBIT
	Amount            decimal.Decimal   `gorm:"type:decimal(20,4);not null" json:"amount"`                                         // 金额，恒为正
	Currency          string            `gorm:"type:varchar(3);not null;index" json:"currency"`                                    // ISO-4217 币种
	Status            string            `gorm:"type:varchar(20);index;not null" json:"status"`                                     // 状态
	Channel           string            `gorm:"type:varchar(20);not null" json:"channel"`                                          // 来源渠道
	CounterAccount    string            `gorm:"type:varchar(32);not null" json:"counter_account"`                                  // 对手账户分类
	ReferenceID       *string           `gorm:"type:varchar(64);uniqueIndex:uk_customer_type_ref,priority:3" json:"reference_id"`  // 幂等键，可空
	RelatedEntityType string            `gorm:"type:varchar(32)" json:"related_entity_type,omitempty"`                             // 关联实体类型
	RelatedEntityID   string            `gorm:"type:varchar(64);index" json:"related_entity_id,omitempty"`                         // 关联实体ID
	Description       string            `gorm:"type:varchar(256)" json:"description,omitempty"`                                    // 备注
	Metadata          map[string]string `gorm:"serializer:json;type:text" json:"metadata,omitempty"`                               // 扩展信息
	FailureReason     string            `gorm:"type:varchar(256)" json:"failure_reason,omitempty"`                                 // 失败原因
	OperatorID        string            `gorm:"type:varchar(64);not null" json:"operator_id"`                                      // 操作人（审计）
	BalanceBefore     decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"balance_before"`                       // 生效前余额
	BalanceAfter      decimal.Decimal   `gorm:"type:decimal(20,4);not null;default:0" json:"balance_after"`                        // 生效后余额
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`                                                            // 终态时间
	CreatedAt         time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
}

func (CustomerTransaction) TableName() string {
	return "customer_transaction"
}

// SignedDelta 该笔流水对余额的影响：CREDIT 为 +amount，DEBIT 为 -amount
func (t *CustomerTransaction) SignedDelta() decimal.Decimal {
	if t.Direction == DirectionDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// OppositeDirection 冲正流水使用的反方向
func OppositeDirection(direction string) string {
	if direction == DirectionCredit {
		return DirectionDebit
	}
	return DirectionCredit
}
