package model

// ============================================================================
// 记账规则：交易类型 -> 合法方向/对手账户/透支策略
// ============================================================================
//
// 【说明】每种交易类型允许哪些方向、对应哪个对手账户、DEBIT 是否允许把
// 余额打成负数，属于业务配置而不是代码推断。此处给出平台默认规则，
// 作为入账前校验的唯一依据。

// PostingRule 单个 (type, direction) 组合的记账规则
type PostingRule struct {
	CounterAccount string // 该组合对应的对手账户
	AllowOverdraft bool   // DEBIT 时是否允许余额为负
}

// postingRules 默认规则表，key 为 交易类型 -> 方向
var postingRules = map[string]map[string]PostingRule{
	TransactionTypePayment: {
		// 客户余额支付订单，出账到商户收入
		DirectionDebit: {CounterAccount: CounterAccountMerchantRevenue, AllowOverdraft: false},
	},
	TransactionTypeRefund: {
		// 订单退款回到客户余额
		DirectionCredit: {CounterAccount: CounterAccountMerchantRevenue, AllowOverdraft: false},
	},
	TransactionTypeLoyaltyGrant: {
		DirectionCredit: {CounterAccount: CounterAccountLoyaltyPool, AllowOverdraft: false},
	},
	TransactionTypeLoyaltyRedemption: {
		DirectionDebit: {CounterAccount: CounterAccountLoyaltyPool, AllowOverdraft: false},
	},
	TransactionTypeAdjustment: {
		// 人工调整双向均可，允许把余额调成负数（例如追回已消费的错误入账）
		DirectionCredit: {CounterAccount: CounterAccountCustomerWallet, AllowOverdraft: true},
		DirectionDebit:  {CounterAccount: CounterAccountCustomerWallet, AllowOverdraft: true},
	},
}

// RuleFor 返回 (type, direction) 的记账规则，不存在则 ok=false
func RuleFor(transactionType, direction string) (PostingRule, bool) {
	byDirection, exists := postingRules[transactionType]
	if !exists {
		return PostingRule{}, false
	}
	rule, exists := byDirection[direction]
	return rule, exists
}

// IsValidPosting 校验 (type, direction, counterAccount) 是否为认可组合
func IsValidPosting(transactionType, direction, counterAccount string) bool {
	rule, ok := RuleFor(transactionType, direction)
	if !ok {
		return false
	}
	return rule.CounterAccount == counterAccount
}

// IsValidChannel 校验渠道枚举
func IsValidChannel(channel string) bool {
	switch channel {
	case ChannelManual, ChannelOrder, ChannelWebhook, ChannelSystem:
		return true
	}
	return false
}
