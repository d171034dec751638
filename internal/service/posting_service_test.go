package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"customerledger/internal/model"
	"customerledger/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPost_CreditCompleted(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	result, err := svc.Post(ctx, grantRequest(1, 100, "order-42"))
	require.NoError(t, err)
	require.NotNil(t, result.Transaction)

	txn := result.Transaction
	assert.False(t, result.Replayed)
	assert.Equal(t, model.TransactionStatusCompleted, txn.Status)
	assert.NotEmpty(t, txn.TransactionNo)
	assert.NotNil(t, txn.ProcessedAt)
	assert.True(t, txn.BalanceBefore.Equal(decimal.Zero))
	assert.True(t, txn.BalanceAfter.Equal(decimal.NewFromInt(100)))

	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))

	// 账本事件与流水同事务落库
	var outboxCount int64
	require.NoError(t, db.Model(&model.OutboxMessage{}).Count(&outboxCount).Error)
	assert.EqualValues(t, 1, outboxCount)
}

func TestPost_IdempotentReplay(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	first, err := svc.Post(ctx, grantRequest(1, 100, "order-42"))
	require.NoError(t, err)

	second, err := svc.Post(ctx, grantRequest(1, 100, "order-42"))
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Transaction.TransactionNo, second.Transaction.TransactionNo)

	// 只有一条流水，余额只加了一次
	assert.EqualValues(t, 1, transactionCount(t, db))
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))
}

func TestPost_ConcurrentSameReference_SingleRow(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	// 两个并发请求携带同一个幂等键：锁外快路径查不到时，
	// 去重由唯一索引兜底，落败方在事务内改查已存在的流水返回
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*service.PostingResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Post(ctx, grantRequest(1, 100, "order-42"))
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "第 %d 个请求报错", i)
	}

	// 恰好一条 COMPLETED 流水，两边拿到同一个流水号，余额只加了一次
	assert.Equal(t, results[0].Transaction.TransactionNo, results[1].Transaction.TransactionNo)
	assert.Equal(t, model.TransactionStatusCompleted, results[0].Transaction.Status)
	assert.EqualValues(t, 1, transactionCount(t, db))
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))

	replayed := 0
	for _, result := range results {
		if result.Replayed {
			replayed++
		}
	}
	assert.Equal(t, 1, replayed)
}

func TestPost_SameReferenceDifferentType_NotDeduped(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	_, err := svc.Post(ctx, grantRequest(1, 100, "order-42"))
	require.NoError(t, err)

	// 幂等键按 (customer, type, reference) 维度生效，类型不同互不影响
	result, err := svc.Post(ctx, paymentRequest(1, 30, "order-42"))
	require.NoError(t, err)
	assert.False(t, result.Replayed)

	assert.EqualValues(t, 2, transactionCount(t, db))
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(70)))
}

func TestPost_DebitInsufficientBalance_PersistedAsFailed(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	_, err := svc.Post(ctx, grantRequest(1, 100, "seed"))
	require.NoError(t, err)

	result, err := svc.Post(ctx, paymentRequest(1, 150, "order-43"))
	require.NoError(t, err)

	txn := result.Transaction
	assert.Equal(t, model.TransactionStatusFailed, txn.Status)
	assert.NotEmpty(t, txn.FailureReason)
	assert.NotNil(t, txn.ProcessedAt)

	// FAILED 流水已落库可审计，余额分文未动
	var persisted model.CustomerTransaction
	require.NoError(t, db.Where("transaction_no = ?", txn.TransactionNo).First(&persisted).Error)
	assert.Equal(t, model.TransactionStatusFailed, persisted.Status)
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))
}

func TestPost_ValidationRejected_NothingPersisted(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(req *service.PostingRequest)
		wantErr error
	}{
		{"金额为负", func(req *service.PostingRequest) { req.Amount = decimal.NewFromInt(-5) }, service.ErrInvalidAmount},
		{"金额为零", func(req *service.PostingRequest) { req.Amount = decimal.Zero }, service.ErrInvalidAmount},
		{"币种小写", func(req *service.PostingRequest) { req.Currency = "usd" }, service.ErrInvalidCurrency},
		{"币种超长", func(req *service.PostingRequest) { req.Currency = "USDT" }, service.ErrInvalidCurrency},
		{"渠道未知", func(req *service.PostingRequest) { req.Channel = "SMS" }, service.ErrInvalidChannel},
		{"方向与类型不匹配", func(req *service.PostingRequest) { req.Direction = model.DirectionCredit }, service.ErrInvalidPosting},
		{"对手账户不匹配", func(req *service.PostingRequest) { req.CounterAccount = model.CounterAccountLoyaltyPool }, service.ErrInvalidPosting},
		{"缺少操作人", func(req *service.PostingRequest) { req.OperatorID = "" }, service.ErrMissingOperator},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := paymentRequest(1, 10, "")
			tt.mutate(req)

			_, err := svc.Post(ctx, req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// 被拒绝的请求不留任何痕迹
	assert.EqualValues(t, 0, transactionCount(t, db))
}

func TestPost_AdjustmentAllowsOverdraft(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	result, err := svc.Post(ctx, &service.PostingRequest{
		CustomerID:     7,
		Type:           model.TransactionTypeAdjustment,
		Direction:      model.DirectionDebit,
		Amount:         decimal.NewFromInt(50),
		Currency:       "USD",
		Channel:        model.ChannelManual,
		CounterAccount: model.CounterAccountCustomerWallet,
		Description:    "追回错误入账",
		OperatorID:     "admin-2",
	})
	require.NoError(t, err)

	assert.Equal(t, model.TransactionStatusCompleted, result.Transaction.Status)
	assert.True(t, currentBalance(t, db, 7, "USD").Equal(decimal.NewFromInt(-50)))
}

func TestPost_NoReference_EachPostIsUnique(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, err := svc.Post(ctx, grantRequest(1, 10, ""))
		require.NoError(t, err)
		assert.False(t, result.Replayed)
	}

	assert.EqualValues(t, 3, transactionCount(t, db))
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(30)))
}

func TestPost_CurrenciesIsolated(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	usd := grantRequest(1, 100, "")
	eur := grantRequest(1, 40, "")
	eur.Currency = "EUR"

	_, err := svc.Post(ctx, usd)
	require.NoError(t, err)
	_, err = svc.Post(ctx, eur)
	require.NoError(t, err)

	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))
	assert.True(t, currentBalance(t, db, 1, "EUR").Equal(decimal.NewFromInt(40)))
}

func TestPost_ConcurrentDebits_NeverOverdraw(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	_, err := svc.Post(ctx, grantRequest(1, 50, "seed"))
	require.NoError(t, err)

	// 余额 50，10 个并发 DEBIT 各扣 10：恰好 5 笔成功，余额归零不透支
	const attempts = 10
	var wg sync.WaitGroup
	results := make([]*service.PostingResult, attempts)
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Post(ctx, paymentRequest(1, 10, fmt.Sprintf("p-%d", i)))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "第 %d 笔入账报错", i)
	}

	completed := 0
	for _, result := range results {
		if result.Transaction.Status == model.TransactionStatusCompleted {
			completed++
		} else {
			assert.Equal(t, model.TransactionStatusFailed, result.Transaction.Status)
		}
	}
	assert.Equal(t, 5, completed)
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.Zero))
}

func TestPost_BalanceMatchesCompletedHistory(t *testing.T) {
	svc, db := newPostingService(t)
	ctx := context.Background()

	// 混合入账序列：两笔成功 CREDIT、一笔成功 DEBIT、一笔失败 DEBIT
	_, err := svc.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)
	_, err = svc.Post(ctx, grantRequest(1, 50, "g-2"))
	require.NoError(t, err)
	_, err = svc.Post(ctx, paymentRequest(1, 60, "p-1"))
	require.NoError(t, err)
	failed, err := svc.Post(ctx, paymentRequest(1, 500, "p-2"))
	require.NoError(t, err)
	require.Equal(t, model.TransactionStatusFailed, failed.Transaction.Status)

	// 余额 = Σ COMPLETED CREDIT − Σ COMPLETED DEBIT = 100+50-60
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(90)))
}
