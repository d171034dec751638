package service_test

import (
	"context"
	"testing"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/lock"
	"customerledger/internal/model"
	"customerledger/internal/repository"
	"customerledger/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newQueryEnv(t *testing.T) (*service.TransactionService, *service.PostingService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return service.NewTransactionService(db), service.NewPostingService(db, lock.NewLocalFactory(), config.Default()), db
}

func TestGetByTransactionNo(t *testing.T) {
	query, posting, _ := newQueryEnv(t)
	ctx := context.Background()

	posted, err := posting.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)

	found, err := query.GetByTransactionNo(ctx, posted.Transaction.TransactionNo)
	require.NoError(t, err)
	assert.Equal(t, posted.Transaction.TransactionNo, found.TransactionNo)
	assert.True(t, found.Amount.Equal(decimal.NewFromInt(100)))

	_, err = query.GetByTransactionNo(ctx, "TXN00000000000000000000")
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)
}

func TestList_FilterAndPagination(t *testing.T) {
	query, posting, _ := newQueryEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 300, ""))
	require.NoError(t, err)
	_, err = posting.Post(ctx, grantRequest(1, 100, ""))
	require.NoError(t, err)
	_, err = posting.Post(ctx, grantRequest(2, 200, ""))
	require.NoError(t, err)
	_, err = posting.Post(ctx, paymentRequest(1, 50, "p-1"))
	require.NoError(t, err)

	// 按客户过滤
	customerID := int64(1)
	rows, total, err := query.List(ctx, &repository.ListFilter{CustomerID: &customerID}, 1, 10, "created_at", false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	assert.Len(t, rows, 3)
	for _, row := range rows {
		assert.EqualValues(t, 1, row.CustomerID)
	}

	// 叠加类型过滤
	rows, total, err = query.List(ctx, &repository.ListFilter{
		CustomerID: &customerID,
		Type:       model.TransactionTypePayment,
	}, 1, 10, "created_at", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, model.TransactionTypePayment, rows[0].Type)

	// 金额区间过滤
	min := decimal.NewFromInt(100)
	max := decimal.NewFromInt(250)
	_, total, err = query.List(ctx, &repository.ListFilter{AmountMin: &min, AmountMax: &max}, 1, 10, "created_at", false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)

	// 金额升序
	rows, _, err = query.List(ctx, &repository.ListFilter{CustomerID: &customerID}, 1, 10, "amount", true)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(50)))
	assert.True(t, rows[2].Amount.Equal(decimal.NewFromInt(300)))

	// 分页切片：每页 2 条
	rows, total, err = query.List(ctx, &repository.ListFilter{CustomerID: &customerID}, 2, 2, "amount", true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Amount.Equal(decimal.NewFromInt(300)))
}

func TestList_ClampsPageArguments(t *testing.T) {
	query, posting, _ := newQueryEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 10, ""))
	require.NoError(t, err)

	// page/pageSize 越界收敛到合法区间，不报错
	rows, total, err := query.List(ctx, &repository.ListFilter{}, -3, 0, "", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, rows, 1)

	_, _, err = query.List(ctx, &repository.ListFilter{}, 1, 100000, "", false)
	require.NoError(t, err)
}

func TestGetBalance_MissingAccountIsZero(t *testing.T) {
	query, posting, _ := newQueryEnv(t)
	ctx := context.Background()

	balance, err := query.GetBalance(ctx, 42, "USD")
	require.NoError(t, err)
	assert.EqualValues(t, 42, balance.CustomerID)
	assert.Equal(t, "USD", balance.Currency)
	assert.True(t, balance.Balance.IsZero())

	_, err = posting.Post(ctx, grantRequest(42, 75, ""))
	require.NoError(t, err)

	balance, err = query.GetBalance(ctx, 42, "USD")
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.NewFromInt(75)))
	assert.NotEmpty(t, balance.LastAppliedTransactionNo)
}
