package service_test

import (
	"context"
	"testing"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/lock"
	"customerledger/internal/model"
	"customerledger/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newReconcileEnv(t *testing.T) (*service.ReconcileService, *service.PostingService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	cfg := config.Default()
	return service.NewReconcileService(db, cfg), service.NewPostingService(db, lock.NewLocalFactory(), cfg), db
}

// tamperBalance 绕过服务直接改库，制造投影与流水不一致
func tamperBalance(t *testing.T, db *gorm.DB, customerID int64, currency string, value int64) {
	t.Helper()
	result := db.Model(&model.CustomerAccountBalance{}).
		Where("customer_id = ? AND currency = ?", customerID, currency).
		Update("balance", decimal.NewFromInt(value))
	require.NoError(t, result.Error)
	require.EqualValues(t, 1, result.RowsAffected)
}

func TestReconcile_NoDrift(t *testing.T) {
	reconcile, posting, _ := newReconcileEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)
	_, err = posting.Post(ctx, paymentRequest(1, 30, "p-1"))
	require.NoError(t, err)

	result, err := reconcile.Reconcile(ctx, 1, "USD", false)
	require.NoError(t, err)

	assert.True(t, result.Drift.IsZero())
	assert.True(t, result.ComputedBalance.Equal(decimal.NewFromInt(70)))
	assert.True(t, result.CachedBalance.Equal(decimal.NewFromInt(70)))
	assert.False(t, result.Repaired)
}

func TestReconcile_DriftDetectedWithoutRepair(t *testing.T) {
	reconcile, posting, db := newReconcileEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)
	tamperBalance(t, db, 1, "USD", 85)

	result, err := reconcile.Reconcile(ctx, 1, "USD", false)
	require.NoError(t, err)

	assert.True(t, result.Drift.Equal(decimal.NewFromInt(15)))
	assert.False(t, result.Repaired)

	// repair=false 不回写
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(85)))
}

func TestReconcile_DriftRepaired(t *testing.T) {
	reconcile, posting, db := newReconcileEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)
	tamperBalance(t, db, 1, "USD", 85)

	result, err := reconcile.Reconcile(ctx, 1, "USD", true)
	require.NoError(t, err)

	assert.True(t, result.Repaired)
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))

	// 修好之后再对一次应该是干净的
	again, err := reconcile.Reconcile(ctx, 1, "USD", true)
	require.NoError(t, err)
	assert.True(t, again.Drift.IsZero())
	assert.False(t, again.Repaired)
}

func TestReconcile_PostingDuringRepairWindow_Abandoned(t *testing.T) {
	reconcile, posting, db := newReconcileEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)
	tamperBalance(t, db, 1, "USD", 90)

	// 对账读完缓存余额之后、重算/修复之前，插入一笔新入账：
	// 观察值随即过期，修复 CAS 必须失配放弃，不能用旧的重算值把新入账抹掉
	fired := false
	err = db.Callback().Query().After("gorm:query").Register("interleaved_posting", func(tx *gorm.DB) {
		if fired || tx.Statement.Table != "customer_account_balance" {
			return
		}
		fired = true
		if _, perr := posting.Post(ctx, grantRequest(1, 10, "g-2")); perr != nil {
			t.Errorf("窗口内入账失败: %v", perr)
		}
	})
	require.NoError(t, err)
	defer db.Callback().Query().Remove("interleaved_posting")

	result, err := reconcile.Reconcile(ctx, 1, "USD", true)
	require.NoError(t, err)
	require.True(t, fired)

	assert.False(t, result.Repaired)
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(100)))

	// 下一轮没有并发入账时，漂移收敛到按流水重算的真值
	require.NoError(t, db.Callback().Query().Remove("interleaved_posting"))
	again, err := reconcile.Reconcile(ctx, 1, "USD", true)
	require.NoError(t, err)
	assert.True(t, again.Repaired)
	assert.True(t, currentBalance(t, db, 1, "USD").Equal(decimal.NewFromInt(110)))
}

func TestReconcile_UnknownAccount_ZeroBothSides(t *testing.T) {
	reconcile, _, _ := newReconcileEnv(t)

	result, err := reconcile.Reconcile(context.Background(), 999, "USD", true)
	require.NoError(t, err)

	assert.True(t, result.ComputedBalance.IsZero())
	assert.True(t, result.CachedBalance.IsZero())
	assert.True(t, result.Drift.IsZero())
}

func TestReconcileAll_ReturnsOnlyDrifted(t *testing.T) {
	reconcile, posting, db := newReconcileEnv(t)
	ctx := context.Background()

	_, err := posting.Post(ctx, grantRequest(1, 100, "g-1"))
	require.NoError(t, err)
	_, err = posting.Post(ctx, grantRequest(2, 200, "g-2"))
	require.NoError(t, err)
	_, err = posting.Post(ctx, grantRequest(3, 300, "g-3"))
	require.NoError(t, err)

	tamperBalance(t, db, 2, "USD", 150)

	drifted, err := reconcile.ReconcileAll(ctx, true)
	require.NoError(t, err)

	require.Len(t, drifted, 1)
	assert.EqualValues(t, 2, drifted[0].CustomerID)
	assert.True(t, drifted[0].Repaired)

	assert.True(t, currentBalance(t, db, 2, "USD").Equal(decimal.NewFromInt(200)))
}
