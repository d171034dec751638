package service_test

import (
	"path/filepath"
	"testing"

	"customerledger/internal/config"
	"customerledger/internal/infrastructure/database"
	"customerledger/internal/infrastructure/lock"
	"customerledger/internal/model"
	"customerledger/internal/service"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// newTestDB 每个用例独立的 sqlite 库，表结构与线上迁移保持一致
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	return db
}

func newPostingService(t *testing.T) (*service.PostingService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return service.NewPostingService(db, lock.NewLocalFactory(), config.Default()), db
}

func grantRequest(customerID int64, amount int64, referenceID string) *service.PostingRequest {
	return &service.PostingRequest{
		CustomerID:     customerID,
		Type:           model.TransactionTypeLoyaltyGrant,
		Direction:      model.DirectionCredit,
		Amount:         decimal.NewFromInt(amount),
		Currency:       "USD",
		Channel:        model.ChannelOrder,
		CounterAccount: model.CounterAccountLoyaltyPool,
		ReferenceID:    referenceID,
		OperatorID:     "admin-1",
	}
}

func paymentRequest(customerID int64, amount int64, referenceID string) *service.PostingRequest {
	return &service.PostingRequest{
		CustomerID:     customerID,
		Type:           model.TransactionTypePayment,
		Direction:      model.DirectionDebit,
		Amount:         decimal.NewFromInt(amount),
		Currency:       "USD",
		Channel:        model.ChannelOrder,
		CounterAccount: model.CounterAccountMerchantRevenue,
		ReferenceID:    referenceID,
		OperatorID:     "admin-1",
	}
}

func currentBalance(t *testing.T, db *gorm.DB, customerID int64, currency string) decimal.Decimal {
	t.Helper()
	var balance model.CustomerAccountBalance
	err := db.Where("customer_id = ? AND currency = ?", customerID, currency).First(&balance).Error
	if err == gorm.ErrRecordNotFound {
		return decimal.Zero
	}
	require.NoError(t, err)
	return balance.Balance
}

func transactionCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Model(&model.CustomerTransaction{}).Count(&count).Error)
	return count
}
