package repository

import (
	"context"
	"errors"

	"customerledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrBalanceNotFound     = errors.New("余额账户不存在")
	ErrInsufficientBalance = errors.New("余额不足")
	ErrStaleBalance        = errors.New("余额已被并发修改")
)

type BalanceRepository struct {
	db *gorm.DB
}

func NewBalanceRepository(db *gorm.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

func (r *BalanceRepository) Get(ctx context.Context, tx *gorm.DB, customerID int64, currency string) (*model.CustomerAccountBalance, error) {
	if tx == nil {
		tx = r.db
	}
	var balance model.CustomerAccountBalance
	err := tx.WithContext(ctx).
		Where("customer_id = ? AND currency = ?", customerID, currency).
		First(&balance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBalanceNotFound
		}
		return nil, err
	}
	return &balance, nil
}

// GetOrCreate 取余额行，不存在则以 0 初始化
// 并发创建用 ON CONFLICT DO NOTHING 兜底，冲突后重读即可
func (r *BalanceRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, customerID int64, currency string) (*model.CustomerAccountBalance, error) {
	if tx == nil {
		tx = r.db
	}

	balance, err := r.Get(ctx, tx, customerID, currency)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, ErrBalanceNotFound) {
		return nil, err
	}

	newBalance := &model.CustomerAccountBalance{
		CustomerID: customerID,
		Currency:   currency,
		Balance:    decimal.Zero,
	}

	err = tx.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "customer_id"}, {Name: "currency"}},
			DoNothing: true,
		}).
		Create(newBalance).Error
	if err != nil {
		return nil, err
	}

	return r.Get(ctx, tx, customerID, currency)
}

// ApplyDelta 把一笔流水的差额原子地应用到余额投影上
//
// 【关键点】单条条件 UPDATE 完成读-改-写：
//   - balance = balance + delta 在行锁保护下执行，同一 (customer_id, currency)
//     的并发入账在这里串行化，不同客户/币种互不影响
//   - guardNonNegative 时带上 balance >= |delta| 条件，DEBIT 不允许把余额打负
//   - 必须与流水状态终结在同一个事务里提交，要么都生效要么都回滚
//
// RowsAffected=0 时回查区分两种情况：行不存在 / 余额不足。
func (r *BalanceRepository) ApplyDelta(ctx context.Context, tx *gorm.DB, customerID int64, currency string, delta decimal.Decimal, transactionNo string, guardNonNegative bool) error {
	if tx == nil {
		tx = r.db
	}

	query := tx.WithContext(ctx).
		Model(&model.CustomerAccountBalance{}).
		Where("customer_id = ? AND currency = ?", customerID, currency)

	if guardNonNegative && delta.IsNegative() {
		query = query.Where("balance >= ?", delta.Neg())
	}

	result := query.Updates(map[string]interface{}{
		"balance":                     gorm.Expr("balance + ?", delta),
		"last_applied_transaction_no": transactionNo,
		"version":                     gorm.Expr("version + 1"),
	})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		balance, err := r.Get(ctx, tx, customerID, currency)
		if err != nil {
			return err
		}
		if guardNonNegative && balance.Balance.LessThan(delta.Neg()) {
			return ErrInsufficientBalance
		}
		return ErrStaleBalance
	}

	return nil
}

// Repair 对账修复：把缓存余额重写为按流水重算出的真值
// CAS 带上当前观察到的余额，修复期间若有新入账则放弃本轮，留给下一轮
func (r *BalanceRepository) Repair(ctx context.Context, customerID int64, currency string, observed, computed decimal.Decimal) error {
	result := r.db.WithContext(ctx).
		Model(&model.CustomerAccountBalance{}).
		Where("customer_id = ? AND currency = ? AND balance = ?", customerID, currency, observed).
		Updates(map[string]interface{}{
			"balance": computed,
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleBalance
	}
	return nil
}

// ListAll 全量余额行，对账巡检任务分批扫描用
func (r *BalanceRepository) ListAll(ctx context.Context, offset, limit int) ([]*model.CustomerAccountBalance, error) {
	var balances []*model.CustomerAccountBalance
	err := r.db.WithContext(ctx).
		Order("id ASC").
		Offset(offset).
		Limit(limit).
		Find(&balances).Error
	return balances, err
}
