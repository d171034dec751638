package service

import (
	"context"
	"errors"
	"log"

	"customerledger/internal/config"
	"customerledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ReconcileService 对账服务
//
// 按流水重算 Σ COMPLETED CREDIT − Σ COMPLETED DEBIT，与缓存的余额投影比对。
// 只读历史，永不修改流水；发现漂移时可选地把缓存余额重写为重算真值，
// 修复动作带 CAS，修复期间有新入账则放弃本轮。
type ReconcileService struct {
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
}

func NewReconcileService(db *gorm.DB, cfg *config.Config) *ReconcileService {
	return &ReconcileService{
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
	}
}

// ReconcileResult 单个 (customer_id, currency) 的对账结果
type ReconcileResult struct {
	CustomerID      int64           `json:"customer_id"`
	Currency        string          `json:"currency"`
	ComputedBalance decimal.Decimal `json:"computed_balance"` // 按流水重算
	CachedBalance   decimal.Decimal `json:"cached_balance"`   // 余额投影
	Drift           decimal.Decimal `json:"drift"`            // computed - cached
	Repaired        bool            `json:"repaired"`
}

// Reconcile 对单个 (customer_id, currency) 对账，repair 为真时回写漂移
//
// 【顺序很重要】必须先读缓存余额作为 CAS 观察值，再按流水重算：
// 观察之后提交的任何入账都会推高缓存余额，让修复 CAS 失配而放弃本轮；
// 反过来先算再读的话，窗口内提交的入账会同时改掉两边，
// 修复就会拿旧的重算值覆盖新入账。
func (s *ReconcileService) Reconcile(ctx context.Context, customerID int64, currency string, repair bool) (*ReconcileResult, error) {
	cached := decimal.Zero
	balance, err := s.balanceRepo.Get(ctx, nil, customerID, currency)
	if err != nil && !errors.Is(err, repository.ErrBalanceNotFound) {
		return nil, err
	}
	if balance != nil {
		cached = balance.Balance
	}

	computed, err := s.transactionRepo.SumCompletedDelta(ctx, customerID, currency)
	if err != nil {
		return nil, err
	}

	result := &ReconcileResult{
		CustomerID:      customerID,
		Currency:        currency,
		ComputedBalance: computed,
		CachedBalance:   cached,
		Drift:           computed.Sub(cached),
	}

	if result.Drift.IsZero() {
		return result, nil
	}

	log.Printf("对账发现漂移: customerID=%d, currency=%s, computed=%s, cached=%s, drift=%s",
		customerID, currency, computed.String(), cached.String(), result.Drift.String())

	if !repair || balance == nil {
		return result, nil
	}

	if err := s.balanceRepo.Repair(ctx, customerID, currency, cached, computed); err != nil {
		if errors.Is(err, repository.ErrStaleBalance) {
			// 修复期间余额又变了，留给下一轮
			log.Printf("对账修复放弃（余额并发变更）: customerID=%d, currency=%s", customerID, currency)
			return result, nil
		}
		return nil, err
	}

	result.Repaired = true
	log.Printf("对账修复完成: customerID=%d, currency=%s, %s -> %s",
		customerID, currency, cached.String(), computed.String())
	return result, nil
}

// ReconcileAll 全量巡检，返回存在漂移的结果；后台任务和运维接口共用
func (s *ReconcileService) ReconcileAll(ctx context.Context, repair bool) ([]*ReconcileResult, error) {
	const batchSize = 200

	var drifted []*ReconcileResult
	for offset := 0; ; offset += batchSize {
		balances, err := s.balanceRepo.ListAll(ctx, offset, batchSize)
		if err != nil {
			return nil, err
		}
		if len(balances) == 0 {
			break
		}

		for _, b := range balances {
			result, err := s.Reconcile(ctx, b.CustomerID, b.Currency, repair)
			if err != nil {
				return nil, err
			}
			if !result.Drift.IsZero() {
				drifted = append(drifted, result)
			}
		}

		if len(balances) < batchSize {
			break
		}
	}
	return drifted, nil
}
