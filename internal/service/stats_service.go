package service

import (
	"context"

	"customerledger/internal/config"
	"customerledger/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// StatsService 只读统计，基于不可变流水做汇总，可跑在只读副本上
type StatsService struct {
	cfg             *config.Config
	transactionRepo *repository.TransactionRepository
}

func NewStatsService(db *gorm.DB, cfg *config.Config) *StatsService {
	return &StatsService{
		cfg:             cfg,
		transactionRepo: repository.NewTransactionRepository(db),
	}
}

// BucketTotal 单个分组键上的笔数与金额合计
type BucketTotal struct {
	Count  int64           `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// StatsSummary 统计汇总
type StatsSummary struct {
	TotalsByStatus    map[string]BucketTotal `json:"totals_by_status"`
	TotalsByType      map[string]BucketTotal `json:"totals_by_type"`
	CountsByDirection map[string]int64       `json:"counts_by_direction"`
}

func (s *StatsService) Summarize(ctx context.Context, filter *repository.StatsFilter) (*StatsSummary, error) {
	summary := &StatsSummary{
		TotalsByStatus:    make(map[string]BucketTotal),
		TotalsByType:      make(map[string]BucketTotal),
		CountsByDirection: make(map[string]int64),
	}

	byStatus, err := s.transactionRepo.GroupBy(ctx, "status", filter)
	if err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		summary.TotalsByStatus[row.Key] = BucketTotal{Count: row.Count, Amount: row.Amount}
	}

	byType, err := s.transactionRepo.GroupBy(ctx, "type", filter)
	if err != nil {
		return nil, err
	}
	for _, row := range byType {
		summary.TotalsByType[row.Key] = BucketTotal{Count: row.Count, Amount: row.Amount}
	}

	byDirection, err := s.transactionRepo.GroupBy(ctx, "direction", filter)
	if err != nil {
		return nil, err
	}
	for _, row := range byDirection {
		summary.CountsByDirection[row.Key] = row.Count
	}

	return summary, nil
}
