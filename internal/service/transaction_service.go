package service

import (
	"context"
	"errors"

	"customerledger/internal/model"
	"customerledger/internal/repository"

	"gorm.io/gorm"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// TransactionService 流水与余额的只读查询
type TransactionService struct {
	transactionRepo *repository.TransactionRepository
	balanceRepo     *repository.BalanceRepository
}

func NewTransactionService(db *gorm.DB) *TransactionService {
	return &TransactionService{
		transactionRepo: repository.NewTransactionRepository(db),
		balanceRepo:     repository.NewBalanceRepository(db),
	}
}

func (s *TransactionService) GetByTransactionNo(ctx context.Context, transactionNo string) (*model.CustomerTransaction, error) {
	return s.transactionRepo.GetByTransactionNo(ctx, nil, transactionNo)
}

// List 分页查询流水，page/limit 越界时收敛到合法区间
func (s *TransactionService) List(ctx context.Context, filter *repository.ListFilter, page, pageSize int, sortBy string, ascending bool) ([]*model.CustomerTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return s.transactionRepo.List(ctx, filter, page, pageSize, sortBy, ascending)
}

// GetBalance 查询余额投影，账户不存在视为零余额
func (s *TransactionService) GetBalance(ctx context.Context, customerID int64, currency string) (*model.CustomerAccountBalance, error) {
	balance, err := s.balanceRepo.Get(ctx, nil, customerID, currency)
	if errors.Is(err, repository.ErrBalanceNotFound) {
		return &model.CustomerAccountBalance{
			CustomerID: customerID,
			Currency:   currency,
		}, nil
	}
	return balance, err
}
