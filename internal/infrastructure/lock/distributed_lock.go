package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 入账锁
// ============================================================================
//
// 【为什么要按 (customer_id, currency) 加锁？】
//
// 同一客户同一币种的并发入账最终都要串行写同一条余额行。正确性由数据库的
// 唯一索引和条件 UPDATE 保证，锁只是把冲突提前挡在应用层，减少数据库上的
// 行锁等待和重试。不同客户、不同币种之间互不影响，可以放心并发。
//
// 【Redis 锁要点】
//
// 加锁：SET key value NX EX timeout
//   - NX 保证互斥，EX 防止持有者崩溃后死锁
//   - value 放请求方的流水号，释放时校验，避免误删别人的锁
// 释放：Lua 脚本原子地"校验 value + DEL"
//
// ============================================================================

var (
	ErrLockFailed = errors.New("获取入账锁失败")
)

// Mutex 入账互斥量
// 业务层只依赖这个接口；生产环境用 Redis 实现，单测用进程内实现
type Mutex interface {
	Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error
	Unlock(ctx context.Context) error
}

// Factory 按维度构造互斥量
type Factory interface {
	// PostingMutex 返回 (customer_id, currency) 维度的入账锁
	// token 用于标识持有者，通常传流水号或幂等键
	PostingMutex(customerID int64, currency, token string) Mutex
}

// ============================================================================
// Redis 实现
// ============================================================================

type RedisFactory struct {
	client     *redis.Client
	expiration time.Duration
}

func NewRedisFactory(client *redis.Client) *RedisFactory {
	return &RedisFactory{
		client:     client,
		expiration: 30 * time.Second,
	}
}

func (f *RedisFactory) PostingMutex(customerID int64, currency, token string) Mutex {
	key := fmt.Sprintf("ledger:lock:customer:%d:%s", customerID, currency)
	return &redisMutex{
		client:     f.client,
		key:        key,
		value:      token,
		expiration: f.expiration,
	}
}

type redisMutex struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func (l *redisMutex) tryLock(ctx context.Context) (bool, error) {
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

func (l *redisMutex) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.tryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
// Lua 脚本保证"校验持有者 + 删除"的原子性：锁过期后被别人拿走时，
// 迟到的 Unlock 不能删掉新持有者的锁
func (l *redisMutex) Unlock(ctx context.Context) error {
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}
