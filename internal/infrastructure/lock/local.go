package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// LocalFactory 进程内互斥量，单机部署和单元测试使用
// 语义与 Redis 实现一致：同 key 互斥，不同 key 并发
type LocalFactory struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewLocalFactory() *LocalFactory {
	return &LocalFactory{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (f *LocalFactory) PostingMutex(customerID int64, currency, token string) Mutex {
	key := fmt.Sprintf("posting:%d:%s", customerID, currency)

	f.mu.Lock()
	m, ok := f.mutexes[key]
	if !ok {
		m = &sync.Mutex{}
		f.mutexes[key] = m
	}
	f.mu.Unlock()

	return &localMutex{inner: m}
}

type localMutex struct {
	inner *sync.Mutex
}

func (l *localMutex) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	l.inner.Lock()
	return nil
}

func (l *localMutex) Unlock(ctx context.Context) error {
	l.inner.Unlock()
	return nil
}
