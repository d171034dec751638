package idgen_test

import (
	"strings"
	"sync"
	"testing"

	"customerledger/pkg/idgen"

	"github.com/stretchr/testify/assert"
)

func TestNextID_UniqueUnderConcurrency(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 200

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]int64, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				ids = append(ids, idgen.NextID())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				assert.False(t, seen[id], "重复ID: %d", id)
				seen[id] = true
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, goroutines*perGoroutine)
}

func TestGenerateTransactionNo(t *testing.T) {
	no := idgen.GenerateTransactionNo()
	assert.True(t, strings.HasPrefix(no, "TXN"))
	assert.Len(t, no, 3+14+8)

	assert.NotEqual(t, no, idgen.GenerateTransactionNo())
}

func TestGenerateReversalNo(t *testing.T) {
	no := idgen.GenerateReversalNo()
	assert.True(t, strings.HasPrefix(no, "RVS"))
	assert.Len(t, no, 3+14+8)
}
