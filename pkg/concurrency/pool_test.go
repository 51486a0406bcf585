package concurrency

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"position_ledger/pkg/logging"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunGroupBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "history", MaxWorkers: 3, MaxCapacity: 16}, logging.NewNop())
	defer pool.Stop()

	var running, peak, done int64
	tasks := make([]func(), 9)
	for i := range tasks {
		tasks[i] = func() {
			n := atomic.AddInt64(&running, 1)
			for {
				p := atomic.LoadInt64(&peak)
				if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt64(&running, -1)
			atomic.AddInt64(&done, 1)
		}
	}

	pool.RunGroup(tasks)

	assert.Equal(t, int64(9), atomic.LoadInt64(&done))
	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
	assert.Equal(t, 3, pool.MaxWorkers())
}

func TestWorkerPool_PanicIsContained(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "panics", MaxWorkers: 2}, logging.NewNop())
	defer pool.Stop()

	var ran int64
	pool.RunGroup([]func(){
		func() { panic("boom") },
		func() { atomic.AddInt64(&ran, 1) },
	})
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))
}

func TestWorkerPool_RunBatchesPausesBetweenGroups(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "batches", MaxWorkers: 2}, logging.NewNop())
	defer pool.Stop()

	var done int64
	tasks := make([]func(), 5)
	for i := range tasks {
		tasks[i] = func() { atomic.AddInt64(&done, 1) }
	}

	start := time.Now()
	ran := pool.RunBatches(context.Background(), tasks, 2, 30*time.Millisecond)

	assert.Equal(t, 5, ran)
	assert.Equal(t, int64(5), atomic.LoadInt64(&done))
	// three groups, two pauses
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestWorkerPool_RunBatchesStopsOnCancel(t *testing.T) {
	pool := NewWorkerPool(PoolConfig{Name: "cancel", MaxWorkers: 1}, logging.NewNop())
	defer pool.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	tasks := []func(){cancel, func() {}, func() {}}

	ran := pool.RunBatches(ctx, tasks, 1, time.Hour)
	assert.Equal(t, 1, ran)
}
