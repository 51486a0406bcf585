// Package concurrency runs bounded groups of tasks on an alitto/pond pool
package concurrency

import (
	"context"
	"time"

	"position_ledger/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// WorkerPool bounds how many tasks run at once. Task panics are logged and
// contained.
type WorkerPool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MaxCapacity < cfg.MaxWorkers {
		cfg.MaxCapacity = cfg.MaxWorkers * 4
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	log := logger.WithField("component", "worker_pool").WithField("pool", cfg.Name)

	return &WorkerPool{
		pool: pond.New(
			cfg.MaxWorkers,
			cfg.MaxCapacity,
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("Task panic recovered", "panic", p)
			}),
		),
		config: cfg,
		logger: log,
	}
}

// RunGroup runs every task on the pool and blocks until all have finished
func (wp *WorkerPool) RunGroup(tasks []func()) {
	group := wp.pool.Group()
	for _, task := range tasks {
		group.Submit(task)
	}
	group.Wait()
}

// RunBatches runs tasks in consecutive groups of at most size, sleeping pause
// between groups. Once ctx is done the remaining groups are not started; the
// number of tasks that ran is returned.
func (wp *WorkerPool) RunBatches(ctx context.Context, tasks []func(), size int, pause time.Duration) int {
	if size <= 0 {
		size = wp.config.MaxWorkers
	}
	ran := 0
	for start := 0; start < len(tasks); start += size {
		if start > 0 && pause > 0 {
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			wp.logger.Debug("Batch run cancelled", "ran", ran, "total", len(tasks))
			return ran
		}
		end := min(start+size, len(tasks))
		wp.RunGroup(tasks[start:end])
		ran += end - start
	}
	return ran
}

// MaxWorkers is the concurrency limit of the pool
func (wp *WorkerPool) MaxWorkers() int {
	return wp.config.MaxWorkers
}

// Stop waits for queued tasks and stops the pool
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
