package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var ErrPoolStopped = errors.New("worker pool stopped")

type Task func(ctx context.Context)

// WorkerPool runs tasks on a fixed number of executors. Submit blocks until an
// executor is free, so callers never hold more work than the pool can run.
type WorkerPool struct {
	tasks    chan Task
	wg       sync.WaitGroup
	busy     int
	size     int
	logger   zerolog.Logger
	mu       sync.RWMutex
	quit     chan struct{}
	stopOnce sync.Once
	onBusy   func(busy int)
}

func NewWorkerPool(size int, logger zerolog.Logger) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		tasks:  make(chan Task),
		size:   size,
		logger: logger,
		quit:   make(chan struct{}),
	}
}

// OnBusyChange registers a callback invoked with the busy count after every
// change. It must be set before Start.
func (wp *WorkerPool) OnBusyChange(fn func(busy int)) {
	wp.onBusy = fn
}

func (wp *WorkerPool) Start(ctx context.Context) {
	wp.logger.Info().Int("workers", wp.size).Msg("Starting worker pool")

	for i := 0; i < wp.size; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop prevents new submissions and waits for running tasks to return.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		wp.logger.Info().Msg("Stopping worker pool")
		close(wp.quit)
	})
	wp.wg.Wait()
	wp.logger.Info().Msg("Worker pool stopped")
}

func (wp *WorkerPool) Submit(ctx context.Context, task Task) error {
	select {
	case <-wp.quit:
		return ErrPoolStopped
	default:
	}

	select {
	case wp.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-wp.quit:
		return ErrPoolStopped
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	wp.logger.Debug().Int("worker_id", id).Msg("Worker started")

	for {
		select {
		case <-wp.quit:
			wp.logger.Debug().Int("worker_id", id).Msg("Worker stopped")
			return
		case task := <-wp.tasks:
			wp.run(ctx, id, task)
		}
	}
}

func (wp *WorkerPool) run(ctx context.Context, id int, task Task) {
	wp.setBusy(1)
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error().
				Int("worker_id", id).
				Interface("panic", r).
				Msg("Worker recovered from panic")
		}
		wp.setBusy(-1)
	}()

	task(ctx)
}

func (wp *WorkerPool) setBusy(delta int) {
	wp.mu.Lock()
	wp.busy += delta
	busy := wp.busy
	wp.mu.Unlock()

	if wp.onBusy != nil {
		wp.onBusy(busy)
	}
}

func (wp *WorkerPool) ActiveWorkers() int {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.busy
}

func (wp *WorkerPool) Size() int {
	return wp.size
}
