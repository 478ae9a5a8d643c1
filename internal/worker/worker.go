// Package worker 有界协程池，承载解码、缩放、编码等 CPU 密集任务
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// task 池中执行的任务
type task func()

// Stats 协程池统计
type Stats struct {
	WorkerCount int    `json:"workerCount"`
	QueueLen    int    `json:"queueLen"`
	QueueCap    int    `json:"queueCap"`
	Submitted   uint64 `json:"submitted"`
	Executed    uint64 `json:"executed"`
	Failed      uint64 `json:"failed"`
}

// Option 协程池选项
type Option func(*Pool)

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Pool 固定数量 worker 的协程池
type Pool struct {
	workers int
	queue   chan task
	wg      sync.WaitGroup
	logger  *zap.Logger

	mu      sync.RWMutex
	stopped bool

	submitted atomic.Uint64
	executed  atomic.Uint64
	failed    atomic.Uint64
}

// NewPool 创建并启动协程池
func NewPool(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	p := &Pool{
		workers: workers,
		queue:   make(chan task, queueSize),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Info("[Worker] 协程池已启动", zap.Int("workers", p.workers), zap.Int("queue", queueSize))
	return p
}

// Run 提交任务并等待其完成
// 队列满时阻塞等待，ctx 取消后立即返回 ctx.Err()，已入队的任务仍会执行
func (p *Pool) Run(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task panicked: %v", r)
				panic(r)
			}
		}()
		done <- fn()
	}

	if err := p.enqueue(ctx, job); err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) enqueue(ctx context.Context, t task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- t:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收新任务，等待队列中的任务执行完毕，可重复调用
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("[Worker] 协程池已停止",
		zap.Uint64("executed", p.executed.Load()),
		zap.Uint64("failed", p.failed.Load()))
}

// GetStats 返回统计信息
func (p *Pool) GetStats() Stats {
	return Stats{
		WorkerCount: p.workers,
		QueueLen:    len(p.queue),
		QueueCap:    cap(p.queue),
		Submitted:   p.submitted.Load(),
		Executed:    p.executed.Load(),
		Failed:      p.failed.Load(),
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for t := range p.queue {
		p.execute(t)
	}
}

// execute 执行任务并捕获 panic
func (p *Pool) execute(t task) {
	defer func() {
		p.executed.Add(1)
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.logger.Error("[Worker] 任务 panic", zap.Any("panic", r))
		}
	}()
	t()
}
