package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tecnicocursos/render-api/internal/pipeline"
	"github.com/tecnicocursos/render-api/internal/queue"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Concurrency     int
	LeaseTTL        time.Duration
	PollInterval    time.Duration
	ReclaimInterval time.Duration
}

// Pool runs Concurrency claim loops against a lease-based queue. Each loop
// handles one job at a time.
type Pool struct {
	id       string
	queue    queue.Queue
	executor *Executor
	cfg      PoolConfig
	logger   *zap.Logger

	busy   atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel context.CancelFunc
}

func NewPool(q queue.Queue, executor *Executor, cfg PoolConfig, logger *zap.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = cfg.LeaseTTL / 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()[:8]
	return &Pool{
		id:       id,
		queue:    q,
		executor: executor,
		cfg:      cfg,
		logger:   logger.With(zap.String("pool", id)),
	}
}

// Start launches the claim loops and the lease reclaimer.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go func(slot int) {
			defer p.wg.Done()
			p.runLoop(ctx, slot)
		}(i)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reclaimLoop(ctx)
	}()
	p.logger.Info("Worker pool started", zap.Int("concurrency", p.cfg.Concurrency))
}

// Stop interrupts running jobs and waits for every loop to return.
// Interrupted jobs go back to the queue without losing an attempt.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) Capacity() int { return p.cfg.Concurrency }
func (p *Pool) Busy() int     { return int(p.busy.Load()) }

func (p *Pool) runLoop(ctx context.Context, slot int) {
	owner := fmt.Sprintf("%s-%d", p.id, slot)
	for {
		if ctx.Err() != nil {
			return
		}
		lease, err := p.queue.Claim(ctx, owner, p.cfg.LeaseTTL)
		if err != nil {
			if !errors.Is(err, queue.ErrEmpty) && ctx.Err() == nil {
				p.logger.Warn("Failed to claim from queue", zap.Error(err))
			}
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		if !p.process(ctx, lease) && !sleepCtx(ctx, p.cfg.PollInterval) {
			return
		}
	}
}

// process runs one leased job. It reports false when the job was handed
// back because the store failed, so the caller can back off.
func (p *Pool) process(ctx context.Context, lease *queue.Lease) bool {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	keepAlive := func(ctx context.Context) error {
		return p.queue.Extend(ctx, lease, p.cfg.LeaseTTL)
	}
	outcome, err := p.executor.Execute(ctx, lease.Entry.JobID, lease.Token, keepAlive)
	if err != nil {
		p.logger.Warn("Render job execution error", zap.String("job_id", lease.Entry.JobID), zap.Error(err))
	}

	healthy := err == nil || ctx.Err() != nil || outcome != pipeline.OutcomeInterrupted

	settleCtx := context.WithoutCancel(ctx)
	switch outcome {
	case pipeline.OutcomeInterrupted:
		err = p.queue.Release(settleCtx, lease)
	case pipeline.OutcomeLeaseLost:
		return true
	default:
		err = p.queue.Ack(settleCtx, lease)
	}
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) {
		p.logger.Warn("Failed to settle queue entry", zap.String("job_id", lease.Entry.JobID), zap.Error(err))
	}
	return healthy
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	for sleepCtx(ctx, p.cfg.ReclaimInterval) {
		n, err := p.queue.ReclaimExpired(ctx, time.Now())
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("Failed to reclaim expired leases", zap.Error(err))
			}
			continue
		}
		if n > 0 {
			p.logger.Info("Reclaimed expired leases", zap.Int("count", n))
		}
	}
}

// sleepCtx reports false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
