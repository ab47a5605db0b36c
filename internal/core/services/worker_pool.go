package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/manthysbr/jobpipe/internal/core/domain"
	"github.com/manthysbr/jobpipe/internal/core/ports"
	"github.com/manthysbr/jobpipe/internal/metrics"
	"golang.org/x/sync/semaphore"
)

// WorkerPoolConfig defines concurrency limits
type WorkerPoolConfig struct {
	Workers      int64
	PollInterval time.Duration
	ItemType     *domain.ItemType // nil claims any type
}

// WorkerPool claims pending items from the store and runs them with bounded
// concurrency. The store's conditional claim is the only synchronization
// between workers, so several pools (or processes) may share one store.
type WorkerPool struct {
	logger    *slog.Logger
	store     ports.WorkItemStore
	cfg       WorkerPoolConfig
	limit     int64
	semaphore *semaphore.Weighted
	wake      chan struct{}
}

func NewWorkerPool(logger *slog.Logger, store ports.WorkItemStore, cfg WorkerPoolConfig) *WorkerPool {
	// Default to 4 workers if not set
	limit := cfg.Workers
	if limit <= 0 {
		limit = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &WorkerPool{
		logger:    logger,
		store:     store,
		cfg:       cfg,
		limit:     limit,
		semaphore: semaphore.NewWeighted(limit),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes an idle pool after new work was enqueued.
func (p *WorkerPool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run claims and dispatches items until ctx is cancelled, then waits for
// in-flight handlers to return.
func (p *WorkerPool) Run(ctx context.Context, handler func(context.Context, *domain.WorkItem)) error {
	p.logger.Info("starting worker pool", "workers", p.limit, "poll_interval", p.cfg.PollInterval)

	for {
		if err := p.semaphore.Acquire(ctx, 1); err != nil {
			break
		}

		item, err := p.store.ClaimNext(ctx, p.cfg.ItemType)
		if err != nil || item == nil {
			p.semaphore.Release(1)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("failed to claim work item", "error", err)
			}
			if !p.idle(ctx) {
				break
			}
			continue
		}

		metrics.RecordClaim(string(item.Type))
		go func(it *domain.WorkItem) {
			defer p.semaphore.Release(1)
			handler(ctx, it)
		}(item)
	}

	p.logger.Info("stopping worker pool, waiting for in-flight items")
	if err := p.semaphore.Acquire(context.Background(), p.limit); err == nil {
		p.semaphore.Release(p.limit)
	}
	return nil
}

// idle waits for the poll interval or a Notify. It returns false once ctx is done.
func (p *WorkerPool) idle(ctx context.Context) bool {
	timer := time.NewTimer(p.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	}
}

// ReapStale periodically returns items stuck in processing for longer than
// staleAfter to pending. Blocks until ctx is cancelled.
func (p *WorkerPool) ReapStale(ctx context.Context, staleAfter, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := p.store.RequeueStale(ctx, time.Now().Add(-staleAfter))
			if err != nil {
				p.logger.Error("failed to requeue stale items", "error", err)
				continue
			}
			if n > 0 {
				p.logger.Warn("requeued stale work items", "count", n, "stale_after", staleAfter)
				p.Notify()
			}
		}
	}
}
