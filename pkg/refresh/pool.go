// Package refresh runs background recomputations on a bounded number of
// goroutines.
package refresh

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"

	"github.com/Sternrassler/memocache/pkg/logging"
)

// DefaultMaxWorkers bounds concurrent jobs when no limit is configured.
const DefaultMaxWorkers = 8

// Job is a unit of background work. Its error is logged and dropped.
type Job func(ctx context.Context) error

// Stats counts pool activity.
type Stats struct {
	Submitted uint64
	Rejected  uint64
	Failed    uint64
	Running   int64
}

// Pool runs jobs with at most MaxWorkers in flight. Submission never
// blocks: when every worker is busy the job is rejected.
type Pool struct {
	sem        *semaphore.Weighted
	maxWorkers int
	wg         sync.WaitGroup
	logger     zerolog.Logger

	submitted atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
	running   atomic.Int64
}

// NewPool creates a pool; maxWorkers <= 0 means DefaultMaxWorkers.
func NewPool(maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	return &Pool{
		sem:        semaphore.NewWeighted(int64(maxWorkers)),
		maxWorkers: maxWorkers,
		logger:     logging.NewLogger("refresh"),
	}
}

// MaxWorkers returns the concurrency limit.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// Submit starts job if a worker is free and reports whether it did. The
// job runs with ctx detached from its caller's cancellation. Panics are
// recovered and counted as failures.
func (p *Pool) Submit(ctx context.Context, name string, job Job) bool {
	if !p.sem.TryAcquire(1) {
		p.rejected.Inc()
		p.logger.Warn().Str("job", name).Int("max_workers", p.maxWorkers).Msg("Pool saturated, job dropped")
		return false
	}

	p.submitted.Inc()
	p.running.Inc()
	p.wg.Add(1)

	jobCtx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		defer p.running.Dec()

		if err := p.run(jobCtx, job); err != nil {
			p.failed.Inc()
			p.logger.Error().Err(err).Str("job", name).Msg("Background job failed")
		}
	}()
	return true
}

func (p *Pool) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job(ctx)
}

// Wait blocks until every submitted job has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Failed:    p.failed.Load(),
		Running:   p.running.Load(),
	}
}
