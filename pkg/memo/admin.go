package memo

import (
	"context"
	"fmt"

	"github.com/Sternrassler/memocache/pkg/metrics"
	"github.com/Sternrassler/memocache/pkg/store"
)

// FuncID returns the function identity the cache is namespaced by.
func (m *Memoizer[A, R]) FuncID() string {
	return m.funcID
}

// Store returns the backing store.
func (m *Memoizer[A, R]) Store() store.Store {
	return m.store
}

// Key returns the cache key of args.
func (m *Memoizer[A, R]) Key(args A) (string, error) {
	if m.opts.keyFunc != nil {
		k, err := m.opts.keyFunc(args)
		if err != nil {
			return "", fmt.Errorf("key func: %w", err)
		}
		return k, nil
	}
	k, err := m.deriver.Derive(args)
	if err != nil {
		return "", fmt.Errorf("derive key: %w", err)
	}
	return k, nil
}

// ClearCache deletes every entry of the function.
func (m *Memoizer[A, R]) ClearCache(ctx context.Context) error {
	if err := m.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SetEntries(0, 0)
	}
	m.logger.Info().Msg("Cache cleared")
	return nil
}

// ClearProcessing clears every processing flag, releasing waiters of
// computations that will never finish (for example after a crash).
func (m *Memoizer[A, R]) ClearProcessing(ctx context.Context) error {
	if err := m.store.ClearAllProcessing(ctx); err != nil {
		return fmt.Errorf("clear processing: %w", err)
	}
	m.logger.Info().Msg("Processing flags cleared")
	return nil
}

// Precache stores value as the result for args without calling the
// function. It returns ErrNotStored when the value is rejected.
func (m *Memoizer[A, R]) Precache(ctx context.Context, args A, value R) error {
	k, err := m.Key(args)
	if err != nil {
		return err
	}
	stored, err := m.save(ctx, k, value, m.settings())
	if err != nil {
		return err
	}
	if !stored {
		return ErrNotStored
	}
	m.logger.Info().Str("key", k).Msg("Value precached")
	return nil
}

// Stats returns the metrics snapshot; ok is false when metrics are off.
func (m *Memoizer[A, R]) Stats() (snap metrics.Snapshot, ok bool) {
	if m.metrics == nil {
		return metrics.Snapshot{}, false
	}
	return m.metrics.Snapshot(), true
}

// Metrics returns the collector, or nil when metrics are off.
func (m *Memoizer[A, R]) Metrics() *metrics.Collector {
	return m.metrics
}

// Wait blocks until background refreshes and sweeps have finished.
func (m *Memoizer[A, R]) Wait() {
	m.pool.Wait()
}
