package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrRecalculationNeeded signals that a waiter gave up: the wait timed
	// out, the entry disappeared, or the computation finished without a
	// value. The engine turns it into an independent recomputation; it is
	// never returned to callers of a memoized function.
	ErrRecalculationNeeded = errors.New("store: recalculation needed")

	// ErrClosed is returned by stores that were closed.
	ErrClosed = errors.New("store: closed")
)

// DefaultPollInterval is how often polling waiters re-read an entry.
const DefaultPollInterval = time.Second

// Store is the contract every backend implements.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use; writes
//     to one key are atomic, readers never observe a half-written entry.
//   - Get updates LastAccess of the entry it returns.
//   - Set stores a completed value, clears Processing, and reports false
//     when the value is rejected by the store's Limits.
//   - WaitForCompletion blocks until the entry stops processing and returns
//     its value. It returns ErrRecalculationNeeded when the entry vanishes,
//     finishes without a value, or timeout (0 = unbounded) elapses, and the
//     context error when ctx is cancelled.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, value []byte) (bool, error)
	MarkProcessing(ctx context.Context, key string) error
	ClearProcessing(ctx context.Context, key string) error
	WaitForCompletion(ctx context.Context, key string, timeout time.Duration) ([]byte, error)
	Clear(ctx context.Context) error
	ClearAllProcessing(ctx context.Context) error
	DeleteStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// Evictable is implemented by stores that can report per-entry usage and
// delete individual keys, which is what byte-budget eviction needs.
type Evictable interface {
	Usage(ctx context.Context) ([]Usage, error)
	Delete(ctx context.Context, keys ...string) error
}

// Limits gates which values a store accepts.
type Limits struct {
	// MaxEntryBytes rejects values larger than this; 0 means no limit.
	MaxEntryBytes int64

	// AllowNil accepts nil results (empty values).
	AllowNil bool
}

// Admit reports whether value may be stored.
func (l Limits) Admit(value []byte) bool {
	if len(value) == 0 && !l.AllowNil {
		return false
	}
	if l.MaxEntryBytes > 0 && int64(len(value)) > l.MaxEntryBytes {
		return false
	}
	return true
}
