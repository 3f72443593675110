// Package memo memoizes Go functions.
//
// A wrapped function reuses a previously computed result when called again
// with equivalent arguments:
//
//	double := memo.MustWrap("example.Double", func(ctx context.Context, x int) (int, error) {
//		return x * 2, nil
//	}, memo.WithStaleAfter(time.Minute))
//
//	v, err := double.Call(ctx, 5) // computes
//	v, err = double.Call(ctx, 5)  // cached
//
// Every call runs the same decision sequence:
//
//  1. Caching disabled or CallOptions.SkipCache: call the function, no store access.
//  2. Derive the key and read the entry.
//  3. CallOptions.OverwriteCache: recompute.
//  4. No entry, or an entry neither completed nor processing: recompute.
//  5. Usable value: fresh when its age is within min(StaleAfter, MaxAge);
//     a negative MaxAge forces staleness. Fresh values are returned. Stale
//     values are returned immediately with NextTime (refreshing in the
//     background unless a computation is already running), otherwise the
//     caller waits for the running computation or recomputes.
//  6. No usable value but processing: wait for the computation.
//  7. Otherwise recompute.
//
// At most one computation per key is in flight in a process: the computing
// caller marks the entry processing and other callers wait for it. Waiting
// is bounded by WaitTimeout; when it expires the waiter computes on its
// own. Across processes sharing a redis or file store the guarantee is best
// effort.
//
// Errors of the function are returned unmodified on the synchronous path.
// Background refresh errors are logged and dropped.
//
// Settings left unset on the wrapper (Enabled, StaleAfter, NextTime,
// WaitTimeout, AllowNil, CleanupStale) are read from the config.Provider on
// every call.
package memo
