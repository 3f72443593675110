package memo

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"

	"github.com/Sternrassler/memocache/pkg/backend"
	"github.com/Sternrassler/memocache/pkg/config"
	"github.com/Sternrassler/memocache/pkg/eviction"
	"github.com/Sternrassler/memocache/pkg/key"
	"github.com/Sternrassler/memocache/pkg/logging"
	"github.com/Sternrassler/memocache/pkg/metrics"
	"github.com/Sternrassler/memocache/pkg/refresh"
	"github.com/Sternrassler/memocache/pkg/store"
)

const tracerName = "github.com/Sternrassler/memocache/pkg/memo"

var (
	// ErrNilFunction is returned by Wrap for a nil function.
	ErrNilFunction = errors.New("memo: nil function")

	// ErrNotStored is returned by Precache when the value was rejected
	// (nil without AllowNil, or larger than the byte budget).
	ErrNotStored = errors.New("memo: value not stored")
)

// Call outcomes, recorded on spans and log lines.
const (
	outcomeSkip      = "skip"
	outcomeHit       = "hit"
	outcomeMiss      = "miss"
	outcomeStale     = "stale"
	outcomeRefresh   = "stale_refresh"
	outcomeWait      = "wait"
	outcomeRecompute = "recompute"
	outcomeOverwrite = "overwrite"
)

// Func is the shape of a memoizable function.
type Func[A, R any] func(ctx context.Context, args A) (R, error)

// Memoizer caches the results of one function.
type Memoizer[A, R any] struct {
	funcID string
	fn     Func[A, R]
	opts   options

	provider  *config.Provider
	store     store.Store
	evictable store.Evictable
	evictor   *eviction.Manager
	maxSize   int64
	deriver   *key.Deriver
	codec     Codec
	metrics   *metrics.Collector
	pool      *refresh.Pool
	logger    zerolog.Logger
	tracer    trace.Tracer

	claims      claims
	lastCleanup atomic.Int64
}

// callSettings is the effective configuration of one call.
type callSettings struct {
	enabled         bool
	staleAfter      time.Duration
	nextTime        bool
	waitTimeout     time.Duration
	allowNil        bool
	cleanupStale    bool
	cleanupInterval time.Duration
}

// FuncID returns the identity Wrap derives for fn: its import path
// qualified symbol name.
func FuncID(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return ""
	}
	if f := runtime.FuncForPC(v.Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

// Wrap memoizes fn under funcID (FuncID(fn) when empty). The store is
// opened immediately, so a backend missing its required configuration
// fails here with backend.ErrMissingBackendConfiguration.
func Wrap[A, R any](funcID string, fn Func[A, R], opts ...Option) (*Memoizer[A, R], error) {
	if fn == nil {
		return nil, ErrNilFunction
	}
	if funcID == "" {
		funcID = FuncID(fn)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.codec == nil {
		o.codec = JSONCodec{}
	}
	if tc, ok := o.codec.(TypeChecker); ok {
		if err := tc.CheckType(reflect.TypeFor[R]()); err != nil {
			return nil, fmt.Errorf("wrap %s: %w", funcID, err)
		}
	}

	provider := o.provider
	if provider == nil {
		provider = config.Global()
	}
	settings := provider.Get()

	logger := logging.ForFunction(funcID)
	if o.logger != nil {
		logger = o.logger.With().Str("function", funcID).Logger()
	}

	maxSize := settings.MaxSize.Bytes()
	if o.maxSize != nil {
		maxSize = *o.maxSize
	}

	var s store.Store
	if o.store != nil {
		s = store.Namespace(o.store, funcID)
	} else {
		kind := o.backend
		if kind == "" {
			var err error
			if kind, err = backend.ParseKind(settings.Backend); err != nil {
				return nil, err
			}
		}
		cacheDir := o.cacheDir
		if cacheDir == "" {
			cacheDir = settings.CacheDir
		}
		redisClient := o.redis
		if redisClient == nil {
			redisClient = settings.Redis
		}

		var err error
		s, err = backend.Open(kind, backend.Config{
			FuncID: funcID,
			// Nil results are gated per call, so the store accepts them.
			Limits:       store.Limits{MaxEntryBytes: maxSize, AllowNil: true},
			Redis:        redisClient,
			CacheDir:     cacheDir,
			PollInterval: settings.PollInterval,
			Logger:       &logger,
		})
		if err != nil {
			return nil, fmt.Errorf("wrap %s: %w", funcID, err)
		}
	}

	m := &Memoizer[A, R]{
		funcID:   funcID,
		fn:       fn,
		opts:     o,
		provider: provider,
		store:    s,
		maxSize:  maxSize,
		deriver:  key.NewDeriver(),
		codec:    o.codec,
		metrics:  o.metrics,
		pool:     o.pool,
		logger:   logger,
		tracer:   o.tracer,
	}
	if m.pool == nil {
		m.pool = refresh.NewPool(settings.MaxWorkers)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer(tracerName)
	}
	if ev, ok := s.(store.Evictable); ok {
		m.evictable = ev
		m.evictor = eviction.New(maxSize)
	} else if maxSize > 0 {
		logger.Warn().Int64("max_size", maxSize).Msg("Store does not support eviction, byte budget only limits entry size")
	}

	return m, nil
}

// MustWrap is like Wrap but panics on error.
func MustWrap[A, R any](funcID string, fn Func[A, R], opts ...Option) *Memoizer[A, R] {
	m, err := Wrap(funcID, fn, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Memoizer[A, R]) settings() callSettings {
	s := m.provider.Get()
	cs := callSettings{
		enabled:         s.Enabled,
		staleAfter:      s.StaleAfter,
		nextTime:        s.NextTime,
		waitTimeout:     s.WaitTimeout,
		allowNil:        s.AllowNil,
		cleanupStale:    s.CleanupStale,
		cleanupInterval: s.CleanupInterval,
	}
	if m.opts.staleAfter != nil {
		cs.staleAfter = *m.opts.staleAfter
	}
	if m.opts.nextTime != nil {
		cs.nextTime = *m.opts.nextTime
	}
	if m.opts.waitTimeout != nil {
		cs.waitTimeout = *m.opts.waitTimeout
	}
	if m.opts.allowNil != nil {
		cs.allowNil = *m.opts.allowNil
	}
	if m.opts.cleanupStale != nil {
		cs.cleanupStale = *m.opts.cleanupStale
	}
	return cs
}

// Call returns the cached result for args or computes it.
func (m *Memoizer[A, R]) Call(ctx context.Context, args A) (R, error) {
	return m.CallWith(ctx, args, CallOptions{})
}

// CallWith is Call with per-call overrides.
func (m *Memoizer[A, R]) CallWith(ctx context.Context, args A, co CallOptions) (result R, err error) {
	cs := m.settings()
	if !cs.enabled || co.SkipCache {
		m.event(co).Str("outcome", outcomeSkip).Bool("enabled", cs.enabled).Msg("Calling without cache")
		return m.fn(ctx, args)
	}

	start := time.Now()
	outcome := outcomeMiss
	ctx, span := m.tracer.Start(ctx, "memo.call",
		trace.WithAttributes(attribute.String("memo.function", m.funcID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer func() {
		span.SetAttributes(attribute.String("memo.outcome", outcome))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
		if m.metrics != nil {
			m.metrics.RecordLatency(time.Since(start))
		}
	}()

	k, err := m.Key(args)
	if err != nil {
		outcome = "key_error"
		return result, err
	}
	span.SetAttributes(attribute.String("memo.key", k))
	m.maybeCleanup(ctx, cs)

	c := m.claims.acquire(k)
	defer c.release()

	if co.OverwriteCache {
		outcome = outcomeOverwrite
		m.event(co).Str("key", k).Str("outcome", outcome).Msg("Overwriting cache")
		return m.compute(ctx, k, args, cs, c)
	}

	entry, found, err := m.store.Get(ctx, k)
	if err != nil {
		m.logger.Warn().Err(err).Str("key", k).Msg("Store read failed, treating as miss")
		found = false
	}

	if !found || (!entry.Completed && !entry.Processing) {
		m.recordMiss()
		m.event(co).Str("key", k).Str("outcome", outcomeMiss).Msg("Cache miss")
		return m.compute(ctx, k, args, cs, c)
	}

	if entry.Usable(cs.allowNil) {
		age := entry.Age(time.Now())
		if isFresh(age, cs.staleAfter, co.MaxAge) {
			value, decErr := m.decode(entry.Value)
			if decErr == nil {
				outcome = outcomeHit
				m.recordHit()
				m.event(co).Str("key", k).Str("outcome", outcome).Dur("age", age).Msg("Cache hit")
				return value, nil
			}
			m.logger.Warn().Err(decErr).Str("key", k).Msg("Failed to decode cached value, recomputing")
			outcome = outcomeRecompute
			return m.compute(ctx, k, args, cs, c)
		}

		m.event(co).Str("key", k).Str("outcome", outcomeStale).Dur("age", age).
			Bool("processing", entry.Processing).Bool("next_time", cs.nextTime).Msg("Entry is stale")

		if cs.nextTime {
			value, decErr := m.decode(entry.Value)
			if decErr == nil {
				if entry.Processing {
					outcome = outcomeStale
				} else {
					outcome = outcomeRefresh
					m.refreshAsync(ctx, k, args, cs, c)
				}
				m.recordStaleHit()
				return value, nil
			}
			m.logger.Warn().Err(decErr).Str("key", k).Msg("Failed to decode stale value, recomputing")
		} else if entry.Processing {
			outcome = outcomeWait
			return m.wait(ctx, k, args, cs, co, c)
		}

		outcome = outcomeRecompute
		m.recordMiss()
		return m.compute(ctx, k, args, cs, c)
	}

	if entry.Processing {
		outcome = outcomeWait
		return m.wait(ctx, k, args, cs, co, c)
	}

	m.recordMiss()
	m.event(co).Str("key", k).Str("outcome", outcomeMiss).Msg("Cached value not usable")
	return m.compute(ctx, k, args, cs, c)
}

// isFresh applies the freshness threshold: the smaller of staleAfter and
// maxAge, with a negative maxAge or a zero threshold forcing staleness.
func isFresh(age, staleAfter time.Duration, maxAge *time.Duration) bool {
	threshold := staleAfter
	if maxAge != nil {
		if *maxAge < 0 {
			return false
		}
		if *maxAge < threshold {
			threshold = *maxAge
		}
	}
	return threshold > 0 && age <= threshold
}

// wait blocks on the computation in flight for k and falls back to an
// independent computation when the wait gives up.
func (m *Memoizer[A, R]) wait(ctx context.Context, k string, args A, cs callSettings, co CallOptions, c *claim) (R, error) {
	c.release()
	m.event(co).Str("key", k).Str("outcome", outcomeWait).Dur("timeout", cs.waitTimeout).Msg("Waiting for computation in flight")

	blob, err := m.store.WaitForCompletion(ctx, k, cs.waitTimeout)
	if err == nil {
		if len(blob) == 0 && !cs.allowNil {
			m.event(co).Str("key", k).Msg("Computation in flight produced nil, recomputing")
			return m.compute(ctx, k, args, cs, nil)
		}
		value, decErr := m.decode(blob)
		if decErr == nil {
			m.recordHit()
			return value, nil
		}
		m.logger.Warn().Err(decErr).Str("key", k).Msg("Failed to decode awaited value, recomputing")
		return m.compute(ctx, k, args, cs, nil)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		var zero R
		return zero, ctxErr
	}
	if !errors.Is(err, store.ErrRecalculationNeeded) {
		m.logger.Warn().Err(err).Str("key", k).Msg("Wait failed, recomputing")
	}
	if m.metrics != nil {
		m.metrics.RecordWaitTimeout()
	}
	m.event(co).Str("key", k).Str("outcome", outcomeRecompute).Msg("Wait gave up, recomputing")
	return m.compute(ctx, k, args, cs, nil)
}

// compute runs the function synchronously and stores its result. The
// claim, if any, is released once the entry is marked processing. The
// processing flag is cleared on every exit path, panics included. Errors
// of the function are returned unmodified.
func (m *Memoizer[A, R]) compute(ctx context.Context, k string, args A, cs callSettings, c *claim) (R, error) {
	var zero R
	err := m.store.MarkProcessing(ctx, k)
	c.release()
	if err != nil {
		return zero, fmt.Errorf("mark processing: %w", err)
	}
	defer m.clearProcessing(ctx, k)

	if m.metrics != nil {
		m.metrics.RecordRecalculation()
	}

	start := time.Now()
	result, err := m.fn(ctx, args)
	if err != nil {
		return result, err
	}
	m.logger.Debug().Str("key", k).Dur("duration", time.Since(start)).Msg("Computed result")

	if _, err := m.save(ctx, k, result, cs); err != nil {
		return zero, err
	}
	return result, nil
}

// refreshAsync recomputes k on the pool. The entry is marked processing
// before dispatch so concurrent stale callers do not start refreshes too.
func (m *Memoizer[A, R]) refreshAsync(ctx context.Context, k string, args A, cs callSettings, c *claim) {
	err := m.store.MarkProcessing(ctx, k)
	c.release()
	if err != nil {
		m.logger.Warn().Err(err).Str("key", k).Msg("Failed to mark entry for background refresh")
		return
	}

	submitted := m.pool.Submit(ctx, m.funcID, func(jobCtx context.Context) error {
		defer m.clearProcessing(jobCtx, k)

		if m.metrics != nil {
			m.metrics.RecordRecalculation()
		}
		result, err := m.fn(jobCtx, args)
		if err != nil {
			return fmt.Errorf("refresh %s: %w", k, err)
		}
		_, err = m.save(jobCtx, k, result, cs)
		return err
	})
	if !submitted {
		m.clearProcessing(ctx, k)
	}
}

// save stores result under k and enforces the byte budget. It reports
// whether the value was stored; only backend write failures are errors.
func (m *Memoizer[A, R]) save(ctx context.Context, k string, result R, cs callSettings) (bool, error) {
	var blob []byte
	if isNil(result) {
		if !cs.allowNil {
			m.logger.Debug().Str("key", k).Msg("Nil result not cached")
			return false, nil
		}
		blob = []byte{}
	} else {
		var err error
		if blob, err = m.codec.Marshal(result); err != nil {
			m.logger.Warn().Err(err).Str("key", k).Msg("Failed to encode result, not cached")
			return false, nil
		}
		// The budget counts encoded bytes, the unit the store and the
		// evictor account in.
		if m.maxSize > 0 && int64(len(blob)) > m.maxSize {
			m.rejectSize(k, int64(len(blob)), result)
			return false, nil
		}
	}

	stored, err := m.store.Set(ctx, k, blob)
	if err != nil {
		return false, fmt.Errorf("store result: %w", err)
	}
	if !stored {
		m.rejectSize(k, int64(len(blob)), result)
		return false, nil
	}

	m.enforce(ctx)
	return true, nil
}

func (m *Memoizer[A, R]) rejectSize(k string, size int64, result R) {
	if m.metrics != nil {
		m.metrics.RecordSizeLimitRejection()
	}
	ev := m.logger.Warn().Str("key", k).Int64("size", size).Int64("max_size", m.maxSize)
	if inMemory, ok := eviction.EstimateSize(result); ok {
		ev = ev.Int64("in_memory_size", inMemory)
	}
	ev.Msg("Result exceeds size limit, not cached")
}

// enforce applies the byte budget and refreshes the size gauges.
func (m *Memoizer[A, R]) enforce(ctx context.Context) {
	if m.evictable == nil || (m.maxSize <= 0 && m.metrics == nil) {
		return
	}
	res, err := m.evictor.Enforce(ctx, m.evictable)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Eviction failed")
		return
	}
	if len(res.Evicted) > 0 {
		m.logger.Debug().Strs("evicted", res.Evicted).Int64("bytes", res.EvictedBytes).Msg("Evicted entries")
	}
	if m.metrics != nil {
		m.metrics.SetEntries(res.Entries, res.Bytes)
	}
}

// maybeCleanup schedules a stale sweep at most once per cleanup interval.
func (m *Memoizer[A, R]) maybeCleanup(ctx context.Context, cs callSettings) {
	if !cs.cleanupStale || cs.staleAfter == config.Forever || cs.cleanupInterval <= 0 {
		return
	}
	now := time.Now().UnixNano()
	last := m.lastCleanup.Load()
	if last != 0 && now-last < int64(cs.cleanupInterval) {
		return
	}
	if !m.lastCleanup.CompareAndSwap(last, now) {
		return
	}

	maxAge := cs.staleAfter
	submitted := m.pool.Submit(ctx, m.funcID+":cleanup", func(jobCtx context.Context) error {
		n, err := m.store.DeleteStale(jobCtx, maxAge)
		if err != nil {
			return fmt.Errorf("delete stale: %w", err)
		}
		m.logger.Debug().Int("deleted", n).Dur("max_age", maxAge).Msg("Swept stale entries")
		m.enforce(jobCtx)
		return nil
	})
	if !submitted {
		// A dropped sweep must not count as the interval's sweep.
		m.lastCleanup.CompareAndSwap(now, last)
	}
}

func (m *Memoizer[A, R]) clearProcessing(ctx context.Context, k string) {
	if err := m.store.ClearProcessing(context.WithoutCancel(ctx), k); err != nil {
		m.logger.Warn().Err(err).Str("key", k).Msg("Failed to clear processing flag")
	}
}

func (m *Memoizer[A, R]) decode(blob []byte) (R, error) {
	var value R
	if len(blob) == 0 {
		return value, nil
	}
	if err := m.codec.Unmarshal(blob, &value); err != nil {
		return value, fmt.Errorf("decode result: %w", err)
	}
	return value, nil
}

func (m *Memoizer[A, R]) event(co CallOptions) *zerolog.Event {
	if co.Verbose {
		return m.logger.Info()
	}
	return m.logger.Debug()
}

func (m *Memoizer[A, R]) recordHit() {
	if m.metrics != nil {
		m.metrics.RecordHit()
	}
}

func (m *Memoizer[A, R]) recordMiss() {
	if m.metrics != nil {
		m.metrics.RecordMiss()
	}
}

func (m *Memoizer[A, R]) recordStaleHit() {
	if m.metrics != nil {
		m.metrics.RecordStaleHit()
	}
}

// isNil reports whether v is a nil interface, pointer, map, slice, func or
// channel.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
