package memo

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sternrassler/memocache/pkg/backend"
	"github.com/Sternrassler/memocache/pkg/config"
	"github.com/Sternrassler/memocache/pkg/metrics"
	"github.com/Sternrassler/memocache/pkg/refresh"
	"github.com/Sternrassler/memocache/pkg/store"
)

// Option configures a Memoizer at Wrap time.
type Option func(*options)

// options holds wrapper-level values. Nil pointers are late-bound from the
// provider on every call.
type options struct {
	provider *config.Provider

	backend  backend.Kind
	store    store.Store
	cacheDir string
	redis    redis.UniversalClient
	maxSize  *int64

	staleAfter   *time.Duration
	nextTime     *bool
	waitTimeout  *time.Duration
	allowNil     *bool
	cleanupStale *bool

	keyFunc func(any) (string, error)
	codec   Codec
	metrics *metrics.Collector
	pool    *refresh.Pool
	logger  *zerolog.Logger
	tracer  trace.Tracer
}

// WithProvider reads settings from p instead of config.Global().
func WithProvider(p *config.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithBackend selects the store backend by kind.
func WithBackend(kind backend.Kind) Option {
	return func(o *options) { o.backend = kind }
}

// WithStore uses s and ignores the backend settings. Keys are prefixed
// with the function ID, so one store can back several functions.
// ClearAllProcessing and stale sweeps still act on the whole store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCacheDir sets the root directory of the file backend.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithRedis sets the client of the redis backend.
func WithRedis(client redis.UniversalClient) Option {
	return func(o *options) { o.redis = client }
}

// WithMaxSize sets the byte budget of the function's entries, counted in
// encoded bytes; results larger than the budget are returned but not
// stored.
func WithMaxSize(bytes int64) Option {
	return func(o *options) { o.maxSize = &bytes }
}

// WithStaleAfter fixes the freshness threshold. Use config.Forever to
// disable staleness.
func WithStaleAfter(d time.Duration) Option {
	return func(o *options) { o.staleAfter = &d }
}

// WithNextTime fixes whether stale values are returned while refreshing in
// the background.
func WithNextTime(enabled bool) Option {
	return func(o *options) { o.nextTime = &enabled }
}

// WithWaitTimeout fixes how long callers wait for another computation.
func WithWaitTimeout(d time.Duration) Option {
	return func(o *options) { o.waitTimeout = &d }
}

// WithAllowNil fixes whether nil results are cached.
func WithAllowNil(allow bool) Option {
	return func(o *options) { o.allowNil = &allow }
}

// WithCleanupStale fixes whether stale entries are swept periodically.
func WithCleanupStale(enabled bool) Option {
	return func(o *options) { o.cleanupStale = &enabled }
}

// WithKeyFunc replaces key derivation. fn must accept the argument type of
// the wrapped function.
func WithKeyFunc[A any](fn func(A) (string, error)) Option {
	return func(o *options) {
		o.keyFunc = func(v any) (string, error) {
			args, ok := v.(A)
			if !ok {
				var want A
				return "", fmt.Errorf("key func expects %T, got %T", want, v)
			}
			return fn(args)
		}
	}
}

// WithCodec sets the result serializer.
func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithMetrics records outcomes in c.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithPool runs background refreshes on p, which may be shared between
// functions.
func WithPool(p *refresh.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithLogger sets the function logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// CallOptions are per-call overrides.
type CallOptions struct {
	// SkipCache calls the function without touching the store.
	SkipCache bool

	// OverwriteCache recomputes and stores the result even if a fresh
	// value exists.
	OverwriteCache bool

	// MaxAge lowers the freshness threshold for this call. A negative value
	// forces the entry to be treated as stale.
	MaxAge *time.Duration

	// Verbose logs the decision trace at info level.
	Verbose bool
}

// MaxAge is a helper for CallOptions.MaxAge.
func MaxAge(d time.Duration) *time.Duration {
	return &d
}
