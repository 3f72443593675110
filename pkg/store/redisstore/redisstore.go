// Package redisstore implements store.Store on Redis.
//
// Each entry is one hash at <prefix>:<function>:<key> with the fields
// value, time, processing, completed, last_access, size, seq and owner.
// Writes are single HSET commands or MULTI/EXEC transactions, so readers
// never observe a half-written entry. Flag updates on existing entries run
// as Lua scripts so they never resurrect a deleted key.
//
// Redis has no wait/notify primitive that survives across processes, so
// WaitForCompletion polls the hash (store.Poll) every PollInterval.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/memocache/pkg/logging"
	"github.com/Sternrassler/memocache/pkg/store"
)

// DefaultPrefix namespaces all keys written by this package.
const DefaultPrefix = "memo"

const scanBatch = 100

// Hash fields of an entry.
const (
	fieldValue      = "value"
	fieldTime       = "time"
	fieldProcessing = "processing"
	fieldCompleted  = "completed"
	fieldLastAccess = "last_access"
	fieldSize       = "size"
	fieldSeq        = "seq"
	fieldOwner      = "owner"
)

// StoreErrors tracks failed Redis operations.
var StoreErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "memo_redis_store_errors_total",
		Help: "Total number of failed Redis store operations",
	},
	[]string{"operation"},
)

// setIfExists updates one field of an existing hash and is a no-op for
// missing keys.
var setIfExists = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Options configures a Redis store.
type Options struct {
	// FuncID namespaces the keys of one memoized function (required).
	FuncID string

	// Prefix is prepended to every key; empty means DefaultPrefix.
	Prefix string

	Limits store.Limits

	// PollInterval is how often waiters re-read an entry.
	PollInterval time.Duration

	// Owner is recorded on entries marked processing by this store;
	// empty means a fresh xid.
	Owner string

	// Logger defaults to a component logger named "redisstore".
	Logger *zerolog.Logger
}

// Store is a Redis-backed store for one function.
type Store struct {
	redis        redis.UniversalClient
	ns           string
	limits       store.Limits
	pollInterval time.Duration
	owner        string
	logger       zerolog.Logger
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Evictable = (*Store)(nil)
)

// New creates a store on an existing Redis client.
func New(client redis.UniversalClient, opts Options) *Store {
	if client == nil {
		panic("redis client cannot be nil")
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = store.DefaultPollInterval
	}
	owner := opts.Owner
	if owner == "" {
		owner = xid.New().String()
	}
	logger := logging.NewLogger("redisstore")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Store{
		redis:        client,
		ns:           prefix + ":" + opts.FuncID + ":",
		limits:       opts.Limits,
		pollInterval: poll,
		owner:        owner,
		logger:       logger.With().Str("function", opts.FuncID).Logger(),
	}
}

// Owner returns the id recorded on entries this store marks processing.
func (s *Store) Owner() string {
	return s.owner
}

func (s *Store) redisKey(key string) string {
	return s.ns + key
}

func (s *Store) fail(operation string, err error) error {
	StoreErrors.WithLabelValues(operation).Inc()
	return fmt.Errorf("redis %s: %w", operation, err)
}

// Get returns the entry for key and refreshes its last access time.
func (s *Store) Get(ctx context.Context, key string) (*store.Entry, bool, error) {
	rk := s.redisKey(key)

	fields, err := s.redis.HGetAll(ctx, rk).Result()
	if err != nil {
		return nil, false, s.fail("hgetall", err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}

	entry := parseEntry(key, fields)
	now := time.Now()
	if err := setIfExists.Run(ctx, s.redis, []string{rk}, fieldLastAccess, now.UnixNano()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		StoreErrors.WithLabelValues("touch").Inc()
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to update last access")
	} else {
		entry.LastAccess = now
	}

	return entry, true, nil
}

// Set stores a completed value.
func (s *Store) Set(ctx context.Context, key string, value []byte) (bool, error) {
	if !s.limits.Admit(value) {
		return false, nil
	}

	rk := s.redisKey(key)
	now := time.Now().UnixNano()
	if value == nil {
		value = []byte{}
	}

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rk,
			fieldValue, value,
			fieldTime, now,
			fieldProcessing, "0",
			fieldCompleted, "1",
			fieldLastAccess, now,
			fieldSize, len(value),
		)
		pipe.HSetNX(ctx, rk, fieldSeq, now)
		return nil
	})
	if err != nil {
		return false, s.fail("set", err)
	}
	return true, nil
}

// MarkProcessing flags key as being computed by this store's owner.
func (s *Store) MarkProcessing(ctx context.Context, key string) error {
	rk := s.redisKey(key)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rk, fieldProcessing, "1", fieldOwner, s.owner)
		pipe.HSetNX(ctx, rk, fieldSeq, time.Now().UnixNano())
		return nil
	})
	if err != nil {
		return s.fail("mark_processing", err)
	}
	return nil
}

// ClearProcessing clears the processing flag of an existing entry.
func (s *Store) ClearProcessing(ctx context.Context, key string) error {
	err := setIfExists.Run(ctx, s.redis, []string{s.redisKey(key)}, fieldProcessing, "0").Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s.fail("clear_processing", err)
	}
	return nil
}

// WaitForCompletion polls the entry until it stops processing.
func (s *Store) WaitForCompletion(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	rk := s.redisKey(key)
	return store.Poll(ctx, s.pollInterval, timeout, func(ctx context.Context) ([]byte, bool, error) {
		fields, err := s.redis.HGetAll(ctx, rk).Result()
		if err != nil {
			return nil, false, s.fail("hgetall", err)
		}
		if len(fields) == 0 {
			return nil, false, store.ErrRecalculationNeeded
		}
		entry := parseEntry(key, fields)
		if entry.Processing {
			s.logger.Debug().Str("key", key).Str("owner", entry.Owner).Msg("Entry still processing")
			return nil, false, nil
		}
		if !entry.Completed {
			return nil, false, store.ErrRecalculationNeeded
		}
		return entry.Value, true, nil
	})
}

// Clear deletes every entry of the function.
func (s *Store) Clear(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		if err := s.redis.Del(ctx, keys...).Err(); err != nil {
			return s.fail("del", err)
		}
		return nil
	})
}

// ClearAllProcessing clears the processing flag of every entry.
func (s *Store) ClearAllProcessing(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		for _, rk := range keys {
			err := setIfExists.Run(ctx, s.redis, []string{rk}, fieldProcessing, "0").Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				return s.fail("clear_processing", err)
			}
		}
		return nil
	})
}

// DeleteStale deletes completed entries computed more than maxAge ago.
func (s *Store) DeleteStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixNano()
	deleted := 0

	err := s.scan(ctx, func(keys []string) error {
		cmds := make([]*redis.SliceCmd, len(keys))
		_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, rk := range keys {
				cmds[i] = pipe.HMGet(ctx, rk, fieldTime, fieldCompleted, fieldProcessing)
			}
			return nil
		})
		if err != nil {
			return s.fail("hmget", err)
		}

		var stale []string
		for i, cmd := range cmds {
			vals := cmd.Val()
			if len(vals) != 3 || asString(vals[1]) != "1" || asString(vals[2]) == "1" {
				continue
			}
			if ts, err := strconv.ParseInt(asString(vals[0]), 10, 64); err == nil && ts < cutoff {
				stale = append(stale, keys[i])
			}
		}
		if len(stale) == 0 {
			return nil
		}
		n, err := s.redis.Del(ctx, stale...).Result()
		if err != nil {
			return s.fail("del", err)
		}
		deleted += int(n)
		return nil
	})
	return deleted, err
}

// Usage reports size and access bookkeeping of every completed entry.
func (s *Store) Usage(ctx context.Context) ([]store.Usage, error) {
	var usage []store.Usage

	err := s.scan(ctx, func(keys []string) error {
		cmds := make([]*redis.SliceCmd, len(keys))
		_, err := s.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, rk := range keys {
				cmds[i] = pipe.HMGet(ctx, rk, fieldSize, fieldLastAccess, fieldSeq, fieldCompleted)
			}
			return nil
		})
		if err != nil {
			return s.fail("hmget", err)
		}

		for i, cmd := range cmds {
			vals := cmd.Val()
			if len(vals) != 4 || asString(vals[3]) != "1" {
				continue
			}
			size, _ := strconv.ParseInt(asString(vals[0]), 10, 64)
			seq, _ := strconv.ParseInt(asString(vals[2]), 10, 64)
			usage = append(usage, store.Usage{
				Key:        strings.TrimPrefix(keys[i], s.ns),
				Size:       size,
				LastAccess: parseNanos(asString(vals[1])),
				Seq:        seq,
			})
		}
		return nil
	})
	return usage, err
}

// Delete removes keys.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	rks := make([]string, len(keys))
	for i, key := range keys {
		rks[i] = s.redisKey(key)
	}
	if err := s.redis.Del(ctx, rks...).Err(); err != nil {
		return s.fail("del", err)
	}
	return nil
}

// scan calls fn with batches of full Redis keys in the function namespace.
func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	iter := s.redis.Scan(ctx, 0, escapeGlob(s.ns)+"*", scanBatch).Iterator()

	batch := make([]string, 0, scanBatch)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := fn(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return s.fail("scan", err)
	}
	if len(batch) > 0 {
		return fn(batch)
	}
	return nil
}

func parseEntry(key string, fields map[string]string) *store.Entry {
	entry := &store.Entry{
		Key:        key,
		Time:       parseNanos(fields[fieldTime]),
		Processing: fields[fieldProcessing] == "1",
		Completed:  fields[fieldCompleted] == "1",
		LastAccess: parseNanos(fields[fieldLastAccess]),
		Owner:      fields[fieldOwner],
	}
	if v := fields[fieldValue]; v != "" {
		entry.Value = []byte(v)
	}
	entry.Size, _ = strconv.ParseInt(fields[fieldSize], 10, 64)
	entry.Seq, _ = strconv.ParseInt(fields[fieldSeq], 10, 64)
	return entry
}

func parseNanos(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// escapeGlob escapes SCAN MATCH metacharacters.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
