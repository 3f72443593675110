// Package memory implements an in-process store.Store.
//
// Entries live in a fixed number of shards selected by xxhash of the key;
// each shard serializes mutations of its keys. Waiters block on a per-key
// channel that is closed whenever the entry finishes, disappears, or stops
// processing, so waiting never polls.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Sternrassler/memocache/pkg/store"
)

// DefaultShards is the number of lock shards.
const DefaultShards = 32

// Options configures a memory store.
type Options struct {
	Limits store.Limits

	// Shards is the number of lock shards; <= 0 means DefaultShards.
	Shards int
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*store.Entry
	waiters map[string]chan struct{}
}

// Store is a sharded in-memory store.
type Store struct {
	limits store.Limits
	shards []*shard

	seqMu sync.Mutex
	seq   int64
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Evictable = (*Store)(nil)
)

// New creates an empty memory store.
func New(opts Options) *Store {
	n := opts.Shards
	if n <= 0 {
		n = DefaultShards
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{
			entries: make(map[string]*store.Entry),
			waiters: make(map[string]chan struct{}),
		}
	}
	return &Store{limits: opts.Limits, shards: shards}
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Store) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// entryLocked returns the entry for key, creating it when missing.
func (s *Store) entryLocked(sh *shard, key string) *store.Entry {
	e, ok := sh.entries[key]
	if !ok {
		e = &store.Entry{Key: key, Seq: s.nextSeq()}
		sh.entries[key] = e
	}
	return e
}

// notifyLocked wakes every waiter of key.
func (sh *shard) notifyLocked(key string) {
	if ch, ok := sh.waiters[key]; ok {
		close(ch)
		delete(sh.waiters, key)
	}
}

// Get returns a copy of the entry and refreshes its last access time.
func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return nil, false, nil
	}
	e.LastAccess = time.Now()
	return e.Clone(), true, nil
}

// Set stores a completed value and wakes waiters.
func (s *Store) Set(_ context.Context, key string, value []byte) (bool, error) {
	if !s.limits.Admit(value) {
		return false, nil
	}

	now := time.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := s.entryLocked(sh, key)
	e.Value = append([]byte(nil), value...)
	e.Time = now
	e.LastAccess = now
	e.Size = int64(len(value))
	e.Processing = false
	e.Completed = true
	sh.notifyLocked(key)
	return true, nil
}

// MarkProcessing flags key as being computed, creating the entry if needed.
func (s *Store) MarkProcessing(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	s.entryLocked(sh, key).Processing = true
	return nil
}

// ClearProcessing clears the processing flag of an existing entry.
func (s *Store) ClearProcessing(_ context.Context, key string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		e.Processing = false
	}
	sh.notifyLocked(key)
	return nil
}

// WaitForCompletion blocks until key stops processing.
func (s *Store) WaitForCompletion(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	sh := s.shardFor(key)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[key]
		if !ok {
			sh.mu.Unlock()
			return nil, store.ErrRecalculationNeeded
		}
		if !e.Processing {
			completed, value := e.Completed, append([]byte(nil), e.Value...)
			sh.mu.Unlock()
			if !completed {
				return nil, store.ErrRecalculationNeeded
			}
			return value, nil
		}
		ch, ok := sh.waiters[key]
		if !ok {
			ch = make(chan struct{})
			sh.waiters[key] = ch
		}
		sh.mu.Unlock()

		select {
		case <-ch:
		case <-expired:
			return nil, store.ErrRecalculationNeeded
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Clear removes every entry.
func (s *Store) Clear(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.entries = make(map[string]*store.Entry)
		for key := range sh.waiters {
			sh.notifyLocked(key)
		}
		sh.mu.Unlock()
	}
	return nil
}

// ClearAllProcessing clears the processing flag of every entry.
func (s *Store) ClearAllProcessing(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.Processing {
				e.Processing = false
				sh.notifyLocked(key)
			}
		}
		sh.mu.Unlock()
	}
	return nil
}

// DeleteStale removes completed entries computed more than maxAge ago.
func (s *Store) DeleteStale(_ context.Context, maxAge time.Duration) (int, error) {
	now := time.Now()
	deleted := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if e.Completed && !e.Processing && e.Age(now) > maxAge {
				delete(sh.entries, key)
				sh.notifyLocked(key)
				deleted++
			}
		}
		sh.mu.Unlock()
	}
	return deleted, nil
}

// Usage reports size and access bookkeeping of every completed entry.
func (s *Store) Usage(_ context.Context) ([]store.Usage, error) {
	var usage []store.Usage
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, e := range sh.entries {
			if !e.Completed {
				continue
			}
			usage = append(usage, store.Usage{Key: key, Size: e.Size, LastAccess: e.LastAccess, Seq: e.Seq})
		}
		sh.mu.Unlock()
	}
	return usage, nil
}

// Delete removes keys.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		delete(sh.entries, key)
		sh.notifyLocked(key)
		sh.mu.Unlock()
	}
	return nil
}

// Len returns the number of entries.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}
