// Package filestore implements store.Store on a local directory.
//
// Each function owns a directory below the cache root and each entry is a
// JSON file named after its key. Writes go to a temporary file that is
// renamed into place, so concurrent readers in other processes see either
// the old or the new entry. Every read-modify-write cycle holds an
// advisory lock on the function directory, so instances in other
// processes sharing the directory never overwrite each other's updates.
// Reads never rewrite an entry: the last access time is recorded as the
// file's modification time. Waiters watch the directory with fsnotify and
// re-check on a poll ticker as a fallback for file systems without change
// notifications.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/memocache/pkg/logging"
	"github.com/Sternrassler/memocache/pkg/store"
)

const (
	entryExt       = ".json"
	lockName       = ".lock"
	maxPlainKeyLen = 128
)

// Options configures a file store.
type Options struct {
	// Dir is the cache root; the function directory is created below it.
	Dir string

	// FuncID names the function directory (required).
	FuncID string

	Limits store.Limits

	// PollInterval is the fallback re-check interval for waiters.
	PollInterval time.Duration

	// Owner is recorded on entries marked processing; empty means a fresh xid.
	Owner string

	// Logger defaults to a component logger named "filestore".
	Logger *zerolog.Logger
}

// Store keeps one function's entries in a directory.
type Store struct {
	dir          string
	limits       store.Limits
	pollInterval time.Duration
	owner        string
	logger       zerolog.Logger

	// mu serializes read-modify-write cycles within this instance; flock
	// extends that to every instance on the directory.
	mu    sync.Mutex
	flock *flock.Flock
}

var (
	_ store.Store     = (*Store)(nil)
	_ store.Evictable = (*Store)(nil)
)

// New creates the function directory and returns a store on it.
func New(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("filestore: cache directory is required")
	}

	dir := filepath.Join(opts.Dir, fileName(opts.FuncID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore mkdir %s: %w", dir, err)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = store.DefaultPollInterval
	}
	owner := opts.Owner
	if owner == "" {
		owner = xid.New().String()
	}
	logger := logging.NewLogger("filestore")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Store{
		dir:          dir,
		limits:       opts.Limits,
		pollInterval: poll,
		owner:        owner,
		logger:       logger.With().Str("function", opts.FuncID).Logger(),
		flock:        flock.New(filepath.Join(dir, lockName)),
	}, nil
}

// lock acquires the instance mutex and the directory lock. The returned
// function releases both.
func (s *Store) lock() (func(), error) {
	s.mu.Lock()
	if err := s.flock.Lock(); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("filestore lock: %w", err)
	}
	return func() {
		if err := s.flock.Unlock(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release directory lock")
		}
		s.mu.Unlock()
	}, nil
}

// Dir returns the function directory.
func (s *Store) Dir() string {
	return s.dir
}

// fileName maps a key to a file-system safe name. Keys that are long or
// contain anything but [A-Za-z0-9_-] are replaced by their sha256.
func fileName(key string) string {
	if key != "" && len(key) <= maxPlainKeyLen && !strings.ContainsFunc(key, unsafeRune) {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "h-" + hex.EncodeToString(sum[:])
}

func unsafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		return false
	}
	return true
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, fileName(key)+entryExt)
}

func (s *Store) read(path string) (*store.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entry store.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("filestore decode %s: %w", filepath.Base(path), err)
	}
	return &entry, nil
}

func (s *Store) load(key string) (*store.Entry, bool, error) {
	entry, err := s.read(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry, true, nil
}

// write replaces the entry file atomically.
func (s *Store) write(entry *store.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("filestore encode: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore create temp: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("filestore write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("filestore close: %w", err)
	}
	if err := os.Rename(tmpName, s.path(entry.Key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("filestore rename: %w", err)
	}
	return nil
}

// Get returns the entry for key and refreshes its last access time by
// touching the entry file. The entry content is never rewritten.
func (s *Store) Get(_ context.Context, key string) (*store.Entry, bool, error) {
	path := s.path(key)
	entry, err := s.read(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to update last access")
	}
	entry.LastAccess = now
	return entry, true, nil
}

// Set stores a completed value.
func (s *Store) Set(_ context.Context, key string, value []byte) (bool, error) {
	if !s.limits.Admit(value) {
		return false, nil
	}

	unlock, err := s.lock()
	if err != nil {
		return false, err
	}
	defer unlock()

	now := time.Now()
	entry, found, err := s.load(key)
	if err != nil || !found {
		entry = &store.Entry{Key: key, Seq: now.UnixNano()}
	}
	entry.Value = value
	entry.Time = now
	entry.LastAccess = now
	entry.Size = int64(len(value))
	entry.Processing = false
	entry.Completed = true

	if err := s.write(entry); err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessing flags key as being computed, creating the entry if needed.
func (s *Store) MarkProcessing(_ context.Context, key string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry, found, err := s.load(key)
	if err != nil || !found {
		entry = &store.Entry{Key: key, Seq: time.Now().UnixNano()}
	}
	entry.Processing = true
	entry.Owner = s.owner
	return s.write(entry)
}

// ClearProcessing clears the processing flag of an existing entry.
func (s *Store) ClearProcessing(_ context.Context, key string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	entry, found, err := s.load(key)
	if err != nil || !found {
		return err
	}
	entry.Processing = false
	return s.write(entry)
}

// WaitForCompletion blocks until key stops processing.
func (s *Store) WaitForCompletion(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Debug().Err(err).Msg("fsnotify unavailable, polling")
		return store.Poll(ctx, s.pollInterval, timeout, s.checker(key))
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		s.logger.Debug().Err(err).Str("dir", s.dir).Msg("Failed to watch directory, polling")
		return store.Poll(ctx, s.pollInterval, timeout, s.checker(key))
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	check := s.checker(key)
	target := s.path(key)
	for {
		value, done, err := check(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return value, nil
		}

	wait:
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					watcher.Events = nil
					continue
				}
				if ev.Name == target {
					break wait
				}
			case err, ok := <-watcher.Errors:
				if ok {
					s.logger.Debug().Err(err).Msg("fsnotify error")
				}
			case <-ticker.C:
				break wait
			case <-expired:
				return nil, store.ErrRecalculationNeeded
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

func (s *Store) checker(key string) store.CheckFunc {
	return func(context.Context) ([]byte, bool, error) {
		entry, found, err := s.load(key)
		if err != nil {
			return nil, false, err
		}
		if !found {
			return nil, false, store.ErrRecalculationNeeded
		}
		if entry.Processing {
			return nil, false, nil
		}
		if !entry.Completed {
			return nil, false, store.ErrRecalculationNeeded
		}
		return entry.Value, true, nil
	}
}

// each calls fn for every readable entry file and stops at the first error.
func (s *Store) each(fn func(path string, entry *store.Entry) error) error {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore readdir: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExt) {
			continue
		}
		path := filepath.Join(s.dir, de.Name())
		entry, err := s.read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("file", de.Name()).Msg("Skipping unreadable entry")
			continue
		}
		if err := fn(path, entry); err != nil {
			return err
		}
	}
	return nil
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore remove: %w", err)
	}
	return nil
}

// Clear deletes every entry of the function.
func (s *Store) Clear(_ context.Context) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("filestore readdir: %w", err)
	}
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entryExt) {
			continue
		}
		if err := remove(filepath.Join(s.dir, de.Name())); err != nil {
			return err
		}
	}
	return nil
}

// ClearAllProcessing clears the processing flag of every entry.
func (s *Store) ClearAllProcessing(_ context.Context) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	return s.each(func(_ string, entry *store.Entry) error {
		if !entry.Processing {
			return nil
		}
		entry.Processing = false
		return s.write(entry)
	})
}

// DeleteStale removes completed entries computed more than maxAge ago.
func (s *Store) DeleteStale(_ context.Context, maxAge time.Duration) (int, error) {
	unlock, err := s.lock()
	if err != nil {
		return 0, err
	}
	defer unlock()

	now := time.Now()
	deleted := 0
	err = s.each(func(path string, entry *store.Entry) error {
		if !entry.Completed || entry.Processing || entry.Age(now) <= maxAge {
			return nil
		}
		if err := remove(path); err != nil {
			return err
		}
		deleted++
		return nil
	})
	return deleted, err
}

// Usage reports size and access bookkeeping of every completed entry. The
// last access time is the later of the recorded one and the file's
// modification time.
func (s *Store) Usage(_ context.Context) ([]store.Usage, error) {
	var usage []store.Usage
	err := s.each(func(path string, entry *store.Entry) error {
		if !entry.Completed {
			return nil
		}
		lastAccess := entry.LastAccess
		if info, err := os.Stat(path); err == nil && info.ModTime().After(lastAccess) {
			lastAccess = info.ModTime()
		}
		usage = append(usage, store.Usage{
			Key:        entry.Key,
			Size:       entry.Size,
			LastAccess: lastAccess,
			Seq:        entry.Seq,
		})
		return nil
	})
	return usage, err
}

// Delete removes keys.
func (s *Store) Delete(_ context.Context, keys ...string) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	for _, key := range keys {
		if err := remove(s.path(key)); err != nil {
			return err
		}
	}
	return nil
}
