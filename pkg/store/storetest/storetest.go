// Package storetest is a conformance suite for store.Store implementations.
//
// Backends run it from their own tests:
//
//	func TestConformance(t *testing.T) {
//		storetest.Run(t, func(t *testing.T, limits store.Limits) store.Store {
//			return memory.New(memory.Options{Limits: limits})
//		})
//	}
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/memocache/pkg/store"
)

// Factory creates an empty store for one subtest. Polling backends should
// use a short poll interval so the suite stays fast.
type Factory func(t *testing.T, limits store.Limits) store.Store

// Run executes the conformance suite against stores created by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, newStore Factory)
	}{
		{"GetMissing", testGetMissing},
		{"MarkProcessing", testMarkProcessing},
		{"SetCompletes", testSetCompletes},
		{"SetRejectsOversized", testSetRejectsOversized},
		{"SetNilValue", testSetNilValue},
		{"ClearProcessing", testClearProcessing},
		{"WaitReturnsValue", testWaitReturnsValue},
		{"WaitNotProcessing", testWaitNotProcessing},
		{"WaitMissing", testWaitMissing},
		{"WaitTimeout", testWaitTimeout},
		{"WaitEntryVanishes", testWaitEntryVanishes},
		{"WaitClearedWithoutValue", testWaitClearedWithoutValue},
		{"WaitManyWaiters", testWaitManyWaiters},
		{"Clear", testClear},
		{"ClearAllProcessing", testClearAllProcessing},
		{"DeleteStale", testDeleteStale},
		{"Usage", testUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore)
		})
	}
}

func testGetMissing(t *testing.T, newStore Factory) {
	s := newStore(t, store.Limits{})
	entry, found, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, entry)
}

func testMarkProcessing(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})

	require.NoError(t, s.MarkProcessing(ctx, "k"))

	entry, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.Processing)
	assert.False(t, entry.Completed)
}

func testSetCompletes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})

	before := time.Now().Add(-time.Second)
	require.NoError(t, s.MarkProcessing(ctx, "k"))
	ok, err := s.Set(ctx, "k", []byte("value"))
	require.NoError(t, err)
	require.True(t, ok)

	entry, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "k", entry.Key)
	assert.Equal(t, "value", string(entry.Value))
	assert.True(t, entry.Completed)
	assert.False(t, entry.Processing)
	assert.EqualValues(t, 5, entry.Size)
	assert.True(t, entry.Time.After(before), "entry time %v not after %v", entry.Time, before)
}

func testSetRejectsOversized(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{MaxEntryBytes: 4})

	ok, err := s.Set(ctx, "k", []byte("too large"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func testSetNilValue(t *testing.T, newStore Factory) {
	ctx := context.Background()

	rejecting := newStore(t, store.Limits{})
	ok, err := rejecting.Set(ctx, "k", nil)
	require.NoError(t, err)
	assert.False(t, ok)

	accepting := newStore(t, store.Limits{AllowNil: true})
	ok, err = accepting.Set(ctx, "k", nil)
	require.NoError(t, err)
	require.True(t, ok)

	entry, found, err := accepting.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, entry.IsNil())
}

func testClearProcessing(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})

	require.NoError(t, s.ClearProcessing(ctx, "missing"))
	_, found, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found, "ClearProcessing must not create entries")

	require.NoError(t, s.MarkProcessing(ctx, "k"))
	require.NoError(t, s.ClearProcessing(ctx, "k"))

	entry, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, entry.Processing)
}

func testWaitReturnsValue(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	require.NoError(t, s.MarkProcessing(ctx, "k"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.Set(ctx, "k", []byte("computed"))
		_ = s.ClearProcessing(ctx, "k")
	}()

	value, err := s.WaitForCompletion(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "computed", string(value))
}

func testWaitNotProcessing(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	_, err := s.Set(ctx, "k", []byte("ready"))
	require.NoError(t, err)

	value, err := s.WaitForCompletion(ctx, "k", 0)
	require.NoError(t, err)
	assert.Equal(t, "ready", string(value))
}

func testWaitMissing(t *testing.T, newStore Factory) {
	s := newStore(t, store.Limits{})
	_, err := s.WaitForCompletion(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, store.ErrRecalculationNeeded)
}

func testWaitTimeout(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	require.NoError(t, s.MarkProcessing(ctx, "k"))

	start := time.Now()
	_, err := s.WaitForCompletion(ctx, "k", 100*time.Millisecond)
	assert.ErrorIs(t, err, store.ErrRecalculationNeeded)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func testWaitEntryVanishes(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	require.NoError(t, s.MarkProcessing(ctx, "k"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Clear(ctx)
	}()

	_, err := s.WaitForCompletion(ctx, "k", 5*time.Second)
	assert.ErrorIs(t, err, store.ErrRecalculationNeeded)
}

func testWaitClearedWithoutValue(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	require.NoError(t, s.MarkProcessing(ctx, "k"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.ClearProcessing(ctx, "k")
	}()

	_, err := s.WaitForCompletion(ctx, "k", 5*time.Second)
	assert.ErrorIs(t, err, store.ErrRecalculationNeeded)
}

func testWaitManyWaiters(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	require.NoError(t, s.MarkProcessing(ctx, "k"))

	const waiters = 8
	results := make([]string, waiters)
	errs := make([]error, waiters)

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			value, err := s.WaitForCompletion(ctx, "k", 5*time.Second)
			results[i], errs[i] = string(value), err
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	_, err := s.Set(ctx, "k", []byte("shared"))
	require.NoError(t, err)
	wg.Wait()

	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func testClear(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Set(ctx, k, []byte(k))
		require.NoError(t, err)
	}

	require.NoError(t, s.Clear(ctx))

	for _, k := range []string{"a", "b", "c"} {
		_, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, found, "key %s survived Clear", k)
	}
}

func testClearAllProcessing(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	require.NoError(t, s.MarkProcessing(ctx, "a"))
	require.NoError(t, s.MarkProcessing(ctx, "b"))

	require.NoError(t, s.ClearAllProcessing(ctx))

	for _, k := range []string{"a", "b"} {
		entry, found, err := s.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, found)
		assert.False(t, entry.Processing, "key %s still processing", k)
	}
}

func testDeleteStale(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})

	_, err := s.Set(ctx, "old", []byte("1"))
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	_, err = s.Set(ctx, "fresh", []byte("2"))
	require.NoError(t, err)

	deleted, err := s.DeleteStale(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, found, err := s.Get(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = s.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, found)
}

func testUsage(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, store.Limits{})
	ev, ok := s.(store.Evictable)
	if !ok {
		t.Skip("store does not implement store.Evictable")
	}

	_, err := s.Set(ctx, "a", []byte("12345"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = s.Set(ctx, "b", []byte("123"))
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, _, err = s.Get(ctx, "a")
	require.NoError(t, err)

	usage, err := ev.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 2)

	byKey := map[string]store.Usage{}
	for _, u := range usage {
		byKey[u.Key] = u
	}
	assert.EqualValues(t, 5, byKey["a"].Size)
	assert.EqualValues(t, 3, byKey["b"].Size)
	assert.True(t, byKey["a"].LastAccess.After(byKey["b"].LastAccess), "reading a must refresh its last access")
	assert.Less(t, byKey["a"].Seq, byKey["b"].Seq)

	require.NoError(t, ev.Delete(ctx, "a"))
	_, found, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}
