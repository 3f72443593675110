package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/memocache/pkg/store"
	"github.com/Sternrassler/memocache/pkg/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, limits store.Limits) store.Store {
		s, err := New(Options{
			Dir:          t.TempDir(),
			FuncID:       "conformance",
			Limits:       limits,
			PollInterval: 20 * time.Millisecond,
		})
		require.NoError(t, err)
		return s
	})
}

func TestNew_RequiresDir(t *testing.T) {
	_, err := New(Options{FuncID: "f"})
	assert.Error(t, err)
}

func TestFileName(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		plain bool
	}{
		{"hex key", strings.Repeat("ab", 32), true},
		{"with slash", "a/b", false},
		{"with dot", "pkg.Func", false},
		{"empty", "", false},
		{"too long", strings.Repeat("a", maxPlainKeyLen+1), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fileName(tt.key)
			if tt.plain {
				assert.Equal(t, tt.key, got)
				return
			}
			assert.True(t, strings.HasPrefix(got, "h-"), "got %q", got)
			assert.Len(t, got, 2+64)
		})
	}
}

func TestStore_UnsafeFuncIDAndKey(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	s, err := New(Options{Dir: root, FuncID: "github.com/x/y.Func"})
	require.NoError(t, err)
	assert.Equal(t, root, filepath.Dir(s.Dir()))

	_, err = s.Set(ctx, "../escape", []byte("v"))
	require.NoError(t, err)

	entry, found, err := s.Get(ctx, "../escape")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "../escape", entry.Key)

	usage, err := s.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "../escape", usage[0].Key)
}

func TestStore_SharedDirectoryAcrossInstances(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	writer, err := New(Options{Dir: root, FuncID: "shared"})
	require.NoError(t, err)
	waiter, err := New(Options{Dir: root, FuncID: "shared", PollInterval: time.Minute})
	require.NoError(t, err)

	require.NoError(t, writer.MarkProcessing(ctx, "k"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = writer.Set(ctx, "k", []byte("across"))
	}()

	// The poll interval is a minute, so only fsnotify can wake the waiter in time.
	value, err := waiter.WaitForCompletion(ctx, "k", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "across", string(value))
}

func TestStore_SkipsCorruptFiles(t *testing.T) {
	ctx := context.Background()
	s, err := New(Options{Dir: t.TempDir(), FuncID: "corrupt"})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "bad.json"), []byte("{"), 0o644))
	_, err = s.Set(ctx, "good", []byte("v"))
	require.NoError(t, err)

	usage, err := s.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, "good", usage[0].Key)

	_, _, err = s.Get(ctx, "bad")
	assert.Error(t, err)
}

func TestStore_GetRecordsAccessWithoutRewriting(t *testing.T) {
	ctx := context.Background()
	s, err := New(Options{Dir: t.TempDir(), FuncID: "access"})
	require.NoError(t, err)

	_, err = s.Set(ctx, "k", []byte("v"))
	require.NoError(t, err)
	before, err := os.ReadFile(s.path("k"))
	require.NoError(t, err)
	usage, err := s.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	setAccess := usage[0].LastAccess

	time.Sleep(20 * time.Millisecond)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	after, err := os.ReadFile(s.path("k"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "reads must not rewrite the entry")

	usage, err = s.Usage(ctx)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.True(t, usage[0].LastAccess.After(setAccess), "read must advance the last access time")
}

func TestStore_ReadsDoNotRevertWritesOfOtherInstances(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	writer, err := New(Options{Dir: root, FuncID: "race"})
	require.NoError(t, err)
	reader, err := New(Options{Dir: root, FuncID: "race"})
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("k%d", i)
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case <-stop:
					return
				default:
					_, _, _ = reader.Get(ctx, key)
				}
			}
		}()

		require.NoError(t, writer.MarkProcessing(ctx, key))
		_, err := writer.Set(ctx, key, []byte("v"))
		require.NoError(t, err)
		close(stop)
		<-done

		entry, found, err := reader.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, entry.Completed, "round %d: value was reverted", i)
		require.False(t, entry.Processing, "round %d: processing flag was restored", i)
		require.Equal(t, "v", string(entry.Value))
	}
}

func TestStore_ConcurrentUpdatesAcrossInstances(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	a, err := New(Options{Dir: root, FuncID: "updates"})
	require.NoError(t, err)
	b, err := New(Options{Dir: root, FuncID: "updates"})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("k%d", i)
		require.NoError(t, a.MarkProcessing(ctx, key))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = a.Set(ctx, key, []byte("fresh"))
		}()
		go func() {
			defer wg.Done()
			_ = b.ClearProcessing(ctx, key)
		}()
		wg.Wait()

		entry, found, err := b.Get(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		require.True(t, entry.Completed, "round %d: value was lost", i)
		require.Equal(t, "fresh", string(entry.Value))
		require.False(t, entry.Processing)
	}
}
