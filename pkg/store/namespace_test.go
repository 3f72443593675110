package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/memocache/pkg/store"
	"github.com/Sternrassler/memocache/pkg/store/memory"
)

func TestNamespace_SeparatesEqualKeys(t *testing.T) {
	ctx := context.Background()
	shared := memory.New(memory.Options{})
	a := store.Namespace(shared, "pkg.a")
	b := store.Namespace(shared, "pkg.b")

	_, err := a.Set(ctx, "k", []byte("1"))
	require.NoError(t, err)
	_, err = b.Set(ctx, "k", []byte("2"))
	require.NoError(t, err)

	entry, found, err := a.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "k", entry.Key)
	assert.Equal(t, "1", string(entry.Value))

	entry, found, err = b.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "2", string(entry.Value))

	assert.Equal(t, 2, shared.Len())
}

func TestNamespace_EvictableViewIsScoped(t *testing.T) {
	ctx := context.Background()
	shared := memory.New(memory.Options{})
	a := store.Namespace(shared, "pkg.a")
	b := store.Namespace(shared, "pkg.b")

	for _, k := range []string{"x", "y"} {
		_, err := a.Set(ctx, k, []byte("1"))
		require.NoError(t, err)
	}
	_, err := b.Set(ctx, "x", []byte("2"))
	require.NoError(t, err)

	ev, ok := a.(store.Evictable)
	require.True(t, ok)
	usage, err := ev.Usage(ctx)
	require.NoError(t, err)
	keys := make([]string, 0, len(usage))
	for _, u := range usage {
		keys = append(keys, u.Key)
	}
	assert.ElementsMatch(t, []string{"x", "y"}, keys)

	require.NoError(t, ev.Delete(ctx, "x"))
	_, found, err := b.Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, found)

	require.NoError(t, a.Clear(ctx))
	assert.Equal(t, 1, shared.Len())
	_, found, err = b.Get(ctx, "x")
	require.NoError(t, err)
	assert.True(t, found)
}

type plainStore struct{ store.Store }

func TestNamespace_EvictableOnlyWhenInnerIs(t *testing.T) {
	ns := store.Namespace(plainStore{memory.New(memory.Options{})}, "f")
	_, ok := ns.(store.Evictable)
	assert.False(t, ok)
}
