package eviction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/memocache/pkg/store"
	"github.com/Sternrassler/memocache/pkg/store/memory"
)

// fakeStore serves fixed usage and records deletions.
type fakeStore struct {
	usage    []store.Usage
	deleted  []string
	usageErr error
}

func (f *fakeStore) Usage(context.Context) ([]store.Usage, error) {
	return append([]store.Usage(nil), f.usage...), f.usageErr
}

func (f *fakeStore) Delete(_ context.Context, keys ...string) error {
	f.deleted = append(f.deleted, keys...)
	return nil
}

func TestEnforce_UnderBudget(t *testing.T) {
	fs := &fakeStore{usage: []store.Usage{{Key: "a", Size: 10}, {Key: "b", Size: 20}}}

	res, err := New(100).Enforce(context.Background(), fs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.EqualValues(t, 30, res.Bytes)
	assert.Empty(t, res.Evicted)
	assert.Empty(t, fs.deleted)
}

func TestEnforce_DisabledBudgetReportsTotals(t *testing.T) {
	fs := &fakeStore{usage: []store.Usage{{Key: "a", Size: 1000}}}

	res, err := New(0).Enforce(context.Background(), fs)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, res.Bytes)
	assert.Empty(t, fs.deleted)
}

func TestEnforce_LRUOrder(t *testing.T) {
	base := time.Now()
	tests := []struct {
		name   string
		usage  []store.Usage
		budget int64
		want   []string
	}{
		{
			name: "oldest access first",
			usage: []store.Usage{
				{Key: "new", Size: 10, LastAccess: base.Add(2 * time.Second), Seq: 1},
				{Key: "old", Size: 10, LastAccess: base, Seq: 2},
				{Key: "mid", Size: 10, LastAccess: base.Add(time.Second), Seq: 3},
			},
			budget: 15,
			want:   []string{"old", "mid"},
		},
		{
			name: "ties broken by seq",
			usage: []store.Usage{
				{Key: "b", Size: 10, LastAccess: base, Seq: 2},
				{Key: "a", Size: 10, LastAccess: base, Seq: 1},
			},
			budget: 10,
			want:   []string{"a"},
		},
		{
			name: "full ties broken by key",
			usage: []store.Usage{
				{Key: "y", Size: 10, LastAccess: base, Seq: 1},
				{Key: "x", Size: 10, LastAccess: base, Seq: 1},
			},
			budget: 10,
			want:   []string{"x"},
		},
		{
			name: "single large entry",
			usage: []store.Usage{
				{Key: "big", Size: 100, LastAccess: base.Add(time.Hour)},
				{Key: "small", Size: 1, LastAccess: base},
			},
			budget: 50,
			want:   []string{"small", "big"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := &fakeStore{usage: tt.usage}
			res, err := New(tt.budget).Enforce(context.Background(), fs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Evicted)
			assert.Equal(t, tt.want, fs.deleted)
			assert.LessOrEqual(t, res.Bytes, tt.budget)
		})
	}
}

func TestEnforce_UsageError(t *testing.T) {
	boom := errors.New("boom")
	_, err := New(1).Enforce(context.Background(), &fakeStore{usageErr: boom})
	assert.ErrorIs(t, err, boom)
}

func TestEnforce_AccessPostponesEviction(t *testing.T) {
	ctx := context.Background()
	s := memory.New(memory.Options{})

	_, err := s.Set(ctx, "first", []byte("0123456789"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = s.Set(ctx, "second", []byte("0123456789"))
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Reading first makes second the least recently used.
	_, _, err = s.Get(ctx, "first")
	require.NoError(t, err)

	_, err = s.Set(ctx, "third", []byte("0123456789"))
	require.NoError(t, err)

	res, err := New(25).Enforce(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, []string{"second"}, res.Evicted)
	assert.Equal(t, 2, res.Entries)
	assert.EqualValues(t, 20, res.Bytes)

	_, found, err := s.Get(ctx, "first")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestEstimateSize(t *testing.T) {
	type node struct {
		Name string
		Next *node
	}
	cyclic := &node{Name: "loop"}
	cyclic.Next = cyclic

	tests := []struct {
		name   string
		value  any
		min    int64
		wantOK bool
	}{
		{"nil", nil, 0, false},
		{"int", 42, 8, true},
		{"string", "hello world", 11, true},
		{"byte slice", make([]byte, 1024), 1024, true},
		{"float slice", make([]float64, 100), 800, true},
		{"string slice", []string{"aaaa", "bbbb"}, 8, true},
		{"map", map[string]int{"a": 1, "b": 2}, 2, true},
		{"struct", struct{ A, B string }{"xx", "yy"}, 4, true},
		{"cyclic pointer", cyclic, 4, true},
		{"func falls back to shallow size", func() {}, 1, true},
		{"struct with chan falls back", struct{ C chan int }{make(chan int)}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, ok := EstimateSize(tt.value)
			assert.Equal(t, tt.wantOK, ok)
			assert.GreaterOrEqual(t, size, tt.min)
		})
	}
}

func TestEstimateSize_DeepIsLargerThanShallow(t *testing.T) {
	v := []string{string(make([]byte, 4096))}
	size, ok := EstimateSize(v)
	require.True(t, ok)
	assert.Greater(t, size, int64(4096))
}
