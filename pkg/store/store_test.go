package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_Usable(t *testing.T) {
	tests := []struct {
		name     string
		entry    Entry
		allowNil bool
		want     bool
	}{
		{"completed value", Entry{Completed: true, Value: []byte("1")}, false, true},
		{"completed nil disallowed", Entry{Completed: true}, false, false},
		{"completed nil allowed", Entry{Completed: true}, true, true},
		{"processing only", Entry{Processing: true}, true, false},
		{"not completed with stale bytes", Entry{Value: []byte("1")}, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.entry.Usable(tt.allowNil))
		})
	}
}

func TestEntry_CloneDoesNotShareValue(t *testing.T) {
	e := &Entry{Key: "k", Value: []byte("abc"), Completed: true}
	c := e.Clone()
	c.Value[0] = 'x'

	assert.Equal(t, "abc", string(e.Value))
	assert.Nil(t, (*Entry)(nil).Clone())
}

func TestEntry_Age(t *testing.T) {
	now := time.Now()
	e := &Entry{Time: now.Add(-3 * time.Second)}
	assert.Equal(t, 3*time.Second, e.Age(now))
}

func TestLimits_Admit(t *testing.T) {
	tests := []struct {
		name   string
		limits Limits
		value  []byte
		want   bool
	}{
		{"no limits", Limits{}, []byte("abc"), true},
		{"nil rejected", Limits{}, nil, false},
		{"nil allowed", Limits{AllowNil: true}, nil, true},
		{"within size", Limits{MaxEntryBytes: 3}, []byte("abc"), true},
		{"oversized", Limits{MaxEntryBytes: 2}, []byte("abc"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.limits.Admit(tt.value))
		})
	}
}

func TestPoll_ReturnsWhenDone(t *testing.T) {
	var calls atomic.Int32
	value, err := Poll(context.Background(), 5*time.Millisecond, 0, func(context.Context) ([]byte, bool, error) {
		if calls.Add(1) < 3 {
			return nil, false, nil
		}
		return []byte("done"), true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "done", string(value))
	assert.EqualValues(t, 3, calls.Load())
}

func TestPoll_TimeoutIsRecalculationNeeded(t *testing.T) {
	start := time.Now()
	_, err := Poll(context.Background(), 5*time.Millisecond, 30*time.Millisecond, func(context.Context) ([]byte, bool, error) {
		return nil, false, nil
	})

	require.ErrorIs(t, err, ErrRecalculationNeeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_CheckErrorStopsImmediately(t *testing.T) {
	var calls atomic.Int32
	_, err := Poll(context.Background(), 5*time.Millisecond, 0, func(context.Context) ([]byte, bool, error) {
		calls.Add(1)
		return nil, false, ErrRecalculationNeeded
	})

	require.ErrorIs(t, err, ErrRecalculationNeeded)
	assert.EqualValues(t, 1, calls.Load())
}

func TestPoll_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Poll(ctx, 5*time.Millisecond, time.Minute, func(context.Context) ([]byte, bool, error) {
		return nil, false, nil
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, ErrRecalculationNeeded))
}
