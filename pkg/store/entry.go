// Package store defines the storage contract behind the memoization engine.
//
// Every backend (in-process map, Redis, local files) implements Store with
// identical blocking and error semantics, so the engine in package memo
// behaves the same regardless of where entries live.
package store

import (
	"time"
)

// Entry is the cached record for one key of one function.
type Entry struct {
	// Key is the argument fingerprint.
	Key string `json:"key"`

	// Value is the serialized result. An empty Value on a completed entry
	// means the function returned a nil result.
	Value []byte `json:"value,omitempty"`

	// Time is when the value was computed.
	Time time.Time `json:"time"`

	// Processing is set while a computation for the key is in flight.
	Processing bool `json:"processing"`

	// Completed is set once Value holds a usable result.
	Completed bool `json:"completed"`

	// LastAccess is updated on every read and drives LRU eviction.
	LastAccess time.Time `json:"last_access"`

	// Size is the stored size of Value in bytes.
	Size int64 `json:"size"`

	// Seq orders entries by creation; it breaks LRU ties.
	Seq int64 `json:"seq"`

	// Owner identifies the process that last marked the entry processing.
	Owner string `json:"owner,omitempty"`
}

// Age returns how long ago the value was computed.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.Time)
}

// IsNil reports whether the entry holds a nil result.
func (e *Entry) IsNil() bool {
	return e.Completed && len(e.Value) == 0
}

// Usable reports whether the entry holds a value that may be returned.
// Nil results are only usable when allowNil is set.
func (e *Entry) Usable(allowNil bool) bool {
	if !e.Completed {
		return false
	}
	return len(e.Value) > 0 || allowNil
}

// Clone returns a deep copy so callers never share Value with a store.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return &c
}

// Usage is the eviction view of an entry.
type Usage struct {
	Key        string
	Size       int64
	LastAccess time.Time
	Seq        int64
}
