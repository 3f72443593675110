// Package eviction enforces a per-function byte budget by removing the
// least recently accessed entries.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"github.com/Sternrassler/memocache/pkg/store"
)

// Result describes the state of a store after Enforce.
type Result struct {
	// Entries and Bytes are the totals remaining after eviction.
	Entries int
	Bytes   int64

	// Evicted lists removed keys, least recently accessed first.
	Evicted      []string
	EvictedBytes int64
}

// Manager enforces one byte budget.
type Manager struct {
	budget int64
}

// New creates a manager; a budget <= 0 disables eviction but Enforce still
// reports totals.
func New(budget int64) *Manager {
	return &Manager{budget: budget}
}

// Budget returns the configured byte budget.
func (m *Manager) Budget() int64 {
	return m.budget
}

// Enforce sums the recorded entry sizes of s and, while the total exceeds
// the budget, deletes entries in ascending LastAccess order. Entries with
// equal LastAccess are ordered by Seq, then by key.
func (m *Manager) Enforce(ctx context.Context, s store.Evictable) (Result, error) {
	usage, err := s.Usage(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("eviction usage: %w", err)
	}

	var res Result
	for _, u := range usage {
		res.Bytes += u.Size
	}
	res.Entries = len(usage)

	if m.budget <= 0 || res.Bytes <= m.budget {
		return res, nil
	}

	sort.Slice(usage, func(i, j int) bool {
		a, b := usage[i], usage[j]
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.Key < b.Key
	})

	for _, u := range usage {
		if res.Bytes <= m.budget {
			break
		}
		res.Evicted = append(res.Evicted, u.Key)
		res.EvictedBytes += u.Size
		res.Bytes -= u.Size
		res.Entries--
	}

	if err := s.Delete(ctx, res.Evicted...); err != nil {
		return res, fmt.Errorf("eviction delete: %w", err)
	}
	return res, nil
}

const maxSizeDepth = 64

var errUnmeasurable = errors.New("unmeasurable value")

// EstimateSize reports the approximate in-memory size of v in bytes. It
// walks v deeply and falls back to the shallow size of its type when the
// walk fails. ok is false when v cannot be measured at all; callers must
// treat such values as unbounded but still storable.
func EstimateSize(v any) (size int64, ok bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	if n, err := deepSize(rv, map[uintptr]struct{}{}, 0); err == nil {
		return n, true
	}
	return int64(rv.Type().Size()), true
}

func deepSize(v reflect.Value, seen map[uintptr]struct{}, depth int) (int64, error) {
	if depth > maxSizeDepth {
		return 0, errUnmeasurable
	}
	if !v.IsValid() {
		return 0, nil
	}

	t := v.Type()
	size := int64(t.Size())

	switch v.Kind() {
	case reflect.String:
		return size + int64(v.Len()), nil

	case reflect.Pointer:
		if v.IsNil() {
			return size, nil
		}
		if _, ok := seen[v.Pointer()]; ok {
			return size, nil
		}
		seen[v.Pointer()] = struct{}{}
		n, err := deepSize(v.Elem(), seen, depth+1)
		return size + n, err

	case reflect.Interface:
		if v.IsNil() {
			return size, nil
		}
		n, err := deepSize(v.Elem(), seen, depth+1)
		return size + n, err

	case reflect.Slice:
		if v.IsNil() {
			return size, nil
		}
		elem := t.Elem()
		if isFlat(elem) {
			return size + int64(v.Cap())*int64(elem.Size()), nil
		}
		for i := 0; i < v.Len(); i++ {
			n, err := deepSize(v.Index(i), seen, depth+1)
			if err != nil {
				return 0, err
			}
			size += n
		}
		return size + int64(v.Cap()-v.Len())*int64(elem.Size()), nil

	case reflect.Array:
		if isFlat(t.Elem()) {
			return size, nil
		}
		size = 0
		for i := 0; i < v.Len(); i++ {
			n, err := deepSize(v.Index(i), seen, depth+1)
			if err != nil {
				return 0, err
			}
			size += n
		}
		return size, nil

	case reflect.Map:
		if v.IsNil() {
			return size, nil
		}
		iter := v.MapRange()
		for iter.Next() {
			kn, err := deepSize(iter.Key(), seen, depth+1)
			if err != nil {
				return 0, err
			}
			vn, err := deepSize(iter.Value(), seen, depth+1)
			if err != nil {
				return 0, err
			}
			size += kn + vn
		}
		return size, nil

	case reflect.Struct:
		size = 0
		for i := 0; i < v.NumField(); i++ {
			n, err := deepSize(v.Field(i), seen, depth+1)
			if err != nil {
				return 0, err
			}
			size += n
		}
		// Padding.
		if pad := int64(t.Size()) - size; pad > 0 {
			size += pad
		}
		return size, nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return 0, errUnmeasurable

	default:
		return size, nil
	}
}

// isFlat reports whether values of t hold no references.
func isFlat(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isFlat(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !isFlat(t.Field(i).Type) {
				return false
			}
		}
		return true
	}
	return false
}
