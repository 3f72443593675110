package store

import (
	"context"
	"strings"
	"time"
)

// Namespace returns a view of s that prefixes every key with prefix and a
// colon, so several functions can share one store without colliding.
// The view is Evictable when s is; Usage then lists only the namespace.
//
// Clear deletes the namespace's completed entries when s is Evictable and
// the whole store otherwise. ClearAllProcessing and DeleteStale always act on the whole
// store.
func Namespace(s Store, prefix string) Store {
	ns := namespaced{inner: s, prefix: prefix + ":"}
	if ev, ok := s.(Evictable); ok {
		return evictableNamespace{namespaced: ns, ev: ev}
	}
	return ns
}

type namespaced struct {
	inner  Store
	prefix string
}

func (n namespaced) Get(ctx context.Context, key string) (*Entry, bool, error) {
	entry, found, err := n.inner.Get(ctx, n.prefix+key)
	if err != nil || !found {
		return nil, found, err
	}
	entry = entry.Clone()
	entry.Key = strings.TrimPrefix(entry.Key, n.prefix)
	return entry, true, nil
}

func (n namespaced) Set(ctx context.Context, key string, value []byte) (bool, error) {
	return n.inner.Set(ctx, n.prefix+key, value)
}

func (n namespaced) MarkProcessing(ctx context.Context, key string) error {
	return n.inner.MarkProcessing(ctx, n.prefix+key)
}

func (n namespaced) ClearProcessing(ctx context.Context, key string) error {
	return n.inner.ClearProcessing(ctx, n.prefix+key)
}

func (n namespaced) WaitForCompletion(ctx context.Context, key string, timeout time.Duration) ([]byte, error) {
	return n.inner.WaitForCompletion(ctx, n.prefix+key, timeout)
}

func (n namespaced) Clear(ctx context.Context) error {
	return n.inner.Clear(ctx)
}

func (n namespaced) ClearAllProcessing(ctx context.Context) error {
	return n.inner.ClearAllProcessing(ctx)
}

func (n namespaced) DeleteStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return n.inner.DeleteStale(ctx, maxAge)
}

type evictableNamespace struct {
	namespaced
	ev Evictable
}

func (n evictableNamespace) Usage(ctx context.Context) ([]Usage, error) {
	all, err := n.ev.Usage(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Usage, 0, len(all))
	for _, u := range all {
		if k, ok := strings.CutPrefix(u.Key, n.prefix); ok {
			u.Key = k
			out = append(out, u)
		}
	}
	return out, nil
}

func (n evictableNamespace) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = n.prefix + k
	}
	return n.ev.Delete(ctx, prefixed...)
}

func (n evictableNamespace) Clear(ctx context.Context) error {
	usage, err := n.Usage(ctx)
	if err != nil {
		return err
	}
	if len(usage) == 0 {
		return nil
	}
	keys := make([]string, len(usage))
	for i, u := range usage {
		keys[i] = u.Key
	}
	return n.Delete(ctx, keys...)
}
