package memo

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const claimShards = 64

// claims serializes the lookup-and-mark step of calls for the same key
// within a process, so two callers racing on an empty key cannot both
// decide to compute.
type claims struct {
	shards [claimShards]sync.Mutex
}

// claim is a held key lock. release is idempotent.
type claim struct {
	mu   *sync.Mutex
	held bool
}

func (c *claims) acquire(key string) *claim {
	mu := &c.shards[xxhash.Sum64String(key)%claimShards]
	mu.Lock()
	return &claim{mu: mu, held: true}
}

func (c *claim) release() {
	if c != nil && c.held {
		c.held = false
		c.mu.Unlock()
	}
}
