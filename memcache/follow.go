package memcache

import (
	"context"

	"github.com/arloliu/go-gdbmon/internal/util"
)

// FollowFunc reads memory whose location depends on bytes fetched in the same cycle,
// such as a table reached through a pointer. It runs at the end of Update while the
// cache is locked and the target is still halted, so everything it sees and fetches
// belongs to one snapshot.
//
// A FollowFunc must only use the Snapshot; calling other Cache methods deadlocks.
type FollowFunc func(ctx context.Context, snap *Snapshot) error

// Snapshot is the cache as seen by a FollowFunc. It is only valid during the call.
type Snapshot struct {
	cache  *Cache
	client Client
}

// Follow registers fn to run at the end of every Update.
func (c *Cache) Follow(fn FollowFunc) {
	if fn == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.follows = append(c.follows, fn)
}

// Data returns a copy of the bytes cached at address.
func (s *Snapshot) Data(address uint32) ([]byte, bool) {
	slot, ok := s.cache.data[address]
	if !ok {
		return nil, false
	}

	return util.CloneSlice(slot, len(slot)), true
}

// Uint32 returns the cached little-endian 32-bit integer at address.
func (s *Snapshot) Uint32(address uint32) (uint32, bool) {
	return decodeValue[uint32](s.cache.data[address])
}

// Fetch reads length bytes at address and caches them exactly like a registered read,
// so Data, Err and the typed accessors report them after Update returns. The region is
// not registered: a later cycle only refreshes it if a FollowFunc fetches it again.
func (s *Snapshot) Fetch(ctx context.Context, address uint32, length int) ([]byte, error) {
	if err := s.cache.fetch(ctx, s.client, address, max(length, 0)); err != nil {
		return nil, err
	}
	data, _ := s.Data(address)

	return data, nil
}
