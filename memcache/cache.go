package memcache

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/arloliu/go-gdbmon/internal/queue"
	"github.com/arloliu/go-gdbmon/internal/util"
	"github.com/arloliu/go-gdbmon/rsp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/exp/constraints"
)

// Client is the subset of *rsp.Client used to refresh the cache.
type Client interface {
	ReadSlice(ctx context.Context, address uint32, buf []byte) error
	WriteSlice(ctx context.Context, address uint32, data []byte) error
}

// Request is a registered read: length bytes starting at Address.
type Request struct {
	Address uint32
	Length  int
}

// PendingWrite is a queued write of Data to Address.
type PendingWrite struct {
	Address uint32
	Data    []byte
}

// Cache is the request registry and the cache of fetched memory.
//
// All methods are goroutine-safe. Update holds the cache lock for the whole refresh, so
// accessors called during a cycle block until the cycle's reads are committed and never
// observe a half-updated snapshot. Err only touches a concurrent map and never blocks.
type Cache struct {
	mu       sync.Mutex
	requests map[uint32]int
	data     map[uint32][]byte
	writes   *queue.Queue[PendingWrite]
	follows  []FollowFunc
	scratch  []byte

	errs *xsync.MapOf[uint32, error]
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		requests: make(map[uint32]int),
		data:     make(map[uint32][]byte),
		writes:   queue.New[PendingWrite](8),
		errs:     xsync.NewMapOf[uint32, error](),
	}
}

// Request registers, or updates, the number of bytes to fetch at address every cycle.
// A negative length is treated as zero.
func (c *Cache) Request(address uint32, length int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[address] = max(length, 0)
}

// RequestWrite queues a write of data to address. data is copied.
func (c *Cache) RequestWrite(address uint32, data []byte) {
	w := PendingWrite{Address: address, Data: util.CloneSlice(data, len(data))}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writes.Enqueue(w)
}

// Data returns a copy of the bytes most recently fetched at address.
// ok is false when address has never been fetched successfully.
func (c *Cache) Data(address uint32) (data []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.data[address]
	if !ok {
		return nil, false
	}

	return util.CloneSlice(slot, len(slot)), true
}

// Uint8 returns the cached byte at address.
func (c *Cache) Uint8(address uint32) (uint8, bool) {
	return Value[uint8](c, address)
}

// Uint16 returns the cached little-endian 16-bit integer at address.
func (c *Cache) Uint16(address uint32) (uint16, bool) {
	return Value[uint16](c, address)
}

// Uint32 returns the cached little-endian 32-bit integer at address.
func (c *Cache) Uint32(address uint32) (uint32, bool) {
	return Value[uint32](c, address)
}

// Int16 returns the cached little-endian signed 16-bit integer at address.
func (c *Cache) Int16(address uint32) (int16, bool) {
	return Value[int16](c, address)
}

// Int32 returns the cached little-endian signed 32-bit integer at address.
func (c *Cache) Int32(address uint32) (int32, bool) {
	return Value[int32](c, address)
}

// Value decodes the cached bytes at address as a little-endian integer of type T.
// ok is false on a miss or when fewer bytes than T's width were requested.
func Value[T constraints.Integer](c *Cache, address uint32) (v T, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return decodeValue[T](c.data[address])
}

func decodeValue[T constraints.Integer](slot []byte) (v T, ok bool) {
	if len(slot) < int(unsafe.Sizeof(v)) {
		return v, false
	}

	return rsp.LittleEndian[T](slot), true
}

// Err returns the error of the most recent failed read at address, or nil when the last
// read succeeded or none was attempted.
func (c *Cache) Err(address uint32) error {
	err, _ := c.errs.Load(address)

	return err
}

// Forget removes the read registered at address together with its cached bytes.
func (c *Cache) Forget(address uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.requests, address)
	delete(c.data, address)
	c.errs.Delete(address)
}

// Reset drops every registered read, follow function, cached region and queued write.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.requests)
	clear(c.data)
	c.writes.Reset()
	c.follows = nil
	c.errs.Clear()
}

// Requests returns the registered reads in ascending address order.
func (c *Cache) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sortedRequests()
}

// PendingWrites returns the number of queued writes.
func (c *Cache) PendingWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.writes.Length()
}

// Update flushes every queued write in submission order, then performs one read per
// registered region in ascending address order.
//
// A failed read is recorded for its address and does not prevent the remaining reads;
// the previously cached bytes of that address are kept. A failed write is dropped.
// Once the connection is lost (see rsp.IsFatal) or ctx is done, Update stops: writes not
// yet attempted stay queued.
//
// Follow functions run last, in registration order, unless the cycle was already stopped.
//
// The returned error joins every failure of the cycle.
func (c *Cache) Update(ctx context.Context, client Client) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	for {
		w, ok := c.writes.Peek()
		if !ok {
			break
		}

		err := client.WriteSlice(ctx, w.Address, w.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("memcache: write 0x%08x: %w", w.Address, err))
			if isTerminal(ctx, err) {
				return errors.Join(errs...)
			}
		}

		c.writes.Dequeue()
	}

	for _, req := range c.sortedRequests() {
		if err := c.fetch(ctx, client, req.Address, req.Length); err != nil {
			errs = append(errs, err)
			if isTerminal(ctx, err) {
				return errors.Join(errs...)
			}
		}
	}

	snap := &Snapshot{cache: c, client: client}
	for _, fn := range c.follows {
		if err := fn(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("memcache: follow: %w", err))
			if isTerminal(ctx, err) {
				break
			}
		}
	}

	return errors.Join(errs...)
}

// fetch reads length bytes at address into the cache. The caller holds c.mu.
func (c *Cache) fetch(ctx context.Context, client Client, address uint32, length int) error {
	c.scratch = util.Resize(c.scratch, length)

	if err := client.ReadSlice(ctx, address, c.scratch); err != nil {
		c.errs.Store(address, err)
		return fmt.Errorf("memcache: read 0x%08x: %w", address, err)
	}

	c.data[address] = append(util.Resize(c.data[address], 0), c.scratch...)
	c.errs.Delete(address)

	return nil
}

func (c *Cache) sortedRequests() []Request {
	reqs := make([]Request, 0, len(c.requests))
	for addr, n := range c.requests {
		reqs = append(reqs, Request{Address: addr, Length: n})
	}

	slices.SortFunc(reqs, func(a, b Request) int { return cmp.Compare(a.Address, b.Address) })

	return reqs
}

// isTerminal reports whether err means no further exchange can succeed in this cycle.
func isTerminal(ctx context.Context, err error) bool {
	return rsp.IsFatal(err) || ctx.Err() != nil
}
