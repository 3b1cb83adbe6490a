package pktmbuf

import (
	"errors"
	"math/bits"
	"sync/atomic"

	"github.com/pkg/math"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// MaxCacheSize is the maximum per-lcore cache size.
const MaxCacheSize = 512

// ErrNoMem indicates the pool does not have enough packets.
var ErrNoMem = eal.Errno(unix.ENOMEM)

// ErrPoolClosed indicates the pool has been closed.
var ErrPoolClosed = errors.New("pool closed")

// ComputeOptimumCapacity adjusts pool capacity to be a power of two minus one, if near.
func ComputeOptimumCapacity(capacity int) int {
	if bits.OnesCount64(uint64(capacity)) == 1 {
		capacity--
	}
	return capacity
}

// ComputeCacheSize calculates the appropriate cache size for given pool capacity.
func ComputeCacheSize(capacity int) int {
	if capacity/16 < MaxCacheSize {
		return capacity / 16
	}
	min := MaxCacheSize / 4
	for i := MaxCacheSize; i >= min; i-- {
		if capacity%i == 0 {
			return i
		}
	}
	return MaxCacheSize
}

// PoolConfig contains packet buffer pool configuration.
type PoolConfig struct {
	// Capacity is the number of packets.
	Capacity int `json:"capacity"`
	// Dataroom is the buffer size after DefaultHeadroom.
	Dataroom int `json:"dataroom"`
	// CacheSize is the per-lcore cache size.
	// Zero means ComputeCacheSize(Capacity); negative disables caching.
	CacheSize int `json:"cacheSize"`
}

func (cfg *PoolConfig) applyDefaults() {
	switch {
	case cfg.CacheSize == 0:
		cfg.CacheSize = ComputeCacheSize(cfg.Capacity)
	case cfg.CacheSize < 0:
		cfg.CacheSize = 0
	}
	cfg.CacheSize = math.MinInt(cfg.CacheSize, MaxCacheSize)
}

// lcoreCache is accessed only by the thread of its lcore, except for the atomic count.
type lcoreCache struct {
	objs  []*Packet
	count atomic.Int32
}

// Pool is a pool of packet buffers on a NUMA socket.
// Alloc and Free are safe to call from any thread.
// On worker lcores, a small per-lcore cache reduces contention on the shared ring.
type Pool struct {
	id       uintptr
	cfg      PoolConfig
	socket   eal.NumaSocket
	ring     *ringbuffer.Ring[*Packet]
	caches   [eal.MaxLCores]atomic.Pointer[lcoreCache]
	capacity int
	closed   atomic.Bool
}

var lastPoolID uintptr

// NewPool creates a pool.
func NewPool(cfg PoolConfig, socket eal.NumaSocket) (mp *Pool, e error) {
	if cfg.Capacity <= 0 || cfg.Dataroom <= 0 {
		return nil, errors.New("capacity and dataroom must be positive")
	}
	cfg.applyDefaults()

	ringCapacity := math.MaxInt(ringbuffer.MinCapacity, 1<<bits.Len(uint(cfg.Capacity)))
	if ringCapacity > ringbuffer.MaxCapacity {
		return nil, ringbuffer.ErrCapacity
	}
	mp = &Pool{
		id:       uintptr(atomic.AddUintptr(&lastPoolID, 1)),
		cfg:      cfg,
		socket:   socket,
		capacity: cfg.Capacity,
	}
	if mp.ring, e = ringbuffer.New[*Packet](ringCapacity, socket, ringbuffer.ProducerMulti, ringbuffer.ConsumerMulti); e != nil {
		return nil, e
	}

	bufLen := DefaultHeadroom + cfg.Dataroom
	backing := make([]byte, bufLen*cfg.Capacity)
	pkts := make([]Packet, cfg.Capacity)
	vec := make(Vector, cfg.Capacity)
	for i := range pkts {
		pkt := &pkts[i]
		pkt.buf = backing[i*bufLen : (i+1)*bufLen : (i+1)*bufLen]
		pkt.pool = mp
		pkt.Reset()
		pkt.freed.Store(true)
		vec[i] = pkt
	}
	mp.ring.Enqueue(vec)

	logger.Debug("pool created",
		zap.Uintptr("pool", mp.id),
		zap.Int("capacity", cfg.Capacity),
		zap.Int("dataroom", cfg.Dataroom),
		zap.Int("cache", cfg.CacheSize),
		zap.Stringer("socket", socket),
	)
	return mp, nil
}

// Close releases the pool.
// Later allocations fail with ErrPoolClosed.
// Packets still in use remain valid memory and may still be freed.
func (mp *Pool) Close() error {
	if !mp.closed.Swap(true) {
		logger.Debug("pool closed", zap.Uintptr("pool", mp.id), zap.Int("in-use", mp.CountInUse()))
	}
	return nil
}

// Capacity returns number of packets in the pool.
func (mp *Pool) Capacity() int {
	return mp.capacity
}

// Dataroom returns dataroom setting.
func (mp *Pool) Dataroom() int {
	return mp.cfg.Dataroom
}

// NumaSocket returns the NUMA socket of this pool.
func (mp *Pool) NumaSocket() eal.NumaSocket {
	return mp.socket
}

// CountAvailable returns number of available packets, including those in lcore caches.
func (mp *Pool) CountAvailable() (n int) {
	n = mp.ring.CountInUse()
	for i := range mp.caches {
		if c := mp.caches[i].Load(); c != nil {
			n += int(c.count.Load())
		}
	}
	return n
}

// CountInUse returns number of allocated packets.
func (mp *Pool) CountInUse() int {
	return mp.capacity - mp.CountAvailable()
}

func (mp *Pool) cache() *lcoreCache {
	if mp.cfg.CacheSize == 0 {
		return nil
	}
	lc := eal.CurrentLCore()
	if !lc.Valid() {
		return nil
	}
	c := mp.caches[lc.ID()].Load()
	if c == nil {
		c = &lcoreCache{objs: make([]*Packet, 0, mp.cfg.CacheSize*3/2+1)}
		mp.caches[lc.ID()].Store(c)
	}
	return c
}

// Alloc allocates count packets.
// The allocation either succeeds entirely or fails with ErrNoMem.
func (mp *Pool) Alloc(count int) (vec Vector, e error) {
	vec = make(Vector, count)
	if e = mp.AllocInto(vec); e != nil {
		return nil, e
	}
	return vec, nil
}

// AllocInto allocates packets into every slot of vec.
func (mp *Pool) AllocInto(vec Vector) error {
	if mp.closed.Load() {
		return ErrPoolClosed
	}
	if len(vec) == 0 {
		return nil
	}
	if !mp.get(vec) {
		return ErrNoMem
	}
	for _, pkt := range vec {
		pkt.freed.Store(false)
		pkt.Reset()
	}
	return nil
}

func (mp *Pool) get(vec Vector) bool {
	c := mp.cache()
	if c != nil && len(vec) <= mp.cfg.CacheSize {
		if need := len(vec) - len(c.objs); need > 0 {
			refill := c.objs[len(c.objs) : len(c.objs)+need+mp.cfg.CacheSize/2]
			n := mp.ring.Dequeue(refill)
			c.objs = c.objs[:len(c.objs)+n]
		}
		if len(c.objs) >= len(vec) {
			rest := len(c.objs) - len(vec)
			copy(vec, c.objs[rest:])
			mp.trimCache(c, rest)
			return true
		}
	}
	if c != nil && len(c.objs) > 0 {
		mp.put(c.objs)
		mp.trimCache(c, 0)
	}
	return mp.ring.DequeueBulk(vec)
}

func (mp *Pool) trimCache(c *lcoreCache, n int) {
	for i := n; i < len(c.objs); i++ {
		c.objs[i] = nil
	}
	c.objs = c.objs[:n]
	c.count.Store(int32(n))
}

// Free releases packets to the pool.
// All packets must belong to this pool; nil entries are skipped.
func (mp *Pool) Free(vec Vector) {
	pending := make(Vector, 0, len(vec))
	for _, pkt := range vec {
		if pkt == nil || pkt.pool != mp || !pkt.markFreed() {
			continue
		}
		pending = append(pending, pkt)
	}
	if len(pending) == 0 {
		return
	}

	c := mp.cache()
	if c != nil && len(c.objs)+len(pending) <= cap(c.objs) {
		c.objs = append(c.objs, pending...)
		c.count.Store(int32(len(c.objs)))
		return
	}
	if c != nil && len(c.objs) > mp.cfg.CacheSize {
		mp.put(c.objs[mp.cfg.CacheSize:])
		mp.trimCache(c, mp.cfg.CacheSize)
	}
	mp.put(pending)
}

func (mp *Pool) put(vec Vector) {
	for len(vec) > 0 {
		n := mp.ring.Enqueue(vec)
		vec = vec[n:]
	}
}
