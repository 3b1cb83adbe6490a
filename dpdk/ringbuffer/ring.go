// Package ringbuffer provides a bounded lock-free FIFO ring.
package ringbuffer

import (
	"errors"
	"sync/atomic"

	binutils "github.com/jfoster/binary-utilities"
	"github.com/pkg/math"
	"github.com/sdrnet/udpdk/dpdk/eal"
)

// Limits and defaults.
const (
	MinCapacity     = 4
	MaxCapacity     = 1 << 24
	DefaultCapacity = 256
)

// ErrCapacity indicates the requested capacity is out of range.
var ErrCapacity = errors.New("ring capacity out of range")

// AlignCapacity adjusts Ring capacity to a power of two between minimum and maximum.
// Optional arguments: minimum capacity, default capacity, maximum capacity.
// Default capacity is used if input is zero.
func AlignCapacity(capacity int, opts ...int) int {
	min, dflt, max := MinCapacity, DefaultCapacity, MaxCapacity
	switch len(opts) {
	case 0:
	case 1:
		min, dflt = opts[0], opts[0]
	case 2:
		min, dflt = opts[0], opts[1]
	case 3:
		min, dflt, max = opts[0], opts[1], opts[2]
	default:
		panic("unexpected opts count")
	}
	if dflt < min || dflt > max ||
		binutils.NextPowerOfTwo(int64(min)) != int64(min) ||
		binutils.NextPowerOfTwo(int64(dflt)) != int64(dflt) ||
		binutils.NextPowerOfTwo(int64(max)) != int64(max) {
		panic("invalid min, dflt, max")
	}

	if capacity <= 0 {
		capacity = dflt
	} else {
		capacity = int(binutils.NextPowerOfTwo(int64(capacity)))
	}
	return math.MinInt(math.MaxInt(min, capacity), max)
}

// ProducerMode indicates ring producer synchronization mode.
type ProducerMode int

// Ring producer synchronization modes.
const (
	ProducerMulti ProducerMode = iota
	ProducerSingle
)

// ConsumerMode indicates ring consumer synchronization mode.
type ConsumerMode int

// Ring consumer synchronization modes.
const (
	ConsumerMulti ConsumerMode = iota
	ConsumerSingle
)

type cacheLinePad [64]byte

type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a bounded FIFO ring buffer.
//
// Each slot carries a sequence number: a slot at position p is free when seq==p,
// and holds a value when seq==p+1.
// Enqueue and dequeue reserve a run of consecutive slots by advancing head or tail.
// In single-producer or single-consumer mode, the reservation is a plain store instead of a CAS;
// the caller is responsible for not invoking that side concurrently.
type Ring[T any] struct {
	_     cacheLinePad
	head  atomic.Uint64
	_     cacheLinePad
	tail  atomic.Uint64
	_     cacheLinePad
	mask  uint64
	slots []slot[T]

	pm     ProducerMode
	cm     ConsumerMode
	socket eal.NumaSocket
}

// New creates a Ring.
// capacity must be a power of two between MinCapacity and MaxCapacity; use AlignCapacity to adjust.
func New[T any](capacity int, socket eal.NumaSocket, pm ProducerMode, cm ConsumerMode) (r *Ring[T], e error) {
	if capacity < MinCapacity || capacity > MaxCapacity || binutils.NextPowerOfTwo(int64(capacity)) != int64(capacity) {
		return nil, ErrCapacity
	}
	r = &Ring[T]{
		mask:   uint64(capacity - 1),
		slots:  make([]slot[T], capacity),
		pm:     pm,
		cm:     cm,
		socket: socket,
	}
	for i := range r.slots {
		r.slots[i].seq.Store(uint64(i))
	}
	return r, nil
}

// Capacity returns ring capacity.
func (r *Ring[T]) Capacity() int {
	return len(r.slots)
}

// NumaSocket returns the NUMA socket where the ring is expected to be accessed.
func (r *Ring[T]) NumaSocket() eal.NumaSocket {
	return r.socket
}

// CountInUse returns used space.
// The result is approximate when there are concurrent producers or consumers.
func (r *Ring[T]) CountInUse() int {
	tail := r.tail.Load()
	head := r.head.Load()
	if head < tail {
		return 0
	}
	return math.MinInt(int(head-tail), len(r.slots))
}

// CountAvailable returns free space.
func (r *Ring[T]) CountAvailable() int {
	return len(r.slots) - r.CountInUse()
}

// Enqueue enqueues as many objects as possible.
// Returns number of objects enqueued, which are a prefix of vals.
func (r *Ring[T]) Enqueue(vals []T) (nEnqueued int) {
	return r.enqueue(vals, false)
}

// EnqueueBulk enqueues all objects or none.
func (r *Ring[T]) EnqueueBulk(vals []T) bool {
	return len(vals) == 0 || r.enqueue(vals, true) == len(vals)
}

// Dequeue dequeues up to len(vals) objects.
// Returns number of objects written into vals.
func (r *Ring[T]) Dequeue(vals []T) (nDequeued int) {
	return r.dequeue(vals, false)
}

// DequeueBulk dequeues exactly len(vals) objects or none.
func (r *Ring[T]) DequeueBulk(vals []T) bool {
	return len(vals) == 0 || r.dequeue(vals, true) == len(vals)
}

func (r *Ring[T]) enqueue(vals []T, bulk bool) int {
	for {
		pos := r.head.Load()
		n := r.countRun(pos, len(vals), 0)
		if n == 0 || (bulk && n < len(vals)) {
			if r.head.Load() == pos {
				return 0
			}
			continue
		}

		if r.pm == ProducerSingle {
			r.head.Store(pos + uint64(n))
		} else if !r.head.CompareAndSwap(pos, pos+uint64(n)) {
			continue
		}

		for i := 0; i < n; i++ {
			s := &r.slots[(pos+uint64(i))&r.mask]
			s.val = vals[i]
			s.seq.Store(pos + uint64(i) + 1)
		}
		return n
	}
}

func (r *Ring[T]) dequeue(vals []T, bulk bool) int {
	var zero T
	for {
		pos := r.tail.Load()
		n := r.countRun(pos, len(vals), 1)
		if n == 0 || (bulk && n < len(vals)) {
			if r.tail.Load() == pos {
				return 0
			}
			continue
		}

		if r.cm == ConsumerSingle {
			r.tail.Store(pos + uint64(n))
		} else if !r.tail.CompareAndSwap(pos, pos+uint64(n)) {
			continue
		}

		for i := 0; i < n; i++ {
			s := &r.slots[(pos+uint64(i))&r.mask]
			vals[i] = s.val
			s.val = zero
			s.seq.Store(pos + uint64(i) + uint64(len(r.slots)))
		}
		return n
	}
}

// countRun counts consecutive slots starting at pos, up to max, whose seq equals position+delta.
func (r *Ring[T]) countRun(pos uint64, max int, delta uint64) (n int) {
	for n < max {
		p := pos + uint64(n)
		if r.slots[p&r.mask].seq.Load() != p+delta {
			break
		}
		n++
	}
	return n
}
