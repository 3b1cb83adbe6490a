package xport

import (
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"github.com/sdrnet/udpdk/xport/xhdr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TxQueue governs outbound buffers of one (port, caller thread) pair.
//
// A buffer is in exactly one of: the free ring, the outbound ring, the retry ring,
// or checked out to a socket.
// Callers dequeue from the free ring and enqueue to the outbound ring;
// the worker owns the retry ring and replenishes the free ring.
type TxQueue struct {
	key      int
	port     *Port
	capacity int
	pool     *pktmbuf.Pool
	outbound *ringbuffer.Ring[*pktmbuf.Packet]
	retry    *ringbuffer.Ring[*pktmbuf.Packet]
	free     *ringbuffer.Ring[*pktmbuf.Packet]

	// sockets and waiter are accessed by the worker only.
	sockets []*Socket
	waiter  *waiter
}

// TxQueueCounts is a snapshot of buffer locations in a TxQueue.
type TxQueueCounts struct {
	Capacity   int `json:"capacity"`
	Free       int `json:"free"`
	Outbound   int `json:"outbound"`
	Retry      int `json:"retry"`
	CheckedOut int `json:"checkedOut"`
}

func newTxQueue(port *Port, key, capacity int, pool *pktmbuf.Pool) (q *TxQueue, e error) {
	capacity = ringbuffer.AlignCapacity(capacity, ringbuffer.MinCapacity, DefaultTxQueueCapacity)
	q = &TxQueue{
		key:      key,
		port:     port,
		capacity: capacity,
		pool:     pool,
	}
	socket := pool.NumaSocket()
	if q.outbound, e = ringbuffer.New[*pktmbuf.Packet](capacity, socket, ringbuffer.ProducerMulti, ringbuffer.ConsumerSingle); e != nil {
		return nil, e
	}
	if q.retry, e = ringbuffer.New[*pktmbuf.Packet](capacity, socket, ringbuffer.ProducerSingle, ringbuffer.ConsumerSingle); e != nil {
		return nil, e
	}
	if q.free, e = ringbuffer.New[*pktmbuf.Packet](capacity, socket, ringbuffer.ProducerMulti, ringbuffer.ConsumerMulti); e != nil {
		return nil, e
	}

	vec, e := pool.Alloc(capacity)
	if e != nil {
		return nil, e
	}
	prepareTxBuffers(vec)
	q.free.Enqueue(vec)
	return q, nil
}

// prepareTxBuffers reserves header space in fresh buffers.
func prepareTxBuffers(vec pktmbuf.Vector) {
	for _, pkt := range vec {
		pkt.Reset()
		pkt.SetLen(xhdr.UDPHeadersLen)
	}
}

// Key returns the queue key.
func (q *TxQueue) Key() int {
	return q.key
}

// Counts returns current buffer locations.
// CheckedOut is computed from the conservation invariant.
func (q *TxQueue) Counts() (c TxQueueCounts) {
	c.Capacity = q.capacity
	c.Free = q.free.CountInUse()
	c.Outbound = q.outbound.CountInUse()
	c.Retry = q.retry.CountInUse()
	c.CheckedOut = c.Capacity - c.Free - c.Outbound - c.Retry
	return c
}

// replenish allocates n fresh buffers into the free ring and wakes a waiting caller.
func (q *TxQueue) replenish(n int) {
	if n <= 0 {
		return
	}
	vec, e := q.pool.Alloc(n)
	if e != nil {
		q.port.logger.Error("TxQueue replenish alloc error", zap.Int("n", n), zap.Error(e))
		return
	}
	prepareTxBuffers(vec)
	if nEnq := q.free.Enqueue(vec); nEnq < n {
		q.port.logger.Error("TxQueue free ring overflow", zap.Int("n", n), zap.Int("enqueued", nEnq))
		vec[nEnq:].Close()
	}
	q.wakeWaiter()
}

func (q *TxQueue) wakeWaiter() {
	if q.waiter != nil && q.free.CountInUse() > 0 {
		q.waiter.wake(nil)
		q.waiter = nil
	}
}

// restoreLost refills the free ring so that buffers add up to capacity.
func (q *TxQueue) restoreLost() {
	checkedOut := 0
	for _, sock := range q.sockets {
		checkedOut += int(sock.checkedOut.Load())
	}
	inUse := checkedOut + q.free.CountInUse() + q.outbound.CountInUse() + q.retry.CountInUse()
	q.replenish(q.capacity - inUse)
}

func (q *TxQueue) removeSocket(sock *Socket) {
	for i, s := range q.sockets {
		if s == sock {
			q.sockets = append(q.sockets[:i], q.sockets[i+1:]...)
			return
		}
	}
}

// close frees buffers in every ring.
func (q *TxQueue) close() error {
	if q.waiter != nil {
		q.waiter.wake(ErrShutdown)
		q.waiter = nil
	}
	return multierr.Combine(drainRing(q.outbound), drainRing(q.retry), drainRing(q.free))
}

func drainRing(r *ringbuffer.Ring[*pktmbuf.Packet]) error {
	vec := make(pktmbuf.Vector, 64)
	for n := r.Dequeue(vec); n > 0; n = r.Dequeue(vec) {
		if e := vec[:n].Close(); e != nil {
			return e
		}
	}
	return nil
}
