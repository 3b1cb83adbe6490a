package xport

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sdrnet/udpdk/core/macaddr"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealthread"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"github.com/sdrnet/udpdk/xport/xhdr"
	"go.uber.org/zap"
)

// WorkerState indicates the state of a worker poll loop.
type WorkerState int32

// WorkerState values.
const (
	WorkerIdle WorkerState = iota
	WorkerRunning
	WorkerDraining
	WorkerStopped
)

func (st WorkerState) String() string {
	switch st {
	case WorkerIdle:
		return "idle"
	case WorkerRunning:
		return "running"
	case WorkerDraining:
		return "draining"
	case WorkerStopped:
		return "stopped"
	}
	return "invalid"
}

type poolPair struct {
	rx, tx *pktmbuf.Pool
}

// Worker is a poll loop on an lcore, servicing one or more ports.
type Worker struct {
	ealthread.Thread
	pools    *poolPair
	ports    []*Port
	requests *ringbuffer.Ring[*configRequest]
	waiters  *ringbuffer.Ring[*waiter]
	tap      FrameTap
	logger   *zap.Logger
	state    atomic.Int32
	load     ealthread.LoadCounter

	rxVec    pktmbuf.Vector
	txOne    pktmbuf.Vector
	rxOne    pktmbuf.Vector
	waitVec  []*waiter
	draining *configRequest

	stopTimeout    time.Duration
	terminateMutex sync.Mutex
	terminating    bool
}

func newWorker(lc eal.LCore, pools *poolPair) (w *Worker, e error) {
	w = &Worker{
		pools:   pools,
		logger:  logger.With(lc.ZapField("lc")),
		rxVec:   make(pktmbuf.Vector, RxBurstSize),
		txOne:   make(pktmbuf.Vector, 1),
		rxOne:   make(pktmbuf.Vector, 1),
		waitVec: make([]*waiter, RxBurstSize),
	}
	socket := lc.NumaSocket()
	if w.requests, e = ringbuffer.New[*configRequest](RequestRingCapacity, socket,
		ringbuffer.ProducerMulti, ringbuffer.ConsumerSingle); e != nil {
		return nil, e
	}
	if w.waiters, e = ringbuffer.New[*waiter](WaiterRingCapacity, socket,
		ringbuffer.ProducerMulti, ringbuffer.ConsumerSingle); e != nil {
		return nil, e
	}
	w.Thread = ealthread.New(w.main, ealthread.StopFunc(func() { w.terminate() }))
	w.SetLCore(lc)
	return w, nil
}

// ThreadRole implements ealthread.ThreadWithRole interface.
func (w *Worker) ThreadRole() string {
	return "XPORT"
}

// ThreadLoadStat implements ealthread.ThreadWithLoadStat interface.
func (w *Worker) ThreadLoadStat() ealthread.LoadStat {
	return w.load.Read()
}

// State returns poll loop state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Ports returns ports serviced by this worker.
func (w *Worker) Ports() []*Port {
	return w.ports
}

func (w *Worker) txPool() *pktmbuf.Pool {
	return w.pools.tx
}

func (w *Worker) launch(stopTimeout time.Duration) error {
	w.stopTimeout = stopTimeout
	w.state.Store(int32(WorkerRunning))
	if e := w.Launch(); e != nil {
		w.state.Store(int32(WorkerIdle))
		return e
	}
	return nil
}

// terminate asks the poll loop to drain and stop, and waits until it has stopped.
// The terminate request is submitted once; a call after a timeout waits again for the same request.
func (w *Worker) terminate() error {
	w.terminateMutex.Lock()
	defer w.terminateMutex.Unlock()
	if w.State() == WorkerIdle || w.State() == WorkerStopped {
		return nil
	}

	if !w.terminating {
		e := w.submitRequest(reqTerminate, nil, w.stopTimeout)
		switch {
		case e == nil:
			w.terminating = true
			return nil
		case errors.Is(e, ErrTimeout):
			w.terminating = true
		}
		w.logger.Error("terminate request failed", zap.Error(e))
		return e
	}

	deadline := time.Now().Add(w.stopTimeout)
	for w.State() != WorkerStopped {
		if time.Now().After(deadline) {
			return ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (w *Worker) main() int {
	w.logger.Info("worker started", zap.Int("ports", len(w.ports)))
	for w.State() == WorkerRunning {
		nItems := w.serviceRequest()
		for _, port := range w.ports {
			nItems += w.rxPort(port)
		}
		nItems += w.processWaiters()
		for _, port := range w.ports {
			nItems += w.txPort(port)
		}
		w.load.Poll(nItems)
		if nItems == 0 {
			runtime.Gosched()
		}
	}

	for w.hasSockets() {
		w.serviceRequest()
		w.processWaiters()
		runtime.Gosched()
	}
	w.cleanup()
	return 0
}

// serviceRequest services at most one configuration request.
func (w *Worker) serviceRequest() int {
	var reqs [1]*configRequest
	if w.requests.Dequeue(reqs[:]) == 0 {
		return 0
	}
	req := reqs[0]

	if w.State() != WorkerRunning && req.kind != reqClose {
		if req.kind == reqOpen {
			w.finishOpen(req, ErrShutdown)
		} else {
			req.complete(ErrShutdown)
		}
		return 1
	}

	switch req.kind {
	case reqOpen:
		w.openSocket(req)
	case reqClose:
		req.complete(w.closeSocket(req.sock))
	case reqTerminate:
		w.beginDrain(req)
	default:
		req.complete(ErrInvalid)
	}
	return 1
}

func (w *Worker) rxPort(port *Port) int {
	n := port.rxq.RxBurst(w.rxVec)
	if n == 0 {
		return 0
	}
	vec := w.rxVec[:n]
	if w.tap != nil {
		w.tap.TapFrames(port.id, TapRx, vec)
	}
	port.cnt.rxFrames.Add(uint64(n))
	for i, pkt := range vec {
		if !w.rxFrame(port, pkt) {
			pkt.Close()
		}
		vec[i] = nil
	}
	return n
}

// rxFrame processes a received frame.
// It returns true if the frame has been handed to a socket.
func (w *Worker) rxFrame(port *Port, pkt *pktmbuf.Packet) bool {
	eth, e := xhdr.ParseEthernet(pkt.Bytes())
	if e != nil {
		port.cnt.dropMalformed.Add(1)
		return false
	}
	if dst := eth.Dst(); !macaddr.Equal(dst, port.mac) && !macaddr.IsBroadcast(dst) {
		port.cnt.dropNotForUs.Add(1)
		return false
	}

	switch eth.EtherType() {
	case xhdr.EtherTypeARP:
		arp, e := xhdr.ParseARP(eth.Payload())
		if e != nil {
			port.cnt.dropMalformed.Add(1)
			return false
		}
		w.processARP(port, arp)
		return false
	case xhdr.EtherTypeIPv4:
		return w.rxIPv4(port, pkt, eth.Payload())
	}
	port.cnt.dropNotForUs.Add(1)
	return false
}

func (w *Worker) rxIPv4(port *Port, pkt *pktmbuf.Packet, payload []byte) bool {
	ip, e := xhdr.ParseIPv4(payload)
	if e != nil {
		port.cnt.dropMalformed.Add(1)
		return false
	}
	dst := ip.Dst()
	isBcast := port.IsBroadcast(dst)
	if myIP := port.IPv4().Addr(); !isBcast && (!myIP.IsValid() || dst != myIP) {
		port.cnt.dropNotForUs.Add(1)
		return false
	}
	if ck := pkt.OlFlags().RxIPCksum(); ck == pktmbuf.RxIPCksumBad || ck == pktmbuf.RxIPCksumNone {
		port.cnt.dropBadCksum.Add(1)
		port.logger.Warn("IPv4 checksum bad", zap.Stringer("src", ip.Src()))
		return false
	}
	if ip.Protocol() != xhdr.IPProtoUDP {
		port.cnt.dropNotForUs.Add(1)
		return false
	}

	udp, e := xhdr.ParseUDP(ip.Payload())
	if e != nil {
		port.cnt.dropMalformed.Add(1)
		return false
	}
	entry := port.rxTable[makeRxKey(SocketUDP, udp.DstPort())]
	if entry == nil {
		port.cnt.dropNoSocket.Add(1)
		return false
	}
	sock := entry.sock
	if isBcast && sock.filterBcast {
		port.cnt.dropNotForUs.Add(1)
		return false
	}

	w.rxOne[0] = pkt
	ok := sock.rxRing.Enqueue(w.rxOne) == 1
	w.rxOne[0] = nil
	if !ok {
		sock.drops.Add(1)
		return false
	}
	sock.xfer.Add(1)
	if entry.waiter != nil {
		entry.waiter.wake(nil)
		entry.waiter = nil
	}
	return true
}

// processWaiters handles wait requests from caller threads.
// A waiter whose condition is already satisfied is woken immediately; otherwise it is parked
// on the socket or TxQueue until the condition is met.
func (w *Worker) processWaiters() int {
	n := w.waiters.Dequeue(w.waitVec)
	for i, wt := range w.waitVec[:n] {
		w.waitVec[i] = nil
		if w.State() != WorkerRunning {
			wt.wake(ErrShutdown)
			continue
		}

		switch wt.kind {
		case waitSimple:
			wt.wake(nil)
		case waitRx:
			w.parkRxWaiter(wt)
		case waitTxBuf:
			w.parkTxWaiter(wt)
		default:
			wt.wake(ErrInvalid)
		}
	}
	return n
}

func (w *Worker) parkRxWaiter(wt *waiter) {
	sock := wt.sock
	entry := sock.port.rxTable[sock.key]
	switch {
	case entry == nil || entry.sock != sock:
		wt.wake(ErrClosed)
	case sock.rxRing.CountInUse() > 0:
		wt.wake(nil)
	default:
		if entry.waiter != nil {
			entry.waiter.wake(nil)
		}
		entry.waiter = wt
	}
}

func (w *Worker) parkTxWaiter(wt *waiter) {
	q := wt.sock.txq
	if q == nil || wt.sock.closed.Load() {
		wt.wake(ErrClosed)
		return
	}
	if q.free.CountInUse() > 0 {
		wt.wake(nil)
		return
	}
	if q.waiter != nil {
		q.waiter.wake(nil)
	}
	q.waiter = wt
	q.restoreLost()
}

func (w *Worker) txPort(port *Port) (nItems int) {
	for _, q := range port.txqs {
		if q.retry.CountInUse() > 0 {
			n := w.txFrom(port, q, q.retry)
			q.replenish(n)
			nItems += n
			if q.retry.CountInUse() > 0 {
				continue
			}
		}
		n := w.txFrom(port, q, q.outbound)
		q.replenish(n)
		nItems += n
	}
	return nItems
}

// txFrom transmits up to TxBurstSize frames from src, one at a time.
// A frame rejected by the NIC is moved to the retry ring and stops the burst.
// It returns the number of buffers consumed, either transmitted or dropped.
func (w *Worker) txFrom(port *Port, q *TxQueue, src *ringbuffer.Ring[*pktmbuf.Packet]) (nConsumed int) {
	one := w.txOne
	for nConsumed < TxBurstSize {
		if src.Dequeue(one) == 0 {
			break
		}
		if !w.resolveDst(port, one[0]) {
			one[0].Close()
			port.cnt.dropNoARP.Add(1)
			nConsumed++
			continue
		}
		if w.txBurst(port, one) == 0 {
			if q.retry.Enqueue(one) == 0 {
				port.logger.Error("TxQueue retry ring full", zap.Int("key", q.key))
				one[0].Close()
				nConsumed++
			}
			break
		}
		nConsumed++
	}
	one[0] = nil
	return nConsumed
}

// resolveDst fills the destination MAC address of an outbound IPv4 frame.
func (w *Worker) resolveDst(port *Port, pkt *pktmbuf.Packet) bool {
	eth := xhdr.Ethernet(pkt.Bytes())
	dst := xhdr.IPv4(eth.Payload()).Dst()
	if port.IsBroadcast(dst) {
		eth.SetDst(macaddr.Broadcast)
		return true
	}
	mac := port.arp.Lookup(dst)
	if mac == nil {
		return false
	}
	eth.SetDst(mac)
	return true
}

// beginDrain transitions to draining state.
// Ports are stopped, pending opens are failed, and parked waiters are woken.
func (w *Worker) beginDrain(req *configRequest) {
	w.state.Store(int32(WorkerDraining))
	w.draining = req
	w.logger.Info("worker draining")

	for _, port := range w.ports {
		if e := port.dev.Stop(ethdev.StopReset); e != nil {
			port.logger.Warn("port stop error", zap.Error(e))
		}
		for _, entry := range port.arp.m {
			pending := entry.pending
			entry.pending = nil
			for _, r := range pending {
				w.finishOpen(r, ErrShutdown)
			}
		}
		for _, entry := range port.rxTable {
			if entry.waiter != nil {
				entry.waiter.wake(ErrShutdown)
				entry.waiter = nil
			}
		}
		for _, q := range port.txqs {
			if q.waiter != nil {
				q.waiter.wake(ErrShutdown)
				q.waiter = nil
			}
		}
	}
}

func (w *Worker) hasSockets() bool {
	for _, port := range w.ports {
		if port.hasSockets() {
			return true
		}
	}
	return false
}

// cleanup releases per-port tables and queues, then acknowledges the terminate request.
func (w *Worker) cleanup() {
	for _, port := range w.ports {
		for _, q := range port.txqs {
			if e := q.close(); e != nil {
				port.logger.Warn("TxQueue close error", zap.Error(e))
			}
		}
		port.txqs = nil
		port.rxTable = map[rxKey]*rxEntry{}
		port.arp = newARPTable(ARPTableCapacity)
	}
	w.state.Store(int32(WorkerStopped))

	var reqs [1]*configRequest
	for w.requests.Dequeue(reqs[:]) > 0 {
		if reqs[0].kind == reqOpen {
			w.finishOpen(reqs[0], ErrShutdown)
		} else {
			reqs[0].complete(ErrShutdown)
		}
	}
	w.processWaiters()

	w.logger.Info("worker stopped")
	if w.draining != nil {
		w.draining.complete(nil)
		w.draining = nil
	}
}
