package xport

import (
	"math"

	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"github.com/sdrnet/udpdk/xport/xhdr"
	"go.uber.org/zap"
)

// openSocket services an open request.
// A transmit socket waiting for ARP resolution is completed later by learnARP.
func (w *Worker) openSocket(req *configRequest) {
	sock := req.sock
	if sock.typ != SocketUDP {
		w.finishOpen(req, ErrSocketType)
		return
	}

	if !sock.tx {
		w.finishOpen(req, w.openUDPRx(sock))
		return
	}

	done, e := w.openUDPTx(req)
	if e != nil || done {
		w.finishOpen(req, e)
	}
}

// finishOpen completes an open request.
// If the open failed, or the caller has given up waiting, the socket is unregistered.
func (w *Worker) finishOpen(req *configRequest, e error) {
	if e != nil {
		w.rollbackOpen(req.sock)
		req.complete(e)
		return
	}
	if !req.complete(nil) {
		req.sock.port.logger.Debug("open abandoned by caller", zap.Stringer("socket", req.sock))
		w.rollbackOpen(req.sock)
	}
}

func (w *Worker) rollbackOpen(sock *Socket) {
	if sock.tx {
		if q := sock.txq; q != nil {
			q.removeSocket(sock)
			q.replenish(int(sock.checkedOut.Swap(0)))
		}
		return
	}
	if entry := sock.port.rxTable[sock.key]; entry != nil && entry.sock == sock {
		delete(sock.port.rxTable, sock.key)
		drainRing(sock.rxRing)
	}
}

func (w *Worker) openUDPRx(sock *Socket) error {
	port := sock.port
	if len(port.rxTable) >= MaxSocketsPerPort {
		return ErrNoSpace
	}

	localPort := sock.localPort
	if localPort == 0 {
		for p := 1; p <= math.MaxUint16; p++ {
			if _, ok := port.rxTable[makeRxKey(SocketUDP, uint16(p))]; !ok {
				localPort = uint16(p)
				break
			}
		}
		if localPort == 0 {
			return ErrAddrInUse
		}
	} else if _, ok := port.rxTable[makeRxKey(SocketUDP, localPort)]; ok {
		return ErrAddrInUse
	}

	ringCapacity := sock.numBufs
	if ringCapacity <= 0 {
		ringCapacity = DefaultRxRingCapacity
	}
	if ringCapacity < RxBurstSize+1 {
		ringCapacity = RxBurstSize + 1
	}
	ring, e := ringbuffer.New[*pktmbuf.Packet](ringbuffer.AlignCapacity(ringCapacity), port.dev.NumaSocket(),
		ringbuffer.ProducerSingle, ringbuffer.ConsumerMulti)
	if e != nil {
		return ErrNoMem
	}

	sock.localPort = localPort
	sock.key = makeRxKey(SocketUDP, localPort)
	sock.rxRing = ring
	port.rxTable[sock.key] = &rxEntry{sock: sock}
	port.logger.Debug("UDP receive socket opened", zap.Uint16("local-port", localPort), zap.Int("ring", ring.Capacity()))
	return nil
}

// openUDPTx registers a transmit socket on its TxQueue.
// It returns done=true if the destination MAC address is known or not needed.
func (w *Worker) openUDPTx(req *configRequest) (done bool, e error) {
	sock := req.sock
	port := sock.port

	q := port.findTxQueue(sock.queueKey)
	if q == nil {
		if q, e = newTxQueue(port, sock.queueKey, sock.numBufs, w.txPool()); e != nil {
			port.logger.Warn("TxQueue create error", zap.Int("key", sock.queueKey), zap.Error(e))
			return false, ErrNoMem
		}
		port.txqs = append(port.txqs, q)
		port.logger.Debug("TxQueue created", zap.Int("key", q.key), zap.Int("capacity", q.capacity))
	}
	q.sockets = append(q.sockets, sock)
	sock.txq = q

	dst := sock.remoteIP
	if port.IsBroadcast(dst) || port.arp.Lookup(dst) != nil {
		return true, nil
	}

	entry := port.arp.Insert(dst)
	if entry == nil {
		return false, ErrNoSpace
	}
	if !w.sendARP(port, xhdr.ARPOpRequest, nil, dst) {
		return false, ErrShutdown
	}
	entry.pending = append(entry.pending, req)
	port.logger.Debug("ARP resolving", zap.Stringer("ip", dst), zap.Int("pending", len(entry.pending)))
	return false, nil
}

// closeSocket services a close request.
func (w *Worker) closeSocket(sock *Socket) error {
	port := sock.port
	if sock.tx {
		q := sock.txq
		if q == nil {
			return ErrClosed
		}
		q.removeSocket(sock)
		for _, req := range port.arp.RemoveSocket(sock) {
			req.complete(ErrClosed)
		}
		q.replenish(int(sock.checkedOut.Swap(0)))
		port.logger.Debug("UDP transmit socket closed", zap.Stringer("socket", sock))
		return nil
	}

	entry := port.rxTable[sock.key]
	if entry == nil || entry.sock != sock {
		return ErrClosed
	}
	delete(port.rxTable, sock.key)
	if entry.waiter != nil {
		entry.waiter.wake(ErrClosed)
		entry.waiter = nil
	}
	e := drainRing(sock.rxRing)
	port.logger.Debug("UDP receive socket closed", zap.Stringer("socket", sock))
	return e
}
