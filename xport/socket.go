package xport

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"github.com/sdrnet/udpdk/xport/xhdr"
)

// Socket is a simplex UDP endpoint bound to a port.
//
// A receive socket is owned by one caller thread at a time, but it may be closed from another
// thread while Recv is in progress: Recv then returns ErrClosed or the datagrams it already dequeued.
// A transmit socket may be used from any thread, but buffers are drawn from and returned to
// the TxQueue selected at open time.
type Socket struct {
	ctx         *Context
	id          uint64
	typ         SocketType
	tx          bool
	port        *Port
	localPort   uint16
	remotePort  uint16
	remoteIP    netip.Addr
	filterBcast bool
	numBufs     int
	queueKey    int
	timeout     time.Duration

	// worker-owned after open
	key    rxKey
	rxRing *ringbuffer.Ring[*pktmbuf.Packet]
	txq    *TxQueue

	checkedOut atomic.Int32
	drops      atomic.Uint64
	xfer       atomic.Uint64
	closed     atomic.Bool
}

// SocketInfo describes a socket.
type SocketInfo struct {
	ID         uint64     `json:"id"`
	Type       SocketType `json:"type"`
	Tx         bool       `json:"tx"`
	Port       int        `json:"port"`
	LocalIP    netip.Addr `json:"localIP"`
	LocalPort  uint16     `json:"localPort"`
	RemoteIP   netip.Addr `json:"remoteIP,omitempty"`
	RemotePort uint16     `json:"remotePort,omitempty"`
	QueueKey   int        `json:"queueKey,omitempty"`
	DropCount  uint64     `json:"dropCount"`
	XferCount  uint64     `json:"xferCount"`
}

func (s *Socket) String() string {
	if s.tx {
		return fmt.Sprintf("udp-tx(%d:%d>%s:%d)", s.port.id, s.localPort, s.remoteIP, s.remotePort)
	}
	return fmt.Sprintf("udp-rx(%d:%d)", s.port.id, s.localPort)
}

// Port returns the port this socket is bound to.
func (s *Socket) Port() *Port {
	return s.port
}

// IsTx determines whether this is a transmit socket.
func (s *Socket) IsTx() bool {
	return s.tx
}

// LocalPort returns local UDP port.
// For a receive socket opened with LocalPort=0, this is the assigned port number.
func (s *Socket) LocalPort() uint16 {
	return s.localPort
}

// Info returns socket information and counters.
func (s *Socket) Info() SocketInfo {
	info := SocketInfo{
		ID:         s.id,
		Type:       s.typ,
		Tx:         s.tx,
		Port:       s.port.id,
		LocalIP:    s.port.IPv4().Addr(),
		LocalPort:  s.localPort,
		RemoteIP:   s.remoteIP,
		RemotePort: s.remotePort,
		DropCount:  s.DropCount(),
		XferCount:  s.XferCount(),
	}
	if s.tx {
		info.QueueKey = s.queueKey
	}
	return info
}

// DropCount returns the number of datagrams dropped because the receive ring was full.
func (s *Socket) DropCount() uint64 {
	return s.drops.Load()
}

// XferCount returns the number of datagrams delivered to the receive ring or enqueued for transmission.
func (s *Socket) XferCount() uint64 {
	return s.xfer.Load()
}

// TxQueue returns the TxQueue of a transmit socket, or nil.
func (s *Socket) TxQueue() *TxQueue {
	if !s.tx {
		return nil
	}
	return s.txq
}

// Close closes the socket.
// Buffers checked out from a transmit socket and not yet sent are accounted back to its TxQueue;
// the caller must not use them afterwards.
func (s *Socket) Close() error {
	if s.closed.Swap(true) {
		return ErrClosed
	}
	defer s.ctx.untrackSocket(s)
	return s.port.worker.submitRequest(reqClose, s, s.timeout)
}

func (s *Socket) check(tx bool) error {
	if s.tx != tx {
		return ErrDirection
	}
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// RequestTxBuffers fills vec with empty buffers from the free-buffer ring.
// Each buffer has room reserved for headers; write the payload into Payload(pkt) and call SetPayloadLen.
//
// If no buffer is available and timeout is non-zero, it waits until the worker replenishes the ring.
// Negative timeout waits indefinitely. It returns the number of buffers obtained, which may be zero.
func (s *Socket) RequestTxBuffers(vec pktmbuf.Vector, timeout time.Duration) (n int, e error) {
	if e = s.check(true); e != nil {
		return 0, e
	}
	q := s.txq

	// reserve before dequeue, so that the worker never sees fewer buffers than capacity
	s.checkedOut.Add(int32(len(vec)))
	n = q.free.Dequeue(vec)
	if n == 0 && len(vec) > 0 && timeout != 0 {
		e = s.port.worker.submitWaiter(waitTxBuf, s, timeout)
		switch {
		case e == nil, errors.Is(e, ErrTimeout):
			e = nil
			n = q.free.Dequeue(vec)
		}
	}
	s.checkedOut.Add(-int32(len(vec) - n))
	return n, e
}

// Send fills headers of buffers obtained from RequestTxBuffers and enqueues them for transmission.
// It returns the number of buffers accepted, which are a prefix of vec.
// Ownership of accepted buffers passes to the worker.
func (s *Socket) Send(vec pktmbuf.Vector) (n int, e error) {
	if e = s.check(true); e != nil {
		return 0, e
	}
	port := s.port
	srcIP := port.IPv4().Addr()
	for _, pkt := range vec {
		if pkt.Len() < xhdr.UDPHeadersLen {
			pkt.SetLen(xhdr.UDPHeadersLen)
		}
		payloadLen := pkt.Len() - xhdr.UDPHeadersLen

		eth := xhdr.Ethernet(pkt.Bytes())
		eth.Encode(nil, port.mac, xhdr.EtherTypeIPv4)
		ip := xhdr.IPv4(eth.Payload())
		ip.Encode(xhdr.IPv4Fields{
			TotalLen: uint16(xhdr.IPv4Len + xhdr.UDPLen + payloadLen),
			Protocol: xhdr.IPProtoUDP,
			Src:      srcIP,
			Dst:      s.remoteIP,
		})
		xhdr.UDP(ip.Payload()).Encode(s.localPort, s.remotePort, payloadLen)
		pkt.SetOlFlags(pktmbuf.TxIPv4 | pktmbuf.TxIPCksum)
	}

	n = s.txq.outbound.Enqueue(vec)
	s.checkedOut.Add(-int32(n))
	s.xfer.Add(uint64(n))
	return n, nil
}

// Recv dequeues received datagrams into vec.
//
// If no datagram is available and timeout is non-zero, it waits until a datagram arrives or the timeout expires.
// Negative timeout waits indefinitely. An expired timeout is not an error: it returns zero.
// Received buffers must be released with Free.
func (s *Socket) Recv(vec pktmbuf.Vector, timeout time.Duration) (n int, e error) {
	if e = s.check(false); e != nil {
		return 0, e
	}
	if n = s.rxRing.Dequeue(vec); n > 0 || len(vec) == 0 || timeout == 0 {
		return n, nil
	}

	e = s.port.worker.submitWaiter(waitRx, s, timeout)
	switch {
	case errors.Is(e, ErrTimeout):
		return 0, nil
	case e != nil:
		return 0, e
	}
	return s.rxRing.Dequeue(vec), nil
}

// Free releases buffers.
// On a transmit socket, buffers obtained from RequestTxBuffers are returned to the free-buffer ring.
// On a receive socket, buffers obtained from Recv are returned to the pool.
func (s *Socket) Free(vec pktmbuf.Vector) error {
	if !s.tx || s.closed.Load() {
		return vec.Close()
	}
	prepareTxBuffers(vec)
	n := s.txq.free.Enqueue(vec)
	s.checkedOut.Add(-int32(n))
	return vec[n:].Close()
}

// Payload returns the UDP payload area of a buffer.
// For a transmit buffer, this is the writable room after the headers.
// For a received buffer, this is the datagram payload.
func (s *Socket) Payload(pkt *pktmbuf.Packet) []byte {
	if s.tx {
		return pkt.Room()[xhdr.UDPHeadersLen:]
	}
	udp := s.rxUDP(pkt)
	if udp == nil {
		return nil
	}
	return udp.Payload()
}

// SetPayloadLen sets the UDP payload length of a transmit buffer.
func (s *Socket) SetPayloadLen(pkt *pktmbuf.Packet, n int) error {
	if !s.tx {
		return ErrDirection
	}
	return pkt.SetLen(xhdr.UDPHeadersLen + n)
}

// PayloadLen returns the UDP payload length of a buffer.
func (s *Socket) PayloadLen(pkt *pktmbuf.Packet) int {
	if s.tx {
		return pkt.Len() - xhdr.UDPHeadersLen
	}
	return len(s.Payload(pkt))
}

// SrcIPv4 returns the source IPv4 address of a received buffer.
func (s *Socket) SrcIPv4(pkt *pktmbuf.Packet) netip.Addr {
	if s.tx {
		return s.port.IPv4().Addr()
	}
	ip := rxIPv4(pkt)
	if ip == nil {
		return netip.Addr{}
	}
	return ip.Src()
}

// SrcPort returns the source UDP port of a received buffer.
func (s *Socket) SrcPort(pkt *pktmbuf.Packet) uint16 {
	if s.tx {
		return s.localPort
	}
	udp := s.rxUDP(pkt)
	if udp == nil {
		return 0
	}
	return udp.SrcPort()
}

func rxIPv4(pkt *pktmbuf.Packet) xhdr.IPv4 {
	eth, e := xhdr.ParseEthernet(pkt.Bytes())
	if e != nil {
		return nil
	}
	ip, e := xhdr.ParseIPv4(eth.Payload())
	if e != nil {
		return nil
	}
	return ip
}

func (s *Socket) rxUDP(pkt *pktmbuf.Packet) xhdr.UDP {
	ip := rxIPv4(pkt)
	if ip == nil {
		return nil
	}
	udp, e := xhdr.ParseUDP(ip.Payload())
	if e != nil {
		return nil
	}
	return udp
}
