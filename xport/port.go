package xport

import (
	"net"
	"net/netip"
	"sync/atomic"

	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"go.uber.org/zap"
)

// PortCounters contains per-port counters.
type PortCounters struct {
	RxFrames      uint64 `json:"rxFrames"`
	TxFrames      uint64 `json:"txFrames"`
	RxARP         uint64 `json:"rxARP"`
	TxARP         uint64 `json:"txARP"`
	DropNoSocket  uint64 `json:"dropNoSocket"`
	DropBadCksum  uint64 `json:"dropBadCksum"`
	DropNotForUs  uint64 `json:"dropNotForUs"`
	DropNoARP     uint64 `json:"dropNoARP"`
	DropMalformed uint64 `json:"dropMalformed"`
}

type portCounters struct {
	rxFrames, txFrames                       atomic.Uint64
	rxARP, txARP                             atomic.Uint64
	dropNoSocket, dropBadCksum, dropNotForUs atomic.Uint64
	dropNoARP, dropMalformed                 atomic.Uint64
}

func (c *portCounters) read() PortCounters {
	return PortCounters{
		RxFrames:      c.rxFrames.Load(),
		TxFrames:      c.txFrames.Load(),
		RxARP:         c.rxARP.Load(),
		TxARP:         c.txARP.Load(),
		DropNoSocket:  c.dropNoSocket.Load(),
		DropBadCksum:  c.dropBadCksum.Load(),
		DropNotForUs:  c.dropNotForUs.Load(),
		DropNoARP:     c.dropNoARP.Load(),
		DropMalformed: c.dropMalformed.Load(),
	}
}

// rxKey is the receive-socket table key.
// Lookups set source address, source port, and destination address to zero,
// so that datagrams are routed by destination port only.
type rxKey struct {
	typ     SocketType
	srcIP   netip.Addr
	dstIP   netip.Addr
	srcPort uint16
	dstPort uint16
}

func makeRxKey(typ SocketType, dstPort uint16) rxKey {
	return rxKey{typ: typ, dstPort: dstPort}
}

type rxEntry struct {
	sock   *Socket
	waiter *waiter
}

// Port represents a NIC port and its address, ARP, and socket-routing state.
// Tables are accessed only by the owning worker.
type Port struct {
	id     int
	dev    ethdev.EthDev
	mac    net.HardwareAddr
	ipv4   atomic.Pointer[netip.Prefix]
	logger *zap.Logger

	worker  *Worker
	rxq     ethdev.RxQueue
	txq     ethdev.TxQueue
	arp     *arpTable
	rxTable map[rxKey]*rxEntry
	txqs    []*TxQueue
	cnt     portCounters
}

func newPort(id int, dev ethdev.EthDev) *Port {
	port := &Port{
		id:     id,
		dev:    dev,
		mac:    dev.HardwareAddr(),
		logger: logger.With(zap.Int("port", id), zap.String("dev", dev.Name())),
	}
	port.ipv4.Store(&netip.Prefix{})
	return port
}

// ID returns the port index.
func (port *Port) ID() int {
	return port.id
}

// EthDev returns the underlying Ethernet device.
func (port *Port) EthDev() ethdev.EthDev {
	return port.dev
}

// MacAddr returns the MAC address.
func (port *Port) MacAddr() net.HardwareAddr {
	return port.mac
}

// IPv4 returns the IPv4 address and subnet prefix length.
// The zero Prefix means the port is unconfigured.
func (port *Port) IPv4() netip.Prefix {
	return *port.ipv4.Load()
}

// SetIPv4 changes the IPv4 address and subnet.
// The address is kept as-is; it is not masked to the prefix.
func (port *Port) SetIPv4(prefix netip.Prefix) error {
	if prefix.IsValid() && !prefix.Addr().Is4() {
		return ErrInvalid
	}
	port.ipv4.Store(&prefix)
	port.logger.Info("IPv4 address set", zap.Stringer("ip", prefix))
	return nil
}

// Broadcast returns the subnet broadcast address, or the zero Addr if unconfigured.
// A /31 or /32 subnet has no subnet broadcast address; the limited broadcast address is returned instead.
func (port *Port) Broadcast() netip.Addr {
	prefix := port.IPv4()
	if !prefix.IsValid() {
		return netip.Addr{}
	}
	bits := prefix.Bits()
	if bits >= 31 {
		return netip.AddrFrom4([4]byte{0xFF, 0xFF, 0xFF, 0xFF})
	}
	a := prefix.Addr().As4()
	for i := range a {
		keep := bits - 8*i
		switch {
		case keep >= 8:
		case keep <= 0:
			a[i] = 0xFF
		default:
			a[i] |= 0xFF >> keep
		}
	}
	return netip.AddrFrom4(a)
}

// IsBroadcast determines whether ip is the subnet broadcast address of this port.
func (port *Port) IsBroadcast(ip netip.Addr) bool {
	bcast := port.Broadcast()
	return bcast.IsValid() && ip == bcast
}

// LinkUp determines whether the link is up.
func (port *Port) LinkUp() bool {
	return !port.dev.IsDown()
}

// Worker returns the worker servicing this port, or nil if the port is not started.
func (port *Port) Worker() *Worker {
	return port.worker
}

// Counters returns port counters.
func (port *Port) Counters() PortCounters {
	return port.cnt.read()
}

func (port *Port) findTxQueue(key int) *TxQueue {
	for _, q := range port.txqs {
		if q.key == key {
			return q
		}
	}
	return nil
}

// hasSockets determines whether any socket still references this port.
func (port *Port) hasSockets() bool {
	if len(port.rxTable) > 0 {
		return true
	}
	for _, q := range port.txqs {
		if len(q.sockets) > 0 {
			return true
		}
	}
	return false
}
