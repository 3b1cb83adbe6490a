// Package ethringdev provides in-memory Ethernet port pairs.
//
// A pair consists of two ports connected back-to-back by rings.
// A frame transmitted on queue i of one port is received on queue i of the other port.
// Checksum offloads are emulated in software.
package ethringdev

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/sdrnet/udpdk/core/macaddr"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"go.uber.org/multierr"
)

// PairConfig contains port pair configuration.
type PairConfig struct {
	// NQueues is the number of queues in each direction.
	NQueues int
	// RingCapacity is the capacity of each link ring.
	// When a link ring is full, TxBurst rejects the remaining frames.
	RingCapacity int
	// Socket is the NUMA socket of both ports.
	Socket eal.NumaSocket
	// NameA and NameB are port names.
	NameA, NameB string
	// MacA and MacB are MAC addresses; random unicast addresses are generated if empty.
	MacA, MacB net.HardwareAddr
	// NoChecksumOffload hides checksum offload capabilities.
	NoChecksumOffload bool
}

func (cfg *PairConfig) applyDefaults() {
	if cfg.NQueues <= 0 {
		cfg.NQueues = 1
	}
	cfg.RingCapacity = ringbuffer.AlignCapacity(cfg.RingCapacity, 64, 1024)
	if !macaddr.IsUnicast(cfg.MacA) {
		cfg.MacA = macaddr.MakeRandom(false)
	}
	if !macaddr.IsUnicast(cfg.MacB) {
		cfg.MacB = macaddr.MakeRandom(false)
	}
}

// Pair represents two ports connected by rings.
type Pair struct {
	PortA, PortB ethdev.EthDev
	a2b, b2a     []*ringbuffer.Ring[*pktmbuf.Packet]
}

// NewPair creates a port pair.
func NewPair(cfg PairConfig) (pair *Pair, e error) {
	cfg.applyDefaults()
	pair = &Pair{}
	for i := 0; i < cfg.NQueues; i++ {
		a2b, e := ringbuffer.New[*pktmbuf.Packet](cfg.RingCapacity, cfg.Socket, ringbuffer.ProducerSingle, ringbuffer.ConsumerSingle)
		if e != nil {
			return nil, e
		}
		b2a, e := ringbuffer.New[*pktmbuf.Packet](cfg.RingCapacity, cfg.Socket, ringbuffer.ProducerSingle, ringbuffer.ConsumerSingle)
		if e != nil {
			return nil, e
		}
		pair.a2b, pair.b2a = append(pair.a2b, a2b), append(pair.b2a, b2a)
	}

	drvA := &ringDriver{cfg: cfg, mac: cfg.MacA, tx: pair.a2b, rx: pair.b2a}
	drvB := &ringDriver{cfg: cfg, mac: cfg.MacB, tx: pair.b2a, rx: pair.a2b}
	drvA.peer, drvB.peer = drvB, drvA

	nameA, nameB := cfg.NameA, cfg.NameB
	if nameA == "" {
		nameA = fmt.Sprintf("net_ring_%s", cfg.MacA)
	}
	if nameB == "" {
		nameB = fmt.Sprintf("net_ring_%s", cfg.MacB)
	}
	if pair.PortA, e = ethdev.New(nameA, cfg.Socket, drvA); e != nil {
		return nil, e
	}
	if pair.PortB, e = ethdev.New(nameB, cfg.Socket, drvB); e != nil {
		pair.PortA.Close()
		return nil, e
	}
	return pair, nil
}

// Close closes both ports and frees frames still in link rings.
func (pair *Pair) Close() error {
	e := multierr.Combine(pair.PortA.Close(), pair.PortB.Close())
	for _, r := range append(append([]*ringbuffer.Ring[*pktmbuf.Packet]{}, pair.a2b...), pair.b2a...) {
		drainRing(r)
	}
	return e
}

func drainRing(r *ringbuffer.Ring[*pktmbuf.Packet]) {
	vec := make(pktmbuf.Vector, 64)
	for {
		n := r.Dequeue(vec)
		if n == 0 {
			return
		}
		vec[:n].Close()
	}
}

type ringDriver struct {
	cfg     PairConfig
	mac     net.HardwareAddr
	peer    *ringDriver
	tx, rx  []*ringbuffer.Ring[*pktmbuf.Packet]
	started atomic.Bool
}

var _ ethdev.Driver = (*ringDriver)(nil)

func (drv *ringDriver) DevInfo() ethdev.DevInfo {
	info := ethdev.DevInfo{
		DriverName:  ethdev.DriverRing,
		MaxRxQueues: drv.cfg.NQueues,
		MaxTxQueues: drv.cfg.NQueues,
		MaxMTU:      9000,
	}
	if !drv.cfg.NoChecksumOffload {
		info.RxOffloadCapa = ethdev.OffloadIPv4Cksum
		info.TxOffloadCapa = ethdev.OffloadIPv4Cksum | ethdev.OffloadUDPCksum
	}
	return info
}

func (drv *ringDriver) HardwareAddr() net.HardwareAddr {
	return drv.mac
}

func (drv *ringDriver) LinkUp() bool {
	return drv.started.Load() && drv.peer.started.Load()
}

func (drv *ringDriver) Start(cfg ethdev.Config) (rxq []ethdev.RxQueue, txq []ethdev.TxQueue, e error) {
	for i, q := range cfg.RxQueues {
		rxq = append(rxq, &rxQueue{ring: drv.rx[i], pool: q.RxPool, maxLen: cfg.MTU + 14})
	}
	for i := range cfg.TxQueues {
		txq = append(txq, &txQueue{ring: drv.tx[i], drv: drv})
	}
	drv.started.Store(true)
	return rxq, txq, nil
}

func (drv *ringDriver) Stop() error {
	drv.started.Store(false)
	return nil
}

func (drv *ringDriver) Close() error {
	return drv.Stop()
}

type rxQueue struct {
	ring   *ringbuffer.Ring[*pktmbuf.Packet]
	pool   *pktmbuf.Pool
	maxLen int
	tmp    pktmbuf.Vector
}

func (q *rxQueue) RxBurst(vec pktmbuf.Vector) int {
	if cap(q.tmp) < len(vec) {
		q.tmp = make(pktmbuf.Vector, len(vec))
	}
	tmp := q.tmp[:len(vec)]
	n := q.ring.Dequeue(tmp)
	if n == 0 {
		return 0
	}
	defer tmp[:n].Close()

	if e := q.pool.AllocInto(vec[:n]); e != nil {
		return 0
	}
	nRx := 0
	for _, src := range tmp[:n] {
		if src.Len() > q.maxLen {
			continue
		}
		dst := vec[nRx]
		if e := dst.Append(src.Bytes()); e != nil {
			continue
		}
		nRx++
	}
	vec[nRx:n].Close()
	for i := nRx; i < n; i++ {
		vec[i] = nil
	}
	return nRx
}

type txQueue struct {
	ring *ringbuffer.Ring[*pktmbuf.Packet]
	drv  *ringDriver
}

func (q *txQueue) TxBurst(vec pktmbuf.Vector) int {
	if !q.drv.peer.started.Load() {
		vec.Close()
		return len(vec)
	}
	return q.ring.Enqueue(vec)
}
