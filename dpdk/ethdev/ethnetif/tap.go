// Package ethnetif provides Ethernet ports backed by kernel TAP interfaces.
//
// The kernel side of the TAP interface acts as the peer of the port:
// frames written by the kernel are received by the port, and vice versa.
package ethnetif

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/safchain/ethtool"
	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/core/macaddr"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("ethnetif")

// Config contains TAP port configuration.
type Config struct {
	// Ifname is the TAP interface name.
	// If empty, the kernel assigns a name.
	Ifname string `json:"iface,omitempty"`
	// MAC is the MAC address of the port.
	// If empty, a random unicast address is generated.
	// This differs from the MAC address of the kernel side.
	MAC macaddr.Flag `json:"mac,omitempty"`
	// RxRingCapacity is the capacity of the ring between the reader goroutine and RxBurst.
	RxRingCapacity int `json:"rxRingCapacity,omitempty"`
}

// New creates a TAP interface and registers a port on it.
func New(cfg Config, socket eal.NumaSocket) (ethdev.EthDev, error) {
	mac := cfg.MAC.HardwareAddr
	if !macaddr.IsUnicast(mac) {
		mac = macaddr.MakeRandom(false)
	}

	wcfg := water.Config{DeviceType: water.TAP}
	wcfg.Name = cfg.Ifname
	intf, e := water.New(wcfg)
	if e != nil {
		return nil, fmt.Errorf("water.New(%s): %w", cfg.Ifname, e)
	}

	link, e := netlink.LinkByName(intf.Name())
	if e != nil {
		intf.Close()
		return nil, fmt.Errorf("netlink.LinkByName(%s): %w", intf.Name(), e)
	}

	rxRing, e := ringbuffer.New[*pktmbuf.Packet](ringbuffer.AlignCapacity(cfg.RxRingCapacity, 64, 1024), socket,
		ringbuffer.ProducerSingle, ringbuffer.ConsumerSingle)
	if e != nil {
		intf.Close()
		return nil, e
	}

	drv := &tapDriver{
		intf:   intf,
		link:   link,
		mac:    mac,
		rxRing: rxRing,
		logger: logger.With(zap.String("ifname", intf.Name())),
	}
	drv.logger.Info("TAP interface created",
		zap.Stringer("mac", mac),
		zap.String("kernel-driver", kernelDriverName(intf.Name())),
	)
	go drv.readLoop()

	dev, e := ethdev.New(ethdev.DriverTap+"_"+intf.Name(), socket, drv)
	if e != nil {
		drv.Close()
		return nil, e
	}
	return dev, nil
}

func kernelDriverName(ifname string) string {
	etht, e := ethtool.NewEthtool()
	if e != nil {
		return ""
	}
	defer etht.Close()
	name, _ := etht.DriverName(ifname)
	return name
}

type tapDriver struct {
	intf    *water.Interface
	link    netlink.Link
	mac     net.HardwareAddr
	rxRing  *ringbuffer.Ring[*pktmbuf.Packet]
	rxMutex sync.Mutex // serializes rxPool changes with enqueuing into rxRing
	rxPool  *pktmbuf.Pool
	closing atomic.Bool
	logger  *zap.Logger
}

var _ ethdev.Driver = (*tapDriver)(nil)

func (drv *tapDriver) DevInfo() ethdev.DevInfo {
	return ethdev.DevInfo{
		DriverName:    ethdev.DriverTap,
		MaxRxQueues:   1,
		MaxTxQueues:   1,
		MaxMTU:        65000,
		RxOffloadCapa: ethdev.OffloadIPv4Cksum,
		TxOffloadCapa: ethdev.OffloadIPv4Cksum,
	}
}

func (drv *tapDriver) HardwareAddr() net.HardwareAddr {
	return drv.mac
}

func (drv *tapDriver) LinkUp() bool {
	link, e := netlink.LinkByIndex(drv.link.Attrs().Index)
	if e != nil {
		return false
	}
	return link.Attrs().Flags&net.FlagUp != 0 && link.Attrs().OperState != netlink.OperDown
}

func (drv *tapDriver) Start(cfg ethdev.Config) (rxq []ethdev.RxQueue, txq []ethdev.TxQueue, e error) {
	if e := netlink.LinkSetMTU(drv.link, cfg.MTU); e != nil {
		return nil, nil, fmt.Errorf("netlink.LinkSetMTU(%d): %w", cfg.MTU, e)
	}
	if e := netlink.LinkSetUp(drv.link); e != nil {
		return nil, nil, fmt.Errorf("netlink.LinkSetUp: %w", e)
	}

	if len(cfg.RxQueues) > 0 {
		drv.rxMutex.Lock()
		drv.rxPool = cfg.RxQueues[0].RxPool
		drv.rxMutex.Unlock()
		rxq = append(rxq, drv)
	}
	if len(cfg.TxQueues) > 0 {
		txq = append(txq, drv)
	}
	return rxq, txq, nil
}

func (drv *tapDriver) Stop() error {
	drv.rxMutex.Lock()
	drv.rxPool = nil
	drainRing(drv.rxRing)
	drv.rxMutex.Unlock()
	return netlink.LinkSetDown(drv.link)
}

func (drv *tapDriver) Close() error {
	if drv.closing.Swap(true) {
		return nil
	}
	e := multierr.Append(drv.Stop(), drv.intf.Close())
	drainRing(drv.rxRing)
	return e
}

func drainRing(r *ringbuffer.Ring[*pktmbuf.Packet]) {
	vec := make(pktmbuf.Vector, 64)
	for n := r.Dequeue(vec); n > 0; n = r.Dequeue(vec) {
		vec[:n].Close()
	}
}

// readLoop reads frames from the kernel until the interface is closed.
// Frames are dropped while the port is stopped, the pool is empty, or the ring is full.
// No packet buffer is held while blocked in Read, so Stop returns every buffer to the pool.
func (drv *tapDriver) readLoop() {
	scratch := make([]byte, 65536)
	for {
		n, e := drv.intf.Read(scratch)
		if e != nil {
			drv.readError(e)
			return
		}
		drv.deliver(scratch[:n])
	}
}

func (drv *tapDriver) deliver(frame []byte) {
	drv.rxMutex.Lock()
	defer drv.rxMutex.Unlock()
	if drv.rxPool == nil {
		return
	}
	vec, e := drv.rxPool.Alloc(1)
	if e != nil {
		return
	}
	if e := vec[0].Append(frame); e != nil || drv.rxRing.Enqueue(vec) == 0 {
		vec.Close()
	}
}

func (drv *tapDriver) readError(e error) {
	if drv.closing.Load() {
		return
	}
	drv.logger.Error("TAP read error", zap.Error(e))
}

func (drv *tapDriver) RxBurst(vec pktmbuf.Vector) int {
	return drv.rxRing.Dequeue(vec)
}

func (drv *tapDriver) TxBurst(vec pktmbuf.Vector) int {
	for i, pkt := range vec {
		if _, e := drv.intf.Write(pkt.Bytes()); e != nil {
			drv.logger.Debug("TAP write error", zap.Error(e))
			return i
		}
		pkt.Close()
	}
	return len(vec)
}
