// Package ethdev provides Ethernet ports with burst receive and transmit.
package ethdev

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var logger = logging.New("ethdev")

// MaxEthPorts is the maximum number of ports.
const MaxEthPorts = 32

// Error conditions.
var (
	ErrStarted    = errors.New("port is started")
	ErrNotStarted = errors.New("port is not started")
	ErrOffload    = errors.New("requested offload not supported by port")
	ErrQueues     = errors.New("queue count not supported by port")
	ErrTooMany    = errors.New("too many ports")
)

// RxQueue is a receive queue.
// RxBurst is non-blocking and must be called from one thread at a time.
type RxQueue interface {
	// RxBurst receives up to len(vec) packets into vec, returns number of packets received.
	RxBurst(vec pktmbuf.Vector) int
}

// TxQueue is a transmit queue.
// TxBurst is non-blocking and must be called from one thread at a time.
type TxQueue interface {
	// TxBurst transmits a prefix of vec, returns number of packets accepted.
	// Accepted packets are owned by the port; rejected packets remain owned by the caller.
	TxBurst(vec pktmbuf.Vector) int
}

// Driver is implemented by port drivers.
type Driver interface {
	// DevInfo returns driver capabilities.
	DevInfo() DevInfo
	// HardwareAddr returns the MAC address.
	HardwareAddr() net.HardwareAddr
	// LinkUp reports physical link status.
	LinkUp() bool
	// Start configures the device and returns queues as requested by cfg.
	Start(cfg Config) (rxq []RxQueue, txq []TxQueue, e error)
	// Stop stops the device. It may be restarted.
	Stop() error
	// Close releases driver resources.
	Close() error
}

// EthDev represents an Ethernet port.
type EthDev interface {
	eal.WithNumaSocket
	fmt.Stringer

	// ID returns port ID.
	ID() int
	// Name returns port name.
	Name() string
	// DevInfo returns port capabilities.
	DevInfo() DevInfo
	// HardwareAddr returns the MAC address.
	HardwareAddr() net.HardwareAddr
	// MTU returns configured MTU, or zero if not started.
	MTU() int
	// IsDown reports whether the link is down.
	IsDown() bool
	// Started reports whether the port is started.
	Started() bool
	// Start configures and starts the port.
	Start(cfg Config) error
	// Stop stops the port.
	// StopReset keeps the port registered so that it can be restarted; StopDetach closes it.
	Stop(mode StopMode) error
	// RxQueues returns receive queues. Valid only while started.
	RxQueues() []RxQueue
	// TxQueues returns transmit queues. Valid only while started.
	TxQueues() []TxQueue
	// Stats returns port counters.
	Stats() Stats
	// ResetStats clears port counters.
	ResetStats()
	// Close stops and unregisters the port.
	Close() error
}

// StopMode selects what Stop does.
type StopMode int

// StopMode values.
const (
	StopDetach StopMode = iota
	StopReset
)

var (
	registryLock sync.RWMutex
	registry     [MaxEthPorts]*ethDev
)

// New registers a port backed by a driver.
func New(name string, socket eal.NumaSocket, drv Driver) (EthDev, error) {
	registryLock.Lock()
	defer registryLock.Unlock()
	for id, existing := range registry {
		if existing != nil {
			continue
		}
		dev := &ethDev{
			id:     id,
			name:   name,
			socket: socket,
			drv:    drv,
			logger: logger.With(zap.Int("port", id), zap.String("name", name)),
		}
		registry[id] = dev
		dev.logger.Info("port registered",
			zap.String("driver", drv.DevInfo().DriverName),
			zap.Stringer("mac", drv.HardwareAddr()),
		)
		return dev, nil
	}
	return nil, ErrTooMany
}

// List returns registered ports in ID order.
func List() (list []EthDev) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	for _, dev := range registry {
		if dev != nil {
			list = append(list, dev)
		}
	}
	return list
}

// FromID returns a port by ID, or nil if it does not exist.
func FromID(id int) EthDev {
	registryLock.RLock()
	defer registryLock.RUnlock()
	if id < 0 || id >= MaxEthPorts || registry[id] == nil {
		return nil
	}
	return registry[id]
}

// Find locates a port by name, or returns nil.
func Find(name string) EthDev {
	for _, dev := range List() {
		if dev.Name() == name {
			return dev
		}
	}
	return nil
}

type ethDev struct {
	id      int
	name    string
	socket  eal.NumaSocket
	drv     Driver
	logger  *zap.Logger
	lock    sync.Mutex
	started atomic.Bool
	cfg     Config
	rxq     []RxQueue
	txq     []TxQueue
	stats   statsCounters
}

func (dev *ethDev) ID() int {
	return dev.id
}

func (dev *ethDev) Name() string {
	return dev.name
}

func (dev *ethDev) String() string {
	return fmt.Sprintf("%d(%s)", dev.id, dev.name)
}

func (dev *ethDev) NumaSocket() eal.NumaSocket {
	return dev.socket
}

func (dev *ethDev) DevInfo() DevInfo {
	return dev.drv.DevInfo()
}

func (dev *ethDev) HardwareAddr() net.HardwareAddr {
	return dev.drv.HardwareAddr()
}

func (dev *ethDev) MTU() int {
	if !dev.started.Load() {
		return 0
	}
	return dev.cfg.MTU
}

func (dev *ethDev) IsDown() bool {
	return !dev.started.Load() || !dev.drv.LinkUp()
}

func (dev *ethDev) Started() bool {
	return dev.started.Load()
}

func (dev *ethDev) Start(cfg Config) error {
	dev.lock.Lock()
	defer dev.lock.Unlock()
	if dev.started.Load() {
		return ErrStarted
	}

	info := dev.drv.DevInfo()
	cfg.applyDefaults(info)
	if e := cfg.check(info); e != nil {
		return e
	}

	rxq, txq, e := dev.drv.Start(cfg)
	if e != nil {
		dev.logger.Error("port start error", zap.Error(e))
		return e
	}
	if len(rxq) != len(cfg.RxQueues) || len(txq) != len(cfg.TxQueues) {
		dev.drv.Stop()
		return ErrQueues
	}

	dev.cfg = cfg
	dev.rxq, dev.txq = make([]RxQueue, len(rxq)), make([]TxQueue, len(txq))
	for i, q := range rxq {
		dev.rxq[i] = &rxQueue{dev: dev, inner: q, swCksum: cfg.RxOffloads.Has(OffloadIPv4Cksum)}
	}
	for i, q := range txq {
		dev.txq[i] = &txQueue{dev: dev, inner: q}
	}
	dev.started.Store(true)
	dev.logger.Info("port started",
		zap.Int("mtu", cfg.MTU),
		zap.Int("rxq", len(rxq)),
		zap.Int("txq", len(txq)),
		zap.Stringer("rx-offloads", cfg.RxOffloads),
		zap.Stringer("tx-offloads", cfg.TxOffloads),
	)
	return nil
}

func (dev *ethDev) Stop(mode StopMode) error {
	if mode == StopDetach {
		return dev.Close()
	}
	dev.lock.Lock()
	defer dev.lock.Unlock()
	return dev.stop()
}

func (dev *ethDev) stop() error {
	if !dev.started.Load() {
		return nil
	}
	dev.started.Store(false)
	e := dev.drv.Stop()
	dev.rxq, dev.txq = nil, nil
	dev.logger.Info("port stopped", zap.Error(e))
	return e
}

func (dev *ethDev) RxQueues() []RxQueue {
	return dev.rxq
}

func (dev *ethDev) TxQueues() []TxQueue {
	return dev.txq
}

func (dev *ethDev) Stats() Stats {
	return dev.stats.read()
}

func (dev *ethDev) ResetStats() {
	dev.stats.reset()
}

func (dev *ethDev) Close() error {
	dev.lock.Lock()
	defer dev.lock.Unlock()
	e := multierr.Append(dev.stop(), dev.drv.Close())

	registryLock.Lock()
	if registry[dev.id] == dev {
		registry[dev.id] = nil
	}
	registryLock.Unlock()
	dev.logger.Info("port closed")
	return e
}

type rxQueue struct {
	dev     *ethDev
	inner   RxQueue
	swCksum bool
}

func (q *rxQueue) RxBurst(vec pktmbuf.Vector) int {
	if !q.dev.started.Load() {
		return 0
	}
	n := q.inner.RxBurst(vec)
	nBytes := 0
	for _, pkt := range vec[:n] {
		pkt.SetPort(uint16(q.dev.id))
		if q.swCksum {
			VerifyIPv4Checksum(pkt)
		}
		nBytes += pkt.Len()
	}
	q.dev.stats.rx(n, nBytes)
	return n
}

type txQueue struct {
	dev   *ethDev
	inner TxQueue
}

func (q *txQueue) TxBurst(vec pktmbuf.Vector) int {
	if !q.dev.started.Load() {
		return 0
	}
	for _, pkt := range vec {
		if pkt.OlFlags()&pktmbuf.TxIPCksum != 0 {
			FillIPv4Checksum(pkt)
		}
	}
	nBytes := vec.Len()
	n := q.inner.TxBurst(vec)
	if n < len(vec) {
		nBytes -= vec[n:].Len()
	}
	q.dev.stats.tx(n, nBytes, len(vec)-n)
	return n
}
