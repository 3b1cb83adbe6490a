package xport

import (
	"net/netip"

	"github.com/sdrnet/udpdk/core/nnduration"
	"github.com/sdrnet/udpdk/dpdk/ealconfig"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
)

// Limits and defaults.
const (
	RxBurstSize = 16
	TxBurstSize = 16

	RequestRingCapacity = 16
	WaiterRingCapacity  = 64

	MaxSocketsPerPort = 1024
	ARPTableCapacity  = 1024

	DefaultTxQueueCapacity = 64
	DefaultRxRingCapacity  = 64

	DefaultNumBufs     = 4095
	DefaultMTU         = 1500
	DefaultLinkUpDelay = 1000
	DefaultOpenTimeout = 5000
	DefaultStopTimeout = 1000
)

// InitConfig contains Init arguments.
type InitConfig struct {
	// Eal configures lcores and virtual devices.
	// It is ignored if EAL is already initialized in this process.
	Eal ealconfig.Config `json:"eal"`

	// Ports lists names of ports to be used.
	// If empty, every registered port is used in port ID order.
	Ports []string `json:"ports,omitempty"`
}

// StartConfig contains Start arguments.
type StartConfig struct {
	// PortWorkers maps each port index to the lcore ID of the worker that services it.
	// Its length is the number of ports to start; ports beyond its length remain stopped.
	PortWorkers []int `json:"portWorkers"`

	// NumBufs is the capacity of each packet buffer pool.
	NumBufs int `json:"numBufs,omitempty"`

	// CacheSize is the per-lcore cache size of each packet buffer pool.
	CacheSize int `json:"cacheSize,omitempty"`

	// MTU is the maximum IPv4 packet size.
	MTU int `json:"mtu,omitempty"`

	// NicQueueCapacity is the capacity of the NIC receive and transmit queues.
	NicQueueCapacity int `json:"nicQueueCapacity,omitempty"`

	// LinkUpDelay is the delay after starting workers before reporting link status.
	LinkUpDelay nnduration.Milliseconds `json:"linkUpDelay,omitempty"`

	// OpenTimeout is the default timeout of socket open and close.
	OpenTimeout nnduration.Milliseconds `json:"openTimeout,omitempty"`

	// StopTimeout is how long Destroy waits for each worker.
	StopTimeout nnduration.Milliseconds `json:"stopTimeout,omitempty"`

	// KeepAffinity skips restricting non-worker threads to CPUs not used by workers.
	KeepAffinity bool `json:"keepAffinity,omitempty"`

	// Tap, if not nil, observes frames received and transmitted by workers.
	Tap FrameTap `json:"-"`
}

func (cfg *StartConfig) applyDefaults() {
	if cfg.NumBufs <= 0 {
		cfg.NumBufs = DefaultNumBufs
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = pktmbuf.ComputeCacheSize(cfg.NumBufs)
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	cfg.NicQueueCapacity = ringbuffer.AlignCapacity(cfg.NicQueueCapacity, 64, 512)
	if cfg.LinkUpDelay == 0 {
		cfg.LinkUpDelay = DefaultLinkUpDelay
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
}

// SocketType identifies socket protocol.
type SocketType int

// SocketType values.
const (
	SocketUDP SocketType = iota + 1
)

func (t SocketType) String() string {
	switch t {
	case SocketUDP:
		return "udp"
	}
	return "invalid"
}

// UDPArgs contains UDP socket arguments.
type UDPArgs struct {
	// Tx selects transmit direction. Otherwise the socket receives.
	Tx bool `json:"tx,omitempty"`

	// LocalPort is the local UDP port.
	// For a receive socket, zero requests automatic assignment.
	LocalPort uint16 `json:"localPort,omitempty"`

	// RemotePort is the remote UDP port.
	// For a transmit socket, this is the destination port.
	RemotePort uint16 `json:"remotePort,omitempty"`

	// RemoteIP is the destination IPv4 address of a transmit socket.
	RemoteIP netip.Addr `json:"remoteIP,omitempty"`

	// NumBufs is the receive ring capacity of a receive socket, or the TxQueue capacity of a transmit socket
	// if the TxQueue does not exist yet.
	NumBufs int `json:"numBufs,omitempty"`

	// FilterBroadcast drops broadcast datagrams on a receive socket.
	FilterBroadcast bool `json:"filterBroadcast,omitempty"`

	// QueueKey identifies the TxQueue of a transmit socket.
	// Zero means the OS thread ID of the caller.
	QueueKey int `json:"queueKey,omitempty"`

	// Timeout is the open timeout; zero means StartConfig.OpenTimeout.
	Timeout nnduration.Milliseconds `json:"timeout,omitempty"`
}
