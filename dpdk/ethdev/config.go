package ethdev

import (
	"fmt"
	"strings"

	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/dpdk/ringbuffer"
)

// Defaults.
const (
	DefaultMTU           = 1500
	DefaultQueueCapacity = 512
)

// Offloads is a set of checksum offload features.
type Offloads uint32

// Offload features.
const (
	OffloadIPv4Cksum Offloads = 1 << iota
	OffloadUDPCksum
)

// Has determines whether all features in o2 are present.
func (o Offloads) Has(o2 Offloads) bool {
	return o&o2 == o2
}

func (o Offloads) String() string {
	var names []string
	if o.Has(OffloadIPv4Cksum) {
		names = append(names, "ipv4-cksum")
	}
	if o.Has(OffloadUDPCksum) {
		names = append(names, "udp-cksum")
	}
	return strings.Join(names, ",")
}

// RxQueueConfig contains receive queue configuration.
type RxQueueConfig struct {
	Capacity int
	Socket   eal.NumaSocket
	RxPool   *pktmbuf.Pool
}

// TxQueueConfig contains transmit queue configuration.
type TxQueueConfig struct {
	Capacity int
	Socket   eal.NumaSocket
}

// Config contains port configuration.
type Config struct {
	RxQueues []RxQueueConfig
	TxQueues []TxQueueConfig
	// MTU is the maximum IP packet size, excluding Ethernet header.
	MTU int
	// Promisc enables promiscuous mode.
	Promisc bool
	// RxOffloads lists required receive offloads.
	RxOffloads Offloads
	// TxOffloads lists required transmit offloads.
	TxOffloads Offloads
}

// AddRxQueues adds n receive queues with the same configuration.
func (cfg *Config) AddRxQueues(n int, qcfg RxQueueConfig) {
	for i := 0; i < n; i++ {
		cfg.RxQueues = append(cfg.RxQueues, qcfg)
	}
}

// AddTxQueues adds n transmit queues with the same configuration.
func (cfg *Config) AddTxQueues(n int, qcfg TxQueueConfig) {
	for i := 0; i < n; i++ {
		cfg.TxQueues = append(cfg.TxQueues, qcfg)
	}
}

func (cfg *Config) applyDefaults(info DevInfo) {
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	for i := range cfg.RxQueues {
		cfg.RxQueues[i].Capacity = ringbuffer.AlignCapacity(cfg.RxQueues[i].Capacity, ringbuffer.MinCapacity, DefaultQueueCapacity)
	}
	for i := range cfg.TxQueues {
		cfg.TxQueues[i].Capacity = ringbuffer.AlignCapacity(cfg.TxQueues[i].Capacity, ringbuffer.MinCapacity, DefaultQueueCapacity)
	}
}

func (cfg Config) check(info DevInfo) error {
	if len(cfg.RxQueues) > info.MaxRxQueues || len(cfg.TxQueues) > info.MaxTxQueues {
		return fmt.Errorf("%w: rx %d/%d tx %d/%d", ErrQueues, len(cfg.RxQueues), info.MaxRxQueues, len(cfg.TxQueues), info.MaxTxQueues)
	}
	if info.MaxMTU > 0 && cfg.MTU > info.MaxMTU {
		return fmt.Errorf("MTU %d exceeds maximum %d", cfg.MTU, info.MaxMTU)
	}
	for i, q := range cfg.RxQueues {
		if q.RxPool == nil {
			return fmt.Errorf("RxQueues[%d].RxPool missing", i)
		}
	}
	if !info.RxOffloadCapa.Has(cfg.RxOffloads) {
		return fmt.Errorf("%w: rx %s", ErrOffload, cfg.RxOffloads)
	}
	if !info.TxOffloadCapa.Has(cfg.TxOffloads) {
		return fmt.Errorf("%w: tx %s", ErrOffload, cfg.TxOffloads)
	}
	return nil
}
