package portmgmt

import (
	"net/netip"

	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealthread"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/xport"
)

// IDArg identifies a port.
type IDArg struct {
	ID int `json:"id"`
}

// SetIPv4Arg contains Port.SetIPv4 arguments.
type SetIPv4Arg struct {
	ID   int          `json:"id"`
	IPv4 netip.Prefix `json:"ipv4"`
}

// PortInfo describes a port.
type PortInfo struct {
	ID       int                `json:"id"`
	Name     string             `json:"name"`
	MacAddr  string             `json:"macAddr"`
	IPv4     netip.Prefix       `json:"ipv4"`
	LinkUp   bool               `json:"linkUp"`
	Worker   eal.LCore          `json:"worker"`
	Counters xport.PortCounters `json:"counters"`
	Stats    ethdev.Stats       `json:"stats"`
}

func makePortInfo(port *xport.Port) (info PortInfo) {
	info.ID = port.ID()
	info.Name = port.EthDev().Name()
	info.MacAddr = port.MacAddr().String()
	info.IPv4 = port.IPv4()
	info.LinkUp = port.LinkUp()
	if w := port.Worker(); w != nil {
		info.Worker = w.LCore()
	}
	info.Counters = port.Counters()
	info.Stats = port.EthDev().Stats()
	return info
}

// WorkerInfo describes a worker.
type WorkerInfo struct {
	LCore eal.LCore          `json:"lcore"`
	State string             `json:"state"`
	Ports []int              `json:"ports"`
	Load  ealthread.LoadStat `json:"load"`
}
