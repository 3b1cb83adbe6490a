package ethdev

import (
	"fmt"
	"sync/atomic"
)

// Stats contains port counters.
type Stats struct {
	Ipackets uint64 `json:"ipackets"`
	Ibytes   uint64 `json:"ibytes"`
	Opackets uint64 `json:"opackets"`
	Obytes   uint64 `json:"obytes"`
	Oerrors  uint64 `json:"oerrors"`
}

func (es Stats) String() string {
	return fmt.Sprintf("RX %d pkts, %d bytes; TX %d pkts, %d bytes, %d rejected",
		es.Ipackets, es.Ibytes, es.Opackets, es.Obytes, es.Oerrors)
}

type statsCounters struct {
	ipackets, ibytes          atomic.Uint64
	opackets, obytes, oerrors atomic.Uint64
}

func (c *statsCounters) rx(n, nBytes int) {
	if n == 0 {
		return
	}
	c.ipackets.Add(uint64(n))
	c.ibytes.Add(uint64(nBytes))
}

func (c *statsCounters) tx(n, nBytes, nRejected int) {
	c.opackets.Add(uint64(n))
	c.obytes.Add(uint64(nBytes))
	c.oerrors.Add(uint64(nRejected))
}

func (c *statsCounters) read() Stats {
	return Stats{
		Ipackets: c.ipackets.Load(),
		Ibytes:   c.ibytes.Load(),
		Opackets: c.opackets.Load(),
		Obytes:   c.obytes.Load(),
		Oerrors:  c.oerrors.Load(),
	}
}

func (c *statsCounters) reset() {
	c.ipackets.Store(0)
	c.ibytes.Store(0)
	c.opackets.Store(0)
	c.obytes.Store(0)
	c.oerrors.Store(0)
}
