package xport

import (
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
)

// TapDir indicates frame direction seen by a FrameTap.
type TapDir int

// TapDir values.
const (
	TapRx TapDir = iota
	TapTx
)

func (dir TapDir) String() string {
	if dir == TapTx {
		return "tx"
	}
	return "rx"
}

// FrameTap observes frames on the worker thread.
//
// TapFrames is called with frames received from the NIC before they are processed, and with frames
// offered to the NIC before transmission; a frame rejected by the NIC is offered again on retry.
// It must copy what it needs and return quickly; it must not retain vec or its packets.
type FrameTap interface {
	TapFrames(port int, dir TapDir, vec pktmbuf.Vector)
}
