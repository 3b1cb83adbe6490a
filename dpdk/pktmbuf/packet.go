// Package pktmbuf provides fixed-size packet buffers and per-NUMA buffer pools.
package pktmbuf

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/sdrnet/udpdk/core/logging"
	"go.uber.org/zap"
)

var logger = logging.New("pktmbuf")

// DefaultHeadroom is the default headroom of a packet buffer.
const DefaultHeadroom = 128

// OlFlags contains offload flags.
type OlFlags uint32

// Offload flags.
// The Rx IPv4 checksum status occupies two bits: neither set means unknown, both set means none.
const (
	RxIPCksumBad  OlFlags = 1 << 4
	RxIPCksumGood OlFlags = 1 << 7
	RxIPCksumNone         = RxIPCksumBad | RxIPCksumGood
	RxIPCksumMask         = RxIPCksumBad | RxIPCksumGood

	TxIPv4    OlFlags = 1 << 20
	TxIPCksum OlFlags = 1 << 21
)

// RxIPCksum extracts Rx IPv4 checksum status.
func (f OlFlags) RxIPCksum() OlFlags {
	return f & RxIPCksumMask
}

// Packet represents a packet in a fixed-size buffer.
type Packet struct {
	buf    []byte
	off    int
	length int
	pool   *Pool
	port   uint16
	ol     OlFlags
	freed  atomic.Bool
}

// Close releases the packet to its pool.
func (pkt *Packet) Close() error {
	if pkt == nil {
		return nil
	}
	if pkt.pool == nil {
		return nil
	}
	pkt.pool.Free(Vector{pkt})
	return nil
}

// Pool returns the pool that owns this packet.
func (pkt *Packet) Pool() *Pool {
	return pkt.pool
}

// Len returns packet length in octets.
func (pkt *Packet) Len() int {
	return pkt.length
}

// Port returns ingress network interface.
func (pkt *Packet) Port() uint16 {
	return pkt.port
}

// SetPort sets ingress network interface.
func (pkt *Packet) SetPort(port uint16) {
	pkt.port = port
}

// OlFlags returns offload flags.
func (pkt *Packet) OlFlags() OlFlags {
	return pkt.ol
}

// SetOlFlags assigns offload flags.
func (pkt *Packet) SetOlFlags(ol OlFlags) {
	pkt.ol = ol
}

// Bytes returns the packet data.
// It aliases the buffer.
func (pkt *Packet) Bytes() []byte {
	return pkt.buf[pkt.off : pkt.off+pkt.length]
}

// Room returns the packet data followed by all tailroom.
// It aliases the buffer.
func (pkt *Packet) Room() []byte {
	return pkt.buf[pkt.off:]
}

// Headroom returns headroom.
func (pkt *Packet) Headroom() int {
	return pkt.off
}

// SetHeadroom changes headroom.
// It can only be used on an empty packet.
func (pkt *Packet) SetHeadroom(headroom int) error {
	if pkt.length > 0 {
		return errors.New("cannot change headroom of non-empty packet")
	}
	if headroom < 0 || headroom > len(pkt.buf) {
		return errors.New("headroom cannot exceed buffer length")
	}
	pkt.off = headroom
	return nil
}

// Tailroom returns tailroom.
func (pkt *Packet) Tailroom() int {
	return len(pkt.buf) - pkt.off - pkt.length
}

// SetLen changes packet length, keeping headroom unchanged.
func (pkt *Packet) SetLen(length int) error {
	if length < 0 || pkt.off+length > len(pkt.buf) {
		return fmt.Errorf("length %d exceeds buffer", length)
	}
	pkt.length = length
	return nil
}

// Prepend prepends to the packet in headroom.
func (pkt *Packet) Prepend(input []byte) error {
	count := len(input)
	if count > pkt.off {
		return fmt.Errorf("insufficient headroom %d", pkt.off)
	}
	pkt.off -= count
	pkt.length += count
	copy(pkt.buf[pkt.off:], input)
	return nil
}

// Append appends to the packet in tailroom.
func (pkt *Packet) Append(input []byte) error {
	room, e := pkt.Extend(len(input))
	if e != nil {
		return e
	}
	copy(room, input)
	return nil
}

// Extend grows the packet by count octets and returns the added room.
func (pkt *Packet) Extend(count int) ([]byte, error) {
	if count > pkt.Tailroom() {
		return nil, fmt.Errorf("insufficient tailroom %d", pkt.Tailroom())
	}
	start := pkt.off + pkt.length
	pkt.length += count
	return pkt.buf[start : start+count], nil
}

// Reset empties the packet and restores default headroom.
func (pkt *Packet) Reset() {
	pkt.off = DefaultHeadroom
	if pkt.off > len(pkt.buf) {
		pkt.off = len(pkt.buf)
	}
	pkt.length = 0
	pkt.port = 0
	pkt.ol = 0
}

func (pkt *Packet) markFreed() bool {
	if !pkt.freed.CompareAndSwap(false, true) {
		logger.DPanic("packet double free", zap.Uintptr("pool", pkt.pool.id))
		return false
	}
	return true
}
