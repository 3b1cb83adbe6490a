package xport

import (
	"net"
	"net/netip"

	"github.com/sdrnet/udpdk/core/macaddr"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/xport/xhdr"
	"go.uber.org/zap"
)

// arpEntry is a cached IPv4 to MAC mapping.
// macaddr.Broadcast in mac means resolution is in flight.
type arpEntry struct {
	mac     net.HardwareAddr
	pending []*configRequest
}

func (entry *arpEntry) resolved() bool {
	return !macaddr.IsBroadcast(entry.mac)
}

// arpTable maps IPv4 address to arpEntry.
// Entries are never evicted; they are released at port teardown.
type arpTable struct {
	capacity int
	m        map[netip.Addr]*arpEntry
}

func newARPTable(capacity int) *arpTable {
	return &arpTable{
		capacity: capacity,
		m:        map[netip.Addr]*arpEntry{},
	}
}

// Lookup returns the resolved MAC address of ip, or nil.
func (t *arpTable) Lookup(ip netip.Addr) net.HardwareAddr {
	if entry := t.m[ip]; entry != nil && entry.resolved() {
		return entry.mac
	}
	return nil
}

// Insert finds or creates an entry.
// A new entry has the pending sentinel as its MAC address.
// It returns nil if the table is full.
func (t *arpTable) Insert(ip netip.Addr) *arpEntry {
	if entry := t.m[ip]; entry != nil {
		return entry
	}
	if len(t.m) >= t.capacity {
		return nil
	}
	entry := &arpEntry{mac: macaddr.Broadcast}
	t.m[ip] = entry
	return entry
}

// RemoveSocket removes pending requests of a socket from every entry.
func (t *arpTable) RemoveSocket(sock *Socket) (removed []*configRequest) {
	for _, entry := range t.m {
		kept := entry.pending[:0]
		for _, req := range entry.pending {
			if req.sock == sock {
				removed = append(removed, req)
			} else {
				kept = append(kept, req)
			}
		}
		for i := len(kept); i < len(entry.pending); i++ {
			entry.pending[i] = nil
		}
		entry.pending = kept
	}
	return removed
}

// processARP handles an inbound ARP frame.
// The sender mapping is learned, pending open requests on the sender address are completed,
// and a request for this port's address is answered.
func (w *Worker) processARP(port *Port, arp xhdr.ARP) {
	port.cnt.rxARP.Add(1)
	if !arp.IsEthernetIPv4() {
		port.cnt.dropMalformed.Add(1)
		return
	}
	senderIP, senderMAC := arp.SenderIP(), arp.SenderMAC()
	if !senderIP.IsUnspecified() && macaddr.IsUnicast(senderMAC) {
		w.learnARP(port, senderIP, senderMAC)
	}

	if arp.Op() == xhdr.ARPOpRequest {
		if myIP := port.IPv4().Addr(); myIP.IsValid() && arp.TargetIP() == myIP {
			w.sendARP(port, xhdr.ARPOpReply, senderMAC, senderIP)
		}
	}
}

func (w *Worker) learnARP(port *Port, ip netip.Addr, mac net.HardwareAddr) {
	entry := port.arp.m[ip]
	if entry == nil {
		if entry = port.arp.Insert(ip); entry == nil {
			port.logger.Warn("ARP table full", zap.Stringer("ip", ip))
			return
		}
	}
	entry.mac = append(net.HardwareAddr(nil), mac...)

	pending := entry.pending
	entry.pending = nil
	for _, req := range pending {
		w.finishOpen(req, nil)
	}
	if len(pending) > 0 {
		port.logger.Debug("ARP resolved", zap.Stringer("ip", ip), zap.Stringer("mac", mac), zap.Int("pending", len(pending)))
	}
}

// sendARP transmits an ARP request or reply.
// A request is broadcast with an unknown target MAC; a reply is unicast to the requester.
// Rejection by the NIC queue is retried until the frame is accepted or the port stops.
func (w *Worker) sendARP(port *Port, op uint16, targetMAC net.HardwareAddr, targetIP netip.Addr) bool {
	vec, e := w.txPool().Alloc(1)
	if e != nil {
		port.logger.Warn("ARP alloc error", zap.Error(e))
		return false
	}
	pkt := vec[0]
	frame, _ := pkt.Extend(xhdr.EthernetLen + xhdr.ARPLen)
	eth := xhdr.Ethernet(frame)
	arpTargetMAC, ethDst := targetMAC, targetMAC
	if op == xhdr.ARPOpRequest {
		arpTargetMAC, ethDst = make(net.HardwareAddr, 6), macaddr.Broadcast
	}
	eth.Encode(ethDst, port.mac, xhdr.EtherTypeARP)
	xhdr.ARP(eth.Payload()).Encode(xhdr.ARPFields{
		Op:        op,
		SenderMAC: port.mac,
		SenderIP:  port.IPv4().Addr(),
		TargetMAC: arpTargetMAC,
		TargetIP:  targetIP,
	})
	pkt.SetOlFlags(0)

	for {
		if w.txBurst(port, vec) == 1 {
			port.cnt.txARP.Add(1)
			return true
		}
		if !port.dev.Started() {
			pkt.Close()
			return false
		}
	}
}

// txBurst transmits to the NIC and delivers frames to the tap.
func (w *Worker) txBurst(port *Port, vec pktmbuf.Vector) int {
	if w.tap != nil {
		w.tap.TapFrames(port.id, TapTx, vec)
	}
	n := port.txq.TxBurst(vec)
	port.cnt.txFrames.Add(uint64(n))
	return n
}
