package ethdev

import (
	"encoding/binary"

	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
)

const (
	etherHdrLen     = 14
	etherTypeIPv4   = 0x0800
	ipv4MinHdrLen   = 20
	ipv4CksumOffset = 10
)

// IPv4HeaderChecksum computes the Internet checksum over an IPv4 header.
// The checksum field itself must be zero for a fresh computation, or its current value for verification.
func IPv4HeaderChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i:]))
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}

func ipv4Header(pkt *pktmbuf.Packet) []byte {
	frame := pkt.Bytes()
	if len(frame) < etherHdrLen+ipv4MinHdrLen || binary.BigEndian.Uint16(frame[12:]) != etherTypeIPv4 {
		return nil
	}
	ip := frame[etherHdrLen:]
	ihl := int(ip[0]&0x0F) * 4
	if ip[0]>>4 != 4 || ihl < ipv4MinHdrLen || ihl > len(ip) {
		return nil
	}
	return ip[:ihl]
}

// FillIPv4Checksum computes the IPv4 header checksum of an Ethernet frame in software.
// This emulates transmit checksum offload.
func FillIPv4Checksum(pkt *pktmbuf.Packet) {
	hdr := ipv4Header(pkt)
	if hdr == nil {
		return
	}
	binary.BigEndian.PutUint16(hdr[ipv4CksumOffset:], 0)
	binary.BigEndian.PutUint16(hdr[ipv4CksumOffset:], IPv4HeaderChecksum(hdr))
}

// VerifyIPv4Checksum verifies the IPv4 header checksum of an Ethernet frame in software,
// and sets Rx checksum offload flags accordingly.
// This emulates receive checksum offload.
func VerifyIPv4Checksum(pkt *pktmbuf.Packet) {
	ol := pkt.OlFlags() &^ pktmbuf.RxIPCksumMask
	if hdr := ipv4Header(pkt); hdr != nil {
		if IPv4HeaderChecksum(hdr) == 0 {
			ol |= pktmbuf.RxIPCksumGood
		} else {
			ol |= pktmbuf.RxIPCksumBad
		}
	}
	pkt.SetOlFlags(ol)
}
