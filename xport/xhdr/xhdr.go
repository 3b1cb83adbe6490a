// Package xhdr encodes and decodes Ethernet, ARP, IPv4, and UDP headers.
//
// Each header type is a view over a byte slice, with accessors for individual fields.
package xhdr

import (
	"encoding/binary"
	"errors"
	"net"
	"net/netip"
)

// Header sizes.
const (
	EthernetLen = 14
	ARPLen      = 28
	IPv4Len     = 20
	UDPLen      = 8

	// UDPHeadersLen is the combined length of Ethernet, IPv4, and UDP headers.
	UDPHeadersLen = EthernetLen + IPv4Len + UDPLen
)

// EtherType values.
const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
)

// ARP constants.
const (
	ARPHwTypeEthernet = 1
	ARPOpRequest      = 1
	ARPOpReply        = 2
)

// IPv4 constants.
const (
	IPv4VersionIHL = 0x45
	IPv4FlagDF     = 0x4000
	IPv4DefaultTTL = 64
	IPProtoUDP     = 17
)

// ErrTruncated indicates the input is shorter than the header.
var ErrTruncated = errors.New("truncated header")

// Ethernet represents an Ethernet header stored in a byte slice.
type Ethernet []byte

// Dst returns destination MAC address.
func (b Ethernet) Dst() net.HardwareAddr {
	return net.HardwareAddr(b[0:6])
}

// Src returns source MAC address.
func (b Ethernet) Src() net.HardwareAddr {
	return net.HardwareAddr(b[6:12])
}

// EtherType returns EtherType.
func (b Ethernet) EtherType() uint16 {
	return binary.BigEndian.Uint16(b[12:])
}

// SetDst sets destination MAC address.
func (b Ethernet) SetDst(mac net.HardwareAddr) {
	copy(b[0:6], mac)
}

// Encode writes all fields.
func (b Ethernet) Encode(dst, src net.HardwareAddr, etherType uint16) {
	copy(b[0:6], dst)
	copy(b[6:12], src)
	binary.BigEndian.PutUint16(b[12:], etherType)
}

// Payload returns the bytes after the Ethernet header.
func (b Ethernet) Payload() []byte {
	return b[EthernetLen:]
}

// ParseEthernet interprets a frame as Ethernet.
func ParseEthernet(frame []byte) (Ethernet, error) {
	if len(frame) < EthernetLen {
		return nil, ErrTruncated
	}
	return Ethernet(frame), nil
}

// ARP represents an Ethernet/IPv4 ARP packet stored in a byte slice.
type ARP []byte

// ARPFields contains ARP packet fields.
type ARPFields struct {
	Op        uint16
	SenderMAC net.HardwareAddr
	SenderIP  netip.Addr
	TargetMAC net.HardwareAddr
	TargetIP  netip.Addr
}

// Op returns the opcode.
func (b ARP) Op() uint16 {
	return binary.BigEndian.Uint16(b[6:])
}

// SenderMAC returns sender hardware address.
func (b ARP) SenderMAC() net.HardwareAddr {
	return net.HardwareAddr(b[8:14])
}

// SenderIP returns sender protocol address.
func (b ARP) SenderIP() netip.Addr {
	return netip.AddrFrom4(*(*[4]byte)(b[14:18]))
}

// TargetMAC returns target hardware address.
func (b ARP) TargetMAC() net.HardwareAddr {
	return net.HardwareAddr(b[18:24])
}

// TargetIP returns target protocol address.
func (b ARP) TargetIP() netip.Addr {
	return netip.AddrFrom4(*(*[4]byte)(b[24:28]))
}

// IsEthernetIPv4 determines whether hardware type is Ethernet and protocol type is IPv4.
func (b ARP) IsEthernetIPv4() bool {
	return binary.BigEndian.Uint16(b[0:]) == ARPHwTypeEthernet && binary.BigEndian.Uint16(b[2:]) == EtherTypeIPv4 &&
		b[4] == 6 && b[5] == 4
}

// Encode writes all fields.
func (b ARP) Encode(f ARPFields) {
	binary.BigEndian.PutUint16(b[0:], ARPHwTypeEthernet)
	binary.BigEndian.PutUint16(b[2:], EtherTypeIPv4)
	b[4], b[5] = 6, 4
	binary.BigEndian.PutUint16(b[6:], f.Op)
	copy(b[8:14], f.SenderMAC)
	sip, tip := f.SenderIP.As4(), f.TargetIP.As4()
	copy(b[14:18], sip[:])
	copy(b[18:24], f.TargetMAC)
	copy(b[24:28], tip[:])
}

// ParseARP interprets an Ethernet payload as ARP.
func ParseARP(payload []byte) (ARP, error) {
	if len(payload) < ARPLen {
		return nil, ErrTruncated
	}
	return ARP(payload[:ARPLen]), nil
}

// IPv4 represents an IPv4 header stored in a byte slice.
type IPv4 []byte

// IPv4Fields contains IPv4 header fields set by the sender.
type IPv4Fields struct {
	TotalLen uint16
	Protocol uint8
	Src, Dst netip.Addr
}

// HeaderLen returns the header length from the IHL field.
func (b IPv4) HeaderLen() int {
	return int(b[0]&0x0F) * 4
}

// TotalLen returns the total length field.
func (b IPv4) TotalLen() uint16 {
	return binary.BigEndian.Uint16(b[2:])
}

// Protocol returns the protocol number.
func (b IPv4) Protocol() uint8 {
	return b[9]
}

// Checksum returns the header checksum field.
func (b IPv4) Checksum() uint16 {
	return binary.BigEndian.Uint16(b[10:])
}

// Src returns source address.
func (b IPv4) Src() netip.Addr {
	return netip.AddrFrom4(*(*[4]byte)(b[12:16]))
}

// Dst returns destination address.
func (b IPv4) Dst() netip.Addr {
	return netip.AddrFrom4(*(*[4]byte)(b[16:20]))
}

// Payload returns the bytes after the IPv4 header.
func (b IPv4) Payload() []byte {
	return b[b.HeaderLen():]
}

// Encode writes a 20-octet header with DF flag, packet ID zero, TTL 64.
// Checksum is zero, to be filled by transmit offload.
func (b IPv4) Encode(f IPv4Fields) {
	b[0] = IPv4VersionIHL
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:], f.TotalLen)
	binary.BigEndian.PutUint16(b[4:], 0)
	binary.BigEndian.PutUint16(b[6:], IPv4FlagDF)
	b[8] = IPv4DefaultTTL
	b[9] = f.Protocol
	binary.BigEndian.PutUint16(b[10:], 0)
	src, dst := f.Src.As4(), f.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
}

// ErrIPv4Version indicates the header is not IPv4 or has invalid IHL.
var ErrIPv4Version = errors.New("not an IPv4 header")

// ParseIPv4 interprets an Ethernet payload as IPv4.
func ParseIPv4(payload []byte) (IPv4, error) {
	if len(payload) < IPv4Len {
		return nil, ErrTruncated
	}
	b := IPv4(payload)
	if b[0]>>4 != 4 || b.HeaderLen() < IPv4Len {
		return nil, ErrIPv4Version
	}
	if len(b) < b.HeaderLen() {
		return nil, ErrTruncated
	}
	if total := int(b.TotalLen()); total >= b.HeaderLen() && total < len(b) {
		b = b[:total]
	}
	return b, nil
}

// UDP represents a UDP header stored in a byte slice.
type UDP []byte

// SrcPort returns source port.
func (b UDP) SrcPort() uint16 {
	return binary.BigEndian.Uint16(b[0:])
}

// DstPort returns destination port.
func (b UDP) DstPort() uint16 {
	return binary.BigEndian.Uint16(b[2:])
}

// Length returns the length field.
func (b UDP) Length() uint16 {
	return binary.BigEndian.Uint16(b[4:])
}

// Payload returns the UDP payload, bounded by the length field.
func (b UDP) Payload() []byte {
	if l := int(b.Length()); l >= UDPLen && l <= len(b) {
		return b[UDPLen:l]
	}
	return b[UDPLen:]
}

// Encode writes all fields, with length 8+payloadLen and zero checksum.
func (b UDP) Encode(srcPort, dstPort uint16, payloadLen int) {
	binary.BigEndian.PutUint16(b[0:], srcPort)
	binary.BigEndian.PutUint16(b[2:], dstPort)
	binary.BigEndian.PutUint16(b[4:], uint16(UDPLen+payloadLen))
	binary.BigEndian.PutUint16(b[6:], 0)
}

// ParseUDP interprets an IPv4 payload as UDP.
func ParseUDP(payload []byte) (UDP, error) {
	if len(payload) < UDPLen {
		return nil, ErrTruncated
	}
	return UDP(payload), nil
}
