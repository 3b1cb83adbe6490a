package xport

import (
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealtestenv"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/ethdev/ethringdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"go.uber.org/zap"
)

var (
	makeAR      = testenv.MakeAR
	waitTimeout = ealtestenv.WaitTimeout
)

var fatalMessages []string

func TestMain(m *testing.M) {
	ealtestenv.Init()
	fatal = func(msg string, fields ...zap.Field) {
		logger.Error("fatal "+msg, fields...)
		fatalMessages = append(fatalMessages, msg)
	}
	os.Exit(m.Run())
}

var (
	localPrefix = netip.MustParsePrefix("10.0.0.1/24")
	localIP     = localPrefix.Addr()
	peerIP      = netip.MustParseAddr("10.0.0.2")
	bcastIP     = netip.MustParseAddr("10.0.0.255")
)

// fixture runs a Context on port A of a ring pair, while the test acts as the peer on port B.
type fixture struct {
	t        testing.TB
	pair     *ethringdev.Pair
	ctx      *Context
	port     *Port
	peerPool *pktmbuf.Pool
	peerRxq  ethdev.RxQueue
	peerTxq  ethdev.TxQueue
	peerMAC  net.HardwareAddr
}

func newFixture(t testing.TB, pairCfg ethringdev.PairConfig, modify func(cfg *StartConfig)) *fixture {
	_, require := makeAR(t)
	f := &fixture{t: t}

	var e error
	f.pair, e = ethringdev.NewPair(pairCfg)
	require.NoError(e)
	t.Cleanup(func() { f.pair.Close() })

	f.ctx, e = Init(InitConfig{Ports: []string{f.pair.PortA.Name()}})
	require.NoError(e)
	t.Cleanup(func() {
		if Current() == f.ctx {
			f.ctx.Destroy()
		}
	})

	cfg := StartConfig{
		PortWorkers:  []int{eal.Workers[0].ID()},
		NumBufs:      1023,
		LinkUpDelay:  1,
		OpenTimeout:  2000,
		StopTimeout:  2000,
		KeepAffinity: true,
	}
	if modify != nil {
		modify(&cfg)
	}
	require.NoError(f.ctx.Start(cfg))
	f.port = f.ctx.Port(0)
	require.NoError(f.ctx.SetIPv4(0, localPrefix))

	f.peerPool, e = pktmbuf.NewPool(pktmbuf.PoolConfig{Capacity: 1023, Dataroom: 2048}, eal.NumaSocket{})
	require.NoError(e)
	var peerCfg ethdev.Config
	peerCfg.AddRxQueues(1, ethdev.RxQueueConfig{RxPool: f.peerPool})
	peerCfg.AddTxQueues(1, ethdev.TxQueueConfig{})
	peerCfg.RxOffloads = ethdev.OffloadIPv4Cksum
	peerCfg.TxOffloads = ethdev.OffloadIPv4Cksum
	require.NoError(f.pair.PortB.Start(peerCfg))
	f.peerRxq = f.pair.PortB.RxQueues()[0]
	f.peerTxq = f.pair.PortB.TxQueues()[0]
	f.peerMAC = f.pair.PortB.HardwareAddr()
	return f
}

// destroy closes the Context and requires success.
func (f *fixture) destroy() {
	_, require := makeAR(f.t)
	require.NoError(f.ctx.Destroy())
}

func (f *fixture) serialize(goodCksum bool, layerList ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	e := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: goodCksum}, layerList...)
	if e != nil {
		f.t.Fatal(e)
	}
	return buf.Bytes()
}

// makeUDP crafts a datagram from the peer.
func (f *fixture) makeUDP(dst netip.Addr, dstPort uint16, payload []byte, goodCksum bool) []byte {
	dstMAC := f.port.MacAddr()
	if dst == bcastIP {
		dstMAC = layers.EthernetBroadcast
	}
	eth := &layers.Ethernet{SrcMAC: f.peerMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version: 4, TTL: 64, Protocol: layers.IPProtocolUDP, Flags: layers.IPv4DontFragment,
		SrcIP: peerIP.AsSlice(), DstIP: dst.AsSlice(),
	}
	if !goodCksum {
		ip.Checksum = 0xBEEF
	}
	udp := &layers.UDP{SrcPort: 7000, DstPort: layers.UDPPort(dstPort)}
	udp.SetNetworkLayerForChecksum(ip)
	return f.serialize(goodCksum, eth, ip, udp, gopacket.Payload(payload))
}

// makeARP crafts an ARP frame from the peer.
func (f *fixture) makeARP(op uint16, senderIP netip.Addr, targetMAC net.HardwareAddr, targetIP netip.Addr) []byte {
	ethDst := targetMAC
	if op == layers.ARPRequest {
		ethDst, targetMAC = layers.EthernetBroadcast, make(net.HardwareAddr, 6)
	}
	eth := &layers.Ethernet{SrcMAC: f.peerMAC, DstMAC: ethDst, EthernetType: layers.EthernetTypeARP}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   f.peerMAC,
		SourceProtAddress: senderIP.AsSlice(),
		DstHwAddress:      targetMAC,
		DstProtAddress:    targetIP.AsSlice(),
	}
	return f.serialize(true, eth, arp)
}

// peerSend transmits frames from the peer.
func (f *fixture) peerSend(frames ...[]byte) {
	_, require := makeAR(f.t)
	vec, e := f.peerPool.Alloc(len(frames))
	require.NoError(e)
	for i, frame := range frames {
		require.NoError(vec[i].Append(frame))
		if frame[12] == 0x08 && frame[13] == 0x00 {
			vec[i].SetOlFlags(pktmbuf.TxIPv4)
		}
	}
	require.Equal(len(frames), f.peerTxq.TxBurst(vec))
}

// peerRecv receives frames at the peer until count frames have arrived or timeout elapses.
func (f *fixture) peerRecv(count int, timeout time.Duration) (pkts []gopacket.Packet) {
	vec := make(pktmbuf.Vector, 64)
	deadline := time.Now().Add(timeout)
	for len(pkts) < count && time.Now().Before(deadline) {
		n := f.peerRxq.RxBurst(vec)
		if n == 0 {
			time.Sleep(time.Millisecond)
			continue
		}
		for _, pkt := range vec[:n] {
			frame := append([]byte(nil), pkt.Bytes()...)
			pkts = append(pkts, gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default))
		}
		vec[:n].Close()
	}
	return pkts
}

// peerNoRecv asserts the peer receives nothing within a short period.
func (f *fixture) peerNoRecv() {
	assert, _ := makeAR(f.t)
	pkts := f.peerRecv(1, 50*time.Millisecond)
	assert.Len(pkts, 0)
}

func (f *fixture) sync() {
	_, require := makeAR(f.t)
	require.NoError(f.port.Worker().Sync(waitTimeout))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	testenv.RandBytes(b)
	return b
}

// peerDrain discards frames at the peer in the background.
// The returned function stops draining and returns the number of frames discarded.
func (f *fixture) peerDrain() (stop func() int) {
	quit, done := make(chan struct{}), make(chan int)
	go func() {
		vec := make(pktmbuf.Vector, 64)
		total := 0
		for {
			select {
			case <-quit:
				done <- total
				return
			default:
			}
			n := f.peerRxq.RxBurst(vec)
			vec[:n].Close()
			total += n
			if n == 0 {
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return func() int {
		close(quit)
		return <-done
	}
}
