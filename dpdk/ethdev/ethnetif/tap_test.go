package ethnetif_test

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealtestenv"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/ethdev/ethnetif"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
)

var makeAR = testenv.MakeAR

func TestMain(m *testing.M) {
	ealtestenv.Init()
	os.Exit(m.Run())
}

func TestTap(t *testing.T) {
	assert, require := makeAR(t)

	dev, e := ethnetif.New(ethnetif.Config{}, eal.NumaSocket{})
	if e != nil {
		t.Skipf("cannot create TAP interface: %v", e)
	}
	defer dev.Close()
	assert.Equal(ethdev.DriverTap, dev.DevInfo().DriverName)
	assert.True(dev.DevInfo().HasTxChecksumOffload())

	pool, e := pktmbuf.NewPool(pktmbuf.PoolConfig{Capacity: 63, Dataroom: 2048}, eal.NumaSocket{})
	require.NoError(e)
	var cfg ethdev.Config
	cfg.AddRxQueues(1, ethdev.RxQueueConfig{RxPool: pool})
	cfg.AddTxQueues(1, ethdev.TxQueueConfig{})
	cfg.TxOffloads = ethdev.OffloadIPv4Cksum
	require.NoError(dev.Start(cfg))

	eth := &layers.Ethernet{
		SrcMAC:       dev.HardwareAddr(),
		DstMAC:       net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType: layers.LinkTypeEthernet, Protocol: layers.EthernetTypeIPv4,
		HwAddressSize: 6, ProtAddressSize: 4, Operation: layers.ARPRequest,
		SourceHwAddress: dev.HardwareAddr(), SourceProtAddress: []byte{192, 0, 2, 1},
		DstHwAddress: make([]byte, 6), DstProtAddress: []byte{192, 0, 2, 2},
	}
	buf := gopacket.NewSerializeBuffer()
	require.NoError(gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, eth, arp))

	vec, e := pool.Alloc(1)
	require.NoError(e)
	require.NoError(vec[0].Append(buf.Bytes()))
	assert.Equal(1, dev.TxQueues()[0].TxBurst(vec))

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(1, dev.Stats().Opackets)
	require.NoError(dev.Stop(ethdev.StopReset))
	assert.Equal(pool.Capacity(), pool.CountAvailable())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(pool.Capacity(), pool.CountAvailable(), "frames read after Stop are dropped")
}
