package xport

import (
	"net/netip"
	"testing"

	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/ethdev/ethringdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"golang.org/x/sys/unix"
)

func TestContext(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{}, nil)

	_, e := Init(InitConfig{})
	assert.ErrorIs(e, ErrAlreadyInitialized)
	assert.Same(f.ctx, Current())
	assert.ErrorIs(f.ctx.Start(StartConfig{}), ErrAlreadyStarted)

	assert.Equal(1, f.ctx.PortCount())
	assert.Nil(f.ctx.Port(1))
	up, e := f.ctx.LinkStatus(0)
	require.NoError(e)
	assert.True(up)
	_, e = f.ctx.LinkStatus(1)
	assert.ErrorIs(e, ErrNoPort)

	mac, e := f.ctx.MacAddr(0)
	require.NoError(e)
	assert.Equal(f.pair.PortA.HardwareAddr(), mac)
	assert.Same(f.port, f.ctx.FindPortByMAC(mac))
	assert.Nil(f.ctx.FindPortByMAC(f.peerMAC))

	prefix, e := f.ctx.IPv4(0)
	require.NoError(e)
	assert.Equal(localPrefix, prefix)
	assert.Equal(bcastIP, f.port.Broadcast())
	assert.True(f.port.IsBroadcast(bcastIP))
	assert.False(f.port.IsBroadcast(peerIP))
	assert.Same(f.port, f.ctx.Route(peerIP))
	assert.Nil(f.ctx.Route(netip.MustParseAddr("192.168.1.1")))
	assert.ErrorIs(f.ctx.SetIPv4(0, netip.MustParsePrefix("fe80::1/64")), unix.EINVAL)

	workers := f.ctx.Workers()
	require.Len(workers, len(eal.Workers))
	w := f.port.Worker()
	assert.Equal(eal.Workers[0], w.LCore())
	assert.Equal(WorkerRunning, w.State())
	assert.Equal(WorkerIdle, workers[len(workers)-1].State())
	assert.Equal("XPORT", w.ThreadRole())
	f.sync()
	assert.NotZero(w.ThreadLoadStat().EmptyPolls)

	f.destroy()
	assert.Equal(WorkerStopped, w.State())
	assert.False(f.pair.PortA.Started())
	assert.Nil(Current())
	_, e = f.ctx.Open(0, SocketUDP, UDPArgs{})
	assert.ErrorIs(e, ErrShutdown)
}

func TestBroadcastPrefix(t *testing.T) {
	assert, _ := makeAR(t)
	port := &Port{}
	port.ipv4.Store(&netip.Prefix{})
	assert.False(port.Broadcast().IsValid())

	for prefix, bcast := range map[string]string{
		"10.0.0.1/24":     "10.0.0.255",
		"172.16.5.9/12":   "172.31.255.255",
		"192.168.1.77/30": "192.168.1.79",
		"192.0.2.0/31":    "255.255.255.255",
		"192.0.2.1/32":    "255.255.255.255",
		"198.51.100.3/0":  "255.255.255.255",
	} {
		p := netip.MustParsePrefix(prefix)
		port.ipv4.Store(&p)
		assert.Equal(netip.MustParseAddr(bcast), port.Broadcast(), prefix)
	}

	host := netip.MustParsePrefix("192.0.2.1/32")
	port.ipv4.Store(&host)
	assert.False(port.IsBroadcast(host.Addr()))
}

func TestStartErrors(t *testing.T) {
	assert, require := makeAR(t)

	good, e := ethringdev.NewPair(ethringdev.PairConfig{})
	require.NoError(e)
	defer good.Close()
	noOffload, e := ethringdev.NewPair(ethringdev.PairConfig{NoChecksumOffload: true})
	require.NoError(e)
	defer noOffload.Close()

	_, e = Init(InitConfig{Ports: []string{"no-such-port"}})
	assert.ErrorIs(e, ErrNoPort)
	assert.Nil(Current())

	ctx, e := Init(InitConfig{Ports: []string{good.PortA.Name(), noOffload.PortA.Name()}})
	require.NoError(e)
	assert.Same(ctx, Current())
	t.Cleanup(func() {
		if Current() == ctx {
			ctx.Destroy()
		}
	})

	ctx2, e := Init(InitConfig{Ports: []string{good.PortA.Name()}})
	assert.ErrorIs(e, ErrAlreadyInitialized)
	assert.Nil(ctx2)

	cfg := StartConfig{NumBufs: 255, LinkUpDelay: 1, StopTimeout: 2000, KeepAffinity: true}
	cfg.PortWorkers = []int{eal.Workers[0].ID(), eal.MainLCore.ID()}
	e = ctx.Start(cfg)
	assert.ErrorIs(e, ErrBadWorker)
	assert.False(good.PortA.Started())
	assert.Nil(ctx.Port(0).Worker())

	nFatal := len(fatalMessages)
	cfg.PortWorkers = []int{eal.Workers[0].ID(), eal.Workers[0].ID()}
	e = ctx.Start(cfg)
	assert.ErrorIs(e, ethdev.ErrOffload)
	assert.Len(fatalMessages, nFatal+1)
	assert.False(good.PortA.Started(), "port 0 is stopped after port 1 fails")
	assert.False(noOffload.PortA.Started())
	assert.Nil(ctx.Port(0).Worker())
	assert.Empty(ctx.Workers())

	cfg.PortWorkers = []int{eal.Workers[0].ID()}
	require.NoError(ctx.Start(cfg))
	assert.True(good.PortA.Started())
	w := ctx.Port(0).Worker()
	require.NotNil(w)
	assert.Equal(WorkerRunning, w.State())
	assert.Nil(ctx.Port(1).Worker())

	require.NoError(ctx.Destroy())
	assert.Equal(WorkerStopped, w.State())
	assert.Nil(Current())
}

func TestDestroyRetry(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{}, func(cfg *StartConfig) {
		cfg.StopTimeout = 100
	})
	w := f.port.Worker()

	sock, e := f.ctx.Open(0, SocketUDP, UDPArgs{LocalPort: 5000})
	require.NoError(e)

	e = f.ctx.Destroy()
	assert.ErrorIs(e, ErrTimeout)
	assert.Same(f.ctx, Current(), "context stays current while a worker is running")
	assert.Equal(WorkerDraining, w.State())
	_, e = Init(InitConfig{})
	assert.ErrorIs(e, ErrAlreadyInitialized)
	vec, e := w.txPool().Alloc(1)
	assert.NoError(e, "pools remain open")
	vec.Close()

	e = f.ctx.Destroy()
	assert.ErrorIs(e, ErrTimeout)

	require.NoError(sock.Close())
	require.NoError(f.ctx.Destroy())
	assert.Equal(WorkerStopped, w.State())
	assert.Nil(Current())
	_, e = w.txPool().Alloc(1)
	assert.ErrorIs(e, pktmbuf.ErrPoolClosed)
}

func TestSocketRegistry(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{}, nil)

	rx, e := f.ctx.Open(0, SocketUDP, UDPArgs{LocalPort: 5000})
	require.NoError(e)
	tx, e := f.ctx.Open(0, SocketUDP, UDPArgs{Tx: true, RemoteIP: bcastIP, RemotePort: 5000})
	require.NoError(e)
	_, e = f.ctx.Open(0, SocketUDP, UDPArgs{LocalPort: 5000})
	assert.Error(e)

	list := f.ctx.Sockets()
	require.Len(list, 2)
	assert.Same(rx, list[0])
	assert.Same(tx, list[1])
	assert.Same(tx, f.ctx.FindSocket(tx.Info().ID))

	info := rx.Info()
	assert.False(info.Tx)
	assert.Equal(localIP, info.LocalIP)
	assert.EqualValues(5000, info.LocalPort)
	info = tx.Info()
	assert.True(info.Tx)
	assert.Equal(bcastIP, info.RemoteIP)
	assert.NotZero(info.QueueKey)

	require.NoError(rx.Close())
	assert.Nil(f.ctx.FindSocket(rx.Info().ID))
	assert.Len(f.ctx.Sockets(), 1)
	require.NoError(tx.Close())
	assert.Len(f.ctx.Sockets(), 0)
	f.destroy()
}
