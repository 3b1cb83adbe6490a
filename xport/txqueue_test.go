package xport

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/ethdev/ethringdev"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/xport/xhdr"
)

func TestTxRetry(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{RingCapacity: 64}, nil)

	sock, e := f.ctx.Open(0, SocketUDP, UDPArgs{Tx: true, RemoteIP: bcastIP, RemotePort: 9, NumBufs: 128})
	require.NoError(e)
	q := sock.TxQueue()
	assert.Equal(TxQueueCounts{Capacity: 128, Free: 128}, q.Counts())

	vec := make(pktmbuf.Vector, 80)
	n, e := sock.RequestTxBuffers(vec, 0)
	require.NoError(e)
	require.Equal(80, n)
	assert.Equal(TxQueueCounts{Capacity: 128, Free: 48, CheckedOut: 80}, q.Counts())
	for i, pkt := range vec {
		sock.Payload(pkt)[0] = byte(i)
		require.NoError(sock.SetPayloadLen(pkt, 1))
	}
	n, e = sock.Send(vec)
	require.NoError(e)
	require.Equal(80, n)

	// the link ring accepts 64 frames; the 65th is rejected and parked in the retry ring,
	// and the rest stay in the outbound ring
	want := TxQueueCounts{Capacity: 128, Free: 112, Outbound: 15, Retry: 1}
	assert.True(testenv.Eventually(waitTimeout, func() bool { return q.Counts() == want }), "%v", q.Counts())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(want, q.Counts())
	assert.NotZero(f.pair.PortA.Stats().Oerrors)
	assert.EqualValues(64, f.port.Counters().TxFrames)

	pkts := f.peerRecv(80, waitTimeout)
	require.Len(pkts, 80)
	for i, pkt := range pkts {
		eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		assert.Equal(layers.EthernetBroadcast, eth.DstMAC)
		udp := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		assert.Equal([]byte{byte(i)}, []byte(udp.Payload), "order preserved across retry")
	}
	assert.True(testenv.Eventually(waitTimeout, func() bool { return q.Counts().Free == 128 }))

	require.NoError(sock.Close())
	f.destroy()
}

func TestTxBufferWait(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{}, nil)

	sock, e := f.ctx.Open(0, SocketUDP, UDPArgs{Tx: true, RemoteIP: bcastIP, RemotePort: 9, NumBufs: 4, QueueKey: 5})
	require.NoError(e)
	q := sock.TxQueue()

	vec := make(pktmbuf.Vector, 4)
	n, e := sock.RequestTxBuffers(vec, 0)
	require.NoError(e)
	require.Equal(4, n)

	one := make(pktmbuf.Vector, 1)
	n, e = sock.RequestTxBuffers(one, 0)
	assert.NoError(e)
	assert.Zero(n)
	n, e = sock.RequestTxBuffers(one, 20*time.Millisecond)
	assert.NoError(e)
	assert.Zero(n)
	assert.Equal(TxQueueCounts{Capacity: 4, CheckedOut: 4}, q.Counts())

	go func() {
		time.Sleep(10 * time.Millisecond)
		sock.Send(vec[:1])
	}()
	n, e = sock.RequestTxBuffers(one, waitTimeout)
	require.NoError(e)
	require.Equal(1, n)
	assert.Equal(xhdr.UDPHeadersLen, one[0].Len())

	require.NoError(sock.Free(vec[1:]))
	require.NoError(sock.Free(one))
	assert.True(testenv.Eventually(waitTimeout, func() bool { return q.Counts().Free == 4 }))
	assert.EqualValues(0, sock.checkedOut.Load())

	require.NoError(sock.Close())
	_, e = sock.Send(vec)
	assert.ErrorIs(e, ErrClosed)
	f.destroy()
}

func TestTxConservation(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{}, nil)

	const capacity = 64
	sock1, e := f.ctx.Open(0, SocketUDP, UDPArgs{Tx: true, RemoteIP: bcastIP, RemotePort: 9, NumBufs: capacity, QueueKey: 9})
	require.NoError(e)
	sock2, e := f.ctx.Open(0, SocketUDP, UDPArgs{Tx: true, RemoteIP: bcastIP, RemotePort: 10, QueueKey: 9})
	require.NoError(e)
	q := sock1.TxQueue()
	require.Same(q, sock2.TxQueue())
	socks := []*Socket{sock1, sock2}
	held := map[*Socket]pktmbuf.Vector{}

	stopDrain := f.peerDrain()
	quiescent := func() bool {
		c := q.Counts()
		return c.Outbound == 0 && c.Retry == 0 && c.CheckedOut == len(held[sock1])+len(held[sock2])
	}

	for i := 0; i < 200; i++ {
		s := socks[rand.Intn(len(socks))]
		switch rand.Intn(3) {
		case 0:
			vec := make(pktmbuf.Vector, 1+rand.Intn(8))
			n, e := s.RequestTxBuffers(vec, 0)
			require.NoError(e)
			held[s] = append(held[s], vec[:n]...)
		case 1:
			k := rand.Intn(len(held[s]) + 1)
			for _, pkt := range held[s][:k] {
				require.NoError(s.SetPayloadLen(pkt, 10))
			}
			n, e := s.Send(held[s][:k])
			require.NoError(e)
			require.Equal(k, n)
			held[s] = held[s][k:]
		case 2:
			k := rand.Intn(len(held[s]) + 1)
			require.NoError(s.Free(held[s][:k]))
			held[s] = held[s][k:]
		}
		require.True(testenv.Eventually(waitTimeout, quiescent), "step %d %v", i, q.Counts())
		assert.EqualValues(len(held[s]), s.checkedOut.Load())
	}

	// closing a socket accounts its held buffers back to the queue
	for _, s := range socks {
		held[s].Close()
		require.NoError(s.Close())
	}
	assert.True(testenv.Eventually(waitTimeout, func() bool { return q.Counts() == TxQueueCounts{Capacity: capacity, Free: capacity} }))
	sent := sock1.XferCount() + sock2.XferCount()
	assert.Equal(sent, f.port.Counters().TxFrames)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(sent, stopDrain())
	f.destroy()
}

func TestSendThenClose(t *testing.T) {
	assert, require := makeAR(t)
	f := newFixture(t, ethringdev.PairConfig{}, nil)

	sock, e := f.ctx.Open(0, SocketUDP, UDPArgs{Tx: true, RemoteIP: bcastIP, RemotePort: 9, NumBufs: 32})
	require.NoError(e)
	q := sock.TxQueue()

	vec := make(pktmbuf.Vector, 20)
	n, e := sock.RequestTxBuffers(vec, 0)
	require.NoError(e)
	require.Equal(20, n)
	n, e = sock.Send(vec[:12])
	require.NoError(e)
	require.Equal(12, n)
	require.NoError(sock.Close())

	assert.Len(f.peerRecv(12, waitTimeout), 12)
	assert.True(testenv.Eventually(waitTimeout, func() bool { return q.Counts() == TxQueueCounts{Capacity: 32, Free: 32} }))
	vec[12:].Close()
	f.destroy()
}
