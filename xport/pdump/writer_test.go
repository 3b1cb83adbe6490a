package pdump_test

import (
	"io"
	"os"
	"testing"

	"github.com/google/gopacket/pcapgo"
	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealtestenv"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"github.com/sdrnet/udpdk/xport"
	"github.com/sdrnet/udpdk/xport/pdump"
)

var makeAR = testenv.MakeAR

func TestMain(m *testing.M) {
	ealtestenv.Init()
	os.Exit(m.Run())
}

func makeFrames(t testing.TB, mp *pktmbuf.Pool, sizes ...int) (vec pktmbuf.Vector) {
	_, require := makeAR(t)
	vec, e := mp.Alloc(len(sizes))
	require.NoError(e)
	for i, size := range sizes {
		b := make([]byte, size)
		testenv.RandBytes(b)
		require.NoError(vec[i].Append(b))
	}
	return vec
}

func TestWriterConfig(t *testing.T) {
	assert, _ := makeAR(t)

	_, e := pdump.NewWriter(pdump.WriterConfig{Ports: []string{"p0"}})
	assert.Error(e)
	_, e = pdump.NewWriter(pdump.WriterConfig{Filename: testenv.TempName(t), MaxSize: 1000, Ports: []string{"p0"}})
	assert.Error(e)
	_, e = pdump.NewWriter(pdump.WriterConfig{Filename: testenv.TempName(t)})
	assert.Error(e)
}

func TestWriter(t *testing.T) {
	assert, require := makeAR(t)

	mp, e := pktmbuf.NewPool(pktmbuf.PoolConfig{Capacity: 255, Dataroom: 2048}, eal.NumaSocket{})
	require.NoError(e)
	defer mp.Close()

	filename := testenv.TempName(t, "dump.pcapng")
	w, e := pdump.NewWriter(pdump.WriterConfig{
		Filename: filename,
		SnapLen:  100,
		Ports:    []string{"net_ring0", "net_ring1"},
	})
	require.NoError(e)

	rx := makeFrames(t, mp, 60, 200)
	tx := makeFrames(t, mp, 80)
	w.TapFrames(0, xport.TapRx, rx)
	w.TapFrames(1, xport.TapTx, tx)
	w.TapFrames(2, xport.TapRx, tx)
	want := [][]byte{
		append([]byte(nil), rx[0].Bytes()...),
		append([]byte(nil), rx[1].Bytes()[:100]...),
		append([]byte(nil), tx[0].Bytes()...),
	}
	rx.Close()
	tx.Close()

	require.NoError(w.Close())
	assert.Equal(pdump.Counters{Written: 3, Skipped: 1}, w.Counters())

	f, e := os.Open(filename)
	require.NoError(e)
	defer f.Close()
	r, e := pcapgo.NewNgReader(f, pcapgo.DefaultNgReaderOptions)
	require.NoError(e)

	var intfs []int
	for i := range want {
		data, ci, e := r.ReadPacketData()
		require.NoError(e, i)
		assert.Equal(want[i], data, i)
		intfs = append(intfs, ci.InterfaceIndex)
		if i == 1 {
			assert.Equal(200, ci.Length)
			assert.Equal(100, ci.CaptureLength)
		}
	}
	assert.Equal([]int{0, 0, 3}, intfs)
	_, _, e = r.ReadPacketData()
	assert.ErrorIs(e, io.EOF)

	require.Equal(4, r.NInterfaces())
	intf, e := r.Interface(3)
	require.NoError(e)
	assert.Equal("net_ring1-tx", intf.Name)
	assert.EqualValues(100, intf.SnapLength)
}
