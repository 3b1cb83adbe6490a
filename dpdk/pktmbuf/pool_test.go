package pktmbuf_test

import (
	"testing"

	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealtestenv"
	"github.com/sdrnet/udpdk/dpdk/pktmbuf"
	"golang.org/x/sys/unix"
)

var makeAR = testenv.MakeAR

func TestMain(m *testing.M) {
	ealtestenv.Init()
	m.Run()
}

func TestComputeCacheSize(t *testing.T) {
	assert, _ := makeAR(t)

	assert.Equal(63, pktmbuf.ComputeOptimumCapacity(64))
	assert.Equal(65, pktmbuf.ComputeOptimumCapacity(65))
	assert.Equal(4, pktmbuf.ComputeCacheSize(64))
	assert.Equal(512, pktmbuf.ComputeCacheSize(65536))
}

func TestPool(t *testing.T) {
	assert, require := makeAR(t)

	_, e := pktmbuf.NewPool(pktmbuf.PoolConfig{}, eal.NumaSocket{})
	assert.Error(e)

	mp, e := pktmbuf.NewPool(pktmbuf.PoolConfig{Capacity: 63, Dataroom: 1000}, eal.NumaSocketFromID(0))
	require.NoError(e)
	defer mp.Close()

	assert.Equal(63, mp.Capacity())
	assert.Equal(63, mp.CountAvailable())
	assert.Equal(0, mp.CountInUse())
	assert.Equal(1000, mp.Dataroom())
	assert.Equal(eal.NumaSocketFromID(0), mp.NumaSocket())

	vec0, e := mp.Alloc(33)
	require.NoError(e)
	assert.Equal(30, mp.CountAvailable())
	assert.Equal(33, mp.CountInUse())
	assert.Len(vec0, 33)

	vec1, e := mp.Alloc(30)
	require.NoError(e)
	assert.Equal(0, mp.CountAvailable())

	vec2, e := mp.Alloc(1)
	assert.ErrorIs(e, unix.ENOMEM)
	assert.Len(vec2, 0)

	vec0.Close()
	vec1[:10].Close()
	assert.Equal(43, mp.CountAvailable())
	vec1[10:].Close()
	assert.Equal(63, mp.CountAvailable())

	vec0, e = mp.Alloc(1)
	require.NoError(e)
	require.NoError(mp.Close())
	_, e = mp.Alloc(1)
	assert.ErrorIs(e, pktmbuf.ErrPoolClosed)
	vec0.Close()
	assert.Equal(63, mp.CountAvailable())
}

func TestPoolOnLCore(t *testing.T) {
	assert, require := makeAR(t)

	mp, e := pktmbuf.NewPool(pktmbuf.PoolConfig{Capacity: 255, Dataroom: 64, CacheSize: 16}, eal.NumaSocket{})
	require.NoError(e)

	lc := eal.Workers[0]
	require.True(lc.RemoteLaunch(func() int {
		for i := 0; i < 100; i++ {
			vec, e := mp.Alloc(8)
			if e != nil {
				return 1
			}
			vec.Close()
		}
		vec, e := mp.Alloc(255)
		if e != nil {
			return 2
		}
		vec.Close()
		return 0
	}))
	assert.Equal(0, lc.Wait())
	assert.Equal(255, mp.CountAvailable())
	assert.Equal(0, mp.CountInUse())
}
