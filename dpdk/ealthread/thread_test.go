package ealthread_test

import (
	"testing"

	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ealtestenv"
	"github.com/sdrnet/udpdk/dpdk/ealthread"
)

var makeAR = testenv.MakeAR

func TestMain(m *testing.M) {
	ealtestenv.Init()
	m.Run()
}

type testThread struct {
	ealthread.Thread
	stop ealthread.StopChan
	n    int
	load ealthread.LoadCounter
}

func (th *testThread) main() int {
	th.n = 0
	for th.stop.Continue() {
		th.n++
		th.load.Poll(th.n % 2)
	}
	return 0
}

func (th *testThread) ThreadLoadStat() ealthread.LoadStat {
	return th.load.Read()
}

func newTestThread() *testThread {
	th := &testThread{stop: ealthread.NewStopChan()}
	th.Thread = ealthread.New(th.main, th.stop)
	return th
}

var _ ealthread.ThreadWithLoadStat = (*testThread)(nil)

func TestThread(t *testing.T) {
	assert, require := makeAR(t)

	th := newTestThread()
	assert.ErrorIs(th.Launch(), ealthread.ErrNoLCore)
	th.SetLCore(eal.MainLCore)
	assert.ErrorIs(th.Launch(), ealthread.ErrNoLCore)

	th.SetLCore(eal.Workers[0])
	require.NoError(th.Launch())
	assert.True(th.IsRunning())
	assert.ErrorIs(th.Launch(), ealthread.ErrRunning)
	assert.True(testenv.Eventually(ealtestenv.WaitTimeout, func() bool { return th.ThreadLoadStat().ValidPolls > 0 }))

	require.NoError(th.Stop())
	assert.False(th.IsRunning())
	assert.Greater(th.n, 0)
	s := th.ThreadLoadStat()
	assert.Equal(s.ValidPolls, s.Items)
	assert.Equal(ealthread.LoadStat{}, s.Sub(s))

	require.NoError(th.Stop())
}

func TestStopFunc(t *testing.T) {
	assert, require := makeAR(t)

	quit := make(chan struct{})
	stopped := false
	th := ealthread.New(func() int {
		<-quit
		return 3
	}, ealthread.StopFunc(func() {
		stopped = true
		close(quit)
	}))
	th.SetLCore(eal.Workers[1])
	require.NoError(th.Launch())
	assert.Error(th.Stop())
	assert.True(stopped)
}
