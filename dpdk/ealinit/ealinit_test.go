package ealinit

import (
	"testing"

	"github.com/sdrnet/udpdk/core/hwinfo"
	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
)

var makeAR = testenv.MakeAR

type testHwInfo struct{}

func (testHwInfo) Cores() (list hwinfo.Cores) {
	for coreID := 0; coreID < 8; coreID++ {
		list = append(list, hwinfo.CoreInfo{ID: coreID, NumaSocket: coreID / 4, PhysicalKey: coreID})
	}
	return list
}

func TestParseArgs(t *testing.T) {
	assert, require := makeAR(t)

	p, e := parseArgs([]string{"-l", "0-2,6", "-n", "4", "--in-memory", "--vdev", "net_ring0", "--vdev", "net_tap0,iface=x"})
	require.NoError(e)
	assert.Equal([]string{"net_ring0", "net_tap0,iface=x"}, p.vdevs)
	list, e := p.lcoreList(testHwInfo{})
	require.NoError(e)
	require.Len(list, 4)
	assert.Equal(eal.LCoreConfig{ID: 6, CPUs: []int{6}, Socket: 1}, list[3])

	p, e = parseArgs([]string{"-c", "0x12"})
	require.NoError(e)
	list, e = p.lcoreList(testHwInfo{})
	require.NoError(e)
	require.Len(list, 2)
	assert.Equal(1, list[0].ID)
	assert.Equal(4, list[1].ID)
	assert.Equal(1, list[1].Socket)

	p, e = parseArgs([]string{"--lcores", "(0-1)@(4,5),2@7,3", "--main-lcore", "3"})
	require.NoError(e)
	assert.Equal(3, p.mainLCore)
	list, e = p.lcoreList(testHwInfo{})
	require.NoError(e)
	require.Len(list, 4)
	assert.Equal([]int{4, 5}, list[0].CPUs)
	assert.Equal(1, list[0].Socket)
	assert.Equal([]int{7}, list[2].CPUs)
	assert.Equal([]int{3}, list[3].CPUs)
	assert.Equal(0, list[3].Socket)

	p, e = parseArgs(nil)
	require.NoError(e)
	list, e = p.lcoreList(testHwInfo{})
	require.NoError(e)
	assert.Len(list, 8)

	_, e = parseArgs([]string{"--bogus"})
	assert.Error(e)
	_, e = parseArgs([]string{"-l", "0", "-c", "1"})
	assert.Error(e)
	_, e = parseArgs([]string{"extra"})
	assert.Error(e)

	for _, bad := range []string{"--lcores=(0-1@(2)", "--lcores=0,,1", "-l=3-1", "-c=xyz", "--lcores=0,0"} {
		p, e = parseArgs([]string{bad})
		require.NoError(e, bad)
		_, e = p.lcoreList(testHwInfo{})
		assert.Error(e, bad)
	}
}

func TestParseDevArgs(t *testing.T) {
	assert, _ := makeAR(t)

	name, kv, e := parseDevArgs("net_tap0,iface=sdr0,mac=02:00:00:00:00:01")
	assert.NoError(e)
	assert.Equal("net_tap0", name)
	assert.Equal(map[string]string{"iface": "sdr0", "mac": "02:00:00:00:00:01"}, kv)

	_, _, e = parseDevArgs("net_tap0,iface")
	assert.Error(e)
	_, _, e = parseDevArgs(",iface=x")
	assert.Error(e)
}

func TestInit(t *testing.T) {
	assert, require := makeAR(t)
	HwInfo = testHwInfo{}

	require.NoError(InitFromString("--lcores '0,1,2,3' --vdev net_ring0,size=128 -n 4"))
	assert.Equal(0, eal.MainLCore.ID())
	assert.Len(eal.Workers, 3)
	require.Len(initPorts, 2)
	assert.NotNil(ethdev.Find("net_ring0a"))
	assert.NotNil(ethdev.Find("net_ring0b"))

	assert.NoError(Init([]string{"--bogus"}), "Init takes effect only once")
}
