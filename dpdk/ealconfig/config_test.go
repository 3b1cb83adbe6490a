package ealconfig_test

import (
	"flag"
	"testing"

	"github.com/sdrnet/udpdk/core/hwinfo"
	"github.com/sdrnet/udpdk/dpdk/ealconfig"
	"github.com/soh335/sliceflag"
)

type testHwInfo struct{}

func (testHwInfo) Cores() (list hwinfo.Cores) {
	for coreID := 0; coreID < 32; coreID++ {
		list = append(list, hwinfo.CoreInfo{
			ID:          coreID,
			NumaSocket:  coreID % 8,
			PhysicalKey: coreID % 16,
		})
	}
	return list
}

func makeBaseConfig() (cfg ealconfig.Config) {
	cfg.LCoreFlags = "--skip-lcore"
	cfg.DeviceFlags = "--skip-device"
	return cfg
}

func makeBaseFlagSet() (fset *flag.FlagSet) {
	fset = flag.NewFlagSet("", flag.PanicOnError)
	fset.Bool("skip-lcore", false, "")
	fset.Bool("skip-device", false, "")
	return fset
}

func parseExtraFlags(args []string) (a, b string) {
	fset := makeBaseFlagSet()
	fset.StringVar(&a, "flag-a", "", "")
	fset.StringVar(&b, "flag-b", "", "")
	fset.Parse(args)
	return
}

func TestReplaceFlags(t *testing.T) {
	assert, require := makeAR(t)

	cfg := makeBaseConfig()
	cfg.LCoreFlags = "--flag-a value-a"
	cfg.Flags = "--flag-b value-b"

	args, e := cfg.Args(testHwInfo{})
	require.NoError(e)
	a, b := parseExtraFlags(args)
	assert.Equal("", a)
	assert.Equal("value-b", b)
}

func TestExtraFlags(t *testing.T) {
	assert, require := makeAR(t)

	cfg := makeBaseConfig()
	cfg.LCoreFlags = "--flag-a value-a"
	cfg.ExtraFlags = "--flag-b 'value b'"

	args, e := cfg.Args(testHwInfo{})
	require.NoError(e)
	a, b := parseExtraFlags(args)
	assert.Equal("value-a", a)
	assert.Equal("value b", b)

	cfg.ExtraFlags = "--flag-b 'unterminated"
	_, e = cfg.Args(testHwInfo{})
	assert.Error(e)
}

func parseLCoreFlags(args []string) (p struct {
	l      string
	lcores string
	main   int
}) {
	fset := makeBaseFlagSet()
	fset.StringVar(&p.l, "l", "", "")
	fset.StringVar(&p.lcores, "lcores", "", "")
	fset.IntVar(&p.main, "main-lcore", -1, "")
	fset.Parse(args)
	return
}

func TestLCoreCores(t *testing.T) {
	assert, require := makeAR(t)

	cfg := makeBaseConfig()
	cfg.LCoreFlags = ""
	cfg.Cores = []int{0, 1, 4, 7, 32}

	args, e := cfg.Args(testHwInfo{})
	require.NoError(e)
	p := parseLCoreFlags(args)
	commaSetEquals(assert, "0,1,4,7", p.l)
	assert.Equal("", p.lcores)
	assert.Equal(-1, p.main)
}

func TestLCoreNoCores(t *testing.T) {
	assert, _ := makeAR(t)

	cfg := makeBaseConfig()
	cfg.LCoreFlags = ""
	cfg.Cores = []int{32}

	_, e := cfg.Args(testHwInfo{})
	assert.Error(e)
}

func TestLCorePerNuma(t *testing.T) {
	assert, require := makeAR(t)

	cfg := makeBaseConfig()
	cfg.LCoreFlags = ""
	cfg.CoresPerNuma = map[int]int{
		// 0: 0,8,16,24
		1: 2,  // 1,9
		2: 4,  // 2,10,18,26
		3: 5,  // 3,11,19,27
		4: 0,  // none
		5: -3, // 5
		6: -4, // none
		7: -5, // none
		8: 1,  // non-existent socket
	}

	args, e := cfg.Args(testHwInfo{})
	require.NoError(e)
	p := parseLCoreFlags(args)
	commaSetEquals(assert, "0,8,16,24,1,9,2,10,18,26,3,11,19,27,5", p.l)
	assert.Equal("", p.lcores)
}

func TestLCoresPerNuma(t *testing.T) {
	assert, require := makeAR(t)

	var cfg ealconfig.Config
	fromJSON(`{
		"cores": [0, 1, 4, 7, 32],
		"lcoresPerNuma": { "0": 2, "1": 3 },
		"lcoreMain": 4,
		"deviceFlags": "--skip-device"
	}`, &cfg)

	args, e := cfg.Args(testHwInfo{})
	require.NoError(e)
	p := parseLCoreFlags(args)
	assert.Equal("", p.l)
	assert.Equal("(0-1)@(0),(2-4)@(1)", p.lcores)
	assert.Equal(4, p.main)

	cfg.LCoresPerNuma = map[int]int{2: 1}
	_, e = cfg.Args(testHwInfo{})
	assert.Error(e)
}

func TestDevice(t *testing.T) {
	assert, require := makeAR(t)

	cfg := makeBaseConfig()
	cfg.DeviceFlags = ""
	cfg.VirtualDevices = []string{
		"net_tap0,iface=sdr0",
		"net_ring0",
	}

	args, e := cfg.Args(testHwInfo{})
	require.NoError(e)

	var vdev []string
	fset := makeBaseFlagSet()
	sliceflag.StringVar(fset, &vdev, "vdev", nil, "")
	fset.Parse(args)
	assert.Equal([]string{"net_tap0,iface=sdr0", "net_ring0"}, vdev)
}
