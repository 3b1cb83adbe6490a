package main

import (
	"net/netip"
	"testing"

	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/core/yamlflag"
)

var makeAR = testenv.MakeAR

func TestParseConfig(t *testing.T) {
	assert, require := makeAR(t)

	doc := map[string]any{}
	require.NoError(yamlflag.New(&doc).Set(`
eal:
  cores: [0, 1, 2]
ports:
  - name: net_ring0
    ipv4: 10.0.0.1/24
    worker: 1
start:
  numBufs: 2047
  openTimeout: 3s
pdump:
  filename: /tmp/x.pcapng
mgmt: tcp://127.0.0.1:6363
`))
	cfg, e := parseConfig(doc)
	require.NoError(e)
	assert.Equal([]int{0, 1, 2}, cfg.Eal.Cores)
	require.Len(cfg.Ports, 1)
	assert.Equal("net_ring0", cfg.Ports[0].Name)
	assert.Equal(netip.MustParsePrefix("10.0.0.1/24"), cfg.Ports[0].IPv4)
	assert.Equal(1, cfg.Ports[0].Worker)
	assert.Equal(2047, cfg.Start.NumBufs)
	assert.EqualValues(3000, cfg.Start.OpenTimeout)
	require.NotNil(cfg.Pdump)
	assert.Equal("/tmp/x.pcapng", cfg.Pdump.Filename)
	assert.Equal("tcp://127.0.0.1:6363", cfg.Mgmt)

	for _, bad := range []string{
		`ports: []`,
		`ports: [{name: p, ipv4: 10.0.0.1, worker: 1}]`,
		`ports: [{name: p, ipv4: 10.0.0.1/24}]`,
		`{ports: [{name: p, ipv4: 10.0.0.1/24, worker: 1}], start: {numBufs: 1}}`,
		`{ports: [{name: p, ipv4: 10.0.0.1/24, worker: 1}], unknown: 1}`,
	} {
		doc := map[string]any{}
		require.NoError(yamlflag.New(&doc).Set(bad), bad)
		_, e := parseConfig(doc)
		assert.Error(e, bad)
	}
}
