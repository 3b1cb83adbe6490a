package ealinit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"github.com/sdrnet/udpdk/dpdk/ethdev/ethnetif"
	"github.com/sdrnet/udpdk/dpdk/ethdev/ethringdev"
	"go.uber.org/zap"
)

// ringPairs keeps ring pairs created via --vdev, so that they are not collected.
var ringPairs []*ethringdev.Pair

// parseDevArgs splits a device argument such as "net_tap0,iface=sdr0,mac=02:00:00:00:00:01".
func parseDevArgs(spec string) (name string, kv map[string]string, e error) {
	tokens := strings.Split(spec, ",")
	name, kv = tokens[0], map[string]string{}
	if name == "" {
		return "", nil, fmt.Errorf("--vdev %q: missing device name", spec)
	}
	for _, token := range tokens[1:] {
		k, v, ok := strings.Cut(token, "=")
		if !ok || k == "" {
			return "", nil, fmt.Errorf("--vdev %q: bad key-value %q", spec, token)
		}
		kv[k] = v
	}
	return name, kv, nil
}

func createVDev(spec string) (ports []ethdev.EthDev, e error) {
	name, kv, e := parseDevArgs(spec)
	if e != nil {
		return nil, e
	}
	socket := eal.NumaSocket{}
	if len(eal.Workers) > 0 {
		socket = eal.Workers[0].NumaSocket()
	}
	logEntry := logger.With(zap.String("vdev", name), zap.Any("args", kv))

	switch {
	case strings.HasPrefix(name, ethdev.DriverTap):
		var cfg ethnetif.Config
		for k, v := range kv {
			switch k {
			case "iface":
				cfg.Ifname = v
			case "mac":
				if e := cfg.MAC.Set(v); e != nil {
					return nil, fmt.Errorf("--vdev %q: %w", spec, e)
				}
			default:
				return nil, fmt.Errorf("--vdev %q: unknown key %q", spec, k)
			}
		}
		dev, e := ethnetif.New(cfg, socket)
		if e != nil {
			return nil, e
		}
		ports = append(ports, dev)

	case strings.HasPrefix(name, ethdev.DriverRing):
		cfg := ethringdev.PairConfig{Socket: socket, NameA: name + "a", NameB: name + "b"}
		for k, v := range kv {
			n, e := strconv.Atoi(v)
			if e != nil {
				return nil, fmt.Errorf("--vdev %q: %w", spec, e)
			}
			switch k {
			case "queues":
				cfg.NQueues = n
			case "size":
				cfg.RingCapacity = n
			default:
				return nil, fmt.Errorf("--vdev %q: unknown key %q", spec, k)
			}
		}
		pair, e := ethringdev.NewPair(cfg)
		if e != nil {
			return nil, e
		}
		ringPairs = append(ringPairs, pair)
		ports = append(ports, pair.PortA, pair.PortB)

	default:
		return nil, fmt.Errorf("--vdev %q: unknown driver", spec)
	}

	logEntry.Info("vdev created", zap.Int("ports", len(ports)))
	return ports, nil
}
