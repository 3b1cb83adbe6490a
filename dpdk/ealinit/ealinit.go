// Package ealinit initializes EAL lcores and virtual devices from a DPDK-style argument list.
package ealinit

import (
	"errors"
	"sync"

	"github.com/kballard/go-shellquote"
	"github.com/sdrnet/udpdk/core/hwinfo"
	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/dpdk/eal"
	"github.com/sdrnet/udpdk/dpdk/ethdev"
	"go.uber.org/zap"
)

var logger = logging.New("ealinit")

// HwInfo provides hardware information for determining lcore NUMA sockets.
var HwInfo hwinfo.Provider = hwinfo.Default

// ErrNoWorker indicates the argument list does not leave any worker lcore.
var ErrNoWorker = errors.New("no worker lcore")

var (
	initOnce  sync.Once
	initError error
	initPorts []ethdev.EthDev
)

// Init initializes lcores and virtual devices.
// args should not include program name.
// Init takes effect only once; subsequent calls return the result of the first call.
func Init(args []string) error {
	initOnce.Do(func() {
		logEntry := logger.With(zap.String("args", shellquote.Join(args...)))
		initPorts, initError = initEal(args)
		if initError != nil {
			logEntry.Error("EAL init error", zap.Error(initError))
			return
		}
		logEntry.Info("EAL init done", zap.Int("vdevs", len(initPorts)))
	})
	return initError
}

// InitFromString initializes lcores and virtual devices from a shell-quoted argument string.
func InitFromString(s string) error {
	args, e := shellquote.Split(s)
	if e != nil {
		return e
	}
	return Init(args)
}

func initEal(args []string) (ports []ethdev.EthDev, e error) {
	p, e := parseArgs(args)
	if e != nil {
		return nil, e
	}

	lcores, e := p.lcoreList(HwInfo)
	if e != nil {
		return nil, e
	}
	mainID := p.mainLCore
	if mainID < 0 {
		mainID = lcores[0].ID
	}
	if len(lcores) < 2 {
		return nil, ErrNoWorker
	}
	if e := eal.Setup(lcores, mainID); e != nil {
		return nil, e
	}

	for _, spec := range p.vdevs {
		created, e := createVDev(spec)
		if e != nil {
			for _, port := range ports {
				port.Close()
			}
			return nil, e
		}
		ports = append(ports, created...)
	}
	return ports, nil
}
