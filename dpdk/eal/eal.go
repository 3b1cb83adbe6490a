// Package eal provides the execution environment of poll-mode threads.
//
// An lcore is an OS thread locked to a goroutine and optionally pinned to a set of CPUs.
// Worker lcores accept functions via RemoteLaunch and report their return values via Wait.
// The main lcore is the thread that called Setup; nothing can be launched on it.
package eal

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"

	"github.com/sdrnet/udpdk/core/logging"
	"go.uber.org/zap"
)

var logger = logging.New("eal")

// MaxLCores is the maximum number of lcores.
const MaxLCores = 128

// MaxNumaNodes is the maximum number of NUMA sockets.
const MaxNumaNodes = 32

// ErrInitialized indicates Setup has already been invoked.
var ErrInitialized = errors.New("EAL already initialized")

// EAL variables, available after Setup.
var (
	// MainLCore is the main lcore.
	MainLCore LCore
	// Workers are worker lcores.
	Workers LCores
	// Sockets are NUMA sockets of worker lcores.
	Sockets []NumaSocket
)

// LCoreConfig describes an lcore to be created.
type LCoreConfig struct {
	// ID is the lcore ID.
	ID int `json:"id"`
	// CPUs is the CPU set where the lcore thread is pinned.
	// Empty list means the thread is not pinned.
	CPUs []int `json:"cpus,omitempty"`
	// Socket is the NUMA socket ID.
	Socket int `json:"socket"`
}

var (
	setupLock sync.Mutex
	lcores    [MaxLCores]*lcoreThread
)

// Setup creates lcore threads.
// mainID must appear in list; it describes the calling context and no thread is created for it.
func Setup(list []LCoreConfig, mainID int) error {
	setupLock.Lock()
	defer setupLock.Unlock()
	if MainLCore.Valid() {
		return ErrInitialized
	}

	var workers LCores
	sockets := map[int]bool{}
	hasMain := false
	for _, cfg := range list {
		if cfg.ID < 0 || cfg.ID >= MaxLCores {
			return fmt.Errorf("lcore %d out of range", cfg.ID)
		}
		if cfg.Socket < 0 || cfg.Socket >= MaxNumaNodes {
			return fmt.Errorf("lcore %d NUMA socket %d out of range", cfg.ID, cfg.Socket)
		}
		if lcores[cfg.ID] != nil {
			return fmt.Errorf("lcore %d duplicate", cfg.ID)
		}
		lcores[cfg.ID] = newLCoreThread(cfg)
		if cfg.ID == mainID {
			hasMain = true
			continue
		}
		workers = append(workers, LCoreFromID(cfg.ID))
		sockets[cfg.Socket] = true
	}
	if !hasMain {
		for _, cfg := range list {
			lcores[cfg.ID] = nil
		}
		return fmt.Errorf("main lcore %d not in lcore list", mainID)
	}

	for _, lc := range workers {
		lcores[lc.ID()].start()
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].v < workers[j].v })

	Sockets = nil
	for socketID := range sockets {
		Sockets = append(Sockets, NumaSocketFromID(socketID))
	}
	sort.Slice(Sockets, func(i, j int) bool { return Sockets[i].v < Sockets[j].v })
	MainLCore, Workers = LCoreFromID(mainID), workers

	logger.Info("EAL ready",
		MainLCore.ZapField("main"),
		zap.Array("workers", Workers),
		zap.Any("sockets", Sockets),
	)
	return nil
}

// RandomSocket returns a random NumaSocket that has at least one worker lcore.
func RandomSocket() (socket NumaSocket) {
	if n := len(Sockets); n > 0 {
		return Sockets[rand.Intn(n)]
	}
	return NumaSocket{}
}
