package eal

import (
	"runtime"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"
)

// LCore represents a logical core.
// Zero value is invalid lcore.
type LCore struct {
	v int // lcore ID + 1
}

// LCoreFromID converts lcore ID to LCore.
func LCoreFromID(id int) (lc LCore) {
	if id < 0 || id >= MaxLCores {
		return lc
	}
	lc.v = id + 1
	return lc
}

// ID returns lcore ID.
func (lc LCore) ID() int {
	return lc.v - 1
}

// Valid returns true if this is a valid lcore (not zero value).
func (lc LCore) Valid() bool {
	return lc.v != 0
}

func (lc LCore) String() string {
	if !lc.Valid() {
		return "invalid"
	}
	return strconv.Itoa(lc.ID())
}

// MarshalJSON encodes lcore as number.
// Invalid lcore is encoded as null.
func (lc LCore) MarshalJSON() ([]byte, error) {
	if !lc.Valid() {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(lc.ID())), nil
}

// UnmarshalJSON decodes lcore from number or null.
func (lc *LCore) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*lc = LCore{}
		return nil
	}
	id, e := strconv.Atoi(string(data))
	if e != nil {
		return e
	}
	*lc = LCoreFromID(id)
	return nil
}

// ZapField returns a zap.Field for logging.
func (lc LCore) ZapField(key string) zap.Field {
	if !lc.Valid() {
		return zap.String(key, "invalid")
	}
	return zap.Int(key, lc.ID())
}

func (lc LCore) thread() *lcoreThread {
	if !lc.Valid() {
		return nil
	}
	return lcores[lc.ID()]
}

// NumaSocket returns the NUMA socket where this lcore is located.
func (lc LCore) NumaSocket() (socket NumaSocket) {
	if th := lc.thread(); th != nil {
		return NumaSocketFromID(th.cfg.Socket)
	}
	return socket
}

// CPUs returns the CPU set of this lcore, or nil if the lcore is not pinned.
func (lc LCore) CPUs() []int {
	if th := lc.thread(); th != nil {
		return th.cfg.CPUs
	}
	return nil
}

// IsWorker returns true if this lcore accepts RemoteLaunch.
func (lc LCore) IsWorker() bool {
	th := lc.thread()
	return th != nil && th.launch != nil
}

// IsBusy returns true if this lcore is running a function or holds an unclaimed return value.
func (lc LCore) IsBusy() bool {
	th := lc.thread()
	return th != nil && th.busy.Load()
}

// RemoteLaunch asynchronously launches a function on this lcore.
// Returns false if the lcore is not a worker or is busy.
func (lc LCore) RemoteLaunch(f func() int) bool {
	th := lc.thread()
	if th == nil || th.launch == nil || !th.busy.CompareAndSwap(false, true) {
		return false
	}
	th.launch <- f
	return true
}

// Wait blocks until this lcore finishes running, and returns the function's return value.
// If this lcore is not running, returns 0 immediately.
func (lc LCore) Wait() int {
	th := lc.thread()
	if th == nil || !th.busy.Load() {
		return 0
	}
	ret := <-th.result
	th.busy.Store(false)
	return ret
}

// CurrentLCore returns the current lcore.
// It returns the zero value when called outside of a worker lcore function.
func CurrentLCore() LCore {
	tid := int32(unix.Gettid())
	for _, th := range lcores {
		if th != nil && th.tid.Load() == tid && th.running.Load() {
			return LCoreFromID(th.cfg.ID)
		}
	}
	return LCore{}
}

type lcoreThread struct {
	cfg     LCoreConfig
	launch  chan func() int
	result  chan int
	busy    atomic.Bool
	running atomic.Bool
	tid     atomic.Int32
}

func newLCoreThread(cfg LCoreConfig) *lcoreThread {
	return &lcoreThread{cfg: cfg}
}

func (th *lcoreThread) start() {
	th.launch = make(chan func() int)
	th.result = make(chan int, 1)
	ready := make(chan struct{})
	go th.loop(ready)
	<-ready
}

func (th *lcoreThread) loop(ready chan<- struct{}) {
	runtime.LockOSThread()
	th.tid.Store(int32(unix.Gettid()))
	if len(th.cfg.CPUs) > 0 {
		if e := SetThreadAffinity(0, th.cfg.CPUs); e != nil {
			logger.Warn("lcore affinity error", zap.Int("lcore", th.cfg.ID), zap.Ints("cpus", th.cfg.CPUs), zap.Error(e))
		}
	}
	close(ready)

	for f := range th.launch {
		th.running.Store(true)
		ret := f()
		th.running.Store(false)
		th.result <- ret
	}
}

// LCores is a slice of LCore.
type LCores []LCore

// MarshalLogArray implements zapcore.ArrayMarshaler interface.
func (lcs LCores) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, lc := range lcs {
		enc.AppendInt(lc.ID())
	}
	return nil
}

// ByNumaSocket classifies lcores by NUMA socket.
func (lcs LCores) ByNumaSocket() (m map[NumaSocket]LCores) {
	m = map[NumaSocket]LCores{}
	for _, lc := range lcs {
		socket := lc.NumaSocket()
		m[socket] = append(m[socket], lc)
	}
	return m
}

// Contains determines whether lc is in the list.
func (lcs LCores) Contains(lc LCore) bool {
	for _, l := range lcs {
		if l == lc {
			return true
		}
	}
	return false
}
