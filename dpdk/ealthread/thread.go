// Package ealthread provides a thread abstraction bound to an lcore.
package ealthread

import (
	"errors"
	"fmt"

	"github.com/sdrnet/udpdk/core/logging"
	"github.com/sdrnet/udpdk/dpdk/eal"
)

var logger = logging.New("ealthread")

// Error conditions.
var (
	ErrRunning = errors.New("operation not permitted when thread is running")
	ErrNoLCore = errors.New("lcore unassigned or not a worker")
	ErrBusy    = errors.New("lcore is busy")
)

// Thread represents a procedure running on an LCore.
type Thread interface {
	// LCore returns assigned lcore.
	LCore() eal.LCore

	// SetLCore assigns an lcore.
	// This can only be used when the thread is stopped.
	SetLCore(lc eal.LCore)

	// IsRunning indicates whether the thread is running.
	IsRunning() bool

	// Launch launches the thread.
	Launch() error

	// Stop stops the thread and waits for its completion.
	Stop() error
}

// New creates a Thread.
func New(main func() int, stop Stopper) Thread {
	return &threadImpl{
		main: main,
		stop: stop,
	}
}

type threadImpl struct {
	lc   eal.LCore
	main func() int
	stop Stopper
}

func (th *threadImpl) LCore() eal.LCore {
	return th.lc
}

func (th *threadImpl) SetLCore(lc eal.LCore) {
	if th.IsRunning() {
		logger.Panic("cannot change lcore while running", th.lc.ZapField("lc"))
	}
	th.lc = lc
}

func (th *threadImpl) IsRunning() bool {
	return th.lc.Valid() && th.lc.IsBusy()
}

func (th *threadImpl) Launch() error {
	if !th.lc.IsWorker() {
		return ErrNoLCore
	}
	if th.IsRunning() {
		return ErrRunning
	}
	if !th.lc.RemoteLaunch(th.main) {
		return ErrBusy
	}
	return nil
}

func (th *threadImpl) Stop() error {
	if !th.IsRunning() {
		return nil
	}
	th.stop.BeforeWait()
	exitCode := th.lc.Wait()
	th.stop.AfterWait()
	if exitCode != 0 {
		return fmt.Errorf("exit code %d", exitCode)
	}
	return nil
}

// ThreadWithRole is a Thread with an identifiable role.
type ThreadWithRole interface {
	Thread
	ThreadRole() string
}
