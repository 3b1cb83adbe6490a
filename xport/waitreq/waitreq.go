// Package waitreq provides a reference-counted one-shot completion handle.
//
// A Request is created by the thread that will wait on it.
// Before handing it to a worker, the waiter calls Acquire so that each side holds one reference.
// The worker calls Complete once the action is done; the waiter calls Wait.
// If Wait times out, the request is marked abandoned: a later Complete returns false,
// telling the worker that nobody will observe the result and it should roll back.
package waitreq

import (
	"sync/atomic"
	"time"

	"github.com/sdrnet/udpdk/dpdk/eal"
	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Wait when the request is not completed in time.
var ErrTimeout = eal.Errno(unix.ETIMEDOUT)

// State indicates request state.
type State int32

// State values.
const (
	StatePending State = iota
	StateCompleted
	StateAbandoned
)

func (st State) String() string {
	switch st {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateAbandoned:
		return "abandoned"
	}
	return "invalid"
}

// Request is a one-shot completion handle.
type Request struct {
	refs   atomic.Int32
	state  atomic.Int32
	done   chan struct{}
	result error
}

// New creates a Request with one reference held by the caller.
func New() *Request {
	r := &Request{done: make(chan struct{})}
	r.refs.Store(1)
	return r
}

// Acquire adds a reference and returns the same Request.
func (r *Request) Acquire() *Request {
	if r.refs.Add(1) <= 1 {
		panic("waitreq: Acquire on released request")
	}
	return r
}

// Release drops a reference.
// It returns true if this was the last reference.
func (r *Request) Release() bool {
	n := r.refs.Add(-1)
	if n < 0 {
		panic("waitreq: Release without reference")
	}
	return n == 0
}

// Refs returns current reference count.
func (r *Request) Refs() int {
	return int(r.refs.Load())
}

// State returns current state.
func (r *Request) State() State {
	return State(r.state.Load())
}

// Abandoned determines whether the waiter has given up.
func (r *Request) Abandoned() bool {
	return r.State() == StateAbandoned
}

// Done returns a channel that is closed when the request is completed.
func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Complete records the result and wakes the waiter.
// It never blocks.
// It returns false if the waiter has abandoned the request or it was already completed.
func (r *Request) Complete(result error) bool {
	if !r.state.CompareAndSwap(int32(StatePending), int32(StateCompleted)) {
		return false
	}
	r.result = result
	close(r.done)
	return true
}

// Wait blocks until the request is completed or timeout elapses.
// Zero or negative timeout waits indefinitely.
// On timeout, the request is abandoned and ErrTimeout is returned,
// unless the worker completed it concurrently, in which case its result is returned.
func (r *Request) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-r.done
		return r.result
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.done:
		return r.result
	case <-timer.C:
	}

	if r.state.CompareAndSwap(int32(StatePending), int32(StateAbandoned)) {
		return ErrTimeout
	}
	<-r.done
	return r.result
}
