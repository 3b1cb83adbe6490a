package xport

import (
	"time"

	"github.com/sdrnet/udpdk/xport/waitreq"
)

type requestKind int

const (
	reqOpen requestKind = iota + 1
	reqClose
	reqTerminate
)

func (k requestKind) String() string {
	switch k {
	case reqOpen:
		return "open"
	case reqClose:
		return "close"
	case reqTerminate:
		return "terminate"
	}
	return "invalid"
}

// configRequest is a one-shot instruction from a caller thread to a worker.
type configRequest struct {
	kind requestKind
	sock *Socket
	wr   *waitreq.Request
}

// complete delivers the result and drops the worker's reference.
// It returns false if the caller has abandoned the request.
func (req *configRequest) complete(e error) bool {
	ok := req.wr.Complete(e)
	req.wr.Release()
	return ok
}

type waitKind int

const (
	waitSimple waitKind = iota + 1
	waitRx
	waitTxBuf
)

// waiter asks the worker to wake a caller when a condition is met.
type waiter struct {
	kind waitKind
	sock *Socket
	wr   *waitreq.Request
}

func (w *waiter) wake(e error) {
	w.wr.Complete(e)
	w.wr.Release()
}

// handoff performs a synchronous handoff to a worker.
// enqueue places the worker-side reference onto a worker ring and reports success.
// If enqueue fails, the call fails without waiting.
func handoff(enqueue func(wr *waitreq.Request) bool, timeout time.Duration) error {
	wr := waitreq.New()
	defer wr.Release()
	if !enqueue(wr.Acquire()) {
		wr.Release()
		return ErrNoSpace
	}
	return wr.Wait(timeout)
}

func (w *Worker) submitRequest(kind requestKind, sock *Socket, timeout time.Duration) error {
	if !w.accepting() {
		return ErrShutdown
	}
	return handoff(func(wr *waitreq.Request) bool {
		req := &configRequest{kind: kind, sock: sock, wr: wr}
		return w.requests.Enqueue([]*configRequest{req}) == 1
	}, timeout)
}

func (w *Worker) submitWaiter(kind waitKind, sock *Socket, timeout time.Duration) error {
	if !w.accepting() {
		return ErrShutdown
	}
	return handoff(func(wr *waitreq.Request) bool {
		wt := &waiter{kind: kind, sock: sock, wr: wr}
		return w.waiters.Enqueue([]*waiter{wt}) == 1
	}, timeout)
}

func (w *Worker) accepting() bool {
	switch w.State() {
	case WorkerRunning, WorkerDraining:
		return true
	}
	return false
}

// Sync waits until the worker has completed a receive step that started after this call.
func (w *Worker) Sync(timeout time.Duration) error {
	for i := 0; i < 2; i++ {
		if e := w.submitWaiter(waitSimple, nil, timeout); e != nil {
			return e
		}
	}
	return nil
}
