package waitreq_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sdrnet/udpdk/core/testenv"
	"github.com/sdrnet/udpdk/xport/waitreq"
	"golang.org/x/sys/unix"
)

var makeAR = testenv.MakeAR

func TestComplete(t *testing.T) {
	assert, _ := makeAR(t)

	r := waitreq.New()
	assert.Equal(1, r.Refs())
	w := r.Acquire()
	assert.Equal(2, r.Refs())

	errX := errors.New("X")
	go func() {
		time.Sleep(10 * time.Millisecond)
		assert.True(w.Complete(errX))
		assert.False(w.Complete(nil))
		assert.False(w.Release())
	}()

	assert.Equal(errX, r.Wait(time.Second))
	assert.Equal(waitreq.StateCompleted, r.State())
	assert.Eventually(func() bool { return r.Refs() == 1 }, time.Second, time.Millisecond)
	assert.True(r.Release())
	assert.Panics(func() { r.Release() })
}

func TestTimeout(t *testing.T) {
	assert, _ := makeAR(t)

	r := waitreq.New()
	w := r.Acquire()

	e := r.Wait(10 * time.Millisecond)
	assert.ErrorIs(e, waitreq.ErrTimeout)
	assert.ErrorIs(e, unix.ETIMEDOUT)
	assert.True(r.Abandoned())
	assert.False(r.Release())

	assert.False(w.Complete(nil), "worker observes abandonment")
	assert.True(w.Release())
}

func TestIndefinite(t *testing.T) {
	assert, _ := makeAR(t)

	r := waitreq.New()
	w := r.Acquire()
	go func() {
		time.Sleep(20 * time.Millisecond)
		w.Complete(nil)
		w.Release()
	}()
	assert.NoError(r.Wait(0))
	select {
	case <-r.Done():
	default:
		assert.Fail("Done channel not closed")
	}
}

func TestRace(t *testing.T) {
	assert, _ := makeAR(t)

	const n = 200
	for i := 0; i < n; i++ {
		r := waitreq.New()
		w := r.Acquire()
		var completed bool
		var wg sync.WaitGroup
		wg.Add(1)
		go func(delay time.Duration) {
			defer wg.Done()
			time.Sleep(delay)
			completed = w.Complete(nil)
			w.Release()
		}(time.Duration(i%5) * 20 * time.Microsecond)

		e := r.Wait(40 * time.Microsecond)
		wg.Wait()
		if completed {
			assert.NoError(e)
		} else {
			assert.ErrorIs(e, waitreq.ErrTimeout)
			assert.True(r.Abandoned())
		}
		assert.True(r.Release())
	}
}
