// Package ctrldev implements the control device: the byte-stream
// endpoint of spec.md §4.4/§6 through which user space creates IPCPs,
// registers applications, drives flow allocation, and receives
// asynchronous IPCP-update broadcasts.
package ctrldev

import (
	"sync"
	"time"

	"github.com/ipcpstack/corekernel/internal/kerr"
)

// upqueue is a FIFO of already-framed messages bounded by a byte budget
// (spec.md §4.4). append either enqueues immediately or, if the budget is
// exhausted, blocks up to a short timeout before dropping with NoSpace;
// read pops exactly one message, failing with NoSpace if the caller's
// buffer is too small (kerr has no separate NoBufs kind; the head is
// retained in that case so a retry with a bigger buffer succeeds).
//
// Grounded on the teacher's ipn upqueue-like pattern of a mutex plus a
// notify channel guarding a slice-backed FIFO (see ipn/ipnlocal's use of
// a broadcast condition for its own outgoing-message queue).
type upqueue struct {
	mu       sync.Mutex
	budget   int
	used     int
	q        [][]byte
	notEmpty chan struct{} // closed and replaced whenever the queue transitions empty->non-empty
	notFull  chan struct{} // closed and replaced whenever read frees budget

	droppedTotal func() // metrics hook, may be nil
}

func newUpqueue(budget int, onDrop func()) *upqueue {
	return &upqueue{
		budget:       budget,
		notEmpty:     make(chan struct{}),
		notFull:      make(chan struct{}),
		droppedTotal: onDrop,
	}
}

// append enqueues msg. If maysleep is false, it never blocks: an
// over-budget queue means an immediate NoSpace. If maysleep is true, it
// waits up to timeout for room before dropping (spec.md §4.4: "waits up
// to a short budget (≈5 ms) then drops with NoSpace").
func (u *upqueue) append(msg []byte, maysleep bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		u.mu.Lock()
		if u.used+len(msg) <= u.budget {
			wasEmpty := len(u.q) == 0
			u.q = append(u.q, msg)
			u.used += len(msg)
			if wasEmpty {
				close(u.notEmpty)
				u.notEmpty = make(chan struct{})
			}
			u.mu.Unlock()
			return nil
		}
		wake := u.notFull // closed by a read that frees budget
		u.mu.Unlock()

		if !maysleep {
			u.drop()
			return kerr.New(kerr.NoSpace, "ctrldev: upqueue full")
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			u.drop()
			return kerr.New(kerr.NoSpace, "ctrldev: upqueue append timed out")
		}
		select {
		case <-wake:
		case <-time.After(remaining):
			u.drop()
			return kerr.New(kerr.NoSpace, "ctrldev: upqueue append timed out")
		}
	}
}

func (u *upqueue) drop() {
	if u.droppedTotal != nil {
		u.droppedTotal()
	}
}

// read pops the head message into a buffer of at most len(buf) bytes. If
// the head is larger than buf, it is retained and NoSpace is returned
// (spec.md §4.4). A successful read wakes appenders waiting for budget.
func (u *upqueue) read(buf []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.q) == 0 {
		return 0, kerr.New(kerr.InvalidArg, "ctrldev: upqueue empty")
	}
	head := u.q[0]
	if len(head) > len(buf) {
		return 0, kerr.New(kerr.NoSpace, "ctrldev: read buffer too small, need %d", len(head))
	}
	n := copy(buf, head)
	u.q = u.q[1:]
	u.used -= len(head)
	close(u.notFull)
	u.notFull = make(chan struct{})
	return n, nil
}

// readable reports whether poll should report POLLIN (spec.md §4.4:
// "always writable; readable when the queue is non-empty").
func (u *upqueue) readable() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.q) > 0
}

// waitReadable blocks until the queue is non-empty or ctx-style timeout
// elapses (0 means wait forever); used by a blocking control-device read.
func (u *upqueue) waitReadable(timeout time.Duration) bool {
	u.mu.Lock()
	if len(u.q) > 0 {
		u.mu.Unlock()
		return true
	}
	wake := u.notEmpty
	u.mu.Unlock()

	if timeout <= 0 {
		<-wake
		return true
	}
	select {
	case <-wake:
		return true
	case <-time.After(timeout):
		return u.readable()
	}
}
