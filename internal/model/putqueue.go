package model

import (
	"sort"
	"sync"
	"time"
)

// putQueueTimer arms a single timer against the earliest Expires deadline
// in DataModel.putQueue: a flow leaving ALLOCATED with non-empty queues
// is parked rather than freed, and freed when its grace deadline expires
// whether or not its queues have drained, using one shared timer rather
// than one per flow (grounded on the teacher's ipn/ipnlocal
// pattern of a single re-armed time.Timer guarding a sorted work list,
// e.g. LocalBackend's authURL expiry timer).
type putQueueTimer struct {
	dm *DataModel

	mu     sync.Mutex
	timer  *time.Timer
	stopCh chan struct{}

	unboundTicker *time.Ticker
}

func newPutQueueTimer(dm *DataModel) *putQueueTimer {
	t := &putQueueTimer{
		dm:            dm,
		timer:         time.NewTimer(time.Hour),
		stopCh:        make(chan struct{}),
		unboundTicker: time.NewTicker(dm.cfg.UnboundFlowTimeout),
	}
	t.timer.Stop()
	go t.run()
	go t.runUnboundSweep()
	return t
}

func (t *putQueueTimer) run() {
	for {
		select {
		case <-t.stopCh:
			t.timer.Stop()
			return
		case <-t.timer.C:
			t.sweep()
		}
	}
}

func (t *putQueueTimer) stop() {
	close(t.stopCh)
	t.unboundTicker.Stop()
}

// runUnboundSweep periodically reclaims flows stuck PENDING|NEVER_BOUND
// past UnboundFlowTimeout, per SPEC_FULL §4 "Unbound-flow reclamation
// timer" (carried over from original_source's few-second constant): a
// flow an application requested but never bound to an upper (an I/O
// device, or an upper IPCP) within the grace window is torn down exactly
// as if the peer had requested deallocation.
//
// A flow qualifies only while PENDING, carrying FlagNeverBound, and with
// neither UpperRC nor UpperIPCP set. AllocateFlowPending never sets
// FlagNeverBound and always anchors the flow to its requester through
// BindRC, so flows it creates are not reclaimed by this sweep.
func (t *putQueueTimer) runUnboundSweep() {
	for {
		select {
		case <-t.stopCh:
			return
		case <-t.unboundTicker.C:
			t.unboundSweep()
		}
	}
}

func (t *putQueueTimer) unboundSweep() {
	dm := t.dm
	deadline := dm.cfg.UnboundFlowTimeout

	dm.flowMu.RLock()
	var stale []*Flow
	for _, f := range dm.flowByPort {
		f.Mu.Lock()
		unbound := f.State == FlowPending && f.Flags.Has(FlagNeverBound) && !f.isBoundLocked()
		f.Mu.Unlock()
		if unbound && time.Since(f.CreatedAt) > deadline {
			stale = append(stale, f)
		}
	}
	dm.flowMu.RUnlock()

	for _, f := range stale {
		dm.DeallocateFlow(f.LocalPort, f.UID)
	}
}

// park inserts f into the put-queue sorted by Expires, re-arming the
// timer if f is now the earliest deadline (spec.md §4.3).
func (t *putQueueTimer) park(f *Flow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dm := t.dm
	dm.flowMu.Lock()
	q := dm.putQueue
	i := sort.Search(len(q), func(i int) bool { return q[i].Expires >= f.Expires })
	q = append(q, nil)
	copy(q[i+1:], q[i:])
	q[i] = f
	dm.putQueue = q
	dm.Metrics.PutQueueLen.Set(float64(len(q)))
	earliest := q[0].Expires
	dm.flowMu.Unlock()
	t.rearm(earliest)
}

func (t *putQueueTimer) rearm(deadline int64) {
	d := time.Until(time.Unix(0, deadline))
	if d < 0 {
		d = 0
	}
	if !t.timer.Stop() {
		select {
		case <-t.timer.C:
		default:
		}
	}
	t.timer.Reset(d)
}

// sweep removes every expired entry from the put-queue and finalizes it,
// whether or not its queues still hold data; no entry is re-postponed
// (SetExpires is called only by DeallocateFlow when it parks a flow).
func (t *putQueueTimer) sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	dm := t.dm
	now := time.Now().UnixNano()

	dm.flowMu.Lock()
	q := dm.putQueue
	i := 0
	var expired []*Flow
	for i < len(q) && q[i].Expires <= now {
		expired = append(expired, q[i])
		i++
	}
	dm.putQueue = q[i:]
	var nextDeadline int64
	haveNext := len(dm.putQueue) > 0
	if haveNext {
		nextDeadline = dm.putQueue[0].Expires
	}
	dm.Metrics.PutQueueLen.Set(float64(len(dm.putQueue)))
	dm.flowMu.Unlock()

	for _, f := range expired {
		dm.finalizeParkedFlow(f)
	}
	if haveNext {
		t.rearm(nextDeadline)
	}
}

// finalizeParkedFlow removes f from the flow tables and enqueues it for
// final destruction, regardless of whether its queues ever drained: the
// grace period is a courtesy, not a guarantee (spec.md §4.3).
//
// Idempotent: f is only actually torn down the first time it is still
// present under its own port in flowByPort. DeallocateFlow's
// already-FlowDeallocated guard should prevent a second call from ever
// reaching here, but this makes finalizeParkedFlow safe on its own
// rather than relying solely on that caller-side guard.
func (dm *DataModel) finalizeParkedFlow(f *Flow) {
	dm.flowMu.Lock()
	if dm.flowByPort[f.LocalPort] != f {
		dm.flowMu.Unlock()
		return
	}
	delete(dm.flowByPort, f.LocalPort)
	delete(dm.flowByCEP, f.LocalCEP)
	dm.flowMu.Unlock()
	dm.releasePortID(f.LocalPort)
	dm.releaseCEPID(f.LocalCEP)
	if f.Unref() {
		dm.deferred.enqueueFlow(f)
	}
}
