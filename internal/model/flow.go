package model

import (
	"sync"
	"time"

	"github.com/ipcpstack/corekernel/internal/dtp"
)

// Flow is one allocated (or pending, or draining) flow (spec.md §3).
//
// Flow owns a strong reference to LowerIPCP (spec.md §9: "Flow owns a
// strong reference to its lower IPCP"). At most one of UpperRC/UpperIPCP
// is non-nil at any time: AllocateFlowPending sets UpperRC already while
// the flow is PENDING, BindUpperIPCP swaps it for UpperIPCP, and Unbind
// clears both.
type Flow struct {
	RefCounted

	UID int64 // per-DM monotonic, disambiguates port-id reuse (spec.md §4.2)

	LocalPort int
	LocalCEP  int

	RemotePort int
	RemoteCEP  int
	RemoteAddr uint64

	LowerIPCP *IPCP // strong reference

	Mu        sync.Mutex
	UpperRC   ApplOwner // set while anchored directly to the requesting control device
	UpperIPCP *IPCP     // set once bound to an upper IPCP (strong ref, spec.md §4.5)

	QosID    uint8
	Spec     FlowSpec
	Cfg      FlowConfig
	State    FlowState
	Flags    FlowFlags
	EventID  uint32

	DTP *dtp.State

	deliverCh chan []byte

	// Expires is the put-queue deadline (unix nanoseconds); only
	// meaningful while the flow is parked in the DataModel's put-queue.
	Expires int64

	// CreatedAt is the flow's allocation time, used only by the
	// unbound-flow reclamation sweep to detect a PENDING|NEVER_BOUND
	// flow that has sat unbound past its grace period.
	CreatedAt time.Time
}

func newFlow(uid int64, localPort, localCEP int) *Flow {
	f := &Flow{
		UID:       uid,
		LocalPort: localPort,
		LocalCEP:  localCEP,
		State:     FlowPending,
		CreatedAt: time.Now(),
		deliverCh: make(chan []byte, 64),
	}
	f.Ref()
	return f
}

// InitDTP constructs the flow's DTP engine once the flow's addressing and
// configuration are known (mirrors rina_normal_flow_init in the original
// source).
func (f *Flow) InitDTP(cfg dtp.Config, writeLower func([]byte) error, onInactive, onDrop func()) {
	f.DTP = dtp.New(cfg, dtp.Callbacks{
		WriteLower:     writeLower,
		Deliver:        f.deliver,
		NotifyInactive: onInactive,
		OnDrop:         onDrop,
	})
}

func (f *Flow) deliver(payload []byte) {
	select {
	case f.deliverCh <- append([]byte(nil), payload...):
	default:
		// Delivery queue full: drop, mirroring a full I/O device queue.
	}
}

// DeliverChan returns the buffered channel delivered SDUs are queued on;
// callers receive (or select) on it to read them.
func (f *Flow) DeliverChan() <-chan []byte { return f.deliverCh }

// isBoundLocked reports whether the flow has an upper binding. Caller
// must hold f.Mu.
func (f *Flow) isBoundLocked() bool {
	return f.UpperRC != nil || f.UpperIPCP != nil
}

// BindRC anchors the flow to the originating control device (step 1 of
// flow allocation, spec.md §4.5).
func (f *Flow) BindRC(rc ApplOwner) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.UpperRC = rc
	f.UpperIPCP = nil
}

// BindUpperIPCP replaces the control-device binding with an upper IPCP
// binding (spec.md §4.5 "upper_ipcp_flow_bind"), maintaining the lower
// IPCP's shortcut cache.
func (f *Flow) BindUpperIPCP(upper *IPCP) {
	f.Mu.Lock()
	f.UpperRC = nil
	f.UpperIPCP = upper
	f.Mu.Unlock()
	if f.LowerIPCP != nil {
		f.LowerIPCP.bindShortcut(upper.ID)
	}
	upper.Ref()
}

// Unbind clears whichever upper binding is set, releasing the reference
// it held (spec.md §4.5 "unbinding ... releases it and decrements
// shortcut_flows").
func (f *Flow) Unbind() {
	f.Mu.Lock()
	upper := f.UpperIPCP
	f.UpperRC = nil
	f.UpperIPCP = nil
	f.Mu.Unlock()
	if upper != nil {
		if f.LowerIPCP != nil {
			f.LowerIPCP.unbindShortcut()
		}
		if upper.Unref() {
			destroyIPCPZero(upper)
		}
	}
}

// SetExpires arms the put-queue deadline delay from now.
func (f *Flow) SetExpires(delay time.Duration) {
	f.Expires = time.Now().Add(delay).UnixNano()
}

func (f *Flow) HasQueuedData() bool {
	if f.DTP == nil {
		return false
	}
	return f.DTP.CWQLen() > 0 || f.DTP.RTXQLen() > 0
}
