package model

import (
	"sync"
	"time"

	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/pduft"
)

// UpdateSink receives IpcpUpdate broadcasts (spec.md §4.4). It is
// implemented by internal/ctrldev.ControlDevice; model never imports
// ctrldev, so the dependency runs one way.
type UpdateSink interface {
	PushUpdate(u IpcpUpdate)
}

// UipcpPeer is the control device a "normal" IPCP reflects flow
// allocation and registration messages onto when it delegates policy to
// a user-space daemon (spec.md §4.5). Implemented by
// internal/ctrldev.ControlDevice.
type UipcpPeer interface {
	PushReflected(msgType uint32, payload []byte) error
}

// UpdateKind is the kind of change an IpcpUpdate broadcast reports.
type UpdateKind int

const (
	UpdateAdd UpdateKind = iota
	UpdateDel
	UpdateChange
)

// IpcpUpdate is broadcast to every subscribed control device whenever an
// IPCP is created, destroyed, marked uipcp-detached, or updated (spec.md
// §4.4).
type IpcpUpdate struct {
	Kind    UpdateKind
	ID      int
	Name    string
	DIFName string
	DIFType string
	Address uint64
}

// IPCP is one member of one DIF (spec.md §3).
type IPCP struct {
	RefCounted

	ID   int
	Name string

	DIF     *DIF
	Ops     Ops
	Factory *Factory
	Priv    any // DIF-type-dependent private state, returned by Ops.Create

	// Mutable fields guarded by Mu (the per-IPCP mutex of spec.md §5).
	Mu             sync.Mutex
	Address        uint64
	HeadroomHint   int
	TailroomHint   int
	MaxSDUSize     int
	Uipcp          UipcpPeer
	ShortcutID     int // weak pointer: id of the sole upper IPCP, or 0 if none
	ShortcutFlows  int
	Zombie         bool
	QoSCubes       []QoSCube
	SchedWRR       bool
	SchedWeights   map[uint8]int
	Scheduler      dtp.Scheduler // egress ordering across QoS classes, per SchedWRR

	apps map[string]*RegisteredAppl // name -> registration, guarded by Mu

	PDUFT *pduft.Table[*Flow]

	uipcpCond *sync.Cond // signaled by SetUipcp; waited on by WaitForUipcp
}

func newIPCP(id int, name string, dif *DIF, factory *Factory, ops Ops) *IPCP {
	ip := &IPCP{
		ID:         id,
		Name:       name,
		DIF:        dif,
		Ops:        ops,
		Factory:    factory,
		MaxSDUSize: 8992,
		apps:       make(map[string]*RegisteredAppl),
		PDUFT:      pduft.New[*Flow](),
		Scheduler:  dtp.NewPFIFO(),
	}
	ip.uipcpCond = sync.NewCond(&ip.Mu)
	ip.Ref()
	return ip
}

// WaitForUipcp blocks until a user-space IPCP attaches to ip (via
// SetUipcp) or timeout elapses, whichever comes first (spec.md §5's
// "Coroutine-like control flow": uipcp_wait is a bounded wait on a
// condition variable with signal-interruption semantics). A timeout of
// zero waits forever.
func (ip *IPCP) WaitForUipcp(timeout time.Duration) (UipcpPeer, error) {
	ip.Mu.Lock()
	if ip.Uipcp != nil {
		peer := ip.Uipcp
		ip.Mu.Unlock()
		return peer, nil
	}
	ip.Mu.Unlock()

	done := make(chan UipcpPeer, 1)
	stop := make(chan struct{})
	go func() {
		ip.Mu.Lock()
		for ip.Uipcp == nil {
			select {
			case <-stop:
				ip.Mu.Unlock()
				return
			default:
			}
			ip.uipcpCond.Wait()
		}
		peer := ip.Uipcp
		ip.Mu.Unlock()
		done <- peer
	}()

	if timeout <= 0 {
		return <-done, nil
	}
	select {
	case peer := <-done:
		return peer, nil
	case <-time.After(timeout):
		close(stop)
		ip.uipcpCond.Broadcast() // wake the waiter so it observes stop and exits
		return nil, kerr.New(kerr.Interrupted, "uipcp_wait: ipcp %d timed out waiting for a uipcp attachment", ip.ID)
	}
}

// IsZombie reports whether the IPCP refuses new flows/PDUFT changes
// (spec.md §3: "when destroyed, marked zombie first").
func (ip *IPCP) IsZombie() bool {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	return ip.Zombie
}

// bindShortcut records upper as the sole upper IPCP bound to ip, or
// invalidates the shortcut if a second upper appears (spec.md §4.5
// "Upper binding"). Callers hold no lock; bindShortcut takes ip.Mu.
func (ip *IPCP) bindShortcut(upperID int) {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	if ip.ShortcutFlows == 0 {
		ip.ShortcutID = upperID
	} else if ip.ShortcutID != upperID {
		ip.ShortcutID = 0 // invalidated: more than one distinct upper
	}
	ip.ShortcutFlows++
}

func (ip *IPCP) unbindShortcut() {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	if ip.ShortcutFlows > 0 {
		ip.ShortcutFlows--
	}
	if ip.ShortcutFlows == 0 {
		ip.ShortcutID = 0
	}
}

// BoundUpperID returns the id of the sole upper IPCP currently bound to
// ip (spec.md §4.5's shortcut), or 0 if none or invalidated.
func (ip *IPCP) BoundUpperID() int {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	return ip.ShortcutID
}

func (ip *IPCP) addAppl(a *RegisteredAppl) {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	ip.apps[a.Name] = a
}

func (ip *IPCP) removeAppl(name string) (*RegisteredAppl, bool) {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	a, ok := ip.apps[name]
	if ok {
		delete(ip.apps, name)
	}
	return a, ok
}

func (ip *IPCP) lookupAppl(name string) (*RegisteredAppl, bool) {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	a, ok := ip.apps[name]
	return a, ok
}

// stealApps removes and returns every registered application, used when
// an IPCP is destroyed (spec.md §3: "its applications stolen and torn
// down").
func (ip *IPCP) stealApps() []*RegisteredAppl {
	ip.Mu.Lock()
	defer ip.Mu.Unlock()
	out := make([]*RegisteredAppl, 0, len(ip.apps))
	for _, a := range ip.apps {
		out = append(out, a)
	}
	ip.apps = make(map[string]*RegisteredAppl)
	return out
}
