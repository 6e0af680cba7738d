package model

import (
	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/kerr"
)

// requireBoundUpper enforces spec.md §4.7's precondition on every PDUFT
// mutation: the target must not be mid-destruction, it must have at
// least one bound upper flow, and a non-nil requester must be the upper
// the target's shortcut names. When requester is nil, or the shortcut
// has been invalidated by a second upper (ShortcutID 0), the requester's
// identity is not checked.
func requireBoundUpper(ip *IPCP, requester *IPCP) error {
	if ip.IsZombie() {
		return kerr.New(kerr.NotFound, "ipcp %d is being destroyed", ip.ID)
	}
	ip.Mu.Lock()
	shortcut := ip.ShortcutID
	flows := ip.ShortcutFlows
	ip.Mu.Unlock()
	if flows == 0 {
		return kerr.New(kerr.InvalidArg, "ipcp %d has no bound upper", ip.ID)
	}
	if shortcut != 0 && requester != nil && shortcut != requester.ID {
		return kerr.New(kerr.InvalidArg, "ipcp %d is not bound to requesting upper %d", ip.ID, requester.ID)
	}
	return nil
}

// PDUFTSet implements the PduftSet control operation (spec.md §4.7): the
// requesting upper installs a forwarding entry on ip for addr, pointing
// at flow.
func (dm *DataModel) PDUFTSet(ip *IPCP, requester *IPCP, addr uint64, flow *Flow) error {
	if err := requireBoundUpper(ip, requester); err != nil {
		return err
	}
	ip.PDUFT.Set(addr, flow)
	dm.Metrics.PDUFTEntries.Set(float64(ip.PDUFT.Len()))
	if ip.Ops.PduftSet != nil {
		return ip.Ops.PduftSet(ip, addr, flow)
	}
	return nil
}

// PDUFTDel implements PduftDel (spec.md §4.7).
func (dm *DataModel) PDUFTDel(ip *IPCP, requester *IPCP, addr uint64) error {
	if err := requireBoundUpper(ip, requester); err != nil {
		return err
	}
	ip.PDUFT.DelAddr(addr)
	dm.Metrics.PDUFTEntries.Set(float64(ip.PDUFT.Len()))
	if ip.Ops.PduftDel != nil {
		return ip.Ops.PduftDel(ip, addr)
	}
	return nil
}

// PDUFTFlush implements PduftFlush (spec.md §4.7).
func (dm *DataModel) PDUFTFlush(ip *IPCP, requester *IPCP) error {
	if err := requireBoundUpper(ip, requester); err != nil {
		return err
	}
	ip.PDUFT.Flush()
	dm.Metrics.PDUFTEntries.Set(0)
	if ip.Ops.PduftFlush != nil {
		return ip.Ops.PduftFlush(ip)
	}
	return nil
}

// PDUFTFlushFlow implements PduftFlushFlow (spec.md §4.7), removing every
// entry that forwards to a specific flow. DeallocateFlow does not call it;
// it flushes the lower IPCP's table directly.
func (dm *DataModel) PDUFTFlushFlow(ip *IPCP, requester *IPCP, flow *Flow) error {
	if err := requireBoundUpper(ip, requester); err != nil {
		return err
	}
	ip.PDUFT.FlushByFlow(flow)
	dm.Metrics.PDUFTEntries.Set(float64(ip.PDUFT.Len()))
	if ip.Ops.PduftFlushFlow != nil {
		return ip.Ops.PduftFlushFlow(ip, flow)
	}
	return nil
}

// SetSchedConfig implements the WRR/PFIFO scheduler advertisement
// operation (SPEC_FULL §4 "QoS-cube advertisement and scheduler
// supplement").
func (dm *DataModel) SetSchedConfig(ip *IPCP, requester *IPCP, wrr bool, weights map[uint8]int) error {
	if err := requireBoundUpper(ip, requester); err != nil {
		return err
	}
	ip.Mu.Lock()
	ip.SchedWRR = wrr
	ip.SchedWeights = weights
	if wrr {
		ip.Scheduler = dtp.NewWRR(weights)
	} else {
		ip.Scheduler = dtp.NewPFIFO()
	}
	ip.Mu.Unlock()
	if ip.Ops.SchedConfig != nil {
		return ip.Ops.SchedConfig(ip, wrr, weights)
	}
	return nil
}

// Stats is a live snapshot of one ipcp's object counts and queue depths
// (SPEC_FULL §2's ambient observability additions), returned by
// StatsFor and carried onto the wire as proto.StatsResp.
type Stats struct {
	IPCPID       int
	Applications int
	PDUFTEntries int
	Flows        int
	PutQueueLen  int
}

// StatsFor computes a live Stats snapshot for ip by walking the DM's own
// maps rather than reading back Metrics gauges, so the answer reflects
// the exact state under lock at the time of the call.
func (dm *DataModel) StatsFor(ip *IPCP) Stats {
	dm.flowMu.RLock()
	flows := 0
	for _, f := range dm.flowByPort {
		if f.LowerIPCP == ip {
			flows++
		}
	}
	putQueueLen := len(dm.putQueue)
	dm.flowMu.RUnlock()

	ip.Mu.Lock()
	apps := len(ip.apps)
	ip.Mu.Unlock()

	return Stats{
		IPCPID:       ip.ID,
		Applications: apps,
		PDUFTEntries: ip.PDUFT.Len(),
		Flows:        flows,
		PutQueueLen:  putQueueLen,
	}
}

// SetQoSCubes replaces the set of QoS cubes ip advertises as supported.
// The IpcpQosSupported handler does not read them; it calls
// CheckQosSupported.
func (dm *DataModel) SetQoSCubes(ip *IPCP, cubes []QoSCube) error {
	if ip.IsZombie() {
		return kerr.New(kerr.NotFound, "ipcp %d is being destroyed", ip.ID)
	}
	ip.Mu.Lock()
	ip.QoSCubes = cubes
	ip.Mu.Unlock()
	return nil
}

// CheckQosSupported delegates spec to the plug-in's QosSupported hook
// when one exists; without a hook every spec is accepted. ip's QoSCubes
// are not consulted.
func (dm *DataModel) CheckQosSupported(ip *IPCP, spec FlowSpec) error {
	if ip.Ops.QosSupported != nil {
		return ip.Ops.QosSupported(ip, spec)
	}
	return nil
}
