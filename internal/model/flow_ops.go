package model

import (
	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/kerr"
)

// AllocateFlowPending implements the first half of flow allocation
// (spec.md §4.5 / §6 FlowAllocateReq): it allocates a port id and cep id
// on the lower IPCP, creates the Flow in PENDING state anchored to the
// requesting control device, and invokes the plug-in's
// FlowAllocateReq hook. The flow allocation protocol engine
// (internal/flow) drives the remaining three handshake messages.
func (dm *DataModel) AllocateFlowPending(lower *IPCP, rc ApplOwner, spec FlowSpec, qosID uint8, remoteAddr uint64, eventID uint32) (*Flow, error) {
	if lower.IsZombie() {
		return nil, kerr.New(kerr.NotFound, "ipcp %d is being destroyed", lower.ID)
	}

	port, err := dm.allocPortID()
	if err != nil {
		return nil, err
	}
	cep, err := dm.allocCEPID()
	if err != nil {
		dm.releasePortID(port)
		return nil, err
	}

	f := newFlow(dm.nextFlowUID(), port, cep)
	f.RemoteAddr = remoteAddr
	f.QosID = qosID
	f.Spec = spec
	f.Flags = FlagInitiator
	f.EventID = eventID
	f.LowerIPCP = lower
	lower.Ref()
	f.BindRC(rc)

	dm.flowMu.Lock()
	dm.flowByPort[port] = f
	dm.flowByCEP[cep] = f
	dm.flowMu.Unlock()

	dm.Metrics.Flows.Inc()

	if lower.Ops.FlowAllocateReq != nil {
		if err := lower.Ops.FlowAllocateReq(lower, f); err != nil {
			dm.abortPendingFlow(f)
			return nil, err
		}
	}
	return f, nil
}

// abortPendingFlow tears down a flow that failed before ever reaching
// ALLOCATED, releasing its ids immediately rather than parking it (only
// an ALLOCATED flow with non-empty queues gets the grace period).
func (dm *DataModel) abortPendingFlow(f *Flow) {
	dm.flowMu.Lock()
	delete(dm.flowByPort, f.LocalPort)
	delete(dm.flowByCEP, f.LocalCEP)
	dm.flowMu.Unlock()
	dm.releasePortID(f.LocalPort)
	dm.releaseCEPID(f.LocalCEP)
	dm.Metrics.Flows.Dec()
	dm.Metrics.FlowAllocFailures.Inc()
	if f.Unref() {
		finishFlowRemoval(dm, f)
	}
}

// CompleteFlowAllocation transitions a flow to ALLOCATED once the
// four-message handshake finishes successfully (spec.md §4.5),
// initializing its DTP engine with the negotiated configuration.
func (dm *DataModel) CompleteFlowAllocation(f *Flow, remotePort, remoteCEP int, cfg FlowConfig, dtpCfg dtp.Config, writeLower func([]byte) error, onInactive func()) {
	f.Mu.Lock()
	f.RemotePort = remotePort
	f.RemoteCEP = remoteCEP
	f.Cfg = cfg
	f.State = FlowAllocated
	f.Mu.Unlock()
	f.InitDTP(dtpCfg, writeLower, onInactive, func() {
		dm.Metrics.DTPDroppedPDUs.IncrShard(f.LocalPort)
	})
}

// UpdateFlowConfig implements FlowCfgUpdate (spec.md §6): a live
// reconfiguration of a flow's windowed-flow-control/retransmission
// policy and initial credit, applied to both the DM's record of the
// negotiated config and the running DTP engine.
func (dm *DataModel) UpdateFlowConfig(f *Flow, cfg FlowConfig) error {
	f.Mu.Lock()
	f.Cfg = cfg
	dtpState := f.DTP
	lower := f.LowerIPCP
	f.Mu.Unlock()

	if dtpState == nil {
		return kerr.New(kerr.InvalidArg, "flow on port %d has no dtp engine yet", f.LocalPort)
	}
	dtpState.UpdateConfig(cfg.WindowedFlowControl, cfg.RtxControl, cfg.InitialCredit)

	if lower != nil && lower.Ops.FlowCfgUpdate != nil {
		return lower.Ops.FlowCfgUpdate(lower, f, cfg)
	}
	return nil
}

// LookupFlowByPort returns the live flow bound to the given local port.
func (dm *DataModel) LookupFlowByPort(port int) (*Flow, bool) {
	dm.flowMu.RLock()
	defer dm.flowMu.RUnlock()
	f, ok := dm.flowByPort[port]
	return f, ok
}

// SnapshotFlowPorts returns the local ports of every live flow whose
// lower IPCP is ip, for the FlowFetch paginated enumeration (spec.md
// §4.4).
func (dm *DataModel) SnapshotFlowPorts(ip *IPCP) []int {
	dm.flowMu.RLock()
	defer dm.flowMu.RUnlock()
	var out []int
	for port, f := range dm.flowByPort {
		if f.LowerIPCP == ip {
			out = append(out, port)
		}
	}
	return out
}

// LookupFlowByCEP returns the live flow bound to the given local CEP-id,
// used by the DTP receive path to demux an incoming PDU (spec.md §4.6).
func (dm *DataModel) LookupFlowByCEP(cep int) (*Flow, bool) {
	dm.flowMu.RLock()
	defer dm.flowMu.RUnlock()
	f, ok := dm.flowByCEP[cep]
	return f, ok
}

// DeallocateFlow implements FlowDeallocate (spec.md §4.5 / §6). It
// matches on both localPort and uid so a request racing against a
// port-id reuse (a fresh flow already occupying the same port number)
// is rejected rather than tearing down the wrong flow (spec.md §4.2:
// "the (port_id, uid) pair, not port_id alone, identifies a flow across
// its full lifetime").
//
// A flow leaving ALLOCATED with non-empty CWQ/RTXQ is parked in the
// put-queue for FlowDelWait rather than freed immediately (spec.md
// §4.3); every other flow is torn down inline.
//
// A flow already marked FlowDeallocated — whether by an earlier
// DeallocateFlow call or because it is sitting in the put-queue —
// still matches on (port, uid) since parked flows stay in flowByPort
// until their grace timer fires, so a second call is rejected with
// NotFound rather than re-running teardown and double-finalizing it
// (spec.md §8: "double flow_dealloc … second call returns NotFound").
// This is also what makes DestroyIPCP's flowByPort scan safe to run
// over an already-parked flow.
func (dm *DataModel) DeallocateFlow(localPort int, uid int64) error {
	dm.flowMu.Lock()
	f, ok := dm.flowByPort[localPort]
	if !ok || f.UID != uid {
		dm.flowMu.Unlock()
		return kerr.New(kerr.NotFound, "no such flow: port=%d uid=%d", localPort, uid)
	}
	dm.flowMu.Unlock()

	f.Mu.Lock()
	if f.State == FlowDeallocated {
		f.Mu.Unlock()
		return kerr.New(kerr.NotFound, "no such flow: port=%d uid=%d", localPort, uid)
	}
	wasAllocated := f.State == FlowAllocated
	f.State = FlowDeallocated
	lower := f.LowerIPCP
	f.Mu.Unlock()

	f.Unbind()

	if lower != nil && lower.Ops.FlowDeallocated != nil {
		lower.Ops.FlowDeallocated(lower, f)
	}
	if lower != nil {
		lower.PDUFT.FlushByFlow(f)
	}

	if wasAllocated && f.HasQueuedData() {
		f.Flags |= FlagDelPostponed
		f.SetExpires(dm.cfg.FlowDelWait)
		dm.putTimer.park(f)
		return nil
	}

	dm.finalizeParkedFlow(f)
	return nil
}

// finishFlowRemoval runs on the flow-removal worker once a flow's last
// reference drops: it releases the flow's strong reference on its lower
// IPCP (spec.md §9) and updates the live-flow gauge. Always runs in
// process context (spec.md §4.3).
func finishFlowRemoval(dm *DataModel, f *Flow) {
	if f.LowerIPCP != nil {
		if f.LowerIPCP.Unref() {
			destroyIPCPZero(f.LowerIPCP)
		}
	}
	dm.Metrics.Flows.Dec()
}
