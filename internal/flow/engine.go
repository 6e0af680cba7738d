// Package flow implements the flow allocation protocol engine of
// spec.md §4.5: the four-message handshake (fa_req, fa_req_arrived,
// fa_resp, fa_resp_arrived), driven by internal/ctrldev's dispatcher and
// operating on internal/model's DataModel.
//
// Grounded on the teacher's control/controlclient package's pattern of a
// small stateful "engine" type wrapping a shared backend and exposing
// one method per protocol step, and on ipn/ipnlocal's request/response
// pairing via an event id.
package flow

import (
	"github.com/ipcpstack/corekernel/internal/config"
	"github.com/ipcpstack/corekernel/internal/dtp"
	"github.com/ipcpstack/corekernel/internal/kerr"
	"github.com/ipcpstack/corekernel/internal/logger"
	"github.com/ipcpstack/corekernel/internal/model"
)

// Engine drives flow allocation for one DataModel.
type Engine struct {
	dm   *model.DataModel
	cfg  config.Config
	logf logger.Logf
}

// New returns a flow allocation engine bound to dm.
func New(dm *model.DataModel, cfg config.Config, logf logger.Logf) *Engine {
	if logf == nil {
		logf = logger.Discard
	}
	return &Engine{dm: dm, cfg: cfg, logf: logger.WithPrefix(logf, "flow: ")}
}

// dtpConfigFor derives a dtp.Config from a flow's addressing, the
// negotiated FlowConfig, and engine-wide timer parameters (spec.md
// §4.6). Called once the flow's remote port/cep are known, i.e. at the
// moment allocation completes.
func (e *Engine) dtpConfigFor(f *model.Flow, fc model.FlowConfig) dtp.Config {
	var srcAddr uint64
	if f.LowerIPCP != nil {
		f.LowerIPCP.Mu.Lock()
		srcAddr = f.LowerIPCP.Address
		f.LowerIPCP.Mu.Unlock()
	}
	return dtp.Config{
		DstAddr: f.RemoteAddr,
		SrcAddr: srcAddr,
		DstCEP:  uint16(f.RemoteCEP),
		SrcCEP:  uint16(f.LocalCEP),
		QosID:   f.QosID,

		WindowedFlowControl: fc.WindowedFlowControl,
		RtxControl:          fc.RtxControl,
		InitialCredit:       fc.InitialCredit,
		MaxCWQLen:           e.cfg.MaxCWQLen,
		MaxRTXQLen:          e.cfg.MaxRTXQLen,
		SenderInactivity:    e.dm.Config().SenderInactivityTimeout(),
		ReceiverInactivity:  e.dm.Config().ReceiverInactivityTimeout(),
	}
}

// Request implements fa_req (spec.md §4.5 step 1): on the lower IPCP
// the caller selected by DIF name, allocates port/CEP ids, creates a PENDING|INITIATOR
// flow anchored to rc, and either invokes the plug-in's
// FlowAllocateReq or lets the caller reflect it onto a uipcp (the
// caller decides based on whether lower.Uipcp is set — reflection itself
// happens through model.UipcpPeer.PushReflected, invoked by the
// dispatcher, not the engine, to keep this package free of proto
// framing concerns).
func (e *Engine) Request(lower *model.IPCP, rc model.ApplOwner, spec model.FlowSpec, qosID uint8, remoteAddr uint64, eventID uint32) (*model.Flow, error) {
	return e.dm.AllocateFlowPending(lower, rc, spec, qosID, remoteAddr, eventID)
}

// Arrived implements fa_req_arrived (spec.md §4.5 step 2): the peer or a
// uipcp reports an incoming request; the engine looks up the registered
// application, allocates a local port-id/CEP-id, and records the remote
// addressing. It does not notify anyone itself: it returns the newly
// created flow and the application so the caller can frame FaReqArrived
// with the port id for the application's owning control device.
func (e *Engine) Arrived(lower *model.IPCP, applName string, remotePort, remoteCEP int, remoteAddr uint64, spec model.FlowSpec, qosID uint8) (*model.Flow, *model.RegisteredAppl, error) {
	appl, ok := e.dm.LookupAppl(lower, applName)
	if !ok {
		return nil, nil, kerr.New(kerr.NotFound, "no application %q registered on ipcp %d", applName, lower.ID)
	}
	f, err := e.dm.AllocateFlowPending(lower, appl.Owner, spec, qosID, remoteAddr, 0)
	if err != nil {
		return nil, nil, err
	}
	f.Mu.Lock()
	f.RemotePort = remotePort
	f.RemoteCEP = remoteCEP
	f.Mu.Unlock()
	return f, appl, nil
}

// Respond implements fa_resp (spec.md §4.5 step 3): validates the flow
// is still PENDING with the matching event id, then either completes
// allocation (accept) or tears the flow down (reject). upperIPCP, if
// non-nil, is bound onto the flow via upper_ipcp_flow_bind; otherwise
// the flow stays anchored to the originating control device.
func (e *Engine) Respond(f *model.Flow, eventID uint32, accept bool, upperIPCP *model.IPCP, cfg model.FlowConfig, writeLower func([]byte) error) error {
	f.Mu.Lock()
	pending := f.State == model.FlowPending
	matches := f.EventID == 0 || f.EventID == eventID
	remotePort, remoteCEP := f.RemotePort, f.RemoteCEP
	f.Mu.Unlock()
	if !pending {
		return kerr.New(kerr.InvalidArg, "flow %d is not PENDING", f.LocalPort)
	}
	if !matches {
		return kerr.New(kerr.InvalidArg, "flow %d: event id mismatch", f.LocalPort)
	}

	if !accept {
		return e.dm.DeallocateFlow(f.LocalPort, f.UID)
	}

	e.dm.CompleteFlowAllocation(f, remotePort, remoteCEP, cfg, e.dtpConfigFor(f, cfg), writeLower, func() {
		e.logf("flow %d: sender/receiver inactivity fired", f.LocalPort)
	})
	if upperIPCP != nil {
		f.BindUpperIPCP(upperIPCP)
	}
	return nil
}

// RespondArrived implements fa_resp_arrived (spec.md §4.5 step 4): the
// mirror of Respond on the initiator side. On reject it schedules flow
// deletion; on accept it completes allocation with the responder's
// remote port/cep.
func (e *Engine) RespondArrived(f *model.Flow, accept bool, remotePort, remoteCEP int, cfg model.FlowConfig, writeLower func([]byte) error) error {
	if !accept {
		return e.dm.DeallocateFlow(f.LocalPort, f.UID)
	}
	f.Mu.Lock()
	f.RemotePort, f.RemoteCEP = remotePort, remoteCEP
	f.Mu.Unlock()
	e.dm.CompleteFlowAllocation(f, remotePort, remoteCEP, cfg, e.dtpConfigFor(f, cfg), writeLower, func() {
		e.logf("flow %d: sender/receiver inactivity fired", f.LocalPort)
	})
	return nil
}

// Deallocate implements flow_dealloc (spec.md §4.5 "Port-id reuse
// race"): matching happens on (port, uid), so a request racing a
// port-id reuse is rejected rather than tearing down a newer flow that
// happens to occupy the same slot. Deferred straight to the DataModel,
// which owns the matching logic.
func (e *Engine) Deallocate(localPort int, uid int64) error {
	return e.dm.DeallocateFlow(localPort, uid)
}
